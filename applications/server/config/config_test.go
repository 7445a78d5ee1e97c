package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donmikel/photobatch/applications/server/memgate"
	"github.com/donmikel/photobatch/applications/server/validator"
)

func TestParseConfig(t *testing.T) {
	want := Server{
		API: Api{
			HTTPAddr:        "0.0.0.0:8002",
			ReadTimeout:     10 * time.Minute,
			WriteTimeout:    10 * time.Minute,
			MaxRequestBytes: defaultMaxRequestBytes,
		},
		Upload: validator.DefaultOptions(),
		Memory: memgate.Config{
			MaxConcurrent:        10,
			MaxLargeConcurrent:   5,
			LargeFileThresholdMB: 10,
			MaxBatchSizeMB:       5000,
			RecommendedMaxFiles:  100,
		},
		Storage: Storage{
			Driver:         StorageMemory,
			PublicURL:      "http://localhost:8002/media",
			MemoryCapacity: defaultMemoryCapacity,
		},
		RateLimit: RateLimit{Driver: RateLimitNone, Window: time.Minute},
		Metrics:   Metrics{Enabled: true, Path: "/metrics"},
	}

	got, err := Parse("config.yml")

	assert.NoError(t, got.Validate())
	assert.Equal(t, nil, err)
	assert.Equal(t, want, got)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "missing addr", body: "api: {}\n", want: "HTTPAddr"},
		{name: "unknown storage", body: "api: {http_addr: ':8080'}\nstorage: {driver: gcs}\n", want: "Driver"},
		{name: "s3 without bucket", body: "api: {http_addr: ':8080'}\nstorage: {driver: s3}\n", want: "storage.s3"},
		{
			name: "large above small",
			body: "api: {http_addr: ':8080'}\nmemory: {max_concurrent: 2, max_large_concurrent: 4}\n",
			want: "max_large_concurrent",
		},
		{name: "redis without addr", body: "api: {http_addr: ':8080'}\nrate_limit: {driver: redis, requests: 10}\n", want: "rate_limit.redis.addr"},
		{name: "limiter without requests", body: "api: {http_addr: ':8080'}\nrate_limit: {driver: memory}\n", want: "rate_limit.requests"},
		{name: "non image mime", body: "api: {http_addr: ':8080'}\nupload: {allowed_mime_types: [text/html]}\n", want: "AllowedMIMETypes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse(writeConfig(t, tt.body))
			require.NoError(t, err)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseUnknownField(t *testing.T) {
	_, err := Parse(writeConfig(t, "api: {http_addr: ':8080', port: 1}\n"))
	assert.Error(t, err)
}
