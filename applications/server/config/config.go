package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	playground "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/donmikel/photobatch/applications/server/adapters/minio"
	"github.com/donmikel/photobatch/applications/server/adapters/redis"
	"github.com/donmikel/photobatch/applications/server/adapters/s3"
	"github.com/donmikel/photobatch/applications/server/memgate"
	"github.com/donmikel/photobatch/applications/server/validator"
)

const (
	StorageMemory = "memory"
	StorageS3     = "s3"
	StorageMinio  = "minio"

	RateLimitNone   = "none"
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

const (
	defaultReadTimeout     = 5 * time.Minute
	defaultWriteTimeout    = 5 * time.Minute
	defaultMaxRequestBytes = 5*1024*1024*1024 + 10*1024*1024 // max batch plus form overhead
	defaultMetricsPath     = "/metrics"
	defaultMemoryCapacity  = 1024 * 1024 * 1024
	defaultRateWindow      = time.Minute
)

type Server struct {
	API       Api               `yaml:"api"`
	Upload    validator.Options `yaml:"upload"`
	Memory    memgate.Config    `yaml:"memory"`
	Storage   Storage           `yaml:"storage"`
	RateLimit RateLimit         `yaml:"rate_limit"`
	Metrics   Metrics           `yaml:"metrics"`
}

type Api struct {
	HTTPAddr        string        `yaml:"http_addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxRequestBytes int64         `yaml:"max_request_bytes" validate:"gte=0"`
}

type Storage struct {
	Driver string `yaml:"driver" validate:"oneof=memory s3 minio"`
	// PublicURL prefixes object keys for the in-memory driver.
	PublicURL      string       `yaml:"public_url"`
	MemoryCapacity int64        `yaml:"memory_capacity" validate:"gte=0"`
	S3             s3.Config    `yaml:"s3"`
	Minio          minio.Config `yaml:"minio"`
}

type RateLimit struct {
	Driver   string        `yaml:"driver" validate:"oneof=none memory redis"`
	Requests int           `yaml:"requests" validate:"gte=0"`
	Window   time.Duration `yaml:"window"`
	Redis    redis.Config  `yaml:"redis"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
}

// Parse reads the YAML file at path and fills unset options with defaults.
func Parse(path string) (Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Server{}, fmt.Errorf("can't read config file: %w", err)
	}

	var cfg Server
	if err = yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Server{}, fmt.Errorf("can't unmarshal config: %w", err)
	}

	return cfg.withDefaults(), nil
}

func (s Server) withDefaults() Server {
	if s.API.ReadTimeout <= 0 {
		s.API.ReadTimeout = defaultReadTimeout
	}
	if s.API.WriteTimeout <= 0 {
		s.API.WriteTimeout = defaultWriteTimeout
	}
	if s.API.MaxRequestBytes <= 0 {
		s.API.MaxRequestBytes = defaultMaxRequestBytes
	}

	s.Upload = s.Upload.Merge(validator.DefaultOptions())
	s.Memory = s.Memory.WithDefaults()

	if s.Storage.Driver == "" {
		s.Storage.Driver = StorageMemory
	}
	if s.Storage.MemoryCapacity <= 0 {
		s.Storage.MemoryCapacity = defaultMemoryCapacity
	}

	if s.RateLimit.Driver == "" {
		s.RateLimit.Driver = RateLimitNone
	}
	if s.RateLimit.Window <= 0 {
		s.RateLimit.Window = defaultRateWindow
	}

	if s.Metrics.Path == "" {
		s.Metrics.Path = defaultMetricsPath
	}

	return s
}

func (s Server) Validate() error {
	if err := playground.New().Struct(s); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if s.Upload.MinFileSize > s.Upload.MaxFileSize {
		errs = append(errs, errors.New("upload.min_file_size is greater than upload.max_file_size"))
	}
	if s.Upload.MaxFileSize > s.Upload.MaxBatchSize {
		errs = append(errs, errors.New("upload.max_file_size is greater than upload.max_batch_size"))
	}
	if s.Memory.MaxLargeConcurrent > s.Memory.MaxConcurrent {
		errs = append(errs, errors.New("memory.max_large_concurrent is greater than memory.max_concurrent"))
	}

	switch s.Storage.Driver {
	case StorageS3:
		if s.Storage.S3.Bucket == "" || s.Storage.S3.Region == "" {
			errs = append(errs, errors.New("storage.s3 needs bucket and region"))
		}
	case StorageMinio:
		if s.Storage.Minio.Bucket == "" || s.Storage.Minio.Endpoint == "" {
			errs = append(errs, errors.New("storage.minio needs endpoint and bucket"))
		}
	}

	if s.RateLimit.Driver != RateLimitNone && s.RateLimit.Requests <= 0 {
		errs = append(errs, errors.New("rate_limit.requests must be positive when a limiter is enabled"))
	}
	if s.RateLimit.Driver == RateLimitRedis && s.RateLimit.Redis.Addr == "" {
		errs = append(errs, errors.New("rate_limit.redis.addr is required"))
	}

	return errors.Join(errs...)
}
