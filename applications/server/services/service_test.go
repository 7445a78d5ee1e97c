package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donmikel/photobatch/applications/server/adapters/inmemory"
	"github.com/donmikel/photobatch/applications/server/domain"
	"github.com/donmikel/photobatch/applications/server/interfaces"
	"github.com/donmikel/photobatch/applications/server/memgate"
	"github.com/donmikel/photobatch/applications/server/validator"
)

const fileSize = 16 * 1024

func jpeg() []byte {
	b := make([]byte, fileSize)
	copy(b, []byte{0xFF, 0xD8, 0xFF})
	return b
}

func file(name string, data []byte) domain.UploadFile {
	return domain.UploadFile{
		Filename:     name,
		DeclaredMIME: "image/jpeg",
		Size:         int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (f *fakeStorage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && bytes.Contains(data, []byte(f.failOn)) {
		return "", errors.New("bucket unavailable")
	}
	f.objects[key] = data
	return "https://cdn.test/" + key, nil
}

func (f *fakeStorage) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeStorage) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	return keys
}

type failingRepository struct {
	interfaces.PhotoRepository
}

func (failingRepository) CreatePhoto(context.Context, domain.Photo) error {
	return errors.New("connection reset")
}

type slowProcessor struct {
	delay  time.Duration
	active atomic.Int32
	peak   atomic.Int32
}

func (p *slowProcessor) Process(ctx context.Context, data []byte, mimeType string) (domain.ProcessedImage, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(p.delay)
	return domain.ProcessedImage{Body: data, MIMEType: mimeType}, nil
}

// blockingProcessor holds every call until release is closed.
type blockingProcessor struct {
	started chan struct{}
	release chan struct{}
}

func (p *blockingProcessor) Process(ctx context.Context, data []byte, mimeType string) (domain.ProcessedImage, error) {
	p.started <- struct{}{}
	<-p.release
	return domain.ProcessedImage{Body: data, MIMEType: mimeType}, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	batches  []domain.BatchUploadResult
	rejected []domain.Category
}

func (o *recordingObserver) ObserveBatch(res domain.BatchUploadResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, res)
}

func (o *recordingObserver) ObserveRejected(c domain.Category) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, c)
}

type fixture struct {
	storage  *fakeStorage
	photos   interfaces.PhotoRepository
	gate     *memgate.Gate
	observer *recordingObserver
}

func newFixture() *fixture {
	return &fixture{
		storage:  newFakeStorage(),
		photos:   inmemory.NewPhotoRepository(),
		gate:     memgate.New(memgate.Config{}),
		observer: &recordingObserver{},
	}
}

func (f *fixture) service(processor interfaces.ImageProcessor) *service {
	ids := atomic.Int32{}
	return NewService(
		validator.New(validator.Options{}, nil, validator.WithReadGate(f.gate)),
		f.gate,
		processor,
		f.storage,
		f.photos,
		log.NewNopLogger(),
		WithObserver(f.observer),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", ids.Add(1)) }),
	).(*service)
}

func TestUploadBatchSuccess(t *testing.T) {
	f := newFixture()
	svc := f.service(inmemory.NewImageProcessor())

	res, err := svc.UploadBatch(context.Background(), domain.BatchRequest{
		EventID:    "wedding",
		UploadedBy: "admin",
		Files:      []domain.UploadFile{file("a.jpg", jpeg()), file("b.jpg", jpeg()), file("c d.jpg", jpeg())},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 3, res.Uploaded)
	assert.Zero(t, res.Failed)
	assert.Equal(t, int64(3*fileSize), res.TotalSize)
	assert.Equal(t, "3 photos uploaded", res.Message)

	names := []string{res.Results[0].Filename, res.Results[1].Filename, res.Results[2].Filename}
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c_d.jpg"}, names)
	for _, r := range res.Results {
		assert.True(t, r.Success)
		assert.True(t, strings.HasPrefix(r.URL, "https://cdn.test/events/wedding/photos/id-"), r.URL)
		assert.True(t, strings.HasSuffix(r.URL, ".jpg"), r.URL)
	}

	photos, err := svc.EventPhotos(context.Background(), "wedding")
	require.NoError(t, err)
	assert.Len(t, photos, 3)
	assert.Len(t, f.storage.keys(), 3)
	assert.Len(t, f.observer.batches, 1)
}

func TestUploadBatchPartialFailure(t *testing.T) {
	f := newFixture()
	svc := f.service(inmemory.NewImageProcessor())

	infected := jpeg()
	copy(infected[64:], "<?php eval($_POST['x']); ?>")

	unstorable := jpeg()
	copy(unstorable[64:], "NOSTORE")
	f.storage.failOn = "NOSTORE"

	res, err := svc.UploadBatch(context.Background(), domain.BatchRequest{
		EventID: "e1",
		Files: []domain.UploadFile{
			file("ok.jpg", jpeg()),
			file("bad.jpg", infected),
			file("flaky.jpg", unstorable),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomePartial, res.Outcome)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 3, res.Total)

	assert.True(t, res.Results[0].Success)

	assert.False(t, res.Results[1].Success)
	assert.Equal(t, domain.CategorySecurity, res.Results[1].Category)
	assert.False(t, res.Results[1].Retryable)

	assert.False(t, res.Results[2].Success)
	assert.Equal(t, domain.CategoryStorage, res.Results[2].Category)
	assert.True(t, res.Results[2].Retryable)
	assert.Contains(t, res.Results[2].Error, "bucket unavailable")

	assert.True(t, res.AnyRetryable())
}

func TestUploadBatchRollsBackObjectWhenRecordFails(t *testing.T) {
	f := newFixture()
	f.photos = failingRepository{}
	svc := f.service(inmemory.NewImageProcessor())

	res, err := svc.UploadBatch(context.Background(), domain.BatchRequest{
		EventID: "e1",
		Files:   []domain.UploadFile{file("a.jpg", jpeg())},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeFailure, res.Outcome)
	assert.Equal(t, domain.CategoryStorage, res.Results[0].Category)
	assert.True(t, res.Results[0].Retryable)
	assert.Empty(t, f.storage.keys())
}

func TestUploadBatchRejectsBatch(t *testing.T) {
	big := file("big.jpg", jpeg())
	big.Size = 6000 * 1024 * 1024

	tests := []struct {
		name     string
		req      domain.BatchRequest
		wantMsg  string
		tooLarge bool
	}{
		{name: "no event", req: domain.BatchRequest{Files: []domain.UploadFile{file("a.jpg", jpeg())}}, wantMsg: "event id is required"},
		{name: "no files", req: domain.BatchRequest{EventID: "e"}, wantMsg: "no files provided"},
		{name: "too large for gate", req: domain.BatchRequest{EventID: "e", Files: []domain.UploadFile{big}}, wantMsg: "exceeds maximum", tooLarge: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			svc := f.service(inmemory.NewImageProcessor())

			res, err := svc.UploadBatch(context.Background(), tt.req)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Equal(t, domain.CategoryBatch, domain.CategoryOf(err))
			assert.Equal(t, tt.tooLarge, errors.Is(err, domain.ErrBatchTooLarge))
			assert.Empty(t, res.Results)
			assert.Empty(t, f.storage.keys())
			assert.Equal(t, []domain.Category{domain.CategoryBatch}, f.observer.rejected)
		})
	}
}

func TestUploadBatchRespectsMemoryGate(t *testing.T) {
	f := newFixture()
	f.gate = memgate.New(memgate.Config{MaxConcurrent: 2})
	processor := &slowProcessor{delay: 20 * time.Millisecond}
	svc := f.service(processor)

	var files []domain.UploadFile
	for i := 0; i < 8; i++ {
		files = append(files, file(fmt.Sprintf("%d.jpg", i), jpeg()))
	}

	res, err := svc.UploadBatch(context.Background(), domain.BatchRequest{EventID: "e", Files: files})
	require.NoError(t, err)

	assert.Equal(t, 8, res.Uploaded)
	assert.LessOrEqual(t, processor.peak.Load(), int32(2))
	assert.Zero(t, f.gate.Status().ActiveOperations)
}

func TestUploadBatchCancelledRequestIsRetryable(t *testing.T) {
	f := newFixture()
	f.gate = memgate.New(memgate.Config{MaxConcurrent: 1})
	processor := &blockingProcessor{started: make(chan struct{}, 2), release: make(chan struct{})}
	svc := f.service(processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-processor.started
		cancel()
		close(processor.release)
	}()

	res, err := svc.UploadBatch(ctx, domain.BatchRequest{
		EventID: "e",
		Files:   []domain.UploadFile{file("a.jpg", jpeg()), file("b.jpg", jpeg())},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, domain.OutcomePartial, res.Outcome)
	assert.True(t, res.AnyRetryable())
	assert.Len(t, processor.started, 0)
	assert.Zero(t, f.gate.Status().ActiveOperations)
}

func TestLimits(t *testing.T) {
	f := newFixture()
	svc := f.service(inmemory.NewImageProcessor())

	limits := svc.Limits()

	assert.Equal(t, 100, limits.MaxFiles)
	assert.Equal(t, int64(200*1024*1024), limits.MaxFileSize)
	assert.Equal(t, 10, limits.LargeFileThresholdMB)
	assert.Equal(t, 5, limits.MaxLargeConcurrent)
	assert.Contains(t, limits.AllowedMIMETypes, "image/webp")
	assert.Equal(t, 10, svc.GateStatus().MaxConcurrent)
}
