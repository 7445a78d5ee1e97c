package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/donmikel/photobatch/applications/server"
	"github.com/donmikel/photobatch/applications/server/domain"
	"github.com/donmikel/photobatch/applications/server/interfaces"
	"github.com/donmikel/photobatch/applications/server/memgate"
	"github.com/donmikel/photobatch/applications/server/validator"
)

const rollbackTimeout = 10 * time.Second

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/heic": ".heic",
	"image/heif": ".heif",
}

// BatchObserver is notified about every finished or rejected batch.
type BatchObserver interface {
	ObserveBatch(res domain.BatchUploadResult)
	ObserveRejected(category domain.Category)
}

type nopObserver struct{}

func (nopObserver) ObserveBatch(domain.BatchUploadResult) {}
func (nopObserver) ObserveRejected(domain.Category)       {}

type Option func(*service)

func WithObserver(o BatchObserver) Option {
	return func(s *service) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *service) {
		s.newID = newID
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

type service struct {
	validator *validator.Validator
	gate      *memgate.Gate
	processor interfaces.ImageProcessor
	storage   interfaces.ObjectStorage
	photos    interfaces.PhotoRepository
	logger    log.Logger
	observer  BatchObserver
	newID     func() string
	now       func() time.Time
}

func NewService(
	v *validator.Validator,
	gate *memgate.Gate,
	processor interfaces.ImageProcessor,
	storage interfaces.ObjectStorage,
	photos interfaces.PhotoRepository,
	logger log.Logger,
	opts ...Option,
) server.UploadService {
	s := &service{
		validator: v,
		gate:      gate,
		processor: processor,
		storage:   storage,
		photos:    photos,
		logger:    logger,
		observer:  nopObserver{},
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *service) UploadBatch(ctx context.Context, req domain.BatchRequest) (domain.BatchUploadResult, error) {
	if req.EventID == "" {
		return domain.BatchUploadResult{}, s.reject(req, domain.NewBatchError("event id is required"))
	}

	if len(req.Files) > 0 {
		sizes := make([]int64, len(req.Files))
		for i, f := range req.Files {
			sizes[i] = f.Size
		}
		if check := s.gate.ValidateBatchSize(sizes); !check.Valid {
			return domain.BatchUploadResult{}, s.reject(req, domain.NewBatchTooLargeError(check.Error))
		}
	}

	validation := s.validator.ValidateBatchUpload(ctx, req.Files, validator.Options{})
	if validation.Rejected {
		msg := strings.Join(validation.Errors, "; ")
		if validation.TotalSize > s.validator.Options().MaxBatchSize {
			return domain.BatchUploadResult{}, s.reject(req, domain.NewBatchTooLargeError(msg))
		}
		return domain.BatchUploadResult{}, s.reject(req, domain.NewBatchError(msg))
	}

	result := domain.BatchUploadResult{
		Results:   make([]domain.UploadResult, len(req.Files)),
		TotalSize: validation.TotalSize,
	}

	var wg sync.WaitGroup
	for i, f := range req.Files {
		vr := validation.Files[i]
		if !vr.Valid {
			result.Results[i] = domain.UploadResult{
				Filename: vr.SanitizedFilename,
				Error:    vr.Error,
				Category: vr.Category,
			}
			continue
		}

		wg.Add(1)
		go func(i int, f domain.UploadFile) {
			defer wg.Done()
			result.Results[i] = s.uploadFile(ctx, req, f, vr)
		}(i, f)
	}
	wg.Wait()

	result.Tally()
	result.Message = summary(result)

	level.Info(s.logger).Log("msg", "batch processed",
		"event_id", req.EventID,
		"outcome", result.Outcome,
		"uploaded", result.Uploaded,
		"failed", result.Failed,
		"total_size", humanize.Bytes(uint64(result.TotalSize)),
	)
	s.observer.ObserveBatch(result)

	return result, nil
}

func (s *service) reject(req domain.BatchRequest, err *domain.UploadError) error {
	level.Info(s.logger).Log("msg", "batch rejected",
		"event_id", req.EventID,
		"files", len(req.Files),
		"err", err,
	)
	s.observer.ObserveRejected(err.Category)

	return err
}

func summary(r domain.BatchUploadResult) string {
	switch r.Outcome {
	case domain.OutcomeSuccess:
		return fmt.Sprintf("%d photos uploaded", r.Uploaded)
	case domain.OutcomePartial:
		return fmt.Sprintf("%d of %d photos uploaded, %d failed", r.Uploaded, r.Total, r.Failed)
	default:
		return fmt.Sprintf("all %d photos failed to upload", r.Total)
	}
}

func (s *service) uploadFile(ctx context.Context, req domain.BatchRequest, f domain.UploadFile, vr domain.ValidationResult) domain.UploadResult {
	res := domain.UploadResult{
		Filename: vr.SanitizedFilename,
		Metadata: vr.Metadata,
	}

	var photo domain.Photo
	err := s.gate.ProcessWithControl(ctx, f.Size, func(ctx context.Context) error {
		var err error
		photo, err = s.storePhoto(ctx, req, f, vr)
		return err
	})
	if err != nil {
		var uerr *domain.UploadError
		if !errors.As(err, &uerr) {
			err = domain.NewProcessingError("can't process file", err)
		}
		res.Error = err.Error()
		res.Category = domain.CategoryOf(err)
		res.Retryable = domain.IsRetryable(err)

		level.Warn(s.logger).Log("msg", "file upload failed",
			"event_id", req.EventID,
			"filename", vr.SanitizedFilename,
			"category", res.Category,
			"retryable", res.Retryable,
			"err", err,
		)
		return res
	}

	res.Success = true
	res.PhotoID = photo.ID
	res.URL = photo.URL

	return res
}

func (s *service) storePhoto(ctx context.Context, req domain.BatchRequest, f domain.UploadFile, vr domain.ValidationResult) (domain.Photo, error) {
	data, err := readFile(f)
	if err != nil {
		return domain.Photo{}, domain.NewProcessingError("can't read file", err)
	}

	img, err := s.processor.Process(ctx, data, vr.Metadata.MIMEType)
	if err != nil {
		return domain.Photo{}, domain.NewProcessingError("can't process image", err)
	}
	if err = validator.ValidateDimensions(img.Width, img.Height); err != nil {
		return domain.Photo{}, domain.NewValidationError(err.Error())
	}
	if img.MIMEType == "" {
		img.MIMEType = vr.Metadata.MIMEType
	}

	id := s.newID()
	key := fmt.Sprintf("events/%s/photos/%s%s", req.EventID, id, extensions[img.MIMEType])

	url, err := s.storage.Put(ctx, key, bytes.NewReader(img.Body), int64(len(img.Body)), img.MIMEType)
	if err != nil {
		return domain.Photo{}, domain.NewStorageError("can't store photo", err)
	}

	photo := domain.Photo{
		ID:         id,
		EventID:    req.EventID,
		UploadedBy: req.UploadedBy,
		Filename:   vr.SanitizedFilename,
		StorageKey: key,
		URL:        url,
		MIMEType:   img.MIMEType,
		Width:      img.Width,
		Height:     img.Height,
		Size:       int64(len(img.Body)),
		Metadata:   req.Metadata,
		CreatedAt:  s.now().UTC(),
	}

	if err = s.photos.CreatePhoto(ctx, photo); err != nil {
		s.rollback(key)
		return domain.Photo{}, domain.NewStorageError("can't save photo record", err)
	}

	return photo, nil
}

// rollback removes an object whose database record could not be written.
func (s *service) rollback(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	if err := s.storage.Delete(ctx, key); err != nil {
		level.Error(s.logger).Log("msg", "can't delete orphaned object", "key", key, "err", err)
	}
}

func readFile(f domain.UploadFile) ([]byte, error) {
	if f.Open == nil {
		return nil, errors.New("no content")
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

func (s *service) EventPhotos(ctx context.Context, eventID string) ([]domain.Photo, error) {
	photos, err := s.photos.ListEventPhotos(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("can't list event photos: %w", err)
	}

	return photos, nil
}

func (s *service) Limits() domain.UploadLimits {
	opts := s.validator.Options()
	rec := s.gate.RecommendedBatchSize()
	status := s.gate.Status()

	return domain.UploadLimits{
		MaxFiles:                  opts.MaxFiles,
		MinFileSize:               opts.MinFileSize,
		MaxFileSize:               opts.MaxFileSize,
		MaxBatchSize:              opts.MaxBatchSize,
		AllowedMIMETypes:          opts.AllowedMIMETypes,
		RecommendedMaxFiles:       rec.MaxFiles,
		RecommendedMaxBatchSizeMB: rec.MaxBatchSizeMB,
		MaxLargeConcurrent:        rec.MaxLargeConcurrent,
		LargeFileThresholdMB:      status.LargeFileThresholdMB,
	}
}

func (s *service) GateStatus() memgate.Status {
	return s.gate.Status()
}
