package domain

import (
	"context"
	"errors"
	"net"
)

// Category classifies upload failures; it decides whether a retry makes sense
// and how the failure is logged.
type Category string

const (
	CategoryValidation Category = "validation"
	CategorySecurity   Category = "security"
	CategoryProcessing Category = "processing"
	CategoryStorage    Category = "storage"
	CategoryNetwork    Category = "network"
	CategoryBatch      Category = "batch"
)

// ErrBatchTooLarge matches batch rejections caused by the cumulative size.
var ErrBatchTooLarge = errors.New("batch too large")

type UploadError struct {
	Category  Category
	Retryable bool
	Msg       string
	Err       error

	tooLarge bool
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

func (e *UploadError) Is(target error) bool {
	return target == ErrBatchTooLarge && e.tooLarge
}

func NewValidationError(msg string) *UploadError {
	return &UploadError{Category: CategoryValidation, Msg: msg}
}

func NewSecurityError(msg string) *UploadError {
	return &UploadError{Category: CategorySecurity, Msg: msg}
}

func NewProcessingError(msg string, err error) *UploadError {
	return &UploadError{Category: CategoryProcessing, Retryable: true, Msg: msg, Err: err}
}

func NewStorageError(msg string, err error) *UploadError {
	return &UploadError{Category: CategoryStorage, Retryable: true, Msg: msg, Err: err}
}

func NewNetworkError(msg string, err error) *UploadError {
	return &UploadError{Category: CategoryNetwork, Retryable: true, Msg: msg, Err: err}
}

// NewBatchError reports a batch-level rejection (empty batch, too many files,
// batch too large). Nothing of the batch has been processed.
func NewBatchError(msg string) *UploadError {
	return &UploadError{Category: CategoryBatch, Msg: msg}
}

func NewBatchTooLargeError(msg string) *UploadError {
	return &UploadError{Category: CategoryBatch, Msg: msg, tooLarge: true}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var uerr *UploadError
	if errors.As(err, &uerr) {
		switch uerr.Category {
		case CategoryValidation, CategorySecurity, CategoryBatch:
			return false
		}
		return uerr.Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// CategoryOf returns the category of err, CategoryProcessing when unknown.
func CategoryOf(err error) Category {
	var uerr *UploadError
	if errors.As(err, &uerr) {
		return uerr.Category
	}
	return CategoryProcessing
}
