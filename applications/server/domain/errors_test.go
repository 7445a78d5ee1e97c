package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "validation", err: NewValidationError("bad mime"), want: false},
		{name: "security", err: NewSecurityError("script tag"), want: false},
		{name: "batch", err: NewBatchError("no files"), want: false},
		{name: "processing", err: NewProcessingError("decode", errors.New("boom")), want: true},
		{name: "storage wrapped", err: fmt.Errorf("can't put: %w", NewStorageError("put", errors.New("503"))), want: true},
		{name: "network", err: NewNetworkError("dial", errors.New("refused")), want: true},
		{name: "non retryable processing", err: &UploadError{Category: CategoryProcessing, Msg: "corrupt"}, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "net timeout", err: timeoutErr{}, want: true},
		{name: "plain", err: errors.New("plain"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestUploadErrorMessage(t *testing.T) {
	err := NewStorageError("can't put object", errors.New("bucket missing"))

	assert.Equal(t, "can't put object: bucket missing", err.Error())
	assert.Equal(t, CategoryStorage, CategoryOf(fmt.Errorf("wrap: %w", err)))
	assert.Equal(t, CategoryProcessing, CategoryOf(errors.New("x")))
}

func TestBatchUploadResultTally(t *testing.T) {
	r := BatchUploadResult{Results: []UploadResult{
		{Filename: "a.jpg", Success: true},
		{Filename: "b.jpg", Success: false, Retryable: true},
		{Filename: "c.jpg", Success: true},
	}}
	r.Tally()

	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 2, r.Uploaded)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, OutcomePartial, r.Outcome)
	assert.True(t, r.AnyRetryable())

	all := BatchUploadResult{Results: []UploadResult{{Success: true}}}
	all.Tally()
	assert.Equal(t, OutcomeSuccess, all.Outcome)

	none := BatchUploadResult{Results: []UploadResult{{Success: false}}}
	none.Tally()
	assert.Equal(t, OutcomeFailure, none.Outcome)
	assert.False(t, none.AnyRetryable())

	empty := BatchUploadResult{}
	empty.Tally()
	assert.Equal(t, OutcomeFailure, empty.Outcome)
}

func TestBatchTooLarge(t *testing.T) {
	err := fmt.Errorf("upload: %w", NewBatchTooLargeError("batch too large: maximum 5.0 GiB, got 6.0 GiB"))

	assert.ErrorIs(t, err, ErrBatchTooLarge)
	assert.NotErrorIs(t, NewBatchError("no files provided"), ErrBatchTooLarge)
	assert.Equal(t, CategoryBatch, CategoryOf(err))
	assert.False(t, IsRetryable(err))
}
