package server

import (
	"context"

	"github.com/donmikel/photobatch/applications/server/domain"
	"github.com/donmikel/photobatch/applications/server/memgate"
)

type UploadService interface {
	// UploadBatch never fails the whole batch for a single file. An error is
	// returned only when the batch is rejected before any file is processed.
	UploadBatch(ctx context.Context, req domain.BatchRequest) (domain.BatchUploadResult, error)
	EventPhotos(ctx context.Context, eventID string) ([]domain.Photo, error)
	Limits() domain.UploadLimits
	GateStatus() memgate.Status
}
