package interfaces

import (
	"context"

	"github.com/donmikel/photobatch/applications/server/domain"
)

type PhotoRepository interface {
	CreatePhoto(ctx context.Context, photo domain.Photo) error
	GetPhoto(ctx context.Context, id string) (domain.Photo, error)
	ListEventPhotos(ctx context.Context, eventID string) ([]domain.Photo, error)
}
