package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/donmikel/photobatch/applications/server/domain"
	"github.com/donmikel/photobatch/applications/server/interfaces"
)

type inMemoryPhotoRepository struct {
	photos  map[string]domain.Photo
	byEvent map[string][]string
	mutex   sync.RWMutex
}

func NewPhotoRepository() interfaces.PhotoRepository {
	return &inMemoryPhotoRepository{
		photos:  map[string]domain.Photo{},
		byEvent: map[string][]string{},
	}
}

func (i *inMemoryPhotoRepository) CreatePhoto(ctx context.Context, photo domain.Photo) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if _, ok := i.photos[photo.ID]; ok {
		return fmt.Errorf("photo with id = %s already exists", photo.ID)
	}

	i.photos[photo.ID] = photo
	i.byEvent[photo.EventID] = append(i.byEvent[photo.EventID], photo.ID)

	return nil
}

func (i *inMemoryPhotoRepository) GetPhoto(ctx context.Context, id string) (domain.Photo, error) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	p, ok := i.photos[id]
	if !ok {
		return domain.Photo{}, fmt.Errorf("photo with id = %s not found", id)
	}

	return p, nil
}

func (i *inMemoryPhotoRepository) ListEventPhotos(ctx context.Context, eventID string) ([]domain.Photo, error) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	ids := i.byEvent[eventID]
	result := make([]domain.Photo, 0, len(ids))
	for _, id := range ids {
		result = append(result, i.photos[id])
	}

	sort.SliceStable(result, func(a, b int) bool {
		return result[a].CreatedAt.Before(result[b].CreatedAt)
	})

	return result, nil
}
