package inmemory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donmikel/photobatch/applications/server/domain"
)

func TestStoragePutDelete(t *testing.T) {
	ctx := context.Background()
	s := newStorage("http://cdn.local/", 10, nil)

	url, err := s.Put(ctx, "events/e1/photos/a.jpg", strings.NewReader("12345678"), 8, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.local/events/e1/photos/a.jpg", url)

	_, err = s.Put(ctx, "events/e1/photos/b.jpg", strings.NewReader("12345"), 5, "image/jpeg")
	assert.ErrorIs(t, err, ErrNotEnoughSpace)

	data, ok := s.Get("events/e1/photos/a.jpg")
	require.True(t, ok)
	assert.Equal(t, "12345678", string(data))

	require.NoError(t, s.Delete(ctx, "events/e1/photos/a.jpg"))
	assert.Zero(t, s.Len())

	_, err = s.Put(ctx, "events/e1/photos/b.jpg", strings.NewReader("1234567890"), 10, "image/jpeg")
	assert.NoError(t, err)
}

func TestPhotoRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPhotoRepository()
	now := time.Now()

	require.NoError(t, repo.CreatePhoto(ctx, domain.Photo{ID: "2", EventID: "e", CreatedAt: now.Add(time.Second)}))
	require.NoError(t, repo.CreatePhoto(ctx, domain.Photo{ID: "1", EventID: "e", CreatedAt: now}))
	require.NoError(t, repo.CreatePhoto(ctx, domain.Photo{ID: "3", EventID: "other", CreatedAt: now}))
	assert.Error(t, repo.CreatePhoto(ctx, domain.Photo{ID: "1", EventID: "e"}))

	photos, err := repo.ListEventPhotos(ctx, "e")
	require.NoError(t, err)
	require.Len(t, photos, 2)
	assert.Equal(t, "1", photos[0].ID)
	assert.Equal(t, "2", photos[1].ID)

	_, err = repo.GetPhoto(ctx, "missing")
	assert.Error(t, err)
}

func TestFixedWindowRateLimiter(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	l := NewRateLimiter(2, time.Minute).(*fixedWindowLimiter)
	l.now = func() time.Time { return now }

	for _, want := range []bool{true, true, false} {
		ok, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, want, ok)
	}

	ok, _ := l.Allow(ctx, "10.0.0.2")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, _ = l.Allow(ctx, "10.0.0.1")
	assert.True(t, ok)
}

func TestUnlimitedRateLimiter(t *testing.T) {
	l := NewUnlimitedRateLimiter()
	for i := 0; i < 1000; i++ {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestPassthroughProcessor(t *testing.T) {
	img, err := NewImageProcessor().Process(context.Background(), []byte{0xFF, 0xD8, 0xFF, 0x00}, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg", img.Format)
	assert.Equal(t, "image/jpeg", img.MIMEType)
	assert.Len(t, img.Body, 4)
}
