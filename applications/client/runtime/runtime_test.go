package runtime

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donmikel/photobatch/applications/client/domain"
	"github.com/donmikel/photobatch/applications/client/queue"
)

type onlineProbe struct{}

func (onlineProbe) Online(context.Context) bool { return true }

type recordingUploader struct {
	mu      sync.Mutex
	eventID string
	names   []string
}

func (u *recordingUploader) Upload(_ context.Context, state domain.FileState, progress func(int64)) error {
	progress(state.File.Size)
	u.mu.Lock()
	u.names = append(u.names, state.File.Name)
	u.mu.Unlock()
	return nil
}

func (u *recordingUploader) uploaded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.names...)
}

func newRuntime(t *testing.T, up *recordingUploader) (*Runtime, string) {
	t.Helper()
	dir := t.TempDir()
	rt, err := New(Config{
		ServerURL:    "http://127.0.0.1:1",
		StateDir:     filepath.Join(dir, "state"),
		PollInterval: time.Millisecond,
	}, log.NewNopLogger(),
		WithProbe(onlineProbe{}),
		WithUploaderFactory(func(eventID string) queue.Uploader {
			up.eventID = eventID
			return up
		}))
	require.NoError(t, err)
	return rt, dir
}

func writePhotos(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	var paths []string
	for _, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}, 0o600))
		paths = append(paths, p)
	}
	return paths
}

func TestUploadSessionToCompletion(t *testing.T) {
	up := &recordingUploader{}
	rt, dir := newRuntime(t, up)
	paths := writePhotos(t, dir, "a.jpg", "b.jpg", "c.jpeg")

	session, err := rt.NewSession("ev1", paths)
	require.NoError(t, err)
	require.Len(t, session.Files, 3)
	assert.Equal(t, "image/jpeg", session.Files[0].File.ContentType)
	assert.Equal(t, paths[0], session.Files[0].File.Path)

	resumable, err := rt.Resumable()
	require.NoError(t, err)
	require.Len(t, resumable, 1)
	assert.Equal(t, 3, resumable[0].PendingCount)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upload, err := rt.Start(ctx, session)
	require.NoError(t, err)
	require.NoError(t, upload.Wait(ctx))
	require.NoError(t, upload.Close())
	require.NoError(t, upload.Close())

	assert.ElementsMatch(t, []string{"a.jpg", "b.jpg", "c.jpeg"}, up.uploaded())
	assert.Equal(t, "ev1", up.eventID)

	stored, err := rt.Open(session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, stored.Status)
	for _, f := range stored.Files {
		assert.Equal(t, domain.StatusCompleted, f.Status)
	}

	resumable, err = rt.Resumable()
	require.NoError(t, err)
	assert.Empty(t, resumable)

	require.Eventually(t, func() bool {
		entries, err := rt.History()
		return err == nil && len(entries) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestResumeInterruptedSession(t *testing.T) {
	up := &recordingUploader{}
	rt, dir := newRuntime(t, up)
	paths := writePhotos(t, dir, "a.jpg", "b.jpg")

	session, err := rt.NewSession("ev1", paths)
	require.NoError(t, err)
	session.Files[0].Status = domain.StatusCompleted
	session.Files[0].Progress = 100
	session.Files[1].Status = domain.StatusUploading
	session.Files[1].Progress = 40
	require.NoError(t, rt.Store().Save(session))

	opened, err := rt.Open(session.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	upload, err := rt.Start(ctx, opened)
	require.NoError(t, err)
	require.NoError(t, upload.Wait(ctx))
	require.NoError(t, upload.Close())

	assert.Equal(t, []string{"b.jpg"}, up.uploaded())
	assert.Equal(t, queue.Stats{Total: 2, Completed: 2}, upload.Queue.GetStats())
}

func TestNewSessionErrors(t *testing.T) {
	rt, dir := newRuntime(t, &recordingUploader{})

	_, err := rt.NewSession("", []string{"x"})
	assert.Error(t, err)

	_, err = rt.NewSession("ev1", nil)
	assert.Error(t, err)

	_, err = rt.NewSession("ev1", []string{filepath.Join(dir, "missing.jpg")})
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = rt.NewSession("ev1", []string{dir})
	assert.ErrorContains(t, err, "not a regular file")

	_, err = rt.Open("nope")
	assert.Error(t, err)
}

func TestDetectContentTypeFromContent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "photo")
	require.NoError(t, os.WriteFile(p, []byte("\x89PNG\r\n\x1a\n0000"), 0o600))

	ct, err := detectContentType(p)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
}
