package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/donmikel/photobatch/applications/client/domain"
	"github.com/donmikel/photobatch/applications/client/queue"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newSession(id string, updated time.Time, statuses ...domain.FileStatus) *domain.Session {
	s := domain.NewSession(id, "ev-"+id, t0)
	for i, st := range statuses {
		f := domain.NewFileState(fmt.Sprintf("%s-f%d", id, i), domain.FileDescriptor{
			Name: fmt.Sprintf("img%d.jpg", i),
			Size: 100,
			Path: fmt.Sprintf("/photos/img%d.jpg", i),
		}, 40)
		f.Status = st
		switch st {
		case domain.StatusCompleted:
			f.Progress = 100
			f.UploadedBytes = 100
			f.UploadedChunks = []int{0, 1, 2}
		case domain.StatusFailed:
			f.Permanent = true
		}
		s.Files = append(s.Files, f)
	}
	s.UpdatedAt = updated
	return s
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state"), log.NewNopLogger())
	require.NoError(t, err)
	return s
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := newFileStore(t)
	session := newSession("s1", t0.Add(time.Minute), domain.StatusCompleted, domain.StatusQueued)
	session.Files[1].UploadedBytes = 50
	session.Files[1].UploadedChunks = []int{0}

	require.NoError(t, store.Save(session))

	got, err := store.Load("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "ev-s1", got.EventID)
	assert.True(t, got.UpdatedAt.Equal(session.UpdatedAt))
	assert.True(t, got.CreatedAt.Equal(t0))
	require.Len(t, got.Files, 2)
	assert.Equal(t, []int{0, 1, 2}, got.Files[0].UploadedChunks)
	assert.Equal(t, []int{0}, got.Files[1].UploadedChunks)
	assert.Equal(t, "/photos/img1.jpg", got.Files[1].File.Path)
	assert.Equal(t, int64(50), got.Files[1].UploadedBytes)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s1.session", entries[0].Name())
}

func TestFileStoreCompactsCompletedFiles(t *testing.T) {
	store := newFileStore(t)
	require.NoError(t, store.Save(newSession("s1", t0, domain.StatusCompleted)))

	data, err := os.ReadFile(filepath.Join(store.Dir(), "s1.session"))
	require.NoError(t, err)

	var raw domain.Session
	require.NoError(t, msgpack.Unmarshal(data, &raw))
	assert.Empty(t, raw.Files[0].UploadedChunks)
}

func TestFileStoreMissingAndInvalid(t *testing.T) {
	store := newFileStore(t)

	_, err := store.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Load("../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.ErrorIs(t, store.Save(&domain.Session{ID: "a/b", EventID: "ev"}), ErrInvalidID)
	assert.ErrorIs(t, store.Save(&domain.Session{ID: "a"}), ErrNoEvent)
	assert.ErrorIs(t, store.Delete(".."), ErrInvalidID)
	assert.NoError(t, store.Delete("nope"))
}

func TestFileStoreDiscardsCorruptSessions(t *testing.T) {
	store := newFileStore(t)
	require.NoError(t, store.Save(newSession("good", t0, domain.StatusQueued)))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "broken.session"), []byte("not msgpack"), 0o600))

	other := newSession("other", t0, domain.StatusQueued)
	require.NoError(t, store.Save(other))
	require.NoError(t, os.Rename(
		filepath.Join(store.Dir(), "other.session"),
		filepath.Join(store.Dir(), "renamed.session"),
	))

	sessions, err := store.List()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "good", sessions[0].ID)

	_, err = os.Stat(filepath.Join(store.Dir(), "broken.session"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(store.Dir(), "renamed.session"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStoresListNewestFirst(t *testing.T) {
	stores := map[string]Store{
		"file":   newFileStore(t),
		"memory": NewMemoryStore(),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Save(newSession("old", t0, domain.StatusQueued)))
			require.NoError(t, store.Save(newSession("new", t0.Add(time.Hour), domain.StatusQueued)))
			require.NoError(t, store.Save(newSession("mid", t0.Add(time.Minute), domain.StatusQueued)))

			sessions, err := store.List()
			require.NoError(t, err)
			var ids []string
			for _, s := range sessions {
				ids = append(ids, s.ID)
			}
			assert.Equal(t, []string{"new", "mid", "old"}, ids)

			require.NoError(t, store.Delete("mid"))
			_, err = store.Load("mid")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	session := newSession("s1", t0, domain.StatusQueued)
	require.NoError(t, store.Save(session))

	session.Files[0].Status = domain.StatusCompleted
	got, err := store.Load("s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Files[0].Status)

	got.Files[0].Status = domain.StatusFailed
	again, _ := store.Load("s1")
	assert.Equal(t, domain.StatusQueued, again.Files[0].Status)
}

func TestResumable(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(newSession("done", t0, domain.StatusCompleted, domain.StatusFailed)))
	partial := newSession("partial", t0.Add(time.Minute), domain.StatusCompleted, domain.StatusQueued, domain.StatusPaused)
	partial.Files[1].UploadedBytes = 30
	require.NoError(t, store.Save(partial))

	got, err := Resumable(store)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ResumableSession{
		ID:            "partial",
		EventID:       "ev-partial",
		FileCount:     3,
		PendingCount:  2,
		TotalSize:     300,
		RemainingSize: 170,
		UpdatedAt:     t0.Add(time.Minute),
	}, got[0])
}

func TestPrune(t *testing.T) {
	now := t0.Add(48 * time.Hour)
	store := NewMemoryStore()
	require.NoError(t, store.Save(newSession("old-done", t0, domain.StatusCompleted)))
	require.NoError(t, store.Save(newSession("old-pending", t0, domain.StatusQueued)))
	require.NoError(t, store.Save(newSession("fresh-done", now.Add(-time.Hour), domain.StatusCompleted)))

	n, err := Prune(store, 24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.Load("old-done")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Load("old-pending")
	assert.NoError(t, err)

	n, err = PruneAll(store, 24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, _ := store.List()
	require.Len(t, left, 1)
	assert.Equal(t, "fresh-done", left[0].ID)
}

func TestHistoryLimits(t *testing.T) {
	dir := t.TempDir()
	h := NewHistory(dir)
	clock := t0
	h.now = func() time.Time { return clock }

	stale := newSession("stale", t0, domain.StatusCompleted)
	require.NoError(t, h.Record(stale))

	clock = t0.Add(8 * 24 * time.Hour)
	for i := 0; i < MaxHistoryEntries+5; i++ {
		clock = clock.Add(time.Minute)
		require.NoError(t, h.Record(newSession(fmt.Sprintf("s%02d", i), clock, domain.StatusCompleted, domain.StatusFailed)))
	}
	require.NoError(t, h.Record(newSession("s24", clock, domain.StatusCompleted)))

	entries, err := h.Entries()
	require.NoError(t, err)
	require.Len(t, entries, MaxHistoryEntries)
	assert.Equal(t, "s24", entries[0].SessionID)
	assert.Equal(t, 1, entries[0].Completed)
	assert.Equal(t, 0, entries[0].Failed)
	assert.Equal(t, "s23", entries[1].SessionID)
	assert.Equal(t, 1, entries[1].Failed)
	for _, e := range entries {
		assert.NotEqual(t, "stale", e.SessionID)
	}
}

func TestHistoryIgnoresBrokenFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, historyFile), []byte{0xc1}, 0o600))

	h := NewHistory(dir)
	entries, err := h.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, h.Record(newSession("s1", t0, domain.StatusCompleted)))
	entries, err = h.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type okUploader struct{}

func (okUploader) Upload(_ context.Context, state domain.FileState, progress func(int64)) error {
	progress(state.File.Size / 2)
	return nil
}

func TestWriterPersistsQueue(t *testing.T) {
	store := newFileStore(t)
	history := NewHistory(store.Dir())

	session := domain.NewSession("s1", "ev1", time.Now())
	q := queue.New(session, okUploader{}, queue.Config{ChunkSize: 10}, log.NewNopLogger())
	defer q.Destroy()

	w := NewWriter(store, log.NewNopLogger(), WithHistory(history), WithProgressInterval(time.Hour))
	detach := w.Attach(q)
	defer detach()

	drained := make(chan struct{}, 1)
	q.Subscribe(func(e queue.Event) {
		if e.Type == queue.EventQueueDrained {
			drained <- struct{}{}
		}
	})

	q.AddFile(domain.NewFileState("a", domain.FileDescriptor{Name: "a.jpg", Size: 30}, 10))
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("queue was not drained")
	}

	require.Eventually(t, func() bool {
		entries, err := history.Entries()
		return err == nil && len(entries) == 1
	}, 5*time.Second, 5*time.Millisecond)

	got, err := store.Load("s1")
	require.NoError(t, err)
	require.Len(t, got.Files, 1)
	assert.Equal(t, domain.StatusCompleted, got.Files[0].Status)
	assert.Equal(t, domain.SessionCompleted, got.Status)

	resumable, err := Resumable(store)
	require.NoError(t, err)
	assert.Empty(t, resumable)
}

func TestWriterThrottlesProgress(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore()}
	w := NewWriter(store, log.NewNopLogger(), WithProgressInterval(time.Second))
	clock := t0
	w.now = func() time.Time { return clock }

	src := &staticSource{session: newSession("s1", t0, domain.StatusUploading)}
	progress := queue.Event{Type: queue.EventFileProgress}

	w.handle(src, progress)
	w.handle(src, progress)
	clock = clock.Add(500 * time.Millisecond)
	w.handle(src, progress)
	assert.Equal(t, 1, store.saves)

	clock = clock.Add(time.Second)
	w.handle(src, progress)
	w.handle(src, queue.Event{Type: queue.EventFileCompleted})
	assert.Equal(t, 3, store.saves)
}

func TestWriterLogsSaveErrors(t *testing.T) {
	w := NewWriter(NewMemoryStore(), log.NewNopLogger())
	src := &staticSource{session: &domain.Session{}}

	assert.NotPanics(t, func() {
		w.handle(src, queue.Event{Type: queue.EventFileAdded})
	})
}

type countingStore struct {
	Store
	saves int
}

func (s *countingStore) Save(session *domain.Session) error {
	s.saves++
	return s.Store.Save(session)
}

type staticSource struct {
	session *domain.Session
}

func (s *staticSource) Subscribe(queue.Listener) func() { return func() {} }
func (s *staticSource) Snapshot() *domain.Session       { return s.session.Clone() }
