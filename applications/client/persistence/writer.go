package persistence

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/donmikel/photobatch/applications/client/domain"
	"github.com/donmikel/photobatch/applications/client/queue"
)

const DefaultProgressInterval = time.Second

// Source is the part of a queue the writer needs.
type Source interface {
	Subscribe(l queue.Listener) func()
	Snapshot() *domain.Session
}

// Writer saves the session of a queue after each of its events. Progress
// events are saved at most once per interval.
type Writer struct {
	store    Store
	history  *History
	interval time.Duration
	logger   log.Logger
	now      func() time.Time

	mu           sync.Mutex
	lastProgress map[string]time.Time
}

type WriterOption func(*Writer)

func WithHistory(h *History) WriterOption {
	return func(w *Writer) {
		w.history = h
	}
}

func WithProgressInterval(d time.Duration) WriterOption {
	return func(w *Writer) {
		w.interval = d
	}
}

func NewWriter(store Store, logger log.Logger, opts ...WriterOption) *Writer {
	w := &Writer{
		store:        store,
		interval:     DefaultProgressInterval,
		logger:       log.With(logger, "component", "session_writer"),
		now:          time.Now,
		lastProgress: map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Attach starts saving src and returns a function that stops it.
func (w *Writer) Attach(src Source) func() {
	return src.Subscribe(func(e queue.Event) {
		w.handle(src, e)
	})
}

func (w *Writer) handle(src Source, e queue.Event) {
	session := src.Snapshot()
	if e.Type == queue.EventFileProgress && !w.due(session.ID) {
		return
	}

	if err := w.store.Save(session); err != nil {
		level.Error(w.logger).Log("msg", "can't persist session", "session", session.ID, "event", e.Type, "err", err)
		return
	}

	if e.Type == queue.EventQueueDrained && w.history != nil && len(session.Pending()) == 0 {
		if err := w.history.Record(session); err != nil {
			level.Error(w.logger).Log("msg", "can't record upload history", "session", session.ID, "err", err)
		}
	}
}

func (w *Writer) due(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if last, ok := w.lastProgress[sessionID]; ok && now.Sub(last) < w.interval {
		return false
	}
	w.lastProgress[sessionID] = now
	return true
}
