package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/donmikel/photobatch/applications/client/domain"
)

const (
	MaxHistoryEntries = 20
	MaxHistoryAge     = 7 * 24 * time.Hour

	historyFile = "history.msgpack"
)

type HistoryEntry struct {
	SessionID  string    `msgpack:"session_id" json:"sessionId"`
	EventID    string    `msgpack:"event_id" json:"eventId"`
	FileCount  int       `msgpack:"file_count" json:"fileCount"`
	Completed  int       `msgpack:"completed" json:"completed"`
	Failed     int       `msgpack:"failed" json:"failed"`
	TotalBytes int64     `msgpack:"total_bytes" json:"totalBytes"`
	FinishedAt time.Time `msgpack:"finished_at" json:"finishedAt"`
}

// History keeps short summaries of finished sessions, newest first.
type History struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

func NewHistory(dir string) *History {
	return &History{
		path: filepath.Join(dir, historyFile),
		now:  time.Now,
	}
}

// Record adds or replaces the entry for session and drops entries beyond
// the size and age limits.
func (h *History) Record(session *domain.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := h.read()
	if err != nil {
		return err
	}

	now := h.now()
	entry := HistoryEntry{
		SessionID:  session.ID,
		EventID:    session.EventID,
		FileCount:  len(session.Files),
		TotalBytes: session.TotalBytes(),
		FinishedAt: now,
	}
	for _, f := range session.Files {
		switch f.Status {
		case domain.StatusCompleted:
			entry.Completed++
		case domain.StatusFailed:
			entry.Failed++
		}
	}

	kept := []HistoryEntry{entry}
	for _, e := range entries {
		if e.SessionID == session.ID || now.Sub(e.FinishedAt) > MaxHistoryAge {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) > MaxHistoryEntries {
		kept = kept[:MaxHistoryEntries]
	}

	data, err := msgpack.Marshal(kept)
	if err != nil {
		return fmt.Errorf("can't encode history: %w", err)
	}
	if err := writeFileAtomic(h.path, data); err != nil {
		return fmt.Errorf("can't save history: %w", err)
	}
	return nil
}

// Entries returns the entries younger than MaxHistoryAge.
func (h *History) Entries() ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := h.read()
	if err != nil {
		return nil, err
	}
	now := h.now()
	var out []HistoryEntry
	for _, e := range entries {
		if now.Sub(e.FinishedAt) <= MaxHistoryAge {
			out = append(out, e)
		}
	}
	return out, nil
}

func (h *History) read() ([]HistoryEntry, error) {
	data, err := os.ReadFile(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("can't read history: %w", err)
	}

	var entries []HistoryEntry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		// A broken history is not worth failing an upload for.
		return nil, nil
	}
	return entries, nil
}
