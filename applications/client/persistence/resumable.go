package persistence

import (
	"fmt"
	"time"

	"github.com/donmikel/photobatch/applications/client/domain"
)

// ResumableSession summarises a stored session that still has work left.
type ResumableSession struct {
	ID            string    `msgpack:"id" json:"id"`
	EventID       string    `msgpack:"event_id" json:"eventId"`
	FileCount     int       `msgpack:"file_count" json:"fileCount"`
	PendingCount  int       `msgpack:"pending_count" json:"pendingCount"`
	TotalSize     int64     `msgpack:"total_size" json:"totalSize"`
	RemainingSize int64     `msgpack:"remaining_size" json:"remainingSize"`
	UpdatedAt     time.Time `msgpack:"updated_at" json:"updatedAt"`
}

func Summarize(session *domain.Session) ResumableSession {
	return ResumableSession{
		ID:            session.ID,
		EventID:       session.EventID,
		FileCount:     len(session.Files),
		PendingCount:  len(session.Pending()),
		TotalSize:     session.TotalBytes(),
		RemainingSize: session.RemainingBytes(),
		UpdatedAt:     session.UpdatedAt,
	}
}

// Resumable lists stored sessions with at least one non-terminal file, most
// recently updated first.
func Resumable(store Store) ([]ResumableSession, error) {
	sessions, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("can't list sessions: %w", err)
	}

	var out []ResumableSession
	for _, s := range sessions {
		if len(s.Pending()) == 0 {
			continue
		}
		out = append(out, Summarize(s))
	}
	return out, nil
}

// Prune deletes finished sessions that have not changed within retention and
// returns how many were deleted.
func Prune(store Store, retention time.Duration, now time.Time) (int, error) {
	return prune(store, retention, now, false)
}

// PruneAll deletes every session that has not changed within retention,
// finished or not.
func PruneAll(store Store, retention time.Duration, now time.Time) (int, error) {
	return prune(store, retention, now, true)
}

func prune(store Store, retention time.Duration, now time.Time, all bool) (int, error) {
	sessions, err := store.List()
	if err != nil {
		return 0, fmt.Errorf("can't list sessions: %w", err)
	}

	cutoff := now.Add(-retention)
	deleted := 0
	for _, s := range sessions {
		if !s.UpdatedAt.Before(cutoff) {
			continue
		}
		if !all && len(s.Pending()) > 0 {
			continue
		}
		if err := store.Delete(s.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
