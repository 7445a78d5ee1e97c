package persistence

import (
	"errors"
	"sort"
	"sync"

	"github.com/donmikel/photobatch/applications/client/domain"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrInvalidID = errors.New("invalid session id")
	ErrNoEvent   = errors.New("session has no event")
)

// Store keeps upload sessions between runs of the client.
type Store interface {
	Save(session *domain.Session) error
	Load(id string) (*domain.Session, error)
	// List returns all readable sessions, most recently updated first.
	List() ([]*domain.Session, error)
	Delete(id string) error
}

// MemoryStore is a Store that lives as long as the process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*domain.Session{}}
}

func (s *MemoryStore) Save(session *domain.Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = compact(session)
	return nil
}

func (s *MemoryStore) Load(id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := session.Clone()
	expand(c)
	return c, nil
}

func (s *MemoryStore) List() ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]*domain.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		c := session.Clone()
		expand(c)
		sessions = append(sessions, c)
	}
	sortByUpdate(sessions)
	return sessions, nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// compact returns a copy without the chunk lists of completed files. They
// can be rebuilt from TotalChunks.
func compact(session *domain.Session) *domain.Session {
	c := session.Clone()
	for i := range c.Files {
		if c.Files[i].Status == domain.StatusCompleted {
			c.Files[i].UploadedChunks = nil
		}
	}
	return c
}

// expand undoes compact.
func expand(session *domain.Session) {
	for i := range session.Files {
		f := &session.Files[i]
		if f.Status == domain.StatusCompleted && len(f.UploadedChunks) == 0 {
			f.UploadedChunks = make([]int, f.TotalChunks)
			for c := range f.UploadedChunks {
				f.UploadedChunks[c] = c
			}
		}
		if f.UploadedChunks == nil {
			f.UploadedChunks = []int{}
		}
	}
}

func sortByUpdate(sessions []*domain.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
}
