package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/donmikel/photobatch/applications/client/domain"
)

const sessionExt = ".session"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// FileStore keeps one msgpack file per session in a directory.
type FileStore struct {
	dir    string
	logger log.Logger
	mu     sync.Mutex
}

func NewFileStore(dir string, logger log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("can't create state directory %s: %w", dir, err)
	}
	return &FileStore{
		dir:    dir,
		logger: log.With(logger, "component", "session_store"),
	}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Save(session *domain.Session) error {
	if session == nil || !idPattern.MatchString(session.ID) {
		return ErrInvalidID
	}
	if session.EventID == "" {
		return fmt.Errorf("can't save session %s: %w", session.ID, ErrNoEvent)
	}

	data, err := msgpack.Marshal(compact(session))
	if err != nil {
		return fmt.Errorf("can't encode session %s: %w", session.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(s.path(session.ID), data); err != nil {
		return fmt.Errorf("can't save session %s: %w", session.ID, err)
	}
	return nil
}

// Load reads a session. A file that can't be decoded is removed and
// reported as ErrNotFound.
func (s *FileStore) Load(id string) (*domain.Session, error) {
	if !idPattern.MatchString(id) {
		return nil, ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(id)
}

func (s *FileStore) load(id string) (*domain.Session, error) {
	path := s.path(id)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("can't read session %s: %w", id, err)
	}

	var session domain.Session
	err = msgpack.Unmarshal(data, &session)
	if err == nil && (session.ID != id || session.EventID == "") {
		err = errors.New("missing session identity")
	}
	if err != nil {
		level.Warn(s.logger).Log("msg", "discarding unreadable session", "session", id, "err", err)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			level.Error(s.logger).Log("msg", "can't remove unreadable session", "session", id, "err", rmErr)
		}
		return nil, ErrNotFound
	}

	expand(&session)
	return &session, nil
}

func (s *FileStore) List() ([]*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("can't list sessions: %w", err)
	}

	var sessions []*domain.Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, sessionExt) {
			continue
		}
		id := strings.TrimSuffix(name, sessionExt)
		if !idPattern.MatchString(id) {
			continue
		}
		session, err := s.load(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	sortByUpdate(sessions)
	return sessions, nil
}

func (s *FileStore) Delete(id string) error {
	if !idPattern.MatchString(id) {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("can't delete session %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+sessionExt)
}

// writeFileAtomic replaces path so that readers see either the old or the
// new content.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
