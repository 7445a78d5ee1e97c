package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/donmikel/photobatch/applications/client/bgsync"
	"github.com/donmikel/photobatch/applications/client/domain"
	"github.com/donmikel/photobatch/applications/client/persistence"
	"github.com/donmikel/photobatch/applications/client/queue"
	"github.com/donmikel/photobatch/applications/client/transport"
)

type Config struct {
	ServerURL        string
	StateDir         string
	UploadedBy       string
	MaxConcurrent    int
	MaxRetries       int
	ChunkSize        int64
	PollInterval     time.Duration
	ProgressInterval time.Duration
}

// Runtime owns the client side state: stored sessions and the uploads that
// run them.
type Runtime struct {
	cfg         Config
	store       persistence.Store
	history     *persistence.History
	probe       bgsync.ConnectivityProbe
	newUploader func(eventID string) queue.Uploader
	logger      log.Logger
}

type Option func(*Runtime)

func WithStore(s persistence.Store) Option {
	return func(r *Runtime) {
		r.store = s
	}
}

func WithProbe(p bgsync.ConnectivityProbe) Option {
	return func(r *Runtime) {
		r.probe = p
	}
}

func WithUploaderFactory(fn func(eventID string) queue.Uploader) Option {
	return func(r *Runtime) {
		r.newUploader = fn
	}
}

func New(cfg Config, logger log.Logger, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.store == nil {
		store, err := persistence.NewFileStore(cfg.StateDir, logger)
		if err != nil {
			return nil, err
		}
		r.store = store
	}
	if cfg.StateDir != "" {
		r.history = persistence.NewHistory(cfg.StateDir)
	}
	if r.probe == nil {
		r.probe = bgsync.NewHTTPProbe(cfg.ServerURL, 0)
	}
	if r.newUploader == nil {
		r.newUploader = func(eventID string) queue.Uploader {
			return transport.NewHTTPUploader(cfg.ServerURL, eventID, logger, transport.WithUploadedBy(cfg.UploadedBy))
		}
	}
	return r, nil
}

func (r *Runtime) Store() persistence.Store {
	return r.store
}

func (r *Runtime) History() ([]persistence.HistoryEntry, error) {
	if r.history == nil {
		return nil, nil
	}
	return r.history.Entries()
}

// NewSession stores a session with one queued file per path.
func (r *Runtime) NewSession(eventID string, paths []string) (*domain.Session, error) {
	if eventID == "" {
		return nil, errors.New("event id is required")
	}
	if len(paths) == 0 {
		return nil, errors.New("no files to upload")
	}

	session := domain.NewSession(uuid.NewString(), eventID, time.Now())
	for _, p := range paths {
		desc, err := describe(p)
		if err != nil {
			return nil, err
		}
		session.Files = append(session.Files, domain.NewFileState(uuid.NewString(), desc, r.queueConfig().ChunkSize))
	}

	if err := r.store.Save(session); err != nil {
		return nil, err
	}
	return session, nil
}

// Open loads a stored session.
func (r *Runtime) Open(id string) (*domain.Session, error) {
	session, err := r.store.Load(id)
	if err != nil {
		return nil, fmt.Errorf("can't open session %s: %w", id, err)
	}
	return session, nil
}

func (r *Runtime) Resumable() ([]persistence.ResumableSession, error) {
	return persistence.Resumable(r.store)
}

func (r *Runtime) queueConfig() queue.Config {
	cfg := queue.DefaultConfig()
	if r.cfg.MaxConcurrent > 0 {
		cfg.MaxConcurrent = r.cfg.MaxConcurrent
	}
	if r.cfg.MaxRetries > 0 {
		cfg.MaxRetries = r.cfg.MaxRetries
	}
	if r.cfg.ChunkSize > 0 {
		cfg.ChunkSize = r.cfg.ChunkSize
	}
	return cfg
}

// Upload is a running session: its queue, the persistence writer and the
// background sync bridge.
type Upload struct {
	Queue *queue.Queue

	store   persistence.Store
	history *persistence.History
	detach  []func()
	cancel  context.CancelFunc
	group   *errgroup.Group
	once    sync.Once
	logger  log.Logger
}

// Start runs session until Close. Files left queued or interrupted are
// started right away.
func (r *Runtime) Start(ctx context.Context, session *domain.Session) (*Upload, error) {
	if session == nil {
		return nil, errors.New("nil session")
	}

	q := queue.New(session.Clone(), r.newUploader(session.EventID), r.queueConfig(), r.logger)

	writerOpts := []persistence.WriterOption{}
	if r.history != nil {
		writerOpts = append(writerOpts, persistence.WithHistory(r.history))
	}
	if r.cfg.ProgressInterval > 0 {
		writerOpts = append(writerOpts, persistence.WithProgressInterval(r.cfg.ProgressInterval))
	}
	writer := persistence.NewWriter(r.store, r.logger, writerOpts...)

	toBackground, toForeground := bgsync.NewMailbox(0), bgsync.NewMailbox(0)
	svc := bgsync.NewService(toBackground, toForeground, r.store, r.probe, r.cfg.PollInterval, r.logger)
	fg := bgsync.NewForeground(session.ID, toBackground, toForeground, q, r.logger,
		bgsync.WithPendingHandler(func(pending []persistence.ResumableSession) {
			for _, p := range pending {
				if p.ID != session.ID {
					level.Info(r.logger).Log("msg", "another session has pending uploads", "session", p.ID, "pending", p.PendingCount)
				}
			}
		}))

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return fg.Run(gctx) })

	u := &Upload{
		Queue:   q,
		store:   r.store,
		history: r.history,
		detach:  []func(){writer.Attach(q), q.Subscribe(fg.Listener())},
		cancel:  cancel,
		group:   g,
		logger:  r.logger,
	}

	fg.CheckPending()
	q.Resume()
	return u, nil
}

// Wait blocks until no file can move without user action.
func (u *Upload) Wait(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	unsubscribe := u.Queue.Subscribe(func(e queue.Event) {
		switch e.Type {
		case queue.EventQueueDrained, queue.EventFileCompleted, queue.EventFileFailed, queue.EventFileRemoved:
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	for u.Queue.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
	return nil
}

// Close stops the upload and saves the final state of the session.
func (u *Upload) Close() error {
	var err error
	u.once.Do(func() {
		u.cancel()
		err = u.group.Wait()
		for _, d := range u.detach {
			d()
		}
		u.Queue.Destroy()

		snapshot := u.Queue.Snapshot()
		if saveErr := u.store.Save(snapshot); saveErr != nil {
			err = errors.Join(err, saveErr)
		}
		if u.history != nil && len(snapshot.Files) > 0 && len(snapshot.Pending()) == 0 {
			if histErr := u.history.Record(snapshot); histErr != nil {
				level.Warn(u.logger).Log("msg", "can't record upload history", "session", snapshot.ID, "err", histErr)
			}
		}
	})
	return err
}

func describe(path string) (domain.FileDescriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.FileDescriptor{}, fmt.Errorf("can't stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return domain.FileDescriptor{}, fmt.Errorf("%s is not a regular file", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return domain.FileDescriptor{}, fmt.Errorf("can't resolve %s: %w", path, err)
	}
	contentType, err := detectContentType(abs)
	if err != nil {
		return domain.FileDescriptor{}, err
	}

	return domain.FileDescriptor{
		Name:         filepath.Base(abs),
		Size:         info.Size(),
		ContentType:  contentType,
		LastModified: info.ModTime(),
		Path:         abs,
	}, nil
}

func detectContentType(path string) (string, error) {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("can't open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("can't read %s: %w", path, err)
	}
	return http.DetectContentType(head[:n]), nil
}
