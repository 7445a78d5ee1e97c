package bgsync

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/donmikel/photobatch/applications/client/persistence"
)

const DefaultPollInterval = 5 * time.Second

// ConnectivityProbe reports whether the upload server can be reached.
type ConnectivityProbe interface {
	Online(ctx context.Context) bool
}

// Service is the background half of the bridge. It keeps a one-shot sync
// registration while uploads are running and asks the foreground to resume
// them once connectivity comes back.
type Service struct {
	in       *Mailbox
	out      *Mailbox
	store    persistence.Store
	probe    ConnectivityProbe
	interval time.Duration
	logger   log.Logger

	mu         sync.Mutex
	registered bool
	session    string
	online     bool
	polled     bool
}

func NewService(in, out *Mailbox, store persistence.Store, probe ConnectivityProbe, interval time.Duration, logger log.Logger) *Service {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Service{
		in:       in,
		out:      out,
		store:    store,
		probe:    probe,
		interval: interval,
		logger:   log.With(logger, "component", "bgsync"),
	}
}

func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.in.C():
			s.handle(msg)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// Registered reports whether a sync is waiting for connectivity.
func (s *Service) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *Service) handle(msg Message) {
	switch msg.Type {
	case MsgUploadStart, MsgUploadResume:
		s.mu.Lock()
		s.registered = true
		s.session = msg.SessionID
		s.mu.Unlock()
		level.Debug(s.logger).Log("msg", "sync registered", "session", msg.SessionID, "type", msg.Type)

	case MsgUploadPause:
		// A paused queue stays paused after a reconnect.
		s.mu.Lock()
		s.registered = false
		s.mu.Unlock()
		level.Debug(s.logger).Log("msg", "sync unregistered", "session", msg.SessionID)

	case MsgUploadCancel:
		level.Debug(s.logger).Log("msg", "upload cancelled", "session", msg.SessionID, "file", msg.FileID)

	case MsgCheckPending:
		pending, err := persistence.Resumable(s.store)
		if err != nil {
			level.Error(s.logger).Log("msg", "can't check pending uploads", "err", err)
			return
		}
		s.post(Message{Type: MsgPendingUploadsCheck, SessionID: msg.SessionID, Pending: pending})

	default:
		level.Warn(s.logger).Log("msg", "unknown message", "type", msg.Type)
	}
}

func (s *Service) poll(ctx context.Context) {
	online := s.probe.Online(ctx)

	s.mu.Lock()
	wasOnline, first := s.online, !s.polled
	s.online, s.polled = online, true
	fire := !first && online && !wasOnline && s.registered
	session := s.session
	if fire {
		s.registered = false
	}
	s.mu.Unlock()

	if first || online == wasOnline {
		return
	}
	level.Info(s.logger).Log("msg", "connectivity changed", "online", online)
	if fire {
		s.post(Message{Type: MsgResumeUploads, SessionID: session})
	}
}

func (s *Service) post(msg Message) {
	if !s.out.Post(msg) {
		level.Warn(s.logger).Log("msg", "foreground mailbox full, message dropped", "type", msg.Type)
	}
}
