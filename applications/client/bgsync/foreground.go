package bgsync

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/donmikel/photobatch/applications/client/persistence"
	"github.com/donmikel/photobatch/applications/client/queue"
)

// Resumer restarts a paused or stalled queue.
type Resumer interface {
	Resume()
}

// Foreground is the half of the bridge that lives next to the queue.
type Foreground struct {
	sessionID string
	out       *Mailbox
	in        *Mailbox
	resumer   Resumer
	onPending func([]persistence.ResumableSession)
	logger    log.Logger
}

type ForegroundOption func(*Foreground)

// WithPendingHandler sets the callback for PENDING_UPLOADS_CHECK answers.
func WithPendingHandler(fn func([]persistence.ResumableSession)) ForegroundOption {
	return func(f *Foreground) {
		f.onPending = fn
	}
}

// NewForeground posts to toBackground and consumes fromBackground.
func NewForeground(sessionID string, toBackground, fromBackground *Mailbox, resumer Resumer, logger log.Logger, opts ...ForegroundOption) *Foreground {
	f := &Foreground{
		sessionID: sessionID,
		out:       toBackground,
		in:        fromBackground,
		resumer:   resumer,
		onPending: func([]persistence.ResumableSession) {},
		logger:    log.With(logger, "component", "bgsync_foreground"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Foreground) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-f.in.C():
			switch msg.Type {
			case MsgResumeUploads:
				level.Info(f.logger).Log("msg", "connectivity restored, resuming uploads", "session", f.sessionID)
				f.resumer.Resume()
			case MsgPendingUploadsCheck:
				f.onPending(msg.Pending)
			default:
				level.Warn(f.logger).Log("msg", "unknown message", "type", msg.Type)
			}
		}
	}
}

// CheckPending asks the background for the stored sessions with work left.
func (f *Foreground) CheckPending() bool {
	return f.post(Message{Type: MsgCheckPending})
}

// Listener turns queue events into messages for the background.
func (f *Foreground) Listener() queue.Listener {
	return func(e queue.Event) {
		switch {
		case e.Type == queue.EventFileStarted:
			f.post(Message{Type: MsgUploadStart, FileID: e.FileID})
		case e.Type == queue.EventFileRemoved:
			f.post(Message{Type: MsgUploadCancel, FileID: e.FileID})
		case e.Type == queue.EventStatusChanged && e.Status == queue.StatusPaused:
			f.post(Message{Type: MsgUploadPause})
		case e.Type == queue.EventStatusChanged && e.Previous == queue.StatusPaused && e.Status == queue.StatusUploading:
			f.post(Message{Type: MsgUploadResume})
		}
	}
}

func (f *Foreground) post(msg Message) bool {
	msg.SessionID = f.sessionID
	if !f.out.Post(msg) {
		level.Warn(f.logger).Log("msg", "background mailbox full, message dropped", "type", msg.Type)
		return false
	}
	return true
}
