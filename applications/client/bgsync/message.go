package bgsync

import (
	"sync/atomic"
	"time"

	"github.com/donmikel/photobatch/applications/client/persistence"
)

type MessageType string

// Foreground to background.
const (
	MsgUploadStart  MessageType = "UPLOAD_START"
	MsgUploadPause  MessageType = "UPLOAD_PAUSE"
	MsgUploadResume MessageType = "UPLOAD_RESUME"
	MsgUploadCancel MessageType = "UPLOAD_CANCEL"
	MsgCheckPending MessageType = "CHECK_PENDING"
)

// Background to foreground.
const (
	MsgResumeUploads       MessageType = "RESUME_UPLOADS"
	MsgPendingUploadsCheck MessageType = "PENDING_UPLOADS_CHECK"
)

// Message never carries file content, only identifiers and summaries.
type Message struct {
	Type      MessageType
	SessionID string
	FileID    string
	Pending   []persistence.ResumableSession
	At        time.Time
}

// Mailbox is a bounded one-way channel of messages. Delivery is at most
// once: Post drops the message when the mailbox is full.
type Mailbox struct {
	ch      chan Message
	dropped atomic.Int64
}

const DefaultMailboxSize = 64

func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox{ch: make(chan Message, size)}
}

func (m *Mailbox) Post(msg Message) bool {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	select {
	case m.ch <- msg:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

func (m *Mailbox) C() <-chan Message {
	return m.ch
}

func (m *Mailbox) Dropped() int64 {
	return m.dropped.Load()
}
