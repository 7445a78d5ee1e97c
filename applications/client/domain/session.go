package domain

import (
	"time"
)

type FileStatus string

const (
	StatusQueued    FileStatus = "queued"
	StatusUploading FileStatus = "uploading"
	StatusCompleted FileStatus = "completed"
	StatusFailed    FileStatus = "failed"
	StatusPaused    FileStatus = "paused"
)

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// FileDescriptor describes a local file. Path lets a restarted runtime reopen
// it; file bytes are never kept in the session.
type FileDescriptor struct {
	Name         string    `msgpack:"name" json:"name"`
	Size         int64     `msgpack:"size" json:"size"`
	ContentType  string    `msgpack:"content_type" json:"contentType"`
	LastModified time.Time `msgpack:"last_modified" json:"lastModified"`
	Path         string    `msgpack:"path" json:"path"`
}

type FileState struct {
	ID             string         `msgpack:"id" json:"id"`
	File           FileDescriptor `msgpack:"file" json:"file"`
	Progress       int            `msgpack:"progress" json:"progress"`
	Status         FileStatus     `msgpack:"status" json:"status"`
	UploadedChunks []int          `msgpack:"uploaded_chunks" json:"uploadedChunks"`
	TotalChunks    int            `msgpack:"total_chunks" json:"totalChunks"`
	RetryCount     int            `msgpack:"retry_count" json:"retryCount"`
	UploadedBytes  int64          `msgpack:"uploaded_bytes" json:"uploadedBytes"`
	Error          string         `msgpack:"error,omitempty" json:"error,omitempty"`
	LastRetry      time.Time      `msgpack:"last_retry,omitempty" json:"lastRetry,omitempty"`
	// Permanent marks a failure that no retry will fix: a rejected file or an
	// exhausted retry budget.
	Permanent bool `msgpack:"permanent,omitempty" json:"permanent,omitempty"`
}

// NewFileState returns a queued file split into chunks of chunkSize bytes.
func NewFileState(id string, desc FileDescriptor, chunkSize int64) FileState {
	return FileState{
		ID:             id,
		File:           desc,
		Status:         StatusQueued,
		UploadedChunks: []int{},
		TotalChunks:    chunkCount(desc.Size, chunkSize),
	}
}

func chunkCount(size, chunkSize int64) int {
	if chunkSize <= 0 || size <= 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// IsTerminal reports whether the file will not move on its own anymore.
func (f FileState) IsTerminal() bool {
	return f.Status == StatusCompleted || f.Status == StatusFailed && f.Permanent
}

func (f FileState) Clone() FileState {
	if f.UploadedChunks != nil {
		f.UploadedChunks = append([]int{}, f.UploadedChunks...)
	}
	return f
}

type Session struct {
	ID        string        `msgpack:"id" json:"id"`
	EventID   string        `msgpack:"event_id" json:"eventId"`
	Files     []FileState   `msgpack:"files" json:"files"`
	CreatedAt time.Time     `msgpack:"created_at" json:"createdAt"`
	UpdatedAt time.Time     `msgpack:"updated_at" json:"updatedAt"`
	Status    SessionStatus `msgpack:"status" json:"status"`
}

func NewSession(id, eventID string, now time.Time) *Session {
	return &Session{
		ID:        id,
		EventID:   eventID,
		Files:     []FileState{},
		CreatedAt: now,
		UpdatedAt: now,
		Status:    SessionPending,
	}
}

// Touch moves UpdatedAt forward. It never goes back or stays put, even when
// the wall clock does.
func (s *Session) Touch(now time.Time) {
	if !now.After(s.UpdatedAt) {
		now = s.UpdatedAt.Add(time.Nanosecond)
	}
	s.UpdatedAt = now
}

// Pending returns the files that are not terminal yet.
func (s *Session) Pending() []FileState {
	var pending []FileState
	for _, f := range s.Files {
		if !f.IsTerminal() {
			pending = append(pending, f)
		}
	}
	return pending
}

func (s *Session) TotalBytes() int64 {
	var total int64
	for _, f := range s.Files {
		total += f.File.Size
	}
	return total
}

// RemainingBytes is what still has to be sent for the pending files.
func (s *Session) RemainingBytes() int64 {
	var remaining int64
	for _, f := range s.Pending() {
		if left := f.File.Size - f.UploadedBytes; left > 0 {
			remaining += left
		}
	}
	return remaining
}

func (s *Session) Clone() *Session {
	c := *s
	c.Files = make([]FileState, len(s.Files))
	for i, f := range s.Files {
		c.Files[i] = f.Clone()
	}
	return &c
}
