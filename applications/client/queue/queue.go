package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/donmikel/photobatch/applications/client/domain"
)

// Uploader sends a single file to the server. progress is called with the
// number of bytes sent so far. Errors wrapped with Permanent are not retried.
type Uploader interface {
	Upload(ctx context.Context, state domain.FileState, progress func(sent int64)) error
}

type Status string

const (
	StatusIdle      Status = "idle"
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
)

var ErrInvalidTransition = errors.New("invalid transition")

const (
	DefaultMaxConcurrent = 3
	DefaultMaxRetries    = 3
	DefaultChunkSize     = 5 << 20
)

type Config struct {
	MaxConcurrent int
	MaxRetries    int
	ChunkSize     int64
	// RetryDelay returns the wait before retry n, counted from zero.
	RetryDelay func(n int) time.Duration
	Now        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.RetryDelay == nil {
		c.RetryDelay = CalculateRetryDelay
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// DefaultConfig returns the stock limits: 3 parallel uploads, 3 retries and
// 5 MiB chunks.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: DefaultMaxConcurrent,
		MaxRetries:    DefaultMaxRetries,
		ChunkSize:     DefaultChunkSize,
	}.withDefaults()
}

type Stats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Uploading int `json:"uploading"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Paused    int `json:"paused"`
}

// FileUpdate holds the fields to merge into a file. Nil fields are left alone.
type FileUpdate struct {
	Progress      *int
	Status        *domain.FileStatus
	UploadedBytes *int64
	Error         *string
}

type task struct {
	cancel  context.CancelFunc
	gen     int
	running bool
	timer   *time.Timer
}

// Queue schedules uploads of the files of one session. Every transition is
// reported to subscribers as an Event.
type Queue struct {
	mu        sync.Mutex
	session   *domain.Session
	tasks     map[string]*task
	active    int
	status    Status
	destroyed bool

	cfg      Config
	uploader Uploader
	logger   log.Logger
	events   *dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a queue over session. A nil session starts a fresh one. Files
// interrupted mid-upload or waiting for a retry go back to queued; nothing
// starts until a file is added or Resume is called.
func New(session *domain.Session, uploader Uploader, cfg Config, logger log.Logger) *Queue {
	cfg = cfg.withDefaults()
	if session == nil {
		session = domain.NewSession(uuid.NewString(), "", cfg.Now())
	}
	for i := range session.Files {
		f := &session.Files[i]
		if f.Status == domain.StatusUploading || f.Status == domain.StatusFailed && !f.Permanent {
			f.Status = domain.StatusQueued
		}
		if f.UploadedChunks == nil {
			f.UploadedChunks = []int{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		session:  session,
		tasks:    map[string]*task{},
		status:   StatusIdle,
		cfg:      cfg,
		uploader: uploader,
		logger:   log.With(logger, "session", session.ID),
		events:   newDispatcher(),
		ctx:      ctx,
		cancel:   cancel,
	}
	q.syncSessionStatus()
	return q
}

func (q *Queue) SessionID() string {
	return q.session.ID
}

// Subscribe registers l for every following event and returns a function
// that removes it.
func (q *Queue) Subscribe(l Listener) func() {
	return q.events.subscribe(l)
}

// AddFile appends state as a fresh queued file. A duplicate id is ignored
// and reported as false.
func (q *Queue) AddFile(state domain.FileState) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed || q.find(state.ID) >= 0 {
		return false
	}

	state.Status = domain.StatusQueued
	state.RetryCount = 0
	state.Progress = 0
	state.UploadedBytes = 0
	state.UploadedChunks = []int{}
	state.Error = ""
	state.Permanent = false
	state.LastRetry = time.Time{}
	if state.TotalChunks <= 0 {
		state.TotalChunks = domain.NewFileState(state.ID, state.File, q.cfg.ChunkSize).TotalChunks
	}

	q.session.Files = append(q.session.Files, state)
	q.touch()
	q.emitFile(EventFileAdded, &q.session.Files[len(q.session.Files)-1])
	q.schedule()
	return true
}

// RemoveFile drops the file whatever its state, aborting its upload if one is
// in flight.
func (q *Queue) RemoveFile(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.find(id)
	if q.destroyed || i < 0 {
		return false
	}

	q.stopTask(id)
	delete(q.tasks, id)

	removed := q.session.Files[i]
	q.session.Files = append(q.session.Files[:i], q.session.Files[i+1:]...)
	q.touch()
	q.emitFile(EventFileRemoved, &removed)
	q.schedule()
	return true
}

func (q *Queue) UpdateFileState(id string, upd FileUpdate) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.find(id)
	if q.destroyed || i < 0 {
		return fmt.Errorf("can't update file %s: %w", id, ErrNotFound)
	}
	if upd.Progress != nil && (*upd.Progress < 0 || *upd.Progress > 100) {
		return fmt.Errorf("can't update file %s: progress %d out of range", id, *upd.Progress)
	}
	// Only the scheduler starts uploads.
	if upd.Status != nil && *upd.Status == domain.StatusUploading {
		return fmt.Errorf("can't update file %s to status %s: %w", id, *upd.Status, ErrInvalidTransition)
	}

	f := &q.session.Files[i]
	if upd.Status != nil && *upd.Status != f.Status {
		q.stopTask(id)
	}
	if upd.Progress != nil {
		f.Progress = *upd.Progress
	}
	if upd.UploadedBytes != nil {
		f.UploadedBytes = *upd.UploadedBytes
		f.UploadedChunks = chunksFor(f.UploadedBytes, q.cfg.ChunkSize, f.TotalChunks)
	}
	if upd.Error != nil {
		f.Error = *upd.Error
	}
	if upd.Status != nil {
		f.Status = *upd.Status
		if f.Status == domain.StatusCompleted {
			f.Progress = 100
		}
	}

	q.touch()
	q.emitFile(EventFileUpdated, f)
	q.schedule()
	return nil
}

func (q *Queue) GetFile(id string) (domain.FileState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.find(id)
	if i < 0 {
		return domain.FileState{}, false
	}
	return q.session.Files[i].Clone(), true
}

func (q *Queue) GetFiles() []domain.FileState {
	q.mu.Lock()
	defer q.mu.Unlock()

	files := make([]domain.FileState, len(q.session.Files))
	for i, f := range q.session.Files {
		files[i] = f.Clone()
	}
	return files
}

func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Total: len(q.session.Files)}
	for _, f := range q.session.Files {
		switch f.Status {
		case domain.StatusQueued:
			s.Queued++
		case domain.StatusUploading:
			s.Uploading++
		case domain.StatusCompleted:
			s.Completed++
		case domain.StatusFailed:
			s.Failed++
		case domain.StatusPaused:
			s.Paused++
		}
	}
	return s
}

// Pending counts files that will still move without user action: queued,
// uploading or waiting for a retry.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, f := range q.session.Files {
		switch f.Status {
		case domain.StatusQueued, domain.StatusUploading:
			n++
		case domain.StatusFailed:
			if !f.Permanent {
				n++
			}
		}
	}
	return n
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

func (q *Queue) IsActive() bool {
	return q.Status() == StatusUploading
}

// Snapshot returns a deep copy of the session.
func (q *Queue) Snapshot() *domain.Session {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.session.Clone()
}

// Pause stops new uploads from starting. Uploads already in flight finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed || q.status == StatusPaused {
		return
	}
	q.setStatus(StatusPaused)
	q.touch()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed {
		return
	}
	if q.status == StatusPaused || q.hasWork() {
		q.setStatus(StatusUploading)
		q.touch()
	}
	q.schedule()
}

// PauseFile holds a single file back. An upload in flight is aborted.
func (q *Queue) PauseFile(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.find(id)
	if q.destroyed || i < 0 {
		return fmt.Errorf("can't pause file %s: %w", id, ErrNotFound)
	}
	f := &q.session.Files[i]
	if f.IsTerminal() || f.Status == domain.StatusPaused {
		return fmt.Errorf("can't pause file %s in status %s: %w", id, f.Status, ErrInvalidTransition)
	}

	q.stopTask(id)
	f.Status = domain.StatusPaused
	q.touch()
	q.emitFile(EventFileUpdated, f)
	q.schedule()
	return nil
}

func (q *Queue) ResumeFile(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.find(id)
	if q.destroyed || i < 0 {
		return fmt.Errorf("can't resume file %s: %w", id, ErrNotFound)
	}
	f := &q.session.Files[i]
	if f.Status != domain.StatusPaused {
		return fmt.Errorf("can't resume file %s in status %s: %w", id, f.Status, ErrInvalidTransition)
	}

	f.Status = domain.StatusQueued
	q.touch()
	q.emitFile(EventFileUpdated, f)
	q.schedule()
	return nil
}

// RetryFailed puts every failed file back in the queue with a fresh retry
// budget and returns how many were requeued.
func (q *Queue) RetryFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed {
		return 0
	}
	n := 0
	for i := range q.session.Files {
		f := &q.session.Files[i]
		if f.Status != domain.StatusFailed {
			continue
		}
		q.stopTask(f.ID)
		f.Status = domain.StatusQueued
		f.RetryCount = 0
		f.Permanent = false
		f.Error = ""
		q.emitFile(EventFileUpdated, f)
		n++
	}
	if n > 0 {
		q.touch()
		q.schedule()
	}
	return n
}

// ClearCompleted removes completed files and returns how many were removed.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed {
		return 0
	}
	kept := q.session.Files[:0]
	var removed []domain.FileState
	for _, f := range q.session.Files {
		if f.Status == domain.StatusCompleted {
			removed = append(removed, f)
			continue
		}
		kept = append(kept, f)
	}
	q.session.Files = kept
	for i := range removed {
		q.emitFile(EventFileRemoved, &removed[i])
	}
	if len(removed) > 0 {
		q.touch()
	}
	return len(removed)
}

// Destroy aborts uploads in flight and waits for them to return. No listener
// is called after Destroy returns.
func (q *Queue) Destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	for id := range q.tasks {
		q.stopTask(id)
	}
	q.tasks = map[string]*task{}
	q.mu.Unlock()

	q.events.close()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) find(id string) int {
	for i := range q.session.Files {
		if q.session.Files[i].ID == id {
			return i
		}
	}
	return -1
}

// stopTask cancels a running upload and a pending retry timer of the file.
// The running upload's result is ignored once it returns.
func (q *Queue) stopTask(id string) {
	t, ok := q.tasks[id]
	if !ok {
		return
	}
	if t.running {
		t.cancel()
		t.running = false
		q.active--
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (q *Queue) hasWork() bool {
	for _, f := range q.session.Files {
		if f.Status == domain.StatusQueued {
			return true
		}
	}
	for _, t := range q.tasks {
		if t.timer != nil {
			return true
		}
	}
	return false
}

func (q *Queue) schedule() {
	if q.destroyed || q.status == StatusPaused {
		return
	}

	for q.active < q.cfg.MaxConcurrent {
		i := q.nextQueued()
		if i < 0 {
			break
		}
		q.start(i)
	}

	switch {
	case q.active > 0:
		q.setStatus(StatusUploading)
	case !q.hasWork() && q.status == StatusUploading:
		q.setStatus(StatusIdle)
		q.syncSessionStatus()
		q.events.emit(Event{Type: EventQueueDrained, Status: StatusIdle, At: q.cfg.Now()})
		level.Info(q.logger).Log("msg", "upload queue drained")
	}
}

func (q *Queue) nextQueued() int {
	for i := range q.session.Files {
		if q.session.Files[i].Status == domain.StatusQueued {
			return i
		}
	}
	return -1
}

func (q *Queue) start(i int) {
	f := &q.session.Files[i]
	f.Status = domain.StatusUploading
	f.Error = ""

	t, ok := q.tasks[f.ID]
	if !ok {
		t = &task{}
		q.tasks[f.ID] = t
	}
	t.gen++
	ctx, cancel := context.WithCancel(q.ctx)
	t.cancel = cancel
	t.running = true
	q.active++

	q.touch()
	q.emitFile(EventFileStarted, f)
	level.Debug(q.logger).Log("msg", "upload started", "file", f.ID, "name", f.File.Name, "attempt", f.RetryCount+1)

	state, gen := f.Clone(), t.gen
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		err := q.uploader.Upload(ctx, state, func(sent int64) {
			q.progress(state.ID, gen, sent)
		})
		q.finish(state.ID, gen, err)
	}()
}

// current returns the file of a running upload of generation gen, or nil if
// the upload was stopped or superseded.
func (q *Queue) current(id string, gen int) (*task, *domain.FileState) {
	if q.destroyed {
		return nil, nil
	}
	t, ok := q.tasks[id]
	if !ok || t.gen != gen || !t.running {
		return nil, nil
	}
	i := q.find(id)
	if i < 0 {
		return nil, nil
	}
	return t, &q.session.Files[i]
}

func (q *Queue) progress(id string, gen int, sent int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, f := q.current(id, gen)
	if f == nil {
		return
	}
	if sent < 0 {
		sent = 0
	}
	if sent > f.File.Size {
		sent = f.File.Size
	}

	// 100 is reserved for a confirmed upload.
	pct := 99
	if f.File.Size > 0 {
		pct = int(sent * 100 / f.File.Size)
	}
	if pct > 99 {
		pct = 99
	}

	f.Progress = pct
	f.UploadedBytes = sent
	f.UploadedChunks = chunksFor(sent, q.cfg.ChunkSize, f.TotalChunks)
	q.touch()
	q.emitFile(EventFileProgress, f)
}

func (q *Queue) finish(id string, gen int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, f := q.current(id, gen)
	if f == nil {
		return
	}
	t.cancel()
	t.running = false
	q.active--

	switch {
	case err == nil:
		delete(q.tasks, id)
		f.Status = domain.StatusCompleted
		f.Progress = 100
		f.UploadedBytes = f.File.Size
		f.UploadedChunks = allChunks(f.TotalChunks)
		f.Error = ""
		f.Permanent = false
		q.touch()
		q.emitFile(EventFileCompleted, f)
		level.Info(q.logger).Log("msg", "file uploaded", "file", id, "name", f.File.Name)

	case IsPermanent(err):
		delete(q.tasks, id)
		f.Status = domain.StatusFailed
		f.Permanent = true
		f.Error = err.Error()
		q.touch()
		q.emitFile(EventFileFailed, f)
		level.Error(q.logger).Log("msg", "file rejected", "file", id, "name", f.File.Name, "err", err)

	default:
		q.retry(t, f, gen, err)
	}

	q.schedule()
}

func (q *Queue) retry(t *task, f *domain.FileState, gen int, err error) {
	attempt := f.RetryCount + 1
	f.RetryCount = attempt
	f.LastRetry = q.cfg.Now()
	f.Status = domain.StatusFailed

	if attempt > q.cfg.MaxRetries {
		delete(q.tasks, f.ID)
		f.Permanent = true
		f.Error = fmt.Sprintf("upload failed after %d attempts: %s", attempt, err)
		q.touch()
		q.emitFile(EventFileFailed, f)
		level.Error(q.logger).Log("msg", "file upload failed", "file", f.ID, "name", f.File.Name, "attempts", attempt, "err", err)
		return
	}

	f.Error = err.Error()
	delay := q.cfg.RetryDelay(attempt - 1)
	id := f.ID
	t.timer = time.AfterFunc(delay, func() {
		q.requeue(id, gen)
	})

	q.touch()
	e := q.fileEvent(EventFileRetrying, f)
	e.Attempt = attempt
	e.Delay = delay
	q.events.emit(e)
	level.Warn(q.logger).Log("msg", "file upload failed, retrying", "file", id, "attempt", attempt, "delay", delay, "err", err)
}

func (q *Queue) requeue(id string, gen int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed {
		return
	}
	t, ok := q.tasks[id]
	if !ok || t.gen != gen || t.timer == nil {
		return
	}
	t.timer = nil

	i := q.find(id)
	if i < 0 || q.session.Files[i].Status != domain.StatusFailed {
		return
	}
	f := &q.session.Files[i]
	f.Status = domain.StatusQueued
	q.touch()
	q.emitFile(EventFileUpdated, f)
	q.schedule()
}

func (q *Queue) setStatus(s Status) {
	if q.status == s {
		return
	}
	prev := q.status
	q.status = s
	q.syncSessionStatus()
	q.events.emit(Event{Type: EventStatusChanged, Status: s, Previous: prev, At: q.cfg.Now()})
}

func (q *Queue) touch() {
	q.session.Touch(q.cfg.Now())
	q.syncSessionStatus()
}

func (q *Queue) syncSessionStatus() {
	s := q.session
	switch {
	case len(s.Files) > 0 && allCompleted(s.Files):
		s.Status = domain.SessionCompleted
	case q.status == StatusPaused:
		s.Status = domain.SessionPaused
	case q.active > 0:
		s.Status = domain.SessionActive
	default:
		s.Status = domain.SessionPending
	}
}

func (q *Queue) fileEvent(typ EventType, f *domain.FileState) Event {
	return Event{
		Type:   typ,
		FileID: f.ID,
		File:   f.Clone(),
		Status: q.status,
		At:     q.cfg.Now(),
	}
}

func (q *Queue) emitFile(typ EventType, f *domain.FileState) {
	q.events.emit(q.fileEvent(typ, f))
}

func allCompleted(files []domain.FileState) bool {
	for _, f := range files {
		if f.Status != domain.StatusCompleted {
			return false
		}
	}
	return true
}

// chunksFor lists the chunks fully covered by the first sent bytes.
func chunksFor(sent, chunkSize int64, total int) []int {
	n := 0
	if chunkSize > 0 {
		n = int(sent / chunkSize)
	}
	if n > total {
		n = total
	}
	return allChunks(n)
}

func allChunks(n int) []int {
	chunks := make([]int, n)
	for i := range chunks {
		chunks[i] = i
	}
	return chunks
}
