package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/donmikel/photobatch/applications/client/domain"
)

type EventType string

const (
	EventFileAdded     EventType = "file_added"
	EventFileRemoved   EventType = "file_removed"
	EventFileUpdated   EventType = "file_updated"
	EventFileStarted   EventType = "file_started"
	EventFileProgress  EventType = "file_progress"
	EventFileCompleted EventType = "file_completed"
	EventFileRetrying  EventType = "file_retrying"
	EventFileFailed    EventType = "file_failed"
	EventStatusChanged EventType = "status_changed"
	EventQueueDrained  EventType = "queue_drained"
)

// Event is one transition of the queue. File is a copy taken when the event
// was emitted.
type Event struct {
	Type   EventType
	FileID string
	File   domain.FileState
	Status Status
	// Previous is set on status changes.
	Previous Status
	Attempt  int
	Delay    time.Duration
	At       time.Time
}

type Listener func(Event)

// dispatcher delivers events to listeners in emission order on its own
// goroutine, so emitting never blocks a queue transition.
type dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  atomic.Bool

	listeners map[int]Listener
	nextID    int
	order     []int

	done chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		listeners: map[int]Listener{},
		done:      make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) subscribe(l Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	d.order = append(d.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.listeners, id)
			for i, v := range d.order {
				if v == id {
					d.order = append(d.order[:i], d.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (d *dispatcher) emit(e Event) {
	if d.closed.Load() {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, e)
	d.mu.Unlock()
	d.cond.Signal()
}

func (d *dispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed.Load() {
			d.cond.Wait()
		}
		if d.closed.Load() {
			d.mu.Unlock()
			return
		}
		batch := d.pending
		d.pending = nil
		listeners := make([]Listener, 0, len(d.order))
		for _, id := range d.order {
			listeners = append(listeners, d.listeners[id])
		}
		d.mu.Unlock()

		for _, e := range batch {
			for _, l := range listeners {
				if d.closed.Load() {
					return
				}
				l(e)
			}
		}
	}
}

// close drops undelivered events. No listener is called once it returns,
// except one that is already running.
func (d *dispatcher) close() {
	d.closed.Store(true)
	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()
	d.cond.Broadcast()
}
