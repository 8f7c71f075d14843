package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
)

// Event is an orchestrator-level notification for UIs. The set is closed:
// only the types in this file implement it.
type Event interface {
	// Kind names the event, e.g. "worker_finished".
	Kind() string
	// Worker returns the id of the worker the event is about.
	Worker() string
	isEvent()
}

// EventHeader is embedded in every event.
type EventHeader struct {
	WorkerID string    `json:"worker_id"`
	Time     time.Time `json:"time"`
}

// Worker returns the worker id.
func (h EventHeader) Worker() string { return h.WorkerID }

func (EventHeader) isEvent() {}

func header(id string) EventHeader {
	return EventHeader{WorkerID: id, Time: time.Now()}
}

// WorkerSpawned is published once a worker process has been started.
type WorkerSpawned struct {
	EventHeader
	State domain.WorkerState `json:"state"`
}

// WorkerStatusChanged is published on every accepted status update.
type WorkerStatusChanged struct {
	EventHeader
	From  ipcprotocol.WorkerStatus `json:"from"`
	To    ipcprotocol.WorkerStatus `json:"to"`
	State domain.WorkerState       `json:"state"`
}

// WorkerLogged carries one log line from a worker.
type WorkerLogged struct {
	EventHeader
	Level   string `json:"level"`
	Content string `json:"content"`
}

// PermissionRequested is published when a worker asks to run a tool.
type PermissionRequested struct {
	EventHeader
	RequestID    string                       `json:"request_id"`
	Confirmation ipcprotocol.ToolConfirmation `json:"confirmation"`
}

// WorkerRestarted is published when a crashed worker gets a fresh process.
type WorkerRestarted struct {
	EventHeader
	RestartCount int    `json:"restart_count"`
	Cause        string `json:"cause"`
}

// WorkerFinished is published once per worker when it reaches a terminal status.
type WorkerFinished struct {
	EventHeader
	Result domain.WorkerResult `json:"result"`
}

func (WorkerSpawned) Kind() string       { return "worker_spawned" }
func (WorkerStatusChanged) Kind() string { return "worker_status" }
func (WorkerLogged) Kind() string        { return "worker_log" }
func (PermissionRequested) Kind() string { return "permission_requested" }
func (WorkerRestarted) Kind() string     { return "worker_restarted" }
func (WorkerFinished) Kind() string      { return "worker_finished" }

// Subscription receives events until Close is called or the orchestrator stops.
type Subscription struct {
	C <-chan Event

	id     uint64
	broker *broker
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	if s.broker == nil {
		return
	}
	s.broker.unsubscribe(s.id)
}

// broker fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
type broker struct {
	mu      sync.Mutex
	subs    map[uint64]chan Event
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

func newBroker() *broker {
	return &broker{subs: make(map[uint64]chan Event)}
}

func (b *broker) subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return &Subscription{C: ch, broker: b}
	}
	b.nextID++
	b.subs[b.nextID] = ch
	return &Subscription{C: ch, id: b.nextID, broker: b}
}

func (b *broker) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
