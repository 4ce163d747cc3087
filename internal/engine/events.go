package engine

import (
	"sync"
	"time"

	"github.com/seantiz/campussim/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// defaultMarkerTTL is how long a closed topic is remembered.
const defaultMarkerTTL = 10 * time.Minute

// Event types.
const (
	EventState = "state"
	EventRun   = "run"
)

// Event is a progress notification for one job.
type Event struct {
	JobID     string         `json:"job_id"`
	Type      string         `json:"type"`
	State     model.JobState `json:"state,omitempty"`
	Iteration *int           `json:"iteration,omitempty"`
	Message   string         `json:"message,omitempty"`
	At        time.Time      `json:"at"`
}

// EventBroker fans job events out to subscribers. It is safe for concurrent
// use.
//
// Closed topics are retained as markers for a limited time so that late
// subscribers, racing a job into its terminal state, receive a closed
// channel instead of blocking forever. Subscribers arriving later than that
// are expected to have checked the job's stored state first.
type EventBroker struct {
	mu        sync.Mutex
	topics    map[string]*eventTopic
	markerTTL time.Duration
}

type eventTopic struct {
	subs     map[int]chan Event
	nextID   int
	closed   bool
	closedAt time.Time
}

// BrokerOption configures an EventBroker.
type BrokerOption func(*EventBroker)

// WithMarkerTTL sets how long closed topics are remembered.
func WithMarkerTTL(d time.Duration) BrokerOption {
	return func(b *EventBroker) { b.markerTTL = d }
}

// NewEventBroker creates a new event broker.
func NewEventBroker(opts ...BrokerOption) *EventBroker {
	b := &EventBroker{
		topics:    make(map[string]*eventTopic),
		markerTTL: defaultMarkerTTL,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Len returns the number of topics the broker tracks, closed markers
// included.
func (b *EventBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Subscribe returns a channel that receives events for the given job and an
// unsubscribe function. If the job has already finished (Close was called),
// the returned channel is immediately closed.
func (b *EventBroker) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[jobID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if len(t.subs) == 0 && !t.closed && b.topics[jobID] == t {
			delete(b.topics, jobID)
		}
	}
}

// Publish sends an event to all subscribers of its job. Events are dropped
// for subscribers whose buffers are full.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.JobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Never block the orchestration cycle on a slow reader.
		}
	}
}

// Close signals that no more events will be published for the given job.
// All subscriber channels are closed and Subscribe calls within the marker
// TTL return a closed channel. Expired markers of other jobs are dropped.
func (b *EventBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.pruneLocked(now)

	t, ok := b.topics[jobID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[jobID] = t
	}
	t.closed = true
	t.closedAt = now
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// pruneLocked drops closed markers older than the TTL. b.mu must be held.
func (b *EventBroker) pruneLocked(now time.Time) {
	for id, t := range b.topics {
		if t.closed && now.Sub(t.closedAt) > b.markerTTL {
			delete(b.topics, id)
		}
	}
}
