// Package chat implements the ChatManager: a single-room broadcast
// bus with a participant set (spec §4.G). The fan-out itself runs on
// watermill's in-memory gochannel Pub/Sub; each subscriber is wrapped
// in a bounded, drop-oldest forwarding goroutine because watermill's
// gochannel blocks the publisher when a subscriber's own buffer is
// full, and spec §4.G/§9 require the opposite: a slow subscriber
// drops messages, it never stalls the room.
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

const topic = "room"

type EventKind string

const (
	EventJoined  EventKind = "joined"
	EventLeft    EventKind = "left"
	EventMessage EventKind = "message"
	EventAction  EventKind = "action"
	EventPage    EventKind = "page"
)

// Event is a single chat-room occurrence. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind EventKind `json:"kind"`
	From string    `json:"from,omitempty"`
	To   string    `json:"to,omitempty"`
	Text string    `json:"text,omitempty"`
}

// Subscription is a live participant's view of the room: Events
// delivers room events (with drop-oldest backpressure), Missed
// reports how many events have been dropped since the subscriber last
// drained, and Close ends the subscription and emits Left.
type Subscription struct {
	handle  string
	events  chan Event
	missed  *atomic.Int64
	mu      sync.Mutex
	closeFn func()
	closed  bool
}

func (s *Subscription) Events() <-chan Event { return s.events }

// MissedSinceLastCheck returns and resets the drop counter.
func (s *Subscription) MissedSinceLastCheck() int64 {
	return s.missed.Swap(0)
}

func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeFn()
}

// Manager is the single chat room. Construct with NewManager and
// reuse for the process lifetime.
type Manager struct {
	pubsub *gochannel.GoChannel
	log    *zap.Logger

	bufferSize int

	mu           sync.Mutex
	participants map[string]time.Time // handle -> last join time
}

func NewManager(bufferSize int, log *zap.Logger) *Manager {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Manager{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(bufferSize),
		}, watermill.NopLogger{}),
		log:          log,
		bufferSize:   bufferSize,
		participants: make(map[string]time.Time),
	}
}

// Join subscribes handle to the room and publishes a Joined event.
func (m *Manager) Join(ctx context.Context, handle string) (*Subscription, error) {
	raw, err := m.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.participants[handle] = time.Now()
	m.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	missed := new(atomic.Int64)
	sub := &Subscription{
		handle: handle,
		events: make(chan Event, m.bufferSize),
		missed: missed,
	}
	sub.closeFn = func() {
		cancel()
		m.mu.Lock()
		delete(m.participants, handle)
		m.mu.Unlock()
		m.publish(Event{Kind: EventLeft, From: handle})
	}

	go forward(subCtx, raw, sub.events, missed)

	m.publish(Event{Kind: EventJoined, From: handle})
	return sub, nil
}

// forward drains raw watermill messages into out, dropping the oldest
// buffered event (not the newest) when out is full, so a slow
// subscriber sees a continuous, if gappy, tail of the conversation.
func forward(ctx context.Context, raw <-chan *message.Message, out chan Event, missed *atomic.Int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-raw:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()

			select {
			case out <- ev:
			default:
				select {
				case <-out:
					missed.Add(1)
				default:
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}
}

// Leave ends sub and emits Left for its handle. It is equivalent to
// calling sub.Close directly.
func (m *Manager) Leave(sub *Subscription) {
	sub.Close()
}

func (m *Manager) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("marshal chat event", zap.Error(err))
		return
	}
	if err := m.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		m.log.Error("publish chat event", zap.Error(err))
	}
}

func (m *Manager) Message(from, text string) { m.publish(Event{Kind: EventMessage, From: from, Text: text}) }
func (m *Manager) Action(from, text string)  { m.publish(Event{Kind: EventAction, From: from, Text: text}) }

// Page delivers to every subscriber; target filtering is the
// receiver's responsibility, per spec §4.G.
func (m *Manager) Page(from, to, text string) {
	m.publish(Event{Kind: EventPage, From: from, To: to, Text: text})
}

// Participants returns a snapshot of handle -> join time.
func (m *Manager) Participants() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.participants))
	for h, t := range m.participants {
		out[h] = t
	}
	return out
}

func (m *Manager) Close() error {
	return m.pubsub.Close()
}
