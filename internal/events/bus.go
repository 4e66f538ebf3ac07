// Package events implements the in-process publish/subscribe bus that
// carries session progress to observers.
//
// Publishing never blocks. Each subscriber owns a bounded buffer; a
// subscriber that falls behind far enough to fill it is dropped, its channel
// is closed and Err reports ErrSlowSubscriber. Adapters reconnect with
// SubscribeFrom, which replays recent events from a per-session ring before
// switching to live delivery. Events of one session are delivered in the
// order they were published; there is no ordering across sessions.
package events

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/metrics"
)

// Errors reported by Subscription.Err.
var (
	ErrSlowSubscriber = errors.New("subscriber dropped: buffer overflow")
	ErrClosed         = errors.New("subscription closed")
)

// SeqSeeder returns the last sequence number already used for a session,
// so numbering continues after a restart.
type SeqSeeder func(ctx context.Context, sessionID string) (int64, error)

// Config sizes the bus.
type Config struct {
	BufferSize   int
	ReplaySize   int
	FirehoseSize int
	SeedTimeout  time.Duration
}

// DefaultConfig returns a 256-event subscriber buffer, a 512-event replay
// ring per session and a 4096-event firehose buffer.
func DefaultConfig() Config {
	return Config{BufferSize: 256, ReplaySize: 512, FirehoseSize: 4096, SeedTimeout: 2 * time.Second}
}

// topic holds one session's sequence counter, replay ring and subscribers.
type topic struct {
	seedOnce sync.Once

	mu      sync.Mutex
	seq     int64
	retired bool
	replay  *list.List
	subs    map[uint64]*Subscription
}

// Bus is the event bus. It is safe for concurrent use.
type Bus struct {
	cfg     Config
	seeder  SeqSeeder
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	topics   map[string]*topic
	firehose map[uint64]*Subscription
	nextID   atomic.Uint64

	// retired holds the last sequence of forgotten sessions, so an event
	// published after Forget continues the numbering.
	retired map[string]int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithSeeder continues per-session numbering from durable storage.
func WithSeeder(s SeqSeeder) Option {
	return func(b *Bus) { b.seeder = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates a bus.
func NewBus(cfg Config, opts ...Option) *Bus {
	d := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = d.ReplaySize
	}
	if cfg.FirehoseSize <= 0 {
		cfg.FirehoseSize = d.FirehoseSize
	}
	if cfg.SeedTimeout <= 0 {
		cfg.SeedTimeout = d.SeedTimeout
	}
	b := &Bus{
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		topics:   make(map[string]*topic),
		firehose: make(map[uint64]*Subscription),
		retired:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) topic(sessionID string) *topic {
	b.mu.RLock()
	t, ok := b.topics[sessionID]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[sessionID]; ok {
		return t
	}
	t = &topic{replay: list.New(), subs: make(map[uint64]*Subscription)}
	b.topics[sessionID] = t
	return t
}

// seed initializes the topic's sequence from the retired counter and
// durable storage, once per topic. It runs before the topic lock is taken
// so storage I/O never blocks publishers holding it.
func (b *Bus) seed(t *topic, sessionID string) {
	t.seedOnce.Do(func() {
		b.mu.RLock()
		last := b.retired[sessionID]
		b.mu.RUnlock()

		if b.seeder != nil {
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SeedTimeout)
			stored, err := b.seeder(ctx, sessionID)
			cancel()
			switch {
			case err != nil:
				b.logger.Warn("event sequence seed failed, numbering from memory",
					"session_id", sessionID, "error", err)
			case stored > last:
				last = stored
			}
		}

		t.mu.Lock()
		if last > t.seq {
			t.seq = last
		}
		t.mu.Unlock()
	})
}

// lockTopic returns the session's live topic, seeded and locked. A topic
// retired by Forget while the caller waited is replaced by a fresh one.
func (b *Bus) lockTopic(sessionID string) *topic {
	for {
		t := b.topic(sessionID)
		b.seed(t, sessionID)
		t.mu.Lock()
		if !t.retired {
			return t
		}
		t.mu.Unlock()
	}
}

// Publish stamps ev with an id, the next per-session sequence number and a
// timestamp, then hands it to every subscriber without blocking. The
// stamped event is returned.
func (b *Bus) Publish(ev domain.Event) domain.Event {
	t := b.lockTopic(ev.SessionID)
	t.seq++
	ev.Seq = t.seq
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	ev.Data = cloneData(ev.Data)

	t.replay.PushBack(ev)
	for t.replay.Len() > b.cfg.ReplaySize {
		t.replay.Remove(t.replay.Front())
	}

	var overflowed []uint64
	for id, sub := range t.subs {
		if !sub.deliver(ev) {
			overflowed = append(overflowed, id)
		}
	}
	for _, id := range overflowed {
		delete(t.subs, id)
	}

	// The firehose is fed under the topic lock so per-session order holds
	// there as well.
	b.mu.RLock()
	var firehoseOverflow []uint64
	for id, sub := range b.firehose {
		if !sub.deliver(ev) {
			firehoseOverflow = append(firehoseOverflow, id)
		}
	}
	b.mu.RUnlock()
	t.mu.Unlock()

	if len(firehoseOverflow) > 0 {
		b.mu.Lock()
		for _, id := range firehoseOverflow {
			delete(b.firehose, id)
		}
		b.mu.Unlock()
	}
	for range overflowed {
		b.metrics.SubscriberRemoved(true)
	}
	for range firehoseOverflow {
		b.metrics.SubscriberRemoved(true)
	}
	if n := len(overflowed) + len(firehoseOverflow); n > 0 {
		b.logger.Warn("dropped slow event subscribers", "session_id", ev.SessionID, "count", n)
	}

	b.metrics.EventPublished(string(ev.Type))
	b.logger.LogAttrs(context.Background(), slog.LevelDebug, "event published",
		slog.String("session_id", ev.SessionID),
		slog.String("type", string(ev.Type)),
		slog.Int64("seq", ev.Seq),
		slog.String("plan_id", ev.PlanID),
	)
	return ev
}

// Subscribe delivers the session's events published from now on.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub, _ := b.subscribe(sessionID, -1)
	return sub
}

// SubscribeFrom returns the buffered events with a sequence number greater
// than afterSeq, followed by live delivery on the subscription. Nothing is
// lost or duplicated between the two. gap is true when the ring no longer
// holds every event after afterSeq.
func (b *Bus) SubscribeFrom(sessionID string, afterSeq int64) (sub *Subscription, missed []domain.Event, gap bool) {
	sub, missed = b.subscribe(sessionID, afterSeq)
	if afterSeq >= 0 {
		first := afterSeq + 1
		if len(missed) > 0 {
			gap = missed[0].Seq > first
		} else {
			gap = sub.startSeq > afterSeq
		}
	}
	return sub, missed, gap
}

func (b *Bus) subscribe(sessionID string, afterSeq int64) (*Subscription, []domain.Event) {
	sub := newSubscription(b, b.nextID.Add(1), sessionID, b.cfg.BufferSize)

	t := b.lockTopic(sessionID)
	var missed []domain.Event
	if afterSeq >= 0 {
		for e := t.replay.Front(); e != nil; e = e.Next() {
			ev := e.Value.(domain.Event)
			if ev.Seq > afterSeq {
				missed = append(missed, ev)
			}
		}
		if t.replay.Len() > 0 {
			sub.startSeq = t.replay.Front().Value.(domain.Event).Seq - 1
		} else {
			sub.startSeq = t.seq
		}
	}
	t.subs[sub.id] = sub
	t.mu.Unlock()

	b.metrics.SubscriberAdded()
	return sub, missed
}

// SubscribeAll delivers events of every session. It is meant for sinks
// such as the audit log and uses the larger firehose buffer.
func (b *Bus) SubscribeAll() *Subscription {
	sub := newSubscription(b, b.nextID.Add(1), "", b.cfg.FirehoseSize)
	b.mu.Lock()
	b.firehose[sub.id] = sub
	b.mu.Unlock()
	b.metrics.SubscriberAdded()
	return sub
}

// LastSeq returns the last sequence number published for a session.
func (b *Bus) LastSeq(sessionID string) int64 {
	t := b.lockTopic(sessionID)
	defer t.mu.Unlock()
	return t.seq
}

// Forget drops a session's topic, closing its subscriptions. Its sequence
// counter is kept, so a late event for the session is numbered after the
// ones already published.
func (b *Bus) Forget(sessionID string) {
	b.mu.RLock()
	t, ok := b.topics[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	b.mu.Lock()
	if b.topics[sessionID] == t {
		delete(b.topics, sessionID)
	}
	if t.seq > b.retired[sessionID] {
		b.retired[sessionID] = t.seq
	}
	b.mu.Unlock()
	t.retired = true
	subs := t.subs
	t.subs = make(map[uint64]*Subscription)
	t.mu.Unlock()
	for _, sub := range subs {
		sub.close(ErrClosed)
		b.metrics.SubscriberRemoved(false)
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	removed := false
	if sub.sessionID == "" {
		b.mu.Lock()
		if _, ok := b.firehose[sub.id]; ok {
			delete(b.firehose, sub.id)
			removed = true
		}
		b.mu.Unlock()
	} else {
		b.mu.RLock()
		t, ok := b.topics[sub.sessionID]
		b.mu.RUnlock()
		if ok {
			t.mu.Lock()
			if _, exists := t.subs[sub.id]; exists {
				delete(t.subs, sub.id)
				removed = true
			}
			t.mu.Unlock()
		}
	}
	if removed {
		b.metrics.SubscriberRemoved(false)
	}
}

func cloneData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
