// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package broadcast fans out messages decoded from the MCP server to every
// connected event stream. Each subscription owns an independent queue so a
// slow client never stalls the reader or its peers.
package broadcast

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/mcp-stdio-bridge/pkg/frame"
)

// ErrClosed is returned by Subscription.Next once the subscription has been
// released, either by its owner or by Broadcaster.Close.
var ErrClosed = errors.New("subscription closed")

// Broadcaster tracks the active subscriptions and delivers each message to all
// of them.
type Broadcaster struct {
	// mu guards subs and closed.
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	// queueLimit bounds each queue when positive; zero keeps queues unbounded.
	queueLimit int
	logger     zerolog.Logger
}

// Option customises a Broadcaster.
type Option func(*Broadcaster)

// WithQueueLimit bounds every subscription queue to n messages, dropping the
// oldest queued message on overflow. n <= 0 keeps queues unbounded.
func WithQueueLimit(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queueLimit = n
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// New constructs an empty Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:   make(map[string]*Subscription),
		logger: log.With().Str("component", "broadcast").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscription. Messages broadcast before this call
// are never delivered to it. The caller must Close the subscription when done.
// After Close on the Broadcaster the returned subscription is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		id:     ulid.Make().String(),
		owner:  b,
		limit:  b.queueLimit,
		notify: make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.markClosed()
		return sub
	}
	b.subs[sub.id] = sub
	count := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug().Str("subscription", sub.id).Int("subscribers", count).Msg("subscriber added")
	return sub
}

// Unsubscribe removes sub from the active set and closes it. It is safe to
// call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	_, member := b.subs[sub.id]
	delete(b.subs, sub.id)
	count := len(b.subs)
	b.mu.Unlock()

	sub.markClosed()

	if member {
		b.logger.Debug().
			Str("subscription", sub.id).
			Int("subscribers", count).
			Uint64("dropped", sub.Dropped()).
			Msg("subscriber removed")
	}
}

// Broadcast enqueues msg on every subscription that is a member at the time of
// the call. It never blocks on a consumer.
func (b *Broadcaster) Broadcast(msg frame.Message) {
	b.mu.RLock()
	snapshot := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		sub.push(msg)
	}
}

// Len reports the number of active subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close releases every subscription and rejects new ones. Consumers blocked in
// Next return ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.markClosed()
	}
	b.logger.Debug().Int("subscribers", len(subs)).Msg("broadcaster closed")
}

// Subscription is a single consumer's delivery queue.
type Subscription struct {
	id    string
	owner *Broadcaster
	limit int

	mu      sync.Mutex
	queue   []frame.Message
	closed  bool
	dropped uint64
	// notify holds at most one pending wake-up for the consumer.
	notify chan struct{}
}

// ID returns the unique identifier of the subscription.
func (s *Subscription) ID() string {
	return s.id
}

// Close unsubscribes from the owning Broadcaster.
func (s *Subscription) Close() {
	s.owner.Unsubscribe(s)
}

// Dropped reports how many messages were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Next blocks until a message is available, the subscription is closed, or ctx
// is done. Messages still queued when the subscription is closed are discarded.
func (s *Subscription) Next(ctx context.Context) (frame.Message, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Messages returns a single-use sequence over the subscription. Iteration ends
// when the subscription is closed or ctx is done.
func (s *Subscription) Messages(ctx context.Context) iter.Seq[frame.Message] {
	return func(yield func(frame.Message) bool) {
		for {
			msg, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *Subscription) push(msg frame.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.limit > 0 && len(s.queue) >= s.limit {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	s.wake()
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
