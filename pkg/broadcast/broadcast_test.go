// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/mcp-stdio-bridge/pkg/frame"
)

func newTestBroadcaster(opts ...Option) *Broadcaster {
	return New(append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
}

func msgN(i int) frame.Message {
	return frame.Message(fmt.Sprintf(`{"seq":%d}`, i))
}

func nextWithin(t *testing.T, sub *Subscription, timeout time.Duration) frame.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	return msg
}

func TestBroadcastPreservesOrderForEverySubscriber(t *testing.T) {
	b := newTestBroadcaster()
	first := b.Subscribe()
	defer first.Close()
	second := b.Subscribe()
	defer second.Close()

	const total = 200
	for i := 0; i < total; i++ {
		b.Broadcast(msgN(i))
	}

	for _, sub := range []*Subscription{first, second} {
		for i := 0; i < total; i++ {
			assert.Equal(t, string(msgN(i)), string(nextWithin(t, sub, time.Second)))
		}
	}
}

func TestLateSubscriberDoesNotReceiveEarlierMessages(t *testing.T) {
	b := newTestBroadcaster()
	early := b.Subscribe()
	defer early.Close()

	b.Broadcast(msgN(1))

	late := b.Subscribe()
	defer late.Close()

	b.Broadcast(msgN(2))
	b.Broadcast(msgN(3))

	assert.Equal(t, string(msgN(1)), string(nextWithin(t, early, time.Second)))
	assert.Equal(t, string(msgN(2)), string(nextWithin(t, late, time.Second)))
	assert.Equal(t, string(msgN(3)), string(nextWithin(t, late, time.Second)))
}

func TestUnsubscribedQueueReceivesNothing(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.Subscribe()
	require.Equal(t, 1, b.Len())

	sub.Close()
	sub.Close() // idempotent
	require.Equal(t, 0, b.Len())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Broadcast(msgN(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked after unsubscribe")
	}

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Empty(t, sub.queue)
}

func TestNextBlocksUntilMessageArrives(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.Subscribe()
	defer sub.Close()

	got := make(chan frame.Message, 1)
	go func() {
		msg, err := sub.Next(context.Background())
		if err == nil {
			got <- msg
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before any broadcast")
	case <-time.After(20 * time.Millisecond):
	}

	b.Broadcast(msgN(42))

	select {
	case msg := <-got:
		assert.Equal(t, string(msgN(42)), string(msg))
	case <-time.After(time.Second):
		t.Fatal("Next did not return after broadcast")
	}
}

func TestNextHonoursContextCancellation(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessagesSequenceStopsOnClose(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.Subscribe()

	var received []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Messages(context.Background()) {
			received = append(received, string(msg))
			if len(received) == 3 {
				sub.Close()
			}
		}
	}()

	for i := 0; i < 3; i++ {
		b.Broadcast(msgN(i))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sequence did not end after close")
	}

	assert.Equal(t, []string{string(msgN(0)), string(msgN(1)), string(msgN(2))}, received)
	assert.Equal(t, 0, b.Len())
}

func TestCloseReleasesBlockedConsumersAndRejectsNewOnes(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.Subscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	b.Close()
	b.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer not released by Close")
	}

	late := b.Subscribe()
	_, err := late.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, b.Len())

	// Broadcasting into a closed broadcaster is a no-op.
	b.Broadcast(msgN(1))
}

func TestQueueLimitDropsOldest(t *testing.T) {
	b := newTestBroadcaster(WithQueueLimit(2))
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Broadcast(msgN(i))
	}

	assert.Equal(t, string(msgN(3)), string(nextWithin(t, sub, time.Second)))
	assert.Equal(t, string(msgN(4)), string(nextWithin(t, sub, time.Second)))
	assert.Equal(t, uint64(3), sub.Dropped())
}

func TestConcurrentSubscribeAndBroadcast(t *testing.T) {
	b := newTestBroadcaster()

	const (
		subscribers = 16
		messages    = 100
	)

	// Subscribers joined before the first broadcast must see every message in order.
	var subs []*Subscription
	for i := 0; i < subscribers; i++ {
		subs = append(subs, b.Subscribe())
	}

	var churn sync.WaitGroup
	stop := make(chan struct{})
	churn.Add(1)
	go func() {
		defer churn.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Subscribe().Close()
			}
		}
	}()

	var consumers sync.WaitGroup
	for _, sub := range subs {
		consumers.Add(1)
		go func(sub *Subscription) {
			defer consumers.Done()
			defer sub.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for i := 0; i < messages; i++ {
				msg, err := sub.Next(ctx)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, string(msgN(i)), string(msg))
			}
		}(sub)
	}

	for i := 0; i < messages; i++ {
		b.Broadcast(msgN(i))
	}

	consumers.Wait()
	close(stop)
	churn.Wait()

	assert.Equal(t, 0, b.Len())
}

func TestSubscriptionIDsAreUnique(t *testing.T) {
	b := newTestBroadcaster()
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		sub := b.Subscribe()
		_, dup := seen[sub.ID()]
		require.False(t, dup, "duplicate id %s", sub.ID())
		seen[sub.ID()] = struct{}{}
		sub.Close()
	}
}
