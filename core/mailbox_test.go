package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxCapacity(t *testing.T) {
	for _, capacity := range []int{1, 3, 16} {
		mb := NewMailbox(capacity)
		for i := 0; i < capacity; i++ {
			require.NoError(t, mb.TrySend(intEnv(int64(i))))
		}
		assert.ErrorIs(t, mb.TrySend(intEnv(-1)), ErrMailboxFull, "capacity %d", capacity)
		assert.Equal(t, capacity, mb.Len())
	}
}

func TestMailboxFIFO(t *testing.T) {
	mb := NewMailbox(128)
	for i := 0; i < 100; i++ {
		require.NoError(t, mb.TrySend(intEnv(int64(i))))
	}

	ctx := testContext(t)
	for i := 0; i < 100; i++ {
		env, err := mb.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i), intOf(t, env))
	}
}

func TestMailboxCloseDrainsThenReportsClosed(t *testing.T) {
	mb := NewMailbox(4)
	for i := 1; i <= 3; i++ {
		require.NoError(t, mb.TrySend(intEnv(int64(i))))
	}

	assert.True(t, mb.Close())
	assert.False(t, mb.Close(), "close is idempotent")
	assert.ErrorIs(t, mb.TrySend(intEnv(4)), ErrMailboxClosed)
	assert.ErrorIs(t, mb.Send(testContext(t), intEnv(5)), ErrMailboxClosed)

	ctx := testContext(t)
	for i := 1; i <= 3; i++ {
		env, err := mb.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i), intOf(t, env))
	}

	_, err := mb.Recv(ctx)
	assert.ErrorIs(t, err, ErrMailboxClosed)
	_, ok := mb.TryRecv()
	assert.False(t, ok)
}

func TestMailboxSendWaitsForSpace(t *testing.T) {
	mb := NewMailbox(1)
	require.NoError(t, mb.TrySend(intEnv(1)))

	done := make(chan error, 1)
	go func() {
		done <- mb.Send(testContext(t), intEnv(2))
	}()

	select {
	case err := <-done:
		t.Fatalf("send returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	env, ok := mb.TryRecv()
	require.True(t, ok)
	assert.Equal(t, int64(1), intOf(t, env))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("blocked sender was not woken")
	}

	env, ok = mb.TryRecv()
	require.True(t, ok)
	assert.Equal(t, int64(2), intOf(t, env))
}

func TestMailboxSendTimeoutLeavesStateUntouched(t *testing.T) {
	mb := NewMailbox(1)
	require.NoError(t, mb.TrySend(intEnv(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, mb.Send(ctx, intEnv(2)), ErrTimeout)
	assert.Equal(t, 1, mb.Len())

	env, ok := mb.TryRecv()
	require.True(t, ok)
	assert.Equal(t, int64(1), intOf(t, env))
}

func TestMailboxRecvTimeout(t *testing.T) {
	mb := NewMailbox(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := mb.Recv(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, mb.IsClosed())
}

func TestMailboxCloseWakesBlockedSenders(t *testing.T) {
	mb := NewMailbox(1)
	require.NoError(t, mb.TrySend(intEnv(1)))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- mb.Send(testContext(t), intEnv(2))
		}()
	}

	time.Sleep(20 * time.Millisecond)
	mb.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrMailboxClosed)
		case <-time.After(waitFor):
			t.Fatal("sender not released by close")
		}
	}
}

func TestMailboxRecvReturnsWhenClosedWhileWaiting(t *testing.T) {
	mb := NewMailbox(1)

	errs := make(chan error, 1)
	go func() {
		_, err := mb.Recv(testContext(t))
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	mb.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrMailboxClosed)
	case <-time.After(waitFor):
		t.Fatal("receiver hangs on a closed mailbox")
	}
}

func TestMailboxZeroCapacityHandsOff(t *testing.T) {
	mb := NewMailbox(0)
	assert.ErrorIs(t, mb.TrySend(intEnv(1)), ErrMailboxFull, "nobody is receiving")

	got := make(chan Envelope, 1)
	go func() {
		env, err := mb.Recv(testContext(t))
		if err == nil {
			got <- env
		}
	}()

	require.Eventually(t, func() bool {
		return mb.TrySend(intEnv(7)) == nil
	}, waitFor, tick)

	select {
	case env := <-got:
		assert.Equal(t, int64(7), intOf(t, env))
	case <-time.After(waitFor):
		t.Fatal("hand-off did not reach the receiver")
	}

	assert.ErrorIs(t, mb.TrySend(intEnv(8)), ErrMailboxFull, "the receiver was consumed")
}

func TestMailboxZeroCapacityBlockingSend(t *testing.T) {
	mb := NewMailbox(0)

	done := make(chan error, 1)
	go func() {
		done <- mb.Send(testContext(t), intEnv(9))
	}()

	env, err := mb.Recv(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, int64(9), intOf(t, env))
	require.NoError(t, <-done)
}

func TestMailboxAbandonedSenderDoesNotLoseWakeups(t *testing.T) {
	mb := NewMailbox(1)
	require.NoError(t, mb.TrySend(intEnv(1)))

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	shortErr := make(chan error, 1)
	go func() { shortErr <- mb.Send(short, intEnv(2)) }()

	longErr := make(chan error, 1)
	time.Sleep(5 * time.Millisecond)
	go func() { longErr <- mb.Send(testContext(t), intEnv(3)) }()

	assert.ErrorIs(t, <-shortErr, ErrTimeout)

	_, ok := mb.TryRecv()
	require.True(t, ok)
	require.NoError(t, <-longErr)

	env, ok := mb.TryRecv()
	require.True(t, ok)
	assert.Equal(t, int64(3), intOf(t, env))
}

func TestMailboxDrainAndCounters(t *testing.T) {
	mb := NewMailbox(4)
	for i := 0; i < 3; i++ {
		require.NoError(t, mb.TrySend(intEnv(int64(i))))
	}
	_, _ = mb.TryRecv()

	left := mb.Drain()
	assert.Len(t, left, 2)
	assert.Equal(t, int64(1), intOf(t, left[0]))

	enq, deq := mb.Counters()
	assert.Equal(t, uint64(3), enq)
	assert.Equal(t, uint64(3), deq)
}

func TestMailboxHooks(t *testing.T) {
	mb := NewMailbox(1)
	notified, saturated := 0, 0
	mb.setHooks(func() { notified++ }, func() { saturated++ })

	require.NoError(t, mb.TrySend(intEnv(1)))
	assert.ErrorIs(t, mb.TrySend(intEnv(2)), ErrMailboxFull)
	mb.Close()

	assert.Equal(t, 2, notified, "one enqueue plus close")
	assert.Equal(t, 1, saturated)
}
