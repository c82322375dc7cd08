// SPDX-License-Identifier: Apache-2.0

package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgcopydb-go/pgcopydb-go/pkg/queue"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	t.Parallel()

	q := queue.Create(t.Name(), 4)
	defer queue.Unlink(t.Name())

	ctx := context.Background()
	require.NoError(t, q.Send(ctx, queue.Message{Type: queue.MessageOID, Payload: 42}))

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.MessageOID, msg.Type)
	assert.Equal(t, uint64(42), msg.Payload)
}

func TestCloseDrainsThenReturnsStop(t *testing.T) {
	t.Parallel()

	q := queue.Create(t.Name(), 4)
	defer queue.Unlink(t.Name())

	ctx := context.Background()
	require.NoError(t, q.Send(ctx, queue.Message{Type: queue.MessageOID, Payload: 1}))
	q.Close()

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.MessageOID, msg.Type)

	msg, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.MessageStop, msg.Type)

	// Receiving again on a drained, closed queue keeps returning Stop.
	msg, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.MessageStop, msg.Type)
}

func TestLookupAfterUnlink(t *testing.T) {
	t.Parallel()

	name := t.Name()
	queue.Create(name, 1)
	assert.NotNil(t, queue.Lookup(name))

	queue.Unlink(name)
	assert.Nil(t, queue.Lookup(name))
}

func TestMultipleProducersConsumers(t *testing.T) {
	t.Parallel()

	q := queue.Create(t.Name(), 16)
	defer queue.Unlink(t.Name())

	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(oid uint64) {
			defer wg.Done()
			assert.NoError(t, q.Send(ctx, queue.Message{Type: queue.MessageOID, Payload: oid}))
		}(uint64(i))
	}

	received := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := q.Receive(ctx)
			assert.NoError(t, err)
			received <- msg.Payload
		}()
	}
	wg.Wait()
	close(received)

	seen := map[uint64]bool{}
	for v := range received {
		seen[v] = true
	}
	assert.Len(t, seen, n)
}

func TestSendRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	q := queue.Create(t.Name(), 1)
	defer queue.Unlink(t.Name())

	require.NoError(t, q.Send(context.Background(), queue.Message{Type: queue.MessageOID, Payload: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := q.Send(ctx, queue.Message{Type: queue.MessageOID, Payload: 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelFlagsEscalate(t *testing.T) {
	t.Parallel()

	flags := queue.NewCancelFlags()
	assert.False(t, flags.AskedToStop())
	assert.False(t, flags.AskedToStopFast())
	assert.False(t, flags.AskedToQuit())

	flags.AskToStop()
	assert.True(t, flags.AskedToStop())
	assert.False(t, flags.AskedToStopFast())

	flags.AskToStopFast()
	assert.True(t, flags.AskedToStopFast())
	assert.False(t, flags.AskedToQuit())

	flags.AskToQuit()
	assert.True(t, flags.AskedToQuit())
}

func TestCancelFlagsFromContextDefaultsUnset(t *testing.T) {
	t.Parallel()

	flags := queue.CancelFlagsFrom(context.Background())
	assert.False(t, flags.AskedToStop())
}

func TestWithCancelFlagsRoundTrip(t *testing.T) {
	t.Parallel()

	flags := queue.NewCancelFlags()
	flags.AskToStop()

	ctx := queue.WithCancelFlags(context.Background(), flags)
	assert.True(t, queue.CancelFlagsFrom(ctx).AskedToStop())
}
