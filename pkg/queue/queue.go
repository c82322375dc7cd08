// SPDX-License-Identifier: Apache-2.0

// Package queue implements the Work Distribution Layer: named,
// multi-producer/multi-consumer FIFO queues of fixed-size messages, plus the
// counting semaphores and cancellation flags that gate access to them (§4.2
// of the specification). Queues are in-process channels rather than the
// System V message queues of the original tool — a deliberate redesign
// (see DESIGN.md) since every worker in this port lives in one process
// tree and shares one address space.
package queue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// MessageType tags the single 64-bit payload carried by a Message.
type MessageType int

const (
	// MessageLSN carries a log sequence number, used by the transform
	// queue to hand a WAL segment boundary to a consumer.
	MessageLSN MessageType = iota
	// MessageOID carries a table or index object id, used by the table
	// and index queues to hand work to copy/build workers.
	MessageOID
	// MessageConOID carries a constraint object id: a constraint-only job
	// posted to the index queue once its backing index is already built
	// (§4.3 "enqueue each constraint-bearing index as a constraint job").
	MessageConOID
	// MessageStop is the sentinel every queue's Receive returns once
	// Close has been called and the queue has drained: consumers use it
	// to know there is no more work coming, without the producer side
	// needing to count its consumers.
	MessageStop
)

// Message is the fixed-size unit of work passed through a Queue: a type tag
// plus one 64-bit payload (an lsn or an oid), matching the wire shape of
// the original tool's message queue protocol.
type Message struct {
	Type    MessageType
	Payload uint64
}

// Queue is a named, durable-for-the-life-of-the-process FIFO. Any number of
// producers may Send and any number of consumers may Receive; once Close is
// called and every already-enqueued message has been delivered, every
// blocked and future Receive call returns a MessageStop message instead of
// blocking forever.
type Queue struct {
	name string
	ch   chan Message

	mu     sync.Mutex
	closed bool
}

// registry is the process-wide set of named queues, mirroring the named
// /dev/mqueue namespace of the original tool: a queue is created once per
// name and looked up by every worker that needs it.
var (
	registryMu sync.Mutex
	registry   = map[string]*Queue{}
)

// Create makes a new named queue with the given buffer capacity. It is an
// InvariantError (panic, since this is a programming error, not a runtime
// one) to Create the same name twice without Unlink in between.
func Create(name string, capacity int) *Queue {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("queue: %q already created", name))
	}

	q := &Queue{name: name, ch: make(chan Message, capacity)}
	registry[name] = q
	return q
}

// Lookup returns the named queue, or nil if it was never created or has
// since been unlinked.
func Lookup(name string) *Queue {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[name]
}

// Unlink removes the queue from the registry. It does not close the
// underlying channel; callers that hold a direct reference may keep
// draining it.
func Unlink(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}

// Name returns the queue's registered name.
func (q *Queue) Name() string { return q.name }

// Send enqueues a message, blocking if the queue is at capacity. It returns
// ctx.Err() if the context is cancelled first.
func (q *Queue) Send(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks for the next message, or returns a MessageStop message once
// the queue has been Closed and drained. It returns ctx.Err() if the
// context is cancelled first.
func (q *Queue) Receive(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-q.ch:
		if !ok {
			return Message{Type: MessageStop}, nil
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close signals that no further Sends will occur; every Receive on an
// empty, closed queue returns MessageStop from then on. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Semaphores are the three counting semaphores of §4.2: one guarding
// concurrent table COPY (weight 1, a single writer per partition at a
// time), one bounding concurrent index builds (weight indexJobs), and one
// serializing catalog store access (weight 1, shared with pkg/catalog's own
// internal semaphore via the same acquire/release discipline).
type Semaphores struct {
	Table *semaphore.Weighted
	Index *semaphore.Weighted
}

// NewSemaphores builds the table/index counting semaphores sized from the
// run configuration's tableJobs/indexJobs knobs.
func NewSemaphores(indexJobs int) *Semaphores {
	if indexJobs < 1 {
		indexJobs = 1
	}
	return &Semaphores{
		Table: semaphore.NewWeighted(1),
		Index: semaphore.NewWeighted(int64(indexJobs)),
	}
}
