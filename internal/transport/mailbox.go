// Package transport implements the Transport worker (C5): one goroutine
// per Connection doing blocking TCP/serial I/O, handed frames and control
// tuples across single-slot Mailboxes by the non-blocking cycle thread.
package transport

import (
	"context"
	"fmt"
)

// Mailbox is a single-slot rendezvous channel: a Put blocks until the
// previous value has been taken, a non-blocking Get never blocks. This is
// the Go rendering of the 2000-word shared-array mailbox described in
// spec §5 — capacity 1 buffered channels give the same "one command, one
// response, no queueing" semantics without hand-rolled flags.
type Mailbox[T any] struct {
	ch chan T
}

// NewMailbox returns an empty Mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ch: make(chan T, 1)}
}

// TryGet performs a non-blocking get: ok is false if the mailbox is empty.
// This is what the PLC cycle thread calls — it must never block.
func (m *Mailbox[T]) TryGet() (v T, ok bool) {
	select {
	case v = <-m.ch:
		return v, true
	default:
		return v, false
	}
}

// Get blocks until a value is available or ctx is done. This is what the
// Transport worker calls while waiting for its next command.
func (m *Mailbox[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-m.ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Put asserts the slot is empty and deposits v. It panics on contention
// because two writers racing for one slot is a protocol violation
// (spec §5: "blocking put asserts slot empty"), not a condition either
// side should recover from silently.
func (m *Mailbox[T]) Put(v T) {
	select {
	case m.ch <- v:
	default:
		panic(fmt.Sprintf("transport: mailbox put with full slot (value %#v)", v))
	}
}

// PutBlocking deposits v once the slot frees up, or until ctx is done.
// Used by the worker side, which may need to wait briefly for the cycle
// thread to drain a previous status tuple.
func (m *Mailbox[T]) PutBlocking(ctx context.Context, v T) error {
	select {
	case m.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
