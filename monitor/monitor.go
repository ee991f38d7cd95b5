// Package monitor implements the generic ordered-entry gate of spec.md
// §4.1: callers request entry with an opaque Order carrying a seqno and a
// readiness predicate; entries are released in seqno order as the
// predicate permits, which is how the replicator serializes concurrent
// applier threads around certification, apply and commit. A seqno is
// admitted only after every smaller seqno has left or been cancelled, so
// two entrants never hold the same monitor at once; the predicate can
// only add conditions on top of that.
package monitor

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Order is the minimal shape a Monitor needs to admit an entrant: its
// position in the total order.
type Order interface {
	Seqno() int64
}

// Predicate decides whether o may enter given the highest seqno that has
// left so far. Monitor already enforces "every smaller seqno has left or
// been cancelled" before calling Predicate, so Predicate only encodes the
// extra, monitor-specific condition (spec.md §4.1 "Predicates used").
type Predicate[O Order] func(o O, lastLeft int64) bool

var (
	// ErrInterrupted is returned by Enter when Interrupt fires while blocked.
	ErrInterrupted = errors.New("monitor: interrupted")
	// ErrClosed is returned by Enter/Drain/Wait after Close.
	ErrClosed = errors.New("monitor: closed")
	// ErrGroupMismatch is returned by Wait when the group uuid changed.
	ErrGroupMismatch = errors.New("monitor: group uuid mismatch")
)

// Monitor admits entrants in strict seqno order, subject to Predicate.
type Monitor[O Order] struct {
	mu        sync.Mutex
	predicate Predicate[O]

	groupID  uuid.UUID
	lastLeft int64

	left      map[int64]struct{}
	interrupt map[int64]struct{}
	closed    bool
	wake      chan struct{}
}

// New builds a Monitor whose watermark starts at seqno 0 (i.e. the first
// admissible seqno is 1) until SetInitialPosition says otherwise.
func New[O Order](predicate Predicate[O]) *Monitor[O] {
	return &Monitor[O]{
		predicate: predicate,
		lastLeft:  0,
		left:      make(map[int64]struct{}),
		interrupt: make(map[int64]struct{}),
		wake:      make(chan struct{}),
	}
}

func (m *Monitor[O]) broadcastLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

// LastLeft returns the supremum of released seqnos (P5: monotonically
// non-decreasing for the lifetime of a given (group, initial-position)).
func (m *Monitor[O]) LastLeft() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLeft
}

// Enter blocks until every order with smaller seqno has left or been
// self-cancelled and Predicate(o, lastLeft) holds. Returns ErrInterrupted
// if Interrupt(o) fires first, or ErrClosed if the monitor is closed, or
// ctx.Err() if ctx is done first.
func (m *Monitor[O]) Enter(ctx context.Context, o O) error {
	seqno := o.Seqno()
	for {
		m.mu.Lock()
		if _, ok := m.interrupt[seqno]; ok {
			delete(m.interrupt, seqno)
			m.mu.Unlock()
			return ErrInterrupted
		}
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		holesFilled := m.lastLeft >= seqno-1
		if holesFilled && m.predicate(o, m.lastLeft) {
			m.mu.Unlock()
			return nil
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Leave releases o's slot, advancing LastLeft, and wakes blocked entrants.
func (m *Monitor[O]) Leave(o O) {
	m.release(o.Seqno())
}

// SelfCancel marks o's slot as completed without ever entering; it
// contributes to LastLeft advancement exactly like Leave.
func (m *Monitor[O]) SelfCancel(o O) {
	m.release(o.Seqno())
}

func (m *Monitor[O]) release(seqno int64) {
	m.mu.Lock()
	if seqno > m.lastLeft {
		m.left[seqno] = struct{}{}
	}
	for {
		if _, ok := m.left[m.lastLeft+1]; !ok {
			break
		}
		delete(m.left, m.lastLeft+1)
		m.lastLeft++
	}
	m.broadcastLocked()
	m.mu.Unlock()
}

// Drain blocks until every seqno <= upto has left or been cancelled.
func (m *Monitor[O]) Drain(ctx context.Context, upto int64) error {
	for {
		m.mu.Lock()
		if m.lastLeft >= upto {
			m.mu.Unlock()
			return nil
		}
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait blocks until LastLeft >= seqno for the monitor's current group,
// failing ErrGroupMismatch immediately if group doesn't match (spec.md
// §4.1 wait(gtid, deadline); the deadline is expressed via ctx here).
func (m *Monitor[O]) Wait(ctx context.Context, group uuid.UUID, seqno int64) error {
	m.mu.Lock()
	if m.groupID != group {
		m.mu.Unlock()
		return ErrGroupMismatch
	}
	m.mu.Unlock()
	return m.Drain(ctx, seqno)
}

// SetInitialPosition resets the watermarks to (group, seqno); a later call
// with a matching group allows continuity (i.e. does not reset LastLeft
// below what it already observed for that group — callers that re-assert
// the same group/seqno pair get a no-op).
func (m *Monitor[O]) SetInitialPosition(group uuid.UUID, seqno int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groupID == group && m.lastLeft >= seqno {
		return
	}
	m.groupID = group
	m.lastLeft = seqno
	m.left = make(map[int64]struct{})
	m.interrupt = make(map[int64]struct{})
	m.broadcastLocked()
}

// Interrupt unblocks a pending Enter for seqno, or pre-arms the interrupt
// if Enter(seqno) hasn't been called yet (abort_trx races the owning
// thread: whichever of Enter/Interrupt runs first still observes a
// consistent outcome).
func (m *Monitor[O]) Interrupt(seqno int64) {
	m.mu.Lock()
	m.interrupt[seqno] = struct{}{}
	m.broadcastLocked()
	m.mu.Unlock()
}

// Close unblocks every blocked Enter/Drain/Wait with ErrClosed and refuses
// further entry (spec.md §5: close() unblocks all blocked monitor
// waiters).
func (m *Monitor[O]) Close() {
	m.mu.Lock()
	m.closed = true
	m.broadcastLocked()
	m.mu.Unlock()
}
