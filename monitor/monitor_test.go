package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqOrder int64

func (s seqOrder) Seqno() int64 { return int64(s) }

func fifo(_ seqOrder, _ int64) bool { return true }

func TestEnterBoundaryNoBlock(t *testing.T) {
	m := New[seqOrder](fifo)
	m.SetInitialPosition(uuid.New(), 5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Enter(ctx, seqOrder(6)))
}

func TestStrictFIFOOrdering(t *testing.T) {
	m := New[seqOrder](fifo)

	var mu sync.Mutex
	var order []int64
	var wg sync.WaitGroup

	for _, seq := range []int64{3, 1, 2} {
		seq := seq
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := m.Enter(ctx, seqOrder(seq)); err != nil {
				return
			}
			mu.Lock()
			order = append(order, seq)
			mu.Unlock()
			m.Leave(seqOrder(seq))
		}()
	}
	wg.Wait()

	assert.Equal(t, []int64{1, 2, 3}, order)
	assert.Equal(t, int64(3), m.LastLeft())
}

func TestSelfCancelAdvancesLastLeft(t *testing.T) {
	m := New[seqOrder](fifo)
	ctx := context.Background()
	require.NoError(t, m.Enter(ctx, seqOrder(1)))
	m.SelfCancel(seqOrder(1))
	require.NoError(t, m.Enter(ctx, seqOrder(2)))
	m.Leave(seqOrder(2))
	assert.Equal(t, int64(2), m.LastLeft())
}

func TestPredicateGatesEntry(t *testing.T) {
	type applyEntrant struct {
		seqno   int64
		depends int64
		local   bool
	}
	predicate := func(o seqOrder, lastLeft int64) bool { return true }
	_ = predicate

	// ApplyOrder semantics exercised directly via trx.ApplyOrder in
	// trx/order_test.go; here we only check the generic gate defers to
	// Predicate's verdict, not just hole-filling.
	blocked := func(_ seqOrder, lastLeft int64) bool { return lastLeft >= 10 }
	m := New[seqOrder](blocked)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Enter(ctx, seqOrder(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInterruptUnblocksEnter(t *testing.T) {
	blocked := func(_ seqOrder, lastLeft int64) bool { return lastLeft >= 10 }
	m := New[seqOrder](blocked)

	done := make(chan error, 1)
	go func() {
		done <- m.Enter(context.Background(), seqOrder(1))
	}()

	time.Sleep(20 * time.Millisecond)
	m.Interrupt(1)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("Enter did not unblock on Interrupt")
	}
}

func TestDrainWaitsForWatermark(t *testing.T) {
	m := New[seqOrder](fifo)
	ctx := context.Background()
	require.NoError(t, m.Enter(ctx, seqOrder(1)))

	drained := make(chan error, 1)
	go func() { drained <- m.Drain(context.Background(), 1) }()

	select {
	case <-drained:
		t.Fatal("Drain returned before the entry left")
	case <-time.After(30 * time.Millisecond):
	}

	m.Leave(seqOrder(1))
	select {
	case err := <-drained:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Drain never unblocked after Leave")
	}
}

func TestWaitGroupMismatch(t *testing.T) {
	m := New[seqOrder](fifo)
	m.SetInitialPosition(uuid.New(), 0)
	err := m.Wait(context.Background(), uuid.New(), 1)
	assert.ErrorIs(t, err, ErrGroupMismatch)
}

func TestCloseUnblocksWaiters(t *testing.T) {
	blocked := func(_ seqOrder, lastLeft int64) bool { return lastLeft >= 10 }
	m := New[seqOrder](blocked)

	done := make(chan error, 1)
	go func() { done <- m.Enter(context.Background(), seqOrder(1)) }()
	time.Sleep(20 * time.Millisecond)
	m.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Enter did not unblock on Close")
	}
}

func TestLastLeftMonotonic(t *testing.T) {
	m := New[seqOrder](fifo)
	ctx := context.Background()
	var prev int64
	for _, seq := range []int64{1, 2, 3, 4, 5} {
		require.NoError(t, m.Enter(ctx, seqOrder(seq)))
		m.Leave(seqOrder(seq))
		cur := m.LastLeft()
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}
