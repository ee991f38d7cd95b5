// Package service implements the Service Thread of spec.md §4.5: a
// single background goroutine that processes deferred, best-effort
// work which must happen eventually but must never sit on the commit
// path — reporting the last-committed seqno to the GCS and releasing
// gcache entries the certification index has determined are safe to
// discard.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/repcore/cert"
	"github.com/zhukovaskychina/repcore/gcache"
	"github.com/zhukovaskychina/repcore/gcs"
)

// Thread coalesces repeated ReportCommitted calls into one flush: only
// the highest seqno reported since the last flush matters, so bursts of
// commits collapse to a single SetLastApplied/PurgeTrxsUpto pass instead
// of one per commit — grounded on session/session_manager.go's
// cleanupRoutine ticker-loop shape, generalized from a fixed interval
// into a wake channel the caller can also nudge on demand.
type Thread struct {
	provider gcs.Provider
	index    *cert.Index
	store    gcache.Store
	interval time.Duration

	mu        sync.Mutex
	highWater int64
	wake      chan struct{}

	wg sync.WaitGroup
}

// NewThread builds a Thread that flushes at least every interval, and
// sooner whenever ReportCommitted is called.
func NewThread(provider gcs.Provider, index *cert.Index, store gcache.Store, interval time.Duration) *Thread {
	return &Thread{
		provider: provider,
		index:    index,
		store:    store,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// ReportCommitted records seqno as committed (ignored if not a new
// high-water mark) and nudges the flush loop; it never blocks.
func (t *Thread) ReportCommitted(seqno int64) {
	t.mu.Lock()
	if seqno > t.highWater {
		t.highWater = seqno
	}
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Run starts the flush goroutine and returns at once. The goroutine
// flushes until ctx is cancelled, then does a final flush and exits;
// Wait blocks until that has happened.
func (t *Thread) Run(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				t.flush()
				return
			case <-t.wake:
				t.flush()
			case <-ticker.C:
				t.flush()
			}
		}
	}()
}

// Wait blocks until Run's goroutine has exited.
func (t *Thread) Wait() { t.wg.Wait() }

func (t *Thread) flush() {
	t.mu.Lock()
	seqno := t.highWater
	t.mu.Unlock()
	if seqno <= 0 {
		return
	}

	if err := t.provider.SetLastApplied(seqno); err != nil {
		logrus.WithError(err).Warn("service: SetLastApplied failed")
	}

	first := t.store.FirstSeqno()
	if err := t.index.PurgeTrxsUpto(seqno, func(watermark int64) {
		t.releaseRange(first, watermark)
	}); err != nil {
		logrus.WithError(err).Warn("service: PurgeTrxsUpto failed")
	}
}

func (t *Thread) releaseRange(first, upto int64) {
	if first < 0 {
		return
	}
	for s := first; s < upto; s++ {
		if err := t.store.SeqnoRelease(s); err != nil {
			logrus.WithError(err).WithField("seqno", s).Warn("service: gcache release failed")
		}
	}
}
