// Package action implements the Action Source of spec.md §2/§4.3:
// it pulls totally-ordered Actions from the GCS and dispatches them to
// the replicator (ordered write-sets, commit-cuts, configuration
// changes, join/sync, state-transfer requests).
package action

import (
	"context"
	"sync"

	jerrors "github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/repcore/gcs"
	"github.com/zhukovaskychina/repcore/gtid"
)

// Dispatcher is the replicator-side callback surface an Action Source
// drives. The replicator is the sole implementer (spec.md §9's
// "virtual dispatch on ActionSource" is modeled as this one capability
// set rather than a class hierarchy).
type Dispatcher interface {
	OnWriteSet(ctx context.Context, seqno gtid.GTID, payload []byte) error
	OnCommitCut(ctx context.Context, upto gtid.GTID) error
	OnConfChange(ctx context.Context, view *gcs.View) error
	OnJoin(ctx context.Context, at gtid.GTID) error
	OnSync(ctx context.Context, at gtid.GTID) error
	OnStateTransferRequest(ctx context.Context, payload []byte) error
}

// Source reads Actions from a gcs.Provider and dispatches them, in
// delivery order, to a Dispatcher. Recv and Dispatch run on separate
// goroutines joined by a handoff channel buffered to queueDepth actions,
// so a slow Dispatcher call blocks the GCS's own delivery thread only
// once that many actions are pending — grounded on protocol/message_bus.go's
// AsyncMessageBus buffered-channel-plus-worker shape, narrowed to
// exactly one worker because total order must be preserved end to end
// (unlike the teacher's bus, which dispatches independent messages to
// N workers).
type Source struct {
	provider   gcs.Provider
	dispatcher Dispatcher

	queue  chan *gcs.Action
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lastErr error
}

// NewSource builds a Source with the given handoff queue depth.
func NewSource(provider gcs.Provider, dispatcher Dispatcher, queueDepth int) *Source {
	return &Source{
		provider:   provider,
		dispatcher: dispatcher,
		queue:      make(chan *gcs.Action, queueDepth),
	}
}

// Run starts the recv and dispatch goroutines; it returns immediately.
// Run derives its own cancellable context from ctx so Stop always
// unblocks the recv goroutine's pending provider.Recv call, whether or
// not the caller also cancels ctx itself.
func (s *Source) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.recvLoop(runCtx)
	go s.dispatchLoop(runCtx)
}

func (s *Source) recvLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.queue)

	for {
		a, err := s.provider.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Warn("action: gcs recv failed")
			s.setErr(jerrors.Annotate(err, "action: recv"))
			return
		}

		select {
		case s.queue <- a:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Source) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()

	for a := range s.queue {
		if err := s.dispatch(ctx, a); err != nil {
			logrus.WithError(err).WithField("type", a.Type).Error("action: dispatch failed")
			s.setErr(err)
		}
	}
}

func (s *Source) dispatch(ctx context.Context, a *gcs.Action) error {
	switch a.Type {
	case gcs.ActionWriteSet:
		return s.dispatcher.OnWriteSet(ctx, a.Seqno, a.Payload)
	case gcs.ActionCommitCut:
		return s.dispatcher.OnCommitCut(ctx, a.Seqno)
	case gcs.ActionConfChange:
		return s.dispatcher.OnConfChange(ctx, a.View)
	case gcs.ActionJoin:
		return s.dispatcher.OnJoin(ctx, a.Seqno)
	case gcs.ActionSync:
		return s.dispatcher.OnSync(ctx, a.Seqno)
	case gcs.ActionStateTransferRequest:
		return s.dispatcher.OnStateTransferRequest(ctx, a.Payload)
	default:
		return jerrors.Errorf("action: unknown action type %v", a.Type)
	}
}

func (s *Source) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Err returns the last error observed by either loop, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stop cancels the recv/dispatch goroutines and waits for them to exit.
// Safe to call even if Run's ctx was already cancelled by the caller.
func (s *Source) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
