package replicator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/repcore/cert"
	"github.com/zhukovaskychina/repcore/gcs"
	"github.com/zhukovaskychina/repcore/trx"
	"github.com/zhukovaskychina/repcore/wsrep"
)

// eagainBackoff is the retry interval replicate uses while Replv returns
// a transient EAGAIN/EINTR-equivalent error (SPEC_FULL.md §11's decision
// on EINTR treatment).
const eagainBackoff = time.Millisecond

// Replicate sends the trx's write-set through the GCS and blocks for its
// assigned position (spec.md §4.3 replicate).
func (r *Replicator) Replicate(ctx context.Context, h *trx.Handle) error {
	if h.WriteSet.Size() > r.cfg.MaxWriteSetSize {
		h.SetState(trx.MustAbort)
		return wsrep.New(wsrep.SizeExceeded, "replicate: write-set %d bytes exceeds max_write_set_size %d", h.WriteSet.Size(), r.cfg.MaxWriteSetSize)
	}

	payload, err := h.WriteSet.Marshal()
	if err != nil {
		return wsrep.Wrap(wsrep.TrxFail, err, "replicate: marshal write-set")
	}

	h.GCSHandle = r.gcsProvider.Schedule()
	h.SetState(trx.Replicating)

	for {
		if h.State() == trx.MustAbort {
			r.gcsProvider.Interrupt(h.GCSHandle)
			return wsrep.New(wsrep.BFAbort, "replicate: aborted before send")
		}

		local, global, err := r.gcsProvider.Replv(ctx, [][]byte{payload}, gcs.ActionWriteSet, true)
		if err == nil {
			h.LocalSeqno = local
			h.GlobalSeqno = global
			h.SetState(trx.Certifying)
			r.registerHandle(h)
			return nil
		}

		if ctx.Err() != nil {
			return wsrep.Wrap(wsrep.ConnFail, ctx.Err(), "replicate: context done")
		}
		if h.State() == trx.MustAbort {
			if global > 0 {
				// The send was cut short after a position was assigned:
				// release it in every monitor so later seqnos do not wait
				// on a slot nobody will fill.
				h.LocalSeqno = local
				h.GlobalSeqno = global
				r.localMon.SelfCancel(trx.NewLocalOrder(h))
				r.applyMon.SelfCancel(trx.NewApplyOrder(h))
				r.commitMon.SelfCancel(trx.NewCommitOrder(h, r.commitMode))
			}
			return wsrep.New(wsrep.BFAbort, "replicate: aborted mid-send")
		}

		logrus.WithError(err).Debug("replicator: replv retrying")
		select {
		case <-time.After(eagainBackoff):
		case <-ctx.Done():
			return wsrep.Wrap(wsrep.ConnFail, ctx.Err(), "replicate: context done during backoff")
		}
	}
}

// PreCommit certifies a replicated local trx and enters the apply and
// (unless skipped) commit monitors, ready for the caller's storage-engine
// commit (spec.md §4.3 pre_commit). Certification itself is serialized
// through the local monitor in local_seqno (GCS delivery) order, so that
// concurrent PreCommit callers still certify in the order the GCS
// assigned rather than the order their own goroutines happen to run in —
// this is what makes the §4.2 tie-break rule and P2 hold.
func (r *Replicator) PreCommit(ctx context.Context, h *trx.Handle) error {
	lo := trx.NewLocalOrder(h)
	if err := r.localMon.Enter(ctx, lo); err != nil {
		if h.State() == trx.MustAbort {
			r.localMon.SelfCancel(lo)
			h.SetState(trx.MustCertAndReplay)
			return wsrep.New(wsrep.BFAbort, "pre_commit: BF-aborted waiting for local order")
		}
		return wsrep.Wrap(wsrep.TrxFail, err, "pre_commit: local monitor enter")
	}

	res, err := r.certIndex.AppendTrx(h)
	if err != nil {
		r.localMon.Leave(lo)
		return wsrep.Wrap(wsrep.TrxFail, err, "pre_commit: certify")
	}
	if res == cert.TestFailed {
		h.SetState(trx.MustAbort)
		r.localMon.Leave(lo)
		return wsrep.New(wsrep.TrxFail, "pre_commit: certification failed")
	}
	r.localMon.Leave(lo)

	if err := r.applyMon.Enter(ctx, trx.NewApplyOrder(h)); err != nil {
		if h.State() == trx.MustAbort {
			h.SetState(trx.MustReplayAM)
			return wsrep.New(wsrep.BFAbort, "pre_commit: BF-aborted waiting for apply order")
		}
		return wsrep.Wrap(wsrep.TrxFail, err, "pre_commit: apply monitor enter")
	}
	h.SetState(trx.Applying)

	if !trx.SkipsCommitMonitor(r.commitMode, h.IsLocal()) {
		if err := r.commitMon.Enter(ctx, trx.NewCommitOrder(h, r.commitMode)); err != nil {
			if h.State() == trx.MustAbort {
				h.SetState(trx.MustReplayCM)
				return wsrep.New(wsrep.BFAbort, "pre_commit: BF-aborted waiting for commit order")
			}
			return wsrep.Wrap(wsrep.TrxFail, err, "pre_commit: commit monitor enter")
		}
	} else {
		r.commitMon.SelfCancel(trx.NewCommitOrder(h, r.commitMode))
	}

	h.SetState(trx.Committing)
	return nil
}

// InterimCommit leaves the apply monitor once the storage engine has
// applied but not yet durably committed the trx, letting the next
// apply-ordered trx proceed while this one still holds its commit slot
// (spec.md §4.3).
func (r *Replicator) InterimCommit(ctx context.Context, h *trx.Handle) error {
	r.applyMon.Leave(trx.NewApplyOrder(h))
	return nil
}

// ReleaseCommit finalizes a committed trx: leaves the commit monitor,
// marks it committed in the certification index, and nudges the service
// thread to advance the durable watermark (spec.md §4.3 release_commit).
// Leave is safe to call even when the trx self-cancelled its commit-
// monitor entry, since [[monitor]]'s release(seqno) is idempotent.
func (r *Replicator) ReleaseCommit(ctx context.Context, h *trx.Handle) error {
	r.commitMon.Leave(trx.NewCommitOrder(h, r.commitMode))
	h.SetState(trx.Committed)

	safe := r.certIndex.SetTrxCommitted(h)
	r.serviceThd.ReportCommitted(safe)
	r.forgetHandle(h)
	return nil
}

// ReleaseRollback finalizes an aborted trx: leaves whichever monitors it
// still held and marks it rolled back (spec.md §4.3 release_rollback).
func (r *Replicator) ReleaseRollback(ctx context.Context, h *trx.Handle) error {
	r.applyMon.SelfCancel(trx.NewApplyOrder(h))
	r.commitMon.SelfCancel(trx.NewCommitOrder(h, r.commitMode))
	h.SetState(trx.RolledBack)
	r.forgetHandle(h)
	return nil
}

// abortAction is the side effect abort_trx performs for one source state,
// keyed literally off spec.md §4.3's abort_trx dispatch table.
type abortAction func(r *Replicator, h *trx.Handle) error

var abortTable = map[trx.State]abortAction{
	trx.Executing: func(r *Replicator, h *trx.Handle) error {
		h.CompareAndSetState(trx.Executing, trx.MustAbort)
		return nil
	},
	trx.Replicating: func(r *Replicator, h *trx.Handle) error {
		if !h.CompareAndSetState(trx.Replicating, trx.MustAbort) {
			return nil
		}
		if h.GCSHandle != 0 {
			return r.gcsProvider.Interrupt(h.GCSHandle)
		}
		return nil
	},
	trx.Certifying: func(r *Replicator, h *trx.Handle) error {
		if h.CompareAndSetState(trx.Certifying, trx.MustAbort) {
			r.localMon.Interrupt(h.LocalSeqno)
		}
		return nil
	},
	trx.Applying: func(r *Replicator, h *trx.Handle) error {
		if h.CompareAndSetState(trx.Applying, trx.MustAbort) {
			r.applyMon.Interrupt(h.GlobalSeqno)
		}
		return nil
	},
	trx.Committing: func(r *Replicator, h *trx.Handle) error {
		if h.CompareAndSetState(trx.Committing, trx.MustAbort) {
			r.commitMon.Interrupt(h.GlobalSeqno)
		}
		return nil
	},
}

// AbortTrx brute-force aborts h from whatever thread holds the victim's
// reference, dispatching by current state per spec.md §4.3's table. It
// is a no-op (not an error) for a trx already past the point of no
// return, matching the teacher's tolerant repeated-cancel style.
func (r *Replicator) AbortTrx(ctx context.Context, h *trx.Handle) error {
	action, ok := abortTable[h.State()]
	if !ok {
		return nil
	}
	if err := action(r, h); err != nil {
		return wsrep.Wrap(wsrep.TrxFail, err, "abort_trx")
	}
	r.callbacks.Abort(ctx, h)
	return nil
}

// ReplayTrx re-certifies (if needed) and re-applies a BF-aborted local
// trx that survived to a MUST_REPLAY* state, so its effects land exactly
// once despite having lost the original race (spec.md §4.3 replay_trx).
func (r *Replicator) ReplayTrx(ctx context.Context, h *trx.Handle) error {
	prev := h.State()
	if !prev.IsMustReplay() {
		return wsrep.New(wsrep.TrxFail, "replay_trx: state %v is not replayable", prev)
	}
	h.SetState(trx.Replaying)

	if prev == trx.MustCertAndReplay {
		// The original local-order wait was self-cancelled when this trx
		// was BF-aborted out of pre_commit's local-order wait,
		// so replay must re-enter local order before re-certifying,
		// exactly like a fresh pre_commit would.
		lo := trx.NewLocalOrder(h)
		if err := r.localMon.Enter(ctx, lo); err != nil {
			return wsrep.Wrap(wsrep.Fatal, err, "replay_trx: local monitor enter")
		}

		res, err := r.certIndex.AppendTrx(h)
		if err != nil {
			r.localMon.Leave(lo)
			return wsrep.Wrap(wsrep.TrxFail, err, "replay_trx: re-certify")
		}
		if res == cert.TestFailed {
			h.SetState(trx.RolledBack)
			r.localMon.Leave(lo)
			return wsrep.New(wsrep.TrxFail, "replay_trx: re-certification failed")
		}
		r.localMon.Leave(lo)
	}

	if err := r.applyMon.Enter(ctx, trx.NewApplyOrder(h)); err != nil {
		return wsrep.Wrap(wsrep.Fatal, err, "replay_trx: apply monitor enter")
	}
	if !trx.SkipsCommitMonitor(r.commitMode, h.IsLocal()) {
		if err := r.commitMon.Enter(ctx, trx.NewCommitOrder(h, r.commitMode)); err != nil {
			return wsrep.Wrap(wsrep.Fatal, err, "replay_trx: commit monitor enter")
		}
	}

	if err := r.callbacks.Apply(ctx, h); err != nil {
		r.markCorruptAndClose(ctx)
		return wsrep.Wrap(wsrep.Fatal, err, "replay_trx: apply failed, node corrupt")
	}

	h.SetState(trx.Committing)
	return nil
}

// applyTrx is the action.Dispatcher-driven path for a write-set that did
// not originate on this node: certify, apply, commit and release entirely under
// this single dispatch thread, so no external caller drives the
// pre_commit/release split that local trx use. Certification is gated by
// the local monitor exactly like PreCommit, so remote and local trx
// certify in one, single, local_seqno-ordered stream.
func (r *Replicator) applyTrx(ctx context.Context, h *trx.Handle) error {
	lo := trx.NewLocalOrder(h)
	if err := r.localMon.Enter(ctx, lo); err != nil {
		if h.State() == trx.MustAbort {
			r.localMon.SelfCancel(lo)
			h.SetState(trx.RolledBack)
			r.forgetHandle(h)
			return wsrep.New(wsrep.BFAbort, "apply_trx: BF-aborted waiting for local order")
		}
		return wsrep.Wrap(wsrep.Fatal, err, "apply_trx: local monitor enter")
	}

	res, err := r.certIndex.AppendTrx(h)
	if err != nil {
		r.localMon.Leave(lo)
		return wsrep.Wrap(wsrep.TrxFail, err, "apply_trx: certify")
	}
	if res == cert.TestFailed {
		h.SetState(trx.RolledBack)
		r.localMon.Leave(lo)
		r.forgetHandle(h)
		return nil
	}
	r.localMon.Leave(lo)

	if err := r.applyMon.Enter(ctx, trx.NewApplyOrder(h)); err != nil {
		return wsrep.Wrap(wsrep.Fatal, err, "apply_trx: apply monitor enter")
	}
	h.SetState(trx.Applying)

	skipCommit := trx.SkipsCommitMonitor(r.commitMode, h.IsLocal())
	if !skipCommit {
		if err := r.commitMon.Enter(ctx, trx.NewCommitOrder(h, r.commitMode)); err != nil {
			return wsrep.Wrap(wsrep.Fatal, err, "apply_trx: commit monitor enter")
		}
	}

	if err := r.callbacks.Apply(ctx, h); err != nil {
		h.SetState(trx.Aborting)
		h.Flags = h.Flags.Set(trx.FlagRollback)
		r.applyMon.Leave(trx.NewApplyOrder(h))
		if skipCommit {
			r.commitMon.SelfCancel(trx.NewCommitOrder(h, r.commitMode))
		} else {
			r.commitMon.Leave(trx.NewCommitOrder(h, r.commitMode))
		}
		h.SetState(trx.RolledBack)
		r.forgetHandle(h)
		if h.Flags.Has(trx.FlagIsolation) {
			return wsrep.Wrap(wsrep.TrxFail, err, "apply_trx: TOI apply failed")
		}
		r.markCorruptAndClose(ctx)
		return wsrep.Wrap(wsrep.Fatal, err, "apply_trx: apply failed, node corrupt")
	}

	if err := r.callbacks.Commit(ctx, h); err != nil {
		logrus.WithError(err).Error("replicator: storage commit failed for remote trx")
		r.markCorruptAndClose(ctx)
		return wsrep.Wrap(wsrep.Fatal, err, "apply_trx: commit failed, node corrupt")
	}

	r.applyMon.Leave(trx.NewApplyOrder(h))
	if skipCommit {
		r.commitMon.SelfCancel(trx.NewCommitOrder(h, r.commitMode))
	} else {
		r.commitMon.Leave(trx.NewCommitOrder(h, r.commitMode))
	}
	h.SetState(trx.Committed)

	safe := r.certIndex.SetTrxCommitted(h)
	r.serviceThd.ReportCommitted(safe)
	r.forgetHandle(h)
	return nil
}
