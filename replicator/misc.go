package replicator

import (
	"context"
	"strconv"
	"time"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/repcore/cert"
	"github.com/zhukovaskychina/repcore/gtid"
	"github.com/zhukovaskychina/repcore/trx"
	"github.com/zhukovaskychina/repcore/wsrep"
)

// ToIsolationBegin certifies and admits a total-order-isolation
// operation (DDL), holding both the apply and commit monitors for the
// whole operation rather than releasing apply early like a normal trx
// (spec.md §4.3 to_isolation_begin). The saved-state marker is dropped
// to UNSAFE for the duration: a DDL killed mid-flight isn't something a
// restarted node can resume from.
func (r *Replicator) ToIsolationBegin(ctx context.Context, h *trx.Handle) error {
	h.Flags = h.Flags.Set(trx.FlagIsolation)

	lo := trx.NewLocalOrder(h)
	if err := r.localMon.Enter(ctx, lo); err != nil {
		return wsrep.Wrap(wsrep.TrxFail, err, "to_isolation_begin: local monitor enter")
	}

	res, err := r.certIndex.AppendTrx(h)
	if err != nil {
		r.localMon.Leave(lo)
		return wsrep.Wrap(wsrep.TrxFail, err, "to_isolation_begin: certify")
	}
	if res == cert.TestFailed {
		h.SetState(trx.MustAbort)
		r.localMon.Leave(lo)
		return wsrep.New(wsrep.TrxFail, "to_isolation_begin: certification failed")
	}
	r.localMon.Leave(lo)

	if err := r.applyMon.Enter(ctx, trx.NewApplyOrder(h)); err != nil {
		return wsrep.Wrap(wsrep.TrxFail, err, "to_isolation_begin: apply monitor enter")
	}
	if err := r.commitMon.Enter(ctx, trx.NewCommitOrder(h, r.commitMode)); err != nil {
		r.applyMon.Leave(trx.NewApplyOrder(h))
		return wsrep.Wrap(wsrep.TrxFail, err, "to_isolation_begin: commit monitor enter")
	}
	h.SetState(trx.Applying)

	if err := r.saved.MarkUnsafe(); err != nil {
		return wsrep.Wrap(wsrep.NodeFail, err, "to_isolation_begin: mark unsafe")
	}
	return nil
}

// ToIsolationEnd releases both monitors held by ToIsolationBegin, commits
// the operation and restores the saved-state marker (spec.md §4.3
// to_isolation_end).
func (r *Replicator) ToIsolationEnd(ctx context.Context, h *trx.Handle) error {
	h.SetState(trx.Committed)
	r.applyMon.Leave(trx.NewApplyOrder(h))
	r.commitMon.Leave(trx.NewCommitOrder(h, r.commitMode))

	safe := r.certIndex.SetTrxCommitted(h)
	r.serviceThd.ReportCommitted(safe)
	r.forgetHandle(h)

	if err := r.saved.Update(gtid.New(r.currentGroup(), h.GlobalSeqno)); err != nil {
		return wsrep.Wrap(wsrep.NodeFail, err, "to_isolation_end: update saved state")
	}
	if err := r.saved.MarkSafe(); err != nil {
		return wsrep.Wrap(wsrep.NodeFail, err, "to_isolation_end: mark safe")
	}
	return nil
}

// SyncWait blocks until either upto (if given) or the position GCS
// reports as causally implied by the calling connection's prior reads
// has been released from the commit monitor — or, under BYPASS commit
// order, the apply monitor, per SPEC_FULL.md §11's resolution of spec.md
// §4.3's "(or apply monitor in BYPASS mode)" note.
func (r *Replicator) SyncWait(ctx context.Context, upto *gtid.GTID, timeout time.Duration) (gtid.GTID, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target := gtid.GTID{}
	if upto != nil {
		target = *upto
	} else {
		g, err := r.gcsProvider.Caused(waitCtx)
		if err != nil {
			return gtid.GTID{}, wsrep.Wrap(wsrep.ConnFail, err, "sync_wait: caused")
		}
		target = g
	}

	var waitErr error
	if r.commitMode == trx.CommitBypass {
		waitErr = r.applyMon.Drain(waitCtx, target.Seqno)
	} else {
		waitErr = r.commitMon.Drain(waitCtx, target.Seqno)
	}
	if waitErr != nil {
		return gtid.GTID{}, wsrep.Wrap(wsrep.TrxFail, waitErr, "sync_wait: drain")
	}
	return target, nil
}

// LastCommittedID returns the highest globally committed position this
// node has observed.
func (r *Replicator) LastCommittedID() gtid.GTID {
	return gtid.New(r.currentGroup(), r.commitMon.LastLeft())
}

// SSTSent reports that this node, acting as donor, finished sending a
// state transfer at g with the given outcome code — mirroring how
// wsrep_sst_sent ultimately reduces to gcs_join() in the collaborator
// contract (spec.md §6).
func (r *Replicator) SSTSent(g gtid.GTID, code int) error {
	if err := r.gcsProvider.Join(g, code); err != nil {
		return wsrep.Wrap(wsrep.NodeFail, err, "sst_sent: gcs join")
	}
	return nil
}

// SSTReceived finalizes a joiner's freshly received position: it resets
// every monitor and the certification index to g, persists it, and
// rejoins the GCS view.
func (r *Replicator) SSTReceived(g gtid.GTID) error {
	r.certIndex.AssignInitialPosition(g, r.rsVersion)
	r.localMon.SetInitialPosition(g.Group, g.Seqno)
	r.applyMon.SetInitialPosition(g.Group, g.Seqno)
	r.commitMon.SetInitialPosition(g.Group, g.Seqno)

	if err := r.saved.Update(g); err != nil {
		return wsrep.Wrap(wsrep.NodeFail, err, "sst_received: update saved state")
	}
	if err := r.gcsProvider.Join(g, 0); err != nil {
		return wsrep.Wrap(wsrep.NodeFail, err, "sst_received: gcs join")
	}
	r.setState(wsrep.Joined)
	return nil
}

// ParamSet/ParamGet delegate to the fixed parameter schema registered by
// registerParams (spec.md §9's parameter reflection design note, see
// [[wsrep (provider.go, paramreg)]]).
func (r *Replicator) ParamSet(key, value string) error {
	return r.params.Set(key, value)
}

func (r *Replicator) ParamGet(key string) (string, bool) {
	return r.params.Get(key)
}

// registerParams wires conf.Cfg's runtime-tunable fields into the
// parameter registry at construction time.
func (r *Replicator) registerParams() {
	r.params.Register("max_write_set_size",
		func() string { return strconv.FormatInt(r.cfg.MaxWriteSetSize, 10) },
		func(v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return jerrors.Errorf("max_write_set_size: invalid value %q", v)
			}
			r.cfg.MaxWriteSetSize = n
			return nil
		})

	r.params.Register("causal_read_timeout",
		func() string { return r.cfg.CausalReadTimeout.String() },
		func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return jerrors.Errorf("causal_read_timeout: invalid value %q", v)
			}
			r.cfg.CausalReadTimeout = d
			return nil
		})

	// applier_threads and commit_order are read-only here: both size or
	// shape objects (the task pool, the commit monitor's bypass mode)
	// fixed at construction, matching the teacher's own treatment of
	// server/conf settings that require a restart to take effect.
	r.params.Register("applier_threads",
		func() string { return strconv.Itoa(r.cfg.ApplierThreads) }, nil)
	r.params.Register("commit_order",
		func() string { return strconv.Itoa(int(r.cfg.CommitOrder)) }, nil)
	r.params.Register("base_dir",
		func() string { return r.cfg.BaseDir }, nil)
}

// Pause waits until every trx certified so far has left the commit
// monitor and returns the resulting committed position, for
// online-backup-style coordination with the host (spec.md §6). It does
// not stop later trxs from committing.
func (r *Replicator) Pause(ctx context.Context) (gtid.GTID, error) {
	pos := r.certIndex.Position()
	if err := r.commitMon.Drain(ctx, pos); err != nil {
		return gtid.GTID{}, wsrep.Wrap(wsrep.NodeFail, err, "pause: drain commit monitor")
	}
	return r.LastCommittedID(), nil
}

// Resume is a no-op: Pause never closes or holds a lock on the commit
// monitor, only drains it, so normal processing was never actually
// blocked — callers call Resume purely to mark the end of the paused
// window.
func (r *Replicator) Resume(ctx context.Context) error { return nil }

// Desync takes the node out of flow control without leaving the view,
// so it may fall behind while still a donor candidate (spec.md §6).
func (r *Replicator) Desync(ctx context.Context) error {
	if err := r.gcsProvider.Desync(r.gcsProvider.LocalSequence()); err != nil {
		return wsrep.Wrap(wsrep.NodeFail, err, "desync")
	}
	r.setState(wsrep.Donor)
	return nil
}

// Resync undoes Desync, resuming normal flow-controlled receive.
func (r *Replicator) Resync(ctx context.Context) error {
	if err := r.gcsProvider.ResumeRecv(); err != nil {
		return wsrep.Wrap(wsrep.NodeFail, err, "resync")
	}
	r.setState(wsrep.Synced)
	return nil
}
