package replicator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	jerrors "github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/repcore/gcs"
	"github.com/zhukovaskychina/repcore/gtid"
	"github.com/zhukovaskychina/repcore/trx"
	"github.com/zhukovaskychina/repcore/wsrep"
)

// Replicator implements action.Dispatcher: the single action-source
// worker calls exactly one of these per delivered Action, in delivery
// order (see [[action]]).

// OnWriteSet applies a delivered write-set. A seqno already tracked in
// r.handles belongs to this node's own in-flight Replicate call, whose
// owning goroutine drives certify/apply/commit directly through
// PreCommit/ReleaseCommit — this callback only has work to do for a
// trx that originated elsewhere.
func (r *Replicator) OnWriteSet(ctx context.Context, seqno gtid.GTID, payload []byte) error {
	if _, ok := r.GetTrx(seqno.Seqno); ok {
		return nil
	}

	var ws trx.WriteSet
	if err := ws.Unmarshal(payload); err != nil {
		return wsrep.Wrap(wsrep.TrxFail, err, "on_write_set: decode")
	}
	h := trx.NewRemote(uuid.Nil, seqno.Seqno, seqno.Seqno, seqno.Seqno-1, ws, 0)
	return r.applyTrx(ctx, h)
}

// OnCommitCut advances the service thread's watermark to a cluster-wide
// commit cut (spec.md §4.5).
func (r *Replicator) OnCommitCut(ctx context.Context, upto gtid.GTID) error {
	r.serviceThd.ReportCommitted(upto.Seqno)
	return nil
}

// OnJoin marks the node JOINED once the GCS reports a join at a given
// position.
func (r *Replicator) OnJoin(ctx context.Context, at gtid.GTID) error {
	r.setState(wsrep.Joined)
	return nil
}

// OnSync marks the node SYNCED and notifies the host.
func (r *Replicator) OnSync(ctx context.Context, at gtid.GTID) error {
	r.setState(wsrep.Synced)
	r.callbacks.Synced(ctx)
	return nil
}

// OnStateTransferRequest is the donor side of IST: decode the requester's
// listen address and needed range, and reject (rather than silently
// falling back to a full snapshot, which this engine does not implement)
// if the gap is no longer covered by this node's own gcache — the
// literal "IST fails iff gcache.first_seqno > first" rule of SPEC_FULL.md
// §11.
func (r *Replicator) OnStateTransferRequest(ctx context.Context, payload []byte) error {
	addr, first, last, err := decodeSSTPayload(payload)
	if err != nil {
		return wsrep.Wrap(wsrep.NodeFail, err, "on_state_transfer_request: decode")
	}

	if ownFirst := r.gcacheStore.FirstSeqno(); ownFirst < 0 || ownFirst > first {
		return wsrep.New(wsrep.NodeFail, "on_state_transfer_request: gcache no longer covers [%d,%d] (first=%d)", first, last, ownFirst)
	}

	r.setState(wsrep.Donor)
	r.sstSenders.Dispatch(addr, r.gcacheStore, addr, nil, first, last, func(sendErr error) {
		code := 0
		if sendErr != nil {
			logrus.WithError(sendErr).Warn("replicator: IST send failed")
			code = -1
		}
		if err := r.SSTSent(gtid.New(r.currentGroup(), last), code); err != nil {
			logrus.WithError(err).Warn("replicator: sst_sent report failed")
		}
		r.setState(wsrep.Synced)
	})
	return nil
}

func (r *Replicator) currentGroup() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groupID
}

// OnConfChange processes a membership change: drains every monitor up to
// the view's position so no action from the old view is still in
// flight, then either terminates in-flight local trx for a non-primary
// component (P7) or negotiates IST/SST for a primary one (spec.md §4.3
// process_conf_change).
func (r *Replicator) OnConfChange(ctx context.Context, view *gcs.View) error {
	if err := r.localMon.Drain(ctx, view.Group.Seqno); err != nil {
		return wsrep.Wrap(wsrep.ConnFail, err, "process_conf_change: drain local monitor")
	}
	if err := r.applyMon.Drain(ctx, view.Group.Seqno); err != nil {
		return wsrep.Wrap(wsrep.ConnFail, err, "process_conf_change: drain apply monitor")
	}
	if err := r.commitMon.Drain(ctx, view.Group.Seqno); err != nil {
		return wsrep.Wrap(wsrep.ConnFail, err, "process_conf_change: drain commit monitor")
	}

	r.mu.Lock()
	r.groupID = view.Group.Group
	r.mu.Unlock()

	if !view.Primary {
		r.abortAllLocal(ctx)
		r.setState(wsrep.Connected)
		if _, err := r.callbacks.View(ctx, toWsrepView(view)); err != nil {
			logrus.WithError(err).Warn("replicator: non-primary view callback failed")
		}
		return wsrep.New(wsrep.ConnFail, "process_conf_change: non-primary component")
	}

	sst, err := r.callbacks.View(ctx, toWsrepView(view))
	if err != nil {
		return wsrep.Wrap(wsrep.NodeFail, err, "process_conf_change: view callback")
	}
	if sst == nil {
		return r.OnJoin(ctx, view.Group)
	}

	return r.requestJoin(ctx, sst, view.Group)
}

// requestJoin asks the chosen donor for the gap between this node's last
// committed position and the view's position, then streams the result
// through istRecv into applyTrx as it arrives.
func (r *Replicator) requestJoin(ctx context.Context, sst *wsrep.SSTRequest, target gtid.GTID) error {
	if r.istRecv == nil {
		return wsrep.New(wsrep.NodeFail, "requestJoin: no ist_recv_bind configured, cannot join")
	}

	r.setState(wsrep.Joining)
	first := r.certIndex.Position() + 1
	last := target.Seqno

	r.istRecv.Run(first, last)
	payload := encodeSSTPayload(r.istRecv.Addr, first, last)
	if err := r.gcsProvider.RequestStateTransfer(ctx, string(payload), sst.Donor); err != nil {
		return wsrep.Wrap(wsrep.NodeFail, err, "requestJoin: request_state_transfer")
	}

	go r.drainIST(ctx, target)
	return nil
}

func (r *Replicator) drainIST(ctx context.Context, target gtid.GTID) {
	for {
		ev, err := r.istRecv.Queue.Pop(ctx)
		if err != nil {
			logrus.WithError(err).Error("replicator: IST pop failed")
			return
		}
		if ev.Err != nil {
			logrus.WithError(ev.Err).Error("replicator: IST transfer failed")
			return
		}
		if ev.EOF {
			if err := r.SSTReceived(target); err != nil {
				logrus.WithError(err).Error("replicator: SSTReceived failed")
			}
			return
		}
		if err := r.applyTrx(ctx, ev.Handle); err != nil {
			logrus.WithError(err).WithField("seqno", ev.Handle.GlobalSeqno).Error("replicator: IST apply failed")
		}
	}
}

// abortAllLocal brute-force aborts every locally originated trx still
// tracked, for the P7 "non-primary view terminates in-flight local trx"
// rule.
func (r *Replicator) abortAllLocal(ctx context.Context) {
	r.handlesMu.Lock()
	victims := make([]*trx.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		if h.IsLocal() {
			victims = append(victims, h)
		}
	}
	r.handlesMu.Unlock()

	for _, h := range victims {
		if err := r.AbortTrx(ctx, h); err != nil {
			logrus.WithError(err).WithField("seqno", h.GlobalSeqno).Warn("replicator: abort on non-primary view failed")
		}
	}
}

func toWsrepView(v *gcs.View) wsrep.View {
	members := make([]wsrep.Member, len(v.Members))
	for i, m := range v.Members {
		members[i] = wsrep.Member{ID: m.ID, Addr: m.Addr}
	}
	return wsrep.View{
		Group:     v.Group,
		Members:   members,
		OwnIndex:  v.OwnIndex,
		Primary:   v.Primary,
		Bootstrap: v.Bootstrap,
	}
}

// encodeSSTPayload and decodeSSTPayload are the Replicator-level wire
// convention for an IST request: the requester's IST listen address and
// the [first,last] gap it needs, carried opaquely by the GCS as the
// ActionStateTransferRequest payload (the GCS's own transport format is
// out of scope per spec.md §1).
func encodeSSTPayload(addr string, first, last int64) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d", addr, first, last))
}

func decodeSSTPayload(payload []byte) (addr string, first, last int64, err error) {
	parts := strings.SplitN(string(payload), "|", 3)
	if len(parts) != 3 {
		return "", 0, 0, jerrors.Errorf("ist: malformed state-transfer-request payload %q", payload)
	}
	first, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, 0, jerrors.Annotate(err, "ist: parse first")
	}
	last, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, 0, jerrors.Annotate(err, "ist: parse last")
	}
	return parts[0], first, last, nil
}
