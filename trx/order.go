package trx

// LocalOrder, ApplyOrder and CommitOrder are the three monitor.Order
// adapters a Handle plugs into the three sequenced monitors of spec.md
// §4.1. Each carries only the fields its own predicate needs, because a
// generic monitor.Monitor[O] is parameterized per-instance and each
// instance's Predicate closes over a different shape of readiness check.

// LocalOrder gates local certification: strict FIFO by seqno, so its
// predicate is trivially "always ready" once holes are filled.
type LocalOrder struct {
	seqno int64
}

func (o LocalOrder) Seqno() int64 { return o.seqno }

// NewLocalOrder builds the LocalOrder view of h.
func NewLocalOrder(h *Handle) LocalOrder {
	return LocalOrder{seqno: h.LocalSeqno}
}

// LocalOrderReady is the predicate.Predicate[LocalOrder] for the local
// monitor: strict FIFO, no extra condition beyond hole-filling.
func LocalOrderReady(_ LocalOrder, _ int64) bool { return true }

// ApplyOrder gates the apply monitor: a remote trx additionally waits
// until its depends_seqno has left; a local trx (already executed against
// the host) has no extra condition. The monitor itself admits a seqno only
// after every smaller one has left, so remote trxs still apply one at a
// time in seqno order.
type ApplyOrder struct {
	seqno        int64
	dependsSeqno int64
	local        bool
	paUnsafe     bool
}

func (o ApplyOrder) Seqno() int64 { return o.seqno }

// NewApplyOrder builds the ApplyOrder view of h.
func NewApplyOrder(h *Handle) ApplyOrder {
	return ApplyOrder{
		seqno:        h.GlobalSeqno,
		dependsSeqno: h.DependsSeqno,
		local:        h.IsLocal(),
		paUnsafe:     h.Flags.Has(FlagPAUnsafe),
	}
}

// ApplyOrderReady implements spec.md §4.1's apply_monitor predicate:
// local trxs never block here, remote trxs wait for their dependency. A
// PA_UNSAFE trx forces strict apply ordering regardless of locality or
// dependency (spec.md §3 glossary), since it may touch state the
// dependency-tracked key set doesn't cover.
func ApplyOrderReady(o ApplyOrder, lastLeft int64) bool {
	if o.paUnsafe {
		return lastLeft >= o.seqno-1
	}
	if o.local {
		return true
	}
	return lastLeft >= o.dependsSeqno
}

// CommitMode selects one of the four commit_order behaviours of
// spec.md §4.1 (BYPASS, OOOC, LOCAL_OOOC, NO_OOOC).
type CommitMode int

const (
	// CommitBypass skips the commit monitor entirely (caller never enters).
	CommitBypass CommitMode = iota
	// CommitOOOC admits both local and remote trxs out of order.
	CommitOOOC
	// CommitLocalOOOC admits local trxs out of order, remote trxs strict FIFO.
	CommitLocalOOOC
	// CommitNoOOOC enforces strict FIFO for every trx.
	CommitNoOOOC
)

// CommitOrder gates the commit monitor under the configured CommitMode.
type CommitOrder struct {
	seqno int64
	local bool
	mode  CommitMode
}

func (o CommitOrder) Seqno() int64 { return o.seqno }

// NewCommitOrder builds the CommitOrder view of h under the node's
// configured commit_order mode.
func NewCommitOrder(h *Handle, mode CommitMode) CommitOrder {
	return CommitOrder{seqno: h.GlobalSeqno, local: h.IsLocal(), mode: mode}
}

// CommitOrderReady is the commit monitor's predicate. The monitor's own
// hole-filling rule already gives strict FIFO; CommitMode instead decides,
// at the replicator layer, which trxs bypass Enter/Leave on this monitor
// altogether (see SkipsCommitMonitor): BYPASS and OOOC skip it for every
// trx, LOCAL_OOOC skips it only for local trxs, and NO_OOOC routes every
// trx through Enter/Leave. A trx that skips it self-cancels its slot so
// the watermark still advances. The predicate itself has no extra
// condition once a trx does enter.
func CommitOrderReady(_ CommitOrder, _ int64) bool { return true }

// SkipsCommitMonitor reports whether a trx with the given locality bypasses
// Enter/Leave on the commit monitor under mode, per the table above.
func SkipsCommitMonitor(mode CommitMode, local bool) bool {
	switch mode {
	case CommitBypass, CommitOOOC:
		return true
	case CommitLocalOOOC:
		return local
	default:
		return false
	}
}
