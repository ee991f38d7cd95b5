package wsrep

import (
	"context"
	"time"

	"github.com/zhukovaskychina/repcore/gtid"
	"github.com/zhukovaskychina/repcore/trx"
)

// NodeState is the replicator's FSM state (spec.md §3 node state FSM).
type NodeState int

const (
	Closed NodeState = iota
	Connected
	Joining
	Joined
	Donor
	Synced
	Destroyed
)

func (s NodeState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Connected:
		return "CONNECTED"
	case Joining:
		return "JOINING"
	case Joined:
		return "JOINED"
	case Donor:
		return "DONOR"
	case Synced:
		return "SYNCED"
	case Destroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// ConnectArgs carries connect's parameters (spec.md §4.3).
type ConnectArgs struct {
	Cluster   string
	URL       string
	Donor     bool
	Bootstrap bool
}

// View is re-exported at the wsrep boundary so host callbacks don't need
// to import gcs directly.
type View struct {
	Group     gtid.GTID
	Members   []Member
	OwnIndex  int
	Primary   bool
	Bootstrap bool
}

// Member describes one peer in a View.
type Member struct {
	ID   string
	Addr string
}

// SSTRequest describes the state-transfer request the view callback may
// return to trigger IST/SST (spec.md §4.3 process_conf_change).
type SSTRequest struct {
	Donor string
	Name  string
}

// Callbacks is the Provider → Host surface (spec.md §6): the operations
// the replicator invokes back into the embedding database. Only the
// members this engine's scope actually drives are included; PFS
// instrumentation and the unordered/donate callbacks are not part of this
// interface or of DefaultCallbacks.
type Callbacks interface {
	// Connected is invoked once connect() succeeds and the FSM enters
	// CONNECTED.
	Connected(ctx context.Context, ownID string)
	// View is invoked on every membership change; a non-nil *SSTRequest
	// return value asks the replicator to fetch a state transfer before
	// the node can resume processing actions.
	View(ctx context.Context, v View) (*SSTRequest, error)
	// Apply is invoked once per write-set in depends_seqno order; a
	// non-nil error marks the trx ABORTING with FlagRollback and, unless
	// the trx is TOI, is fatal to the node (spec.md §4.3 apply_trx).
	Apply(ctx context.Context, h *trx.Handle) error
	// Commit is invoked for a remote trx after Apply succeeds, before its
	// commit monitor slot is released; the host performs the actual
	// storage-engine commit here.
	Commit(ctx context.Context, h *trx.Handle) error
	// Synced is invoked when the node transitions to SYNCED.
	Synced(ctx context.Context)
	// Abort is invoked when a local trx is brute-force aborted by
	// another thread, so the host can release its own resources.
	Abort(ctx context.Context, h *trx.Handle)
}

// DefaultCallbacks implements Callbacks as no-ops, so a host or test can
// embed it and override only what it needs.
type DefaultCallbacks struct{}

func (DefaultCallbacks) Connected(ctx context.Context, ownID string)         {}
func (DefaultCallbacks) View(ctx context.Context, v View) (*SSTRequest, error) { return nil, nil }
func (DefaultCallbacks) Apply(ctx context.Context, h *trx.Handle) error      { return nil }
func (DefaultCallbacks) Commit(ctx context.Context, h *trx.Handle) error     { return nil }
func (DefaultCallbacks) Synced(ctx context.Context)                         {}
func (DefaultCallbacks) Abort(ctx context.Context, h *trx.Handle)            {}

// Provider is the Host → Provider API surface of spec.md §6. Package
// replicator's Replicator implements it; the operations named in §6 but
// outside this engine's hard core (preordered_collect/commit, stats_get,
// pfs_instr) are omitted here and noted in DESIGN.md rather than stubbed
// with fabricated semantics.
type Provider interface {
	Connect(ctx context.Context, args ConnectArgs) error
	Close(ctx context.Context) error
	AsyncRecv(ctx context.Context) error

	NewTrx(connID uint64, lastSeen int64, ws trx.WriteSet) *trx.Handle
	GetTrx(globalSeqno int64) (*trx.Handle, bool)

	Replicate(ctx context.Context, h *trx.Handle) error
	PreCommit(ctx context.Context, h *trx.Handle) error
	InterimCommit(ctx context.Context, h *trx.Handle) error
	ReleaseCommit(ctx context.Context, h *trx.Handle) error
	ReleaseRollback(ctx context.Context, h *trx.Handle) error
	ReplayTrx(ctx context.Context, h *trx.Handle) error
	AbortTrx(ctx context.Context, h *trx.Handle) error

	ToIsolationBegin(ctx context.Context, h *trx.Handle) error
	ToIsolationEnd(ctx context.Context, h *trx.Handle) error

	SyncWait(ctx context.Context, upto *gtid.GTID, timeout time.Duration) (gtid.GTID, error)
	LastCommittedID() gtid.GTID

	SSTSent(g gtid.GTID, code int) error
	SSTReceived(g gtid.GTID) error

	ParamSet(key, value string) error
	ParamGet(key string) (string, bool)

	Pause(ctx context.Context) (gtid.GTID, error)
	Resume(ctx context.Context) error
	Desync(ctx context.Context) error
	Resync(ctx context.Context) error

	SourceID() string
	State() NodeState
}
