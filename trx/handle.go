package trx

import (
	"sync"

	"github.com/google/uuid"

	"github.com/zhukovaskychina/repcore/gtid"
)

// Handle is the in-memory transaction descriptor of spec.md §3. It is
// mutated only by its owning applier thread, except for the flip to
// MustAbort, which BF-abort performs from another thread under mu (§3
// lifecycle, §5 shared resources).
type Handle struct {
	mu sync.Mutex

	SourceID uuid.UUID
	TrxID    uint64
	ConnID   uint64

	LocalSeqno   int64
	GlobalSeqno  int64
	LastSeenSeqno int64
	DependsSeqno int64

	// GCSHandle is the gcs.Provider.Schedule() value obtained before
	// replicate's gcs.Replv call, so abort_trx's REPLICATING branch can
	// call gcs.Interrupt(handle) on the in-flight send (spec.md §4.3
	// abort_trx table).
	GCSHandle int64

	Flags Flags
	state State

	WriteSet WriteSet

	// refs tracks the dual monitor ownership + certification-index
	// reference that must drop to zero before a handle is destroyed
	// (§3 lifecycle).
	refs int32
}

// NewLocal builds a handle for a transaction originated on this node.
func NewLocal(connID uint64, lastSeen int64, ws WriteSet) *Handle {
	return &Handle{
		ConnID:        connID,
		LocalSeqno:    gtid.UndefinedSeqno,
		GlobalSeqno:   gtid.UndefinedSeqno,
		LastSeenSeqno: lastSeen,
		DependsSeqno:  lastSeen,
		WriteSet:      ws,
		state:         Executing,
	}
}

// NewRemote builds a handle for a write-set delivered by the action source,
// already carrying its GCS-assigned seqnos.
func NewRemote(source uuid.UUID, localSeqno, globalSeqno, lastSeen int64, ws WriteSet, flags Flags) *Handle {
	return &Handle{
		SourceID:      source,
		LocalSeqno:    localSeqno,
		GlobalSeqno:   globalSeqno,
		LastSeenSeqno: lastSeen,
		DependsSeqno:  lastSeen,
		WriteSet:      ws,
		Flags:         flags,
		state:         Certifying,
	}
}

// State returns the handle's current state under its mutex.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetState transitions the handle unconditionally. Callers that need to
// respect the BF-abort race (§4.3 abort_trx table) use CompareAndSetState.
func (h *Handle) SetState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// CompareAndSetState transitions from `from` to `to`, returning false (and
// leaving the state untouched) if the current state isn't `from`. This is
// how abort_trx wins or loses the race against the owning applier thread.
func (h *Handle) CompareAndSetState(from, to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		return false
	}
	h.state = to
	return true
}

// IsLocal reports whether this handle originated on the local node, i.e.
// it has a ConnID and no SourceID-carried remote origin. Used by
// ApplyOrder (spec.md §4.1).
func (h *Handle) IsLocal() bool {
	return h.ConnID != 0
}

func (h *Handle) Ref() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs++
	return h.refs
}

func (h *Handle) Unref() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs--
	return h.refs
}
