// Package gcs declares the group communication service collaborator
// contract of spec.md §6: the totally-ordered transport the replicator
// depends on but does not implement (the concrete virtual-synchrony
// protocol is explicitly out of scope, spec.md §1). It also provides
// Loopback, a single-node, in-process reference implementation used by
// tests and by cmd/repnode's demo mode.
package gcs

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/zhukovaskychina/repcore/gtid"
)

// ActionType tags a delivered Action (spec.md §2 data flow, §4.3
// process_conf_change).
type ActionType int

const (
	ActionWriteSet ActionType = iota
	ActionCommitCut
	ActionConfChange
	ActionJoin
	ActionSync
	ActionStateTransferRequest
)

// Member describes one peer in a View.
type Member struct {
	ID   string
	Addr string
}

// View is delivered on every membership change (spec.md §4.3
// process_conf_change).
type View struct {
	Group     gtid.GTID
	Members   []Member
	OwnIndex  int
	Primary   bool
	Bootstrap bool
}

// Action is one unit of totally-ordered delivery from the GCS.
type Action struct {
	Type    ActionType
	Seqno   gtid.GTID
	Payload []byte
	View    *View // set when Type == ActionConfChange
}

// Provider is the GCS collaborator contract of spec.md §6. A handle
// returned by sendv/replv identifies an in-flight send for interrupt.
type Provider interface {
	Connect(ctx context.Context, clusterName, url string, donor bool) error
	Close(ctx context.Context) error

	// Sendv disseminates actv without waiting for the assigned seqno
	// (fire-and-forget relative to the caller, still totally ordered).
	Sendv(ctx context.Context, actv [][]byte, actType ActionType, scheduled bool) (handle int64, err error)
	// Replv disseminates actv and blocks for its assigned position.
	Replv(ctx context.Context, actv [][]byte, actType ActionType, scheduled bool) (seqnoLocal, seqnoGlobal int64, err error)
	// Recv blocks for the next totally-ordered Action.
	Recv(ctx context.Context) (*Action, error)

	Schedule() int64
	Interrupt(handle int64) error
	Caused(ctx context.Context) (gtid.GTID, error)

	Join(g gtid.GTID, code int) error
	Desync(seqnoLocal int64) error
	ResumeRecv() error

	SetLastApplied(seqno int64) error
	LocalSequence() int64

	RequestStateTransfer(ctx context.Context, sstName, donor string) error
	SetInitialPosition(g gtid.GTID) error
}

// Loopback is a single-node, channel-based Provider: every Replv/Sendv
// assigns the next seqno itself and loops the Action straight back to
// Recv, simulating a one-member cluster for tests and demo bootstrap
// (SPEC_FULL.md §6.6 — not a production GCS).
type Loopback struct {
	mu        sync.Mutex
	group     gtid.GTID
	nextSeqno int64
	lastAppl  int64
	closed    bool
	interrupted map[int64]struct{}
	handleSeq int64

	actions chan *Action
}

// NewLoopback builds an unconnected Loopback provider.
func NewLoopback() *Loopback {
	return &Loopback{
		group:       gtid.Undefined,
		actions:     make(chan *Action, 256),
		interrupted: make(map[int64]struct{}),
	}
}

// Connect seeds the group uuid and delivers the initial bootstrap view:
// a one-member Primary view containing only this node.
func (l *Loopback) Connect(ctx context.Context, clusterName, url string, donor bool) error {
	l.mu.Lock()
	if l.group.IsUndefined() {
		l.group = gtid.New(uuid.NewSHA1(uuid.NameSpaceDNS, []byte(clusterName)), 0)
	}
	view := &View{
		Group:     l.group,
		Members:   []Member{{ID: clusterName, Addr: url}},
		OwnIndex:  0,
		Primary:   true,
		Bootstrap: !donor,
	}
	l.mu.Unlock()

	return l.deliver(ctx, &Action{Type: ActionConfChange, Seqno: l.group, View: view})
}

func (l *Loopback) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.actions)
	return nil
}

func (l *Loopback) assign() (int64, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSeqno++
	l.group.Seqno = l.nextSeqno
	return l.nextSeqno, l.nextSeqno
}

func (l *Loopback) Sendv(ctx context.Context, actv [][]byte, actType ActionType, scheduled bool) (int64, error) {
	_, g, err := l.replvLocked(ctx, actv, actType)
	return g, err
}

func (l *Loopback) Replv(ctx context.Context, actv [][]byte, actType ActionType, scheduled bool) (int64, int64, error) {
	return l.replvLocked(ctx, actv, actType)
}

func (l *Loopback) replvLocked(ctx context.Context, actv [][]byte, actType ActionType) (int64, int64, error) {
	local, global := l.assign()

	l.mu.Lock()
	if _, ok := l.interrupted[global]; ok {
		delete(l.interrupted, global)
		l.mu.Unlock()
		return local, global, context.Canceled
	}
	g := l.group
	l.mu.Unlock()

	var payload []byte
	for _, b := range actv {
		payload = append(payload, b...)
	}
	if err := l.deliver(ctx, &Action{Type: actType, Seqno: gtid.New(g.Group, global), Payload: payload}); err != nil {
		return local, global, err
	}
	return local, global, nil
}

func (l *Loopback) deliver(ctx context.Context, a *Action) error {
	select {
	case l.actions <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) Recv(ctx context.Context) (*Action, error) {
	select {
	case a, ok := <-l.actions:
		if !ok {
			return nil, context.Canceled
		}
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loopback) Schedule() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handleSeq++
	return l.handleSeq
}

func (l *Loopback) Interrupt(handle int64) error {
	l.mu.Lock()
	l.interrupted[handle] = struct{}{}
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Caused(ctx context.Context) (gtid.GTID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.group, nil
}

func (l *Loopback) Join(g gtid.GTID, code int) error { return nil }

func (l *Loopback) Desync(seqnoLocal int64) error { return nil }

func (l *Loopback) ResumeRecv() error { return nil }

func (l *Loopback) SetLastApplied(seqno int64) error {
	l.mu.Lock()
	l.lastAppl = seqno
	l.mu.Unlock()
	return nil
}

func (l *Loopback) LocalSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeqno
}

func (l *Loopback) RequestStateTransfer(ctx context.Context, sstName, donor string) error {
	return nil // single-member cluster: never behind, nothing to transfer.
}

func (l *Loopback) SetInitialPosition(g gtid.GTID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.group = g
	l.nextSeqno = g.Seqno
	return nil
}
