// Package replicator implements the state machine (SMM) of spec.md
// §4.3: it owns the node FSM, drives replicate/pre_commit/apply/commit/
// release, hosts BF-abort and replay, and glues every other collaborator
// package (monitor, cert, trx, gcs, gcache, ist, action, service,
// savedstate) into the single `wsrep.Provider` implementation. The
// abort_trx dispatch table is a literal `map[trx.State]abortAction`,
// mirroring the teacher's preference for explicit dispatch tables over
// long switch chains in dispatcher/query_dispatcher.go.
package replicator

import (
	"context"
	"sync"
	"time"

	gxsync "github.com/dubbogo/gost/sync"
	"github.com/google/uuid"
	jerrors "github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/repcore/action"
	"github.com/zhukovaskychina/repcore/cert"
	"github.com/zhukovaskychina/repcore/conf"
	"github.com/zhukovaskychina/repcore/gcache"
	"github.com/zhukovaskychina/repcore/gcs"
	"github.com/zhukovaskychina/repcore/ist"
	"github.com/zhukovaskychina/repcore/monitor"
	"github.com/zhukovaskychina/repcore/savedstate"
	"github.com/zhukovaskychina/repcore/service"
	"github.com/zhukovaskychina/repcore/trx"
	"github.com/zhukovaskychina/repcore/wsrep"
	"github.com/zhukovaskychina/repcore/wsrep/paramreg"
)

// commitModeFromConf maps the ini-level commit_order setting onto the
// trx package's monitor-facing CommitMode (same four values, kept as
// distinct types since conf must not import trx for an unrelated enum).
func commitModeFromConf(c conf.CommitOrder) trx.CommitMode {
	switch c {
	case conf.CommitBypass:
		return trx.CommitBypass
	case conf.CommitOOOC:
		return trx.CommitOOOC
	case conf.CommitLocalOOOC:
		return trx.CommitLocalOOOC
	default:
		return trx.CommitNoOOOC
	}
}

// Replicator implements wsrep.Provider. Its collaborators are owned by
// value/unique handle and referenced downward only (SPEC_FULL.md §11's
// "cyclic object graph" design note): action.Source and service.Thread
// hold a reference back into Replicator only through the narrow
// action.Dispatcher interface and the gcs.Provider/cert.Index/gcache.Store
// they were constructed with, never a pointer to Replicator itself.
type Replicator struct {
	mu      sync.Mutex
	state   wsrep.NodeState
	groupID uuid.UUID

	cfg        *conf.Cfg
	commitMode trx.CommitMode
	rsVersion  uint8
	sourceID   uuid.UUID

	gcsProvider gcs.Provider
	gcacheStore gcache.Store
	certIndex   *cert.Index
	saved       *savedstate.State
	params      *paramreg.Registry

	localMon  *monitor.Monitor[trx.LocalOrder]
	applyMon  *monitor.Monitor[trx.ApplyOrder]
	commitMon *monitor.Monitor[trx.CommitOrder]

	callbacks   wsrep.Callbacks
	actionSrc   *action.Source
	serviceThd  *service.Thread
	applierPool gxsync.GenericTaskPool

	istRecv    *ist.Receiver
	sstSenders *ist.AsyncSenderMap

	handlesMu sync.Mutex
	handles   map[int64]*trx.Handle

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Replicator wired to its collaborators. cfg and saved are
// required; a nil callbacks defaults to wsrep.DefaultCallbacks, and
// provider/store default to in-process reference implementations
// (gcs.Loopback, gcache.FileStore under cfg.GcacheDir) when nil, matching
// cmd/repnode's single-node demo mode.
func New(cfg *conf.Cfg, provider gcs.Provider, store gcache.Store, saved *savedstate.State, callbacks wsrep.Callbacks) (*Replicator, error) {
	if provider == nil {
		provider = gcs.NewLoopback()
	}
	if store == nil {
		fs, err := gcache.NewFileStore(cfg.GcacheDir)
		if err != nil {
			return nil, jerrors.Annotate(err, "replicator: open gcache")
		}
		store = fs
	}
	if callbacks == nil {
		callbacks = wsrep.DefaultCallbacks{}
	}

	rsVersion := rsVersionFor(cfg.ProtoMax)
	r := &Replicator{
		state:       wsrep.Closed,
		groupID:     saved.GTID().Group,
		cfg:         cfg,
		commitMode:  commitModeFromConf(cfg.CommitOrder),
		rsVersion:   rsVersion,
		sourceID:    uuid.New(),
		gcsProvider: provider,
		gcacheStore: store,
		certIndex:   cert.New(rsVersion),
		saved:       saved,
		params:      paramreg.New(),
		localMon:    monitor.New[trx.LocalOrder](trx.LocalOrderReady),
		applyMon:    monitor.New[trx.ApplyOrder](trx.ApplyOrderReady),
		commitMon:   monitor.New[trx.CommitOrder](trx.CommitOrderReady),
		callbacks:   callbacks,
		applierPool: gxsync.NewTaskPoolSimple(cfg.ApplierThreads),
		handles:     make(map[int64]*trx.Handle),
		closed:      make(chan struct{}),
	}
	r.serviceThd = service.NewThread(provider, r.certIndex, store, time.Second)
	r.sstSenders = ist.NewAsyncSenderMap(r.applierPool)
	if cfg.IstRecvBind != "" {
		recv, err := ist.NewReceiver(cfg.IstRecvBind, nil, cfg.ServiceQueueDepth)
		if err != nil {
			return nil, jerrors.Annotate(err, "replicator: bind IST receiver")
		}
		r.istRecv = recv
	}
	r.registerParams()
	r.actionSrc = action.NewSource(provider, r, cfg.ServiceQueueDepth)
	return r, nil
}

// rsVersionFor maps proto_max to the negotiated record-set version via
// spec.md §6's protocol version table (rs_ver column).
func rsVersionFor(protoMax int) uint8 {
	if protoMax >= 8 {
		return 2
	}
	return 1
}

// State returns the node FSM's current state.
func (r *Replicator) State() wsrep.NodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Replicator) setState(s wsrep.NodeState) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	if prev != s {
		logrus.WithFields(logrus.Fields{"from": prev, "to": s}).Info("replicator: node state transition")
	}
}

// SourceID returns this node's peer UUID as text.
func (r *Replicator) SourceID() string { return r.sourceID.String() }

// Connect opens the GCS with the saved GTID as the initial position
// (spec.md §4.3 connect).
func (r *Replicator) Connect(ctx context.Context, args wsrep.ConnectArgs) error {
	if args.Bootstrap && !r.saved.SafeToBootstrap() {
		return wsrep.New(wsrep.NodeFail, "connect: bootstrap requested but saved state is not safe_to_bootstrap")
	}

	pos := r.saved.GTID()
	if err := r.gcsProvider.SetInitialPosition(pos); err != nil {
		return wsrep.Wrap(wsrep.ConnFail, err, "connect: set initial position")
	}
	r.localMon.SetInitialPosition(pos.Group, pos.Seqno)
	r.applyMon.SetInitialPosition(pos.Group, pos.Seqno)
	r.commitMon.SetInitialPosition(pos.Group, pos.Seqno)
	r.certIndex.AssignInitialPosition(pos, r.rsVersion)

	if err := r.gcsProvider.Connect(ctx, args.Cluster, args.URL, args.Donor); err != nil {
		return wsrep.Wrap(wsrep.ConnFail, err, "connect: gcs.Connect")
	}

	r.setState(wsrep.Connected)
	r.callbacks.Connected(ctx, r.SourceID())

	r.actionSrc.Run(ctx)
	svcCtx, svcCancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-r.closed:
		case <-svcCtx.Done():
		}
		svcCancel()
	}()
	r.serviceThd.Run(svcCtx)
	return nil
}

// Close initiates graceful shutdown (spec.md §4.3 close, §8 R2: a second
// call is a no-op after the first returns).
func (r *Replicator) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		r.actionSrc.Stop()
		r.serviceThd.Wait()
		if cerr := r.gcsProvider.Close(ctx); cerr != nil {
			err = jerrors.Annotate(cerr, "replicator: close")
		}
		if r.istRecv != nil {
			_ = r.istRecv.Close()
		}
		r.localMon.Close()
		r.applyMon.Close()
		r.commitMon.Close()
		r.setState(wsrep.Closed)
	})
	return err
}

// AsyncRecv blocks until Close (or ctx cancellation); actual action
// delivery and dispatch is already single-threaded inside action.Source
// (see [[action]]), so the "at most one thread may exit" rule of
// spec.md §4.3 is structurally guaranteed rather than arbitrated here —
// a deliberate simplification over racing N=1 worker pool, recorded in
// DESIGN.md.
func (r *Replicator) AsyncRecv(ctx context.Context) error {
	select {
	case <-r.closed:
		return r.actionSrc.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replicator) registerHandle(h *trx.Handle) {
	r.handlesMu.Lock()
	r.handles[h.GlobalSeqno] = h
	r.handlesMu.Unlock()
}

// GetTrx looks up a previously registered handle by global_seqno.
func (r *Replicator) GetTrx(globalSeqno int64) (*trx.Handle, bool) {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	h, ok := r.handles[globalSeqno]
	return h, ok
}

func (r *Replicator) forgetHandle(h *trx.Handle) {
	r.handlesMu.Lock()
	delete(r.handles, h.GlobalSeqno)
	r.handlesMu.Unlock()
}

// NewTrx builds a local trx handle (spec.md §4.3 new_trx).
func (r *Replicator) NewTrx(connID uint64, lastSeen int64, ws trx.WriteSet) *trx.Handle {
	return trx.NewLocal(connID, lastSeen, ws)
}

// markCorruptAndClose implements spec.md §7's corruption protocol: marks
// saved-state UNSAFE, requests the GCS close, and lets AsyncRecv drain.
func (r *Replicator) markCorruptAndClose(ctx context.Context) {
	logrus.Error("replicator: node marked corrupt, initiating shutdown")
	if err := r.saved.MarkUnsafe(); err != nil {
		logrus.WithError(err).Error("replicator: mark_corrupt_and_close: save unsafe marker")
	}
	go func() { _ = r.Close(ctx) }()
}
