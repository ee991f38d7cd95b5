package replicator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/repcore/conf"
	"github.com/zhukovaskychina/repcore/gtid"
	"github.com/zhukovaskychina/repcore/savedstate"
	"github.com/zhukovaskychina/repcore/trx"
)

func TestSyncWaitDrainsCommitMonitorUnderNoOOOC(t *testing.T) {
	r := newHarness(t, &recordingCallbacks{})
	h := commitLocalTrx(t, r, trx.WriteSet{Version: 1})

	got, err := r.SyncWait(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, h.GlobalSeqno, got.Seqno)
}

func TestSyncWaitUsesApplyMonitorUnderBypass(t *testing.T) {
	dir := t.TempDir()
	cfg := conf.NewCfg()
	cfg.GcacheDir = dir + "/gcache"
	cfg.IstRecvBind = ""
	cfg.CommitOrder = conf.CommitBypass

	r := newHarnessWithCfg(t, cfg, &recordingCallbacks{})
	h := commitLocalTrx(t, r, trx.WriteSet{Version: 1})

	got, err := r.SyncWait(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, h.GlobalSeqno, got.Seqno)
}

func TestPauseReportsLastCommittedAndResumeIsNoOp(t *testing.T) {
	r := newHarness(t, &recordingCallbacks{})
	h := commitLocalTrx(t, r, trx.WriteSet{Version: 1})

	pos, err := r.Pause(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h.GlobalSeqno, pos.Seqno)
	require.NoError(t, r.Resume(context.Background()))
}

func TestSSTReceivedRebaselinesEverything(t *testing.T) {
	r := newHarness(t, &recordingCallbacks{})
	group := r.currentGroup()
	target := gtid.New(group, 42)

	require.NoError(t, r.SSTReceived(target))
	assert.Equal(t, int64(42), r.certIndex.Position())
	assert.Equal(t, int64(42), r.LastCommittedID().Seqno)
	assert.Equal(t, int64(42), r.saved.GTID().Seqno)
}

func TestSSTSentJoinsGCS(t *testing.T) {
	r := newHarness(t, &recordingCallbacks{})
	require.NoError(t, r.SSTSent(gtid.New(r.currentGroup(), 5), 0))
}

func TestParamSetGetRoundtrip(t *testing.T) {
	r := newHarness(t, &recordingCallbacks{})

	v, ok := r.ParamGet("max_write_set_size")
	require.True(t, ok)
	assert.NotEmpty(t, v)

	require.NoError(t, r.ParamSet("max_write_set_size", "4096"))
	v, ok = r.ParamGet("max_write_set_size")
	require.True(t, ok)
	assert.Equal(t, "4096", v)

	require.Error(t, r.ParamSet("max_write_set_size", "not-a-number"))
	require.Error(t, r.ParamSet("applier_threads", "8"), "read-only params reject Set")
}

func TestToIsolationBeginEnd(t *testing.T) {
	r := newHarness(t, &recordingCallbacks{})
	ctx := context.Background()

	h := r.NewTrx(1, r.certIndex.Position(), trx.WriteSet{Version: 1})
	require.NoError(t, r.ToIsolationBegin(ctx, h))
	assert.Equal(t, trx.Applying, h.State())
	assert.True(t, h.Flags.Has(trx.FlagIsolation))
	assert.Equal(t, savedstate.Unsafe, r.saved.CurrentMarker())

	require.NoError(t, r.ToIsolationEnd(ctx, h))
	assert.Equal(t, trx.Committed, h.State())
	assert.Equal(t, savedstate.Safe, r.saved.CurrentMarker())
}

func TestDesyncResync(t *testing.T) {
	r := newHarness(t, &recordingCallbacks{})
	require.NoError(t, r.Desync(context.Background()))
	require.NoError(t, r.Resync(context.Background()))
}
