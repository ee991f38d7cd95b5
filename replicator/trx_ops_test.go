package replicator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/repcore/gcs"
	"github.com/zhukovaskychina/repcore/trx"
	"github.com/zhukovaskychina/repcore/wsrep"
)

func TestLocalCommitFlowNoOOOC(t *testing.T) {
	r := newHarness(t, &recordingCallbacks{})

	ws := trx.WriteSet{Version: 1, Keys: []trx.Key{{Fingerprint: 1, Mode: trx.KeyExclusive}}}
	h := commitLocalTrx(t, r, ws)

	assert.Equal(t, trx.Committed, h.State())
	assert.Equal(t, h.GlobalSeqno, r.LastCommittedID().Seqno)

	_, ok := r.GetTrx(h.GlobalSeqno)
	assert.False(t, ok)
}

func TestCertificationConflictFailsPreCommit(t *testing.T) {
	r := newHarness(t, &recordingCallbacks{})
	ctx := context.Background()
	key := trx.Key{Fingerprint: 99, Mode: trx.KeyExclusive}

	// trx1 commits a write on `key` at seqno 1.
	commitLocalTrx(t, r, trx.WriteSet{Version: 1, Keys: []trx.Key{key}})

	// trx2 never saw trx1's commit (last_seen_seqno stuck at 0) and
	// touches the same key, so certification must reject it once it
	// learns its assigned global_seqno is after trx1's.
	h2 := r.NewTrx(2, 0, trx.WriteSet{Version: 1, Keys: []trx.Key{key}})
	require.NoError(t, r.Replicate(ctx, h2))

	err := r.PreCommit(ctx, h2)
	require.Error(t, err)
	assert.Equal(t, wsrep.TrxFail, wsrep.CodeOf(err))
	assert.Equal(t, trx.MustAbort, h2.State())
}

func TestAbortDuringReplicatingInterruptsGCS(t *testing.T) {
	r := newHarness(t, &recordingCallbacks{})
	ctx := context.Background()

	h := r.NewTrx(1, 0, trx.WriteSet{Version: 1})
	h.GCSHandle = r.gcsProvider.Schedule()
	h.SetState(trx.Replicating)

	require.NoError(t, r.AbortTrx(ctx, h))
	assert.Equal(t, trx.MustAbort, h.State())

	payload, err := h.WriteSet.Marshal()
	require.NoError(t, err)
	_, _, err = r.gcsProvider.Replv(ctx, [][]byte{payload}, gcs.ActionWriteSet, true)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAbortTrxDispatchTableByState(t *testing.T) {
	r := newHarness(t, &recordingCallbacks{})
	ctx := context.Background()

	t.Run("executing flips to must_abort", func(t *testing.T) {
		h := r.NewTrx(1, 0, trx.WriteSet{Version: 1})
		require.NoError(t, r.AbortTrx(ctx, h))
		assert.Equal(t, trx.MustAbort, h.State())
	})

	t.Run("committed is a no-op", func(t *testing.T) {
		h := r.NewTrx(1, 0, trx.WriteSet{Version: 1})
		h.SetState(trx.Committed)
		require.NoError(t, r.AbortTrx(ctx, h))
		assert.Equal(t, trx.Committed, h.State())
	})

	t.Run("applying arms the apply monitor interrupt", func(t *testing.T) {
		h := r.NewTrx(1, 0, trx.WriteSet{Version: 1})
		h.GlobalSeqno = 1
		h.SetState(trx.Applying)
		require.NoError(t, r.AbortTrx(ctx, h))
		assert.Equal(t, trx.MustAbort, h.State())
	})
}

func TestReplayTrxAppliesExactlyOnce(t *testing.T) {
	cb := &recordingCallbacks{}
	r := newHarness(t, cb)
	ctx := context.Background()

	h := r.NewTrx(7, 0, trx.WriteSet{Version: 1})
	h.GlobalSeqno = 1
	h.SetState(trx.MustReplayAM)

	require.NoError(t, r.ReplayTrx(ctx, h))
	assert.Equal(t, trx.Committing, h.State())
	assert.Equal(t, 1, cb.applyCount())

	// A second replay attempt on an already-replayed handle must be
	// rejected rather than applying the write-set again.
	err := r.ReplayTrx(ctx, h)
	require.Error(t, err)
	assert.Equal(t, 1, cb.applyCount())
}

func TestReplayTrxRecertifiesWhenRequired(t *testing.T) {
	cb := &recordingCallbacks{}
	r := newHarness(t, cb)
	ctx := context.Background()
	key := trx.Key{Fingerprint: 5, Mode: trx.KeyExclusive}

	commitLocalTrx(t, r, trx.WriteSet{Version: 1, Keys: []trx.Key{key}})

	h := r.NewTrx(9, 0, trx.WriteSet{Version: 1, Keys: []trx.Key{key}})
	h.GlobalSeqno = 2
	h.SetState(trx.MustCertAndReplay)

	err := r.ReplayTrx(ctx, h)
	require.Error(t, err)
	assert.Equal(t, trx.RolledBack, h.State())
	assert.Equal(t, 0, cb.applyCount())
}

func TestApplyTrxRemoteRollsBackOnCertFailure(t *testing.T) {
	cb := &recordingCallbacks{}
	r := newHarness(t, cb)
	ctx := context.Background()
	key := trx.Key{Fingerprint: 11, Mode: trx.KeyExclusive}

	commitLocalTrx(t, r, trx.WriteSet{Version: 1, Keys: []trx.Key{key}})

	h := r.NewTrx(0, 0, trx.WriteSet{Version: 1, Keys: []trx.Key{key}})
	h.GlobalSeqno = 2
	h.SetState(trx.Certifying)

	require.NoError(t, r.applyTrx(ctx, h))
	assert.Equal(t, trx.RolledBack, h.State())
	assert.Equal(t, 0, cb.applyCount())
}
