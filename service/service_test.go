package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/repcore/cert"
	"github.com/zhukovaskychina/repcore/gcache"
	"github.com/zhukovaskychina/repcore/gcs"
	"github.com/zhukovaskychina/repcore/trx"
)

func TestThreadFlushReportsAndReleases(t *testing.T) {
	provider := gcs.NewLoopback()
	require.NoError(t, provider.Connect(context.Background(), "svc", "127.0.0.1:0", false))

	idx := cert.New(1)
	store, err := gcache.NewFileStore(t.TempDir())
	require.NoError(t, err)

	for seqno := int64(1); seqno <= 3; seqno++ {
		h := trx.NewLocal(1, 0, trx.WriteSet{Version: 1, Keys: []trx.Key{{Fingerprint: uint64(seqno), Mode: trx.KeyExclusive}}})
		h.GlobalSeqno = seqno
		res, err := idx.AppendTrx(h)
		require.NoError(t, err)
		require.Equal(t, cert.TestOK, res)
		require.NoError(t, store.SeqnoAssign([]byte("ws"), seqno, gcs.ActionWriteSet, false))
		idx.SetTrxCommitted(h)
	}

	th := NewThread(provider, idx, store, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	th.Run(ctx)

	th.ReportCommitted(3)

	require.Eventually(t, func() bool {
		_, err := store.Range(1, 2)
		return err != nil // released entries are gone from the store
	}, time.Second, 5*time.Millisecond)

	records, err := store.Range(3, 3)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	cancel()
	th.Wait()
}

func TestThreadTickerFlushesWithoutExplicitReport(t *testing.T) {
	provider := gcs.NewLoopback()
	require.NoError(t, provider.Connect(context.Background(), "svc2", "127.0.0.1:0", false))

	idx := cert.New(1)
	store, err := gcache.NewFileStore(t.TempDir())
	require.NoError(t, err)

	h := trx.NewLocal(1, 0, trx.WriteSet{Version: 1, Keys: []trx.Key{{Fingerprint: 1, Mode: trx.KeyExclusive}}})
	h.GlobalSeqno = 1
	res, err := idx.AppendTrx(h)
	require.NoError(t, err)
	require.Equal(t, cert.TestOK, res)
	require.NoError(t, store.SeqnoAssign([]byte("ws"), 1, gcs.ActionWriteSet, false))
	idx.SetTrxCommitted(h)

	th := NewThread(provider, idx, store, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	th.mu.Lock()
	th.highWater = 1
	th.mu.Unlock()

	th.Run(ctx)
	require.Eventually(t, func() bool {
		return store.FirstSeqno() == -1
	}, time.Second, 5*time.Millisecond)

	cancel()
	th.Wait()
}
