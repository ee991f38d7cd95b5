package cert

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/repcore/trx"
)

func handleWithKey(globalSeqno, lastSeen int64, fp uint64, mode trx.KeyMode) *trx.Handle {
	ws := trx.WriteSet{Keys: []trx.Key{{Fingerprint: fp, Mode: mode}}}
	h := trx.NewRemote(uuid.UUID{}, globalSeqno, globalSeqno, lastSeen, ws, 0)
	return h
}

func TestAppendTrxDisjointKeysAlwaysPass(t *testing.T) {
	idx := New(3)
	a := handleWithKey(1, 0, 100, trx.KeyExclusive)
	b := handleWithKey(2, 0, 200, trx.KeyExclusive)

	r, err := idx.AppendTrx(a)
	require.NoError(t, err)
	assert.Equal(t, TestOK, r)

	r, err = idx.AppendTrx(b)
	require.NoError(t, err)
	assert.Equal(t, TestOK, r)
}

func TestAppendTrxConflictingFailsWhenNotSeen(t *testing.T) {
	idx := New(3)
	a := handleWithKey(6, 0, 42, trx.KeyExclusive) // commits at global_seqno=6
	r, err := idx.AppendTrx(a)
	require.NoError(t, err)
	require.Equal(t, TestOK, r)

	// S1: T_A at global_seqno=7 with last_seen=5 touches the same key.
	b := handleWithKey(7, 5, 42, trx.KeyExclusive)
	r, err = idx.AppendTrx(b)
	require.NoError(t, err)
	assert.Equal(t, TestFailed, r)
}

func TestAppendTrxConflictPassesWhenSeen(t *testing.T) {
	idx := New(3)
	a := handleWithKey(6, 0, 42, trx.KeyExclusive)
	_, err := idx.AppendTrx(a)
	require.NoError(t, err)

	// b's last_seen_seqno (6) is >= a.global_seqno (6): b saw a's commit.
	b := handleWithKey(7, 6, 42, trx.KeyExclusive)
	r, err := idx.AppendTrx(b)
	require.NoError(t, err)
	assert.Equal(t, TestOK, r)
	assert.Equal(t, int64(6), b.DependsSeqno)
}

func TestSharedKeysDoNotConflict(t *testing.T) {
	idx := New(3)
	a := handleWithKey(1, 0, 42, trx.KeyShared)
	b := handleWithKey(2, 0, 42, trx.KeyShared)

	_, err := idx.AppendTrx(a)
	require.NoError(t, err)
	r, err := idx.AppendTrx(b)
	require.NoError(t, err)
	assert.Equal(t, TestOK, r)
}

func TestTOIConflictsWithConcurrentTrx(t *testing.T) {
	idx := New(3)
	toi := trx.NewRemote(uuid.UUID{}, 10, 10, 0, trx.WriteSet{}, trx.FlagIsolation)
	r, err := idx.AppendTrx(toi)
	require.NoError(t, err)
	require.Equal(t, TestOK, r)

	concurrent := handleWithKey(11, 5, 99, trx.KeyExclusive) // last_seen < toi.global_seqno
	r, err = idx.AppendTrx(concurrent)
	require.NoError(t, err)
	assert.Equal(t, TestFailed, r)
}

func TestSetTrxCommittedIdempotent(t *testing.T) {
	idx := New(3)
	a := handleWithKey(1, 0, 1, trx.KeyExclusive)
	_, err := idx.AppendTrx(a)
	require.NoError(t, err)

	w1 := idx.SetTrxCommitted(a)
	w2 := idx.SetTrxCommitted(a)
	assert.Equal(t, w1, w2)
}

func TestPurgeNeverPassesUncommitted(t *testing.T) {
	idx := New(3)
	a := handleWithKey(1, 0, 1, trx.KeyExclusive)
	b := handleWithKey(2, 0, 2, trx.KeyExclusive)
	_, err := idx.AppendTrx(a)
	require.NoError(t, err)
	_, err = idx.AppendTrx(b)
	require.NoError(t, err)

	idx.SetTrxCommitted(a) // b (seqno 2) still uncommitted

	var reached int64 = -1
	err = idx.PurgeTrxsUpto(10, func(s int64) { reached = s })
	require.NoError(t, err)
	assert.LessOrEqual(t, reached, int64(1))
}
