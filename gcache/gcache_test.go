package gcache

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/repcore/gcs"
	"github.com/zhukovaskychina/repcore/gtid"
)

func TestFileStoreAssignAndRange(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for seqno := int64(1); seqno <= 3; seqno++ {
		require.NoError(t, s.SeqnoAssign([]byte("payload"), seqno, gcs.ActionWriteSet, false))
	}
	assert.Equal(t, int64(1), s.FirstSeqno())

	records, err := s.Range(1, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, int64(i+1), r.Seqno)
		assert.Equal(t, []byte("payload"), r.Data)
	}
}

func TestFileStoreReleaseAdvancesFirstSeqno(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.SeqnoAssign([]byte("a"), 1, gcs.ActionWriteSet, false))
	require.NoError(t, s.SeqnoAssign([]byte("b"), 2, gcs.ActionWriteSet, false))

	require.NoError(t, s.SeqnoRelease(1))
	assert.Equal(t, int64(2), s.FirstSeqno())
}

func TestFileStoreRangeMissingSeqnoErrors(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.SeqnoAssign([]byte("a"), 1, gcs.ActionWriteSet, false))
	require.NoError(t, s.SeqnoAssign([]byte("c"), 3, gcs.ActionWriteSet, false))

	_, err = s.Range(1, 3)
	assert.Error(t, err)
}

func TestFileStoreResetWipes(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.SeqnoAssign([]byte("a"), 1, gcs.ActionWriteSet, false))

	require.NoError(t, s.SeqnoReset(gtid.New(uuid.New(), 0)))
	assert.Equal(t, gtid.UndefinedSeqno, s.FirstSeqno())
}
