package ist

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/repcore/gcache"
	"github.com/zhukovaskychina/repcore/gcs"
	"github.com/zhukovaskychina/repcore/trx"
)

func TestISTEventQueuePushPop(t *testing.T) {
	q := NewISTEventQueue(4)
	h := trx.NewRemote(uuid.UUID{}, 1, 1, 0, trx.WriteSet{}, 0)
	q.Push(Event{Handle: h})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, h, e.Handle)
}

func TestISTEventQueueCloseYieldsEOF(t *testing.T) {
	q := NewISTEventQueue(1)
	q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.True(t, e.EOF)
}

func TestSenderReceiverRoundTrip(t *testing.T) {
	store, err := gcache.NewFileStore(t.TempDir())
	require.NoError(t, err)

	ws := trx.WriteSet{Keys: []trx.Key{{Fingerprint: 7, Mode: trx.KeyExclusive}}, Data: []byte("payload")}
	encoded, err := ws.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.SeqnoAssign(encoded, 101, gcs.ActionWriteSet, false))
	require.NoError(t, store.SeqnoAssign(encoded, 102, gcs.ActionWriteSet, false))

	recv, err := NewReceiver("127.0.0.1:0", nil, 8)
	require.NoError(t, err)
	defer recv.Close()
	recv.Run(101, 102)

	sender := NewSender(store)
	require.NoError(t, sender.Send(recv.Addr, nil, 101, 102))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var received []int64
	for {
		e, err := recv.Queue.Pop(ctx)
		require.NoError(t, err)
		if e.EOF {
			break
		}
		received = append(received, e.Handle.GlobalSeqno)
	}
	assert.Equal(t, []int64{101, 102}, received)
}
