package action

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/repcore/gcs"
	"github.com/zhukovaskychina/repcore/gtid"
)

type recordingDispatcher struct {
	mu        sync.Mutex
	writeSets []gtid.GTID
	confs     int
}

func (d *recordingDispatcher) OnWriteSet(ctx context.Context, seqno gtid.GTID, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeSets = append(d.writeSets, seqno)
	return nil
}

func (d *recordingDispatcher) OnCommitCut(ctx context.Context, upto gtid.GTID) error { return nil }

func (d *recordingDispatcher) OnConfChange(ctx context.Context, view *gcs.View) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.confs++
	return nil
}

func (d *recordingDispatcher) OnJoin(ctx context.Context, at gtid.GTID) error { return nil }
func (d *recordingDispatcher) OnSync(ctx context.Context, at gtid.GTID) error { return nil }
func (d *recordingDispatcher) OnStateTransferRequest(ctx context.Context, payload []byte) error {
	return nil
}

func (d *recordingDispatcher) seen() ([]gtid.GTID, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gtid.GTID(nil), d.writeSets...), d.confs
}

func TestSourceDispatchesConfChangeThenWriteSetsInOrder(t *testing.T) {
	provider := gcs.NewLoopback()
	require.NoError(t, provider.Connect(context.Background(), "c1", "127.0.0.1:0", false))

	dispatcher := &recordingDispatcher{}
	src := NewSource(provider, dispatcher, 4)

	ctx, cancel := context.WithCancel(context.Background())
	src.Run(ctx)

	for i := 0; i < 3; i++ {
		_, _, err := provider.Replv(ctx, [][]byte{[]byte("ws")}, gcs.ActionWriteSet, false)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		ws, confs := dispatcher.seen()
		return len(ws) == 3 && confs == 1
	}, time.Second, 5*time.Millisecond)

	ws, _ := dispatcher.seen()
	assert.Equal(t, int64(1), ws[0].Seqno)
	assert.Equal(t, int64(2), ws[1].Seqno)
	assert.Equal(t, int64(3), ws[2].Seqno)

	cancel()
	src.Stop()
}

func TestSourceStopDrainsWithoutPanic(t *testing.T) {
	provider := gcs.NewLoopback()
	require.NoError(t, provider.Connect(context.Background(), "c2", "127.0.0.1:0", false))

	dispatcher := &recordingDispatcher{}
	src := NewSource(provider, dispatcher, 4)

	ctx, cancel := context.WithCancel(context.Background())
	src.Run(ctx)
	cancel()
	src.Stop()
}

func TestSourceUnknownActionTypeRecordsErr(t *testing.T) {
	provider := gcs.NewLoopback()
	require.NoError(t, provider.Connect(context.Background(), "c3", "127.0.0.1:0", false))

	dispatcher := &recordingDispatcher{}
	src := NewSource(provider, dispatcher, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := src.dispatch(ctx, &gcs.Action{Type: gcs.ActionType(99)})
	assert.Error(t, err)
}
