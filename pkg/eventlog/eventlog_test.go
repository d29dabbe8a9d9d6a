package eventlog

import (
	"os"
	"testing"
	"time"

	"github.com/fieldmesh/edgecore/pkg/storage"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dir, err := os.MkdirTemp("", "edgecore-eventlog-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	bolt, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	log, err := Open(bolt.DB())
	require.NoError(t, err)
	return log
}

func ev(seq uint64, orderID string, hash []byte) types.OrderEvent {
	return types.OrderEvent{
		Sequence:    seq,
		OrderID:     orderID,
		CommandID:   "cmd-" + orderID,
		Kind:        types.EventOrderOpened,
		Timestamp:   time.Now(),
		ContentHash: hash,
	}
}

func TestTipOnFreshLog(t *testing.T) {
	log := newTestLog(t)
	seq, hash, err := log.Tip()
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Nil(t, hash)
}

func TestAppendAdvancesTip(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, log.Append([]types.OrderEvent{ev(1, "o1", []byte("h1"))}))

	seq, hash, err := log.Tip()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, []byte("h1"), hash)
}

func TestAppendRejectsNonContiguousSequence(t *testing.T) {
	log := newTestLog(t)
	err := log.Append([]types.OrderEvent{ev(2, "o1", []byte("h2"))})
	assert.Error(t, err)
}

func TestAppendEmptyBatchIsNoop(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, log.Append(nil))
	seq, _, err := log.Tip()
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestReadReturnsEventsInSequenceOrder(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, log.Append([]types.OrderEvent{
		ev(1, "o1", []byte("h1")),
		ev(2, "o2", []byte("h2")),
		ev(3, "o1", []byte("h3")),
	}))

	events, err := log.Read("o1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(3), events[1].Sequence)
}

func TestReadUnknownOrderReturnsEmpty(t *testing.T) {
	log := newTestLog(t)
	events, err := log.Read("no-such-order")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadRangeBounds(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, log.Append([]types.OrderEvent{
		ev(1, "o1", []byte("h1")),
		ev(2, "o1", []byte("h2")),
		ev(3, "o1", []byte("h3")),
	}))

	events, err := log.ReadRange(2, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Sequence)
	assert.Equal(t, uint64(3), events[1].Sequence)
}

func TestHighestSequenceForOrder(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, log.Append([]types.OrderEvent{
		ev(1, "o1", []byte("h1")),
		ev(2, "o1", []byte("h2")),
	}))

	seq, found, err := log.HighestSequenceForOrder("o1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(2), seq)

	_, found, err = log.HighestSequenceForOrder("no-such-order")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAppendAcrossMultipleBatchesStaysContiguous(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, log.Append([]types.OrderEvent{ev(1, "o1", []byte("h1"))}))
	require.NoError(t, log.Append([]types.OrderEvent{ev(2, "o1", []byte("h2"))}))

	err := log.Append([]types.OrderEvent{ev(4, "o1", []byte("h4"))})
	assert.Error(t, err, "a gap at sequence 3 must be rejected")
}
