package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcherDispatchesWhenFull(t *testing.T) {
	b := NewBatcher(3, time.Second)

	assert.Nil(t, b.Add(Snapshot{}))
	assert.Nil(t, b.Add(Snapshot{}))
	batch := b.Add(Snapshot{})
	require.Len(t, batch, 3)
	assert.Equal(t, 0, b.Pending())
}

func TestBatcherFlushReturnsPartialBatch(t *testing.T) {
	b := NewBatcher(10, time.Second)
	b.Add(Snapshot{})
	b.Add(Snapshot{})
	assert.Len(t, b.Flush(), 2)
	assert.Nil(t, b.Flush())
}

func TestBatcherDeadlineTracksFirstVector(t *testing.T) {
	b := NewBatcher(10, 100*time.Millisecond)

	_, ok := b.Deadline()
	assert.False(t, ok, "empty batcher has no deadline")

	before := time.Now()
	b.Add(Snapshot{})
	deadline, ok := b.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, before.Add(100*time.Millisecond), deadline, 50*time.Millisecond)

	// Later vectors do not push the deadline out.
	time.Sleep(20 * time.Millisecond)
	b.Add(Snapshot{})
	later, _ := b.Deadline()
	assert.Equal(t, deadline, later)
}
