package nvmet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotPoolGetPutAscendingTags(t *testing.T) {
	pool := NewSlotPool(4)
	assert.Equal(t, 4, pool.Len())
	assert.Equal(t, 0, pool.InUse())

	var got []uint16
	for i := 0; i < 3; i++ {
		c, err := pool.Get()
		require.NoError(t, err)
		got = append(got, c.tag)
	}
	assert.Equal(t, []uint16{1, 2, 3}, got)
	assert.Equal(t, 3, pool.InUse())

	_, err := pool.Get()
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestSlotPoolConnectSlotNeverRecycled(t *testing.T) {
	pool := NewSlotPool(2)
	connect := pool.ConnectSlot()
	assert.EqualValues(t, connectSlotIndex, connect.tag)

	pool.Put(connect)
	c, err := pool.Get()
	require.NoError(t, err)
	assert.NotEqual(t, connectSlotIndex, int(c.tag))
}

func TestSlotPoolByTag(t *testing.T) {
	pool := NewSlotPool(3)
	c, err := pool.Get()
	require.NoError(t, err)

	found, ok := pool.ByTag(c.tag)
	require.True(t, ok)
	assert.Same(t, c, found)

	_, ok = pool.ByTag(99)
	assert.False(t, ok)
}

func TestSlotPoolPutResetsAndRefreesOnce(t *testing.T) {
	pool := NewSlotPool(2)
	c, err := pool.Get()
	require.NoError(t, err)
	c.req = &Request{}
	c.rbytesDone = 10

	pool.Put(c)
	assert.Nil(t, c.req)
	assert.Equal(t, 0, pool.InUse())

	// Putting an already-free slot is a no-op, not a double free.
	pool.Put(c)
	assert.Equal(t, 0, pool.InUse())
}

func TestCommandIsReadIsWrite(t *testing.T) {
	c := &Command{req: &Request{Opcode: OpRead}}
	assert.True(t, c.isRead())
	assert.False(t, c.isWrite())

	c.req.Opcode = OpWrite
	assert.True(t, c.isWrite())
	assert.False(t, c.isRead())

	c.req = nil
	assert.False(t, c.isRead())
	assert.False(t, c.isWrite())
}
