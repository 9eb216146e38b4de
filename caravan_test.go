package nvmet

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaravanFullnessThresholds(t *testing.T) {
	c := newCaravan(caravanC1, 16, nil)
	assert.True(t, c.Empty())
	assert.False(t, c.full())

	c.append([][]byte{make([]byte, 16)}, nil, nil)
	assert.True(t, c.full(), "byte capacity reached")
}

func TestCaravanWouldOverflow(t *testing.T) {
	c := newCaravan(caravanC2, 256, nil)
	assert.False(t, c.wouldOverflow(256, 1, 0, 0))
	assert.True(t, c.wouldOverflow(257, 1, 0, 0))
	assert.True(t, c.wouldOverflow(1, CaravanMaxSegments+1, 0, 0))
}

type recordingUnmapper struct {
	unmapped [][]byte
}

func (r *recordingUnmapper) Unmap(p []byte) { r.unmapped = append(r.unmapped, p) }

func TestCaravanFlushSendsAndReleases(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sock := newSocketState(serverConn, 0)
	unmap := &recordingUnmapper{}
	c := newCaravan(caravanC1, CaravanC1Capacity, unmap)

	pool := NewSlotPool(2)
	cmd, err := pool.Get()
	require.NoError(t, err)
	cmd.queue = &Queue{pool: pool}

	payload := []byte("hello, caravan")
	c.append([][]byte{payload}, cmd, [][]byte{payload})

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		_, _ = io.ReadFull(clientConn, buf)
		done <- buf
	}()

	res, err := c.flush(sock)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), res.BytesSent)
	assert.EqualValues(t, len(payload), res.Expected)
	assert.Equal(t, 1, res.Commands)
	assert.True(t, c.Empty())
	assert.Len(t, unmap.unmapped, 1)

	assert.Equal(t, payload, <-done)
	assert.Equal(t, 0, pool.InUse(), "cmd released back to free list on flush")
}

func TestCaravanFlushEmptyIsNoop(t *testing.T) {
	c := newCaravan(caravanC1, CaravanC1Capacity, nil)
	res, err := c.flush(&socketState{fd: -1, conn: nil})
	require.NoError(t, err)
	assert.Zero(t, res)
}
