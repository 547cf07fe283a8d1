package rdmatransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/verbs"
)

func TestDeleteTearsDownAllQueuesAndIsIdempotent(t *testing.T) {
	c, _, _ := connectedTestController(t)

	require.NoError(t, c.Delete(context.Background()))
	assert.Equal(t, StateDeleting, c.State())
	assert.Nil(t, c.adminQueue)
	assert.Empty(t, c.ioQueues)

	// A second Delete on an already-deleting controller must not hang or
	// attempt a second teardown; changeState rejects the redundant
	// transition and Delete reports the failure instead of blocking.
	err := c.Delete(context.Background())
	assert.Error(t, err)
}

func TestResetControllerReturnsToConnected(t *testing.T) {
	c, _, _ := connectedTestController(t)

	require.NoError(t, c.ResetController(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	require.NotNil(t, c.adminQueue)
	assert.True(t, c.adminQueue.connected.isSet())
	require.NotEmpty(t, c.ioQueues)
}

func TestResetControllerRejectedWhileDeleting(t *testing.T) {
	c, _, _ := connectedTestController(t)

	require.NoError(t, c.Delete(context.Background()))

	err := c.ResetController(context.Background())
	assert.Error(t, err, "reset must not be permitted once the controller is deleting")
}

func TestDeviceUnplugDeletesControllerAndSkipsCMIDDestruction(t *testing.T) {
	c, q, _ := connectedTestController(t)
	require.True(t, q.connected.isSet())

	q.handleCMEvent(verbs.CMEvent{Type: verbs.EventDeviceRemoval})

	assert.Equal(t, StateDeleting, c.State(), "device removal on an I/O queue must drive the controller to Deleting")
	require.Eventually(t, func() bool { return !q.connected.isSet() }, time.Second, time.Millisecond,
		"deviceUnplugTeardown must still clear the queue's connected flag")
}

func TestDeviceUnplugNoOpWhenQueueAlreadyDisconnected(t *testing.T) {
	c, q, _ := connectedTestController(t)
	require.NoError(t, q.free(context.Background()))
	require.False(t, q.connected.isSet())

	before := c.State()
	q.handleCMEvent(verbs.CMEvent{Type: verbs.EventDeviceRemoval})
	assert.Equal(t, before, c.State(), "a removal event on an already-disconnected queue must be a no-op")
}
