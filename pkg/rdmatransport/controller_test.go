package rdmatransport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/config"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/verbs/simverbs"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	fabric := simverbs.NewFabric()
	cm := simverbs.NewConnectionManager(fabric)
	opts := config.DefaultControllerOptions()
	opts.Address = "198.51.100.1"
	opts.Port = 4420
	opts.Subsystem = "nqn.test:target"

	c, err := NewController("test-ctrl", cm, opts, config.DefaultModuleOptions(), newDeviceRegistry(), nil)
	require.NoError(t, err)
	return c
}

func TestControllerStateTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		allowed bool
	}{
		{"connecting to connected", StateConnecting, StateConnected, true},
		{"connected to reconnecting", StateConnected, StateReconnecting, true},
		{"reconnecting to connected", StateReconnecting, StateConnected, true},
		{"reconnecting to resetting", StateReconnecting, StateResetting, true},
		{"connected to resetting", StateConnected, StateResetting, true},
		{"resetting to connected", StateResetting, StateConnected, true},
		{"connected to deleting", StateConnected, StateDeleting, true},
		{"reconnecting to deleting", StateReconnecting, StateDeleting, true},
		{"resetting to deleting", StateResetting, StateDeleting, true},
		{"connecting to deleting is rejected", StateConnecting, StateDeleting, false},
		{"deleting to connected is terminal", StateDeleting, StateConnected, false},
		{"deleting to reconnecting is terminal", StateDeleting, StateReconnecting, false},
		{"connecting to resetting is rejected", StateConnecting, StateResetting, false},
		{"connecting to reconnecting is rejected", StateConnecting, StateReconnecting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t)
			c.state = tt.from
			changed := c.changeState(tt.to)
			assert.Equal(t, tt.allowed, changed)
			if tt.allowed {
				assert.Equal(t, tt.to, c.State())
			} else {
				assert.Equal(t, tt.from, c.State())
			}
		})
	}
}

func TestClampSqsize(t *testing.T) {
	assert.Equal(t, 17, clampSqsize(16, 128), "sqsize must clamp to MQES+1 when smaller than the requested size")
	assert.Equal(t, 64, clampSqsize(256, 64), "sqsize passes through unchanged when MQES+1 is not the binding constraint")
}

func TestConnectBringsUpAdminAndIOQueues(t *testing.T) {
	c := newTestController(t)
	err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConnected, c.State())
	assert.NotNil(t, c.adminQueue)
	assert.Len(t, c.ioQueues, config.DefaultNrIOQueues)
}

func TestConnectRetriesTransientAddressResolutionFailure(t *testing.T) {
	// simverbs' failure knobs are single-shot, so this exercises the
	// bounded initial-connect retry succeeding on its second attempt
	// rather than a sustained failure.
	fabric := simverbs.NewFabric()
	fabric.FailAddrResolve = true
	cm := simverbs.NewConnectionManager(fabric)
	opts := config.DefaultControllerOptions()
	opts.Address, opts.Port, opts.Subsystem = "198.51.100.1", 4420, "nqn.test:target"

	c, err := NewController("test-ctrl-2", cm, opts, config.DefaultModuleOptions(), newDeviceRegistry(), nil)
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConnected, c.State())
}
