package rdmatransport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/verbs"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/verbs/simverbs"
)

func TestDeviceRegistryRefcountsAcrossControllers(t *testing.T) {
	fabric := simverbs.NewFabric()
	dev := fabric.Device("default")
	ctx := context.Background()

	reg := newDeviceRegistry()

	e1, err := reg.findOrCreate(ctx, dev, false)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.refcount(dev.Attrs().NodeGUID))

	e2, err := reg.findOrCreate(ctx, dev, false)
	require.NoError(t, err)
	assert.Same(t, e1, e2, "a second lookup for the same device must reuse the same entry")
	assert.Equal(t, 2, reg.refcount(dev.Attrs().NodeGUID))

	require.NoError(t, reg.put(ctx, dev.Attrs().NodeGUID))
	assert.Equal(t, 1, reg.refcount(dev.Attrs().NodeGUID))

	require.NoError(t, reg.put(ctx, dev.Attrs().NodeGUID))
	assert.Equal(t, 0, reg.refcount(dev.Attrs().NodeGUID), "entry must be gone once the last reference is released")
}

func TestDeviceRegistryWeakUpgradeAfterTeardown(t *testing.T) {
	fabric := simverbs.NewFabric()
	dev := fabric.Device("default")
	ctx := context.Background()
	reg := newDeviceRegistry()

	e1, err := reg.findOrCreate(ctx, dev, false)
	require.NoError(t, err)
	require.NoError(t, reg.put(ctx, dev.Attrs().NodeGUID))

	e2, err := reg.findOrCreate(ctx, dev, false)
	require.NoError(t, err)
	assert.NotSame(t, e1, e2, "a lookup after full teardown must allocate a fresh entry, not resurrect the torn-down one")
}

func TestDeviceRegistryRejectsDeviceWithoutMemMgtExtensions(t *testing.T) {
	reg := newDeviceRegistry()
	ctx := context.Background()

	_, err := reg.findOrCreate(ctx, &noMemMgtDevice{}, false)
	assert.Error(t, err)
}

// noMemMgtDevice is a minimal verbs.Device with HasMemMgtExtensions unset,
// used only to exercise the registry's capability rejection path.
type noMemMgtDevice struct{}

func (d *noMemMgtDevice) Attrs() verbs.DeviceAttrs {
	return verbs.DeviceAttrs{NodeGUID: 0xdead}
}

func (d *noMemMgtDevice) AllocPD(ctx context.Context) (verbs.ProtectionDomain, error) {
	return nil, nil
}
