package rdmatransport

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/verbs"
)

// deviceEntry is one Device Registry record: a shared protection domain
// and, unless RegisterAlways forces fast-registration everywhere, a single
// whole-address-space memory region used by the single-remote-key mapping
// case. Entries are refcounted across controllers bound to the same HCA,
// released back to the verbs layer only when the last controller detaches.
type deviceEntry struct {
	device   verbs.Device
	pd       verbs.ProtectionDomain
	dmaMR    verbs.MemoryRegion // nil when registerAlways
	refCount int
}

// deviceRegistry is the process-wide map of deviceEntry by HCA node GUID,
// mirroring the reference driver's global device_list plus
// device_list_mutex. Unlike a plain reference count, acquiring an existing
// entry is a "weak upgrade": a concurrent release racing a lookup must not
// hand out an entry whose count has already reached zero.
type deviceRegistry struct {
	mu      sync.Mutex
	entries map[uint64]*deviceEntry
}

func newDeviceRegistry() *deviceRegistry {
	return &deviceRegistry{entries: make(map[uint64]*deviceEntry)}
}

// findOrCreate looks up the entry for dev's node GUID, incrementing its
// refcount if found and still live (kref_get_unless_zero), or allocates a
// new entry — including its protection domain and, unless registerAlways,
// its bulk DMA memory region — when none exists yet. A device lacking the
// MEM_MGT_EXTENSIONS capability (no fast registration support) is rejected
// outright: this core cannot operate without it for the fast-reg mapping
// case.
func (r *deviceRegistry) findOrCreate(ctx context.Context, dev verbs.Device, registerAlways bool) (*deviceEntry, error) {
	guid := dev.Attrs().NodeGUID

	r.mu.Lock()
	if e, ok := r.entries[guid]; ok && e.refCount > 0 {
		e.refCount++
		r.mu.Unlock()
		klog.V(4).Infof("device registry: device %x refcount -> %d (existing)", guid, e.refCount)
		return e, nil
	}
	r.mu.Unlock()

	if !dev.Attrs().HasMemMgtExtensions {
		return nil, fmt.Errorf("device registry: device %x lacks memory management extensions, fast registration unavailable", guid)
	}

	pd, err := dev.AllocPD(ctx)
	if err != nil {
		return nil, fmt.Errorf("device registry: alloc protection domain for device %x: %w", guid, err)
	}

	e := &deviceEntry{device: dev, pd: pd, refCount: 1}
	if !registerAlways {
		mr, err := pd.GetDMAMR(ctx)
		if err != nil {
			_ = pd.Dealloc(ctx)
			return nil, fmt.Errorf("device registry: get bulk DMA MR for device %x: %w", guid, err)
		}
		e.dmaMR = mr
	}

	r.mu.Lock()
	r.entries[guid] = e
	r.mu.Unlock()

	klog.V(2).Infof("device registry: device %x registered (register_always=%v)", guid, registerAlways)
	return e, nil
}

// put decrements the entry's refcount, tearing its protection domain and
// bulk MR down once the count reaches zero. Because findOrCreate only
// reuses an entry whose refCount was still positive at the moment of the
// check, a device torn down here is never handed back out to a racing
// lookup.
func (r *deviceRegistry) put(ctx context.Context, guid uint64) error {
	r.mu.Lock()
	e, ok := r.entries[guid]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device registry: put of unknown device %x", guid)
	}
	e.refCount--
	count := e.refCount
	if count <= 0 {
		delete(r.entries, guid)
	}
	r.mu.Unlock()

	klog.V(4).Infof("device registry: device %x refcount -> %d", guid, count)
	if count > 0 {
		return nil
	}

	if e.dmaMR != nil {
		if err := e.dmaMR.Deregister(ctx); err != nil {
			klog.Warningf("device registry: deregister bulk MR for device %x: %v", guid, err)
		}
	}
	if err := e.pd.Dealloc(ctx); err != nil {
		return fmt.Errorf("device registry: dealloc protection domain for device %x: %w", guid, err)
	}
	klog.V(2).Infof("device registry: device %x torn down", guid)
	return nil
}

// refcount returns the entry's current refcount, 0 if not present, for
// tests and the device_refcount gauge.
func (r *deviceRegistry) refcount(guid uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[guid]; ok {
		return e.refCount
	}
	return 0
}
