package rdmatransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/config"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/metrics"
	"github.com/srvlab/nvme-rdma-host/pkg/rdmatransport/verbs"
)

// Registration is the process-wide transport registration this module
// owns: a single shared device registry all controllers bind their
// queues' HCAs through, the module-wide options set once at startup, and
// the live controller list, mirroring the reference driver's
// nvmf_register_transport plus its global device_list/ctrl_list pair.
type Registration struct {
	moduleOpts config.ModuleOptions
	cm         verbs.ConnectionManager
	metrics    *metrics.Metrics
	devices    *deviceRegistry

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewRegistration creates a transport registration bound to cm (the
// connection manager every controller created through it will use) and
// moduleOpts (the register_always default applied to every controller
// that doesn't override it).
func NewRegistration(cm verbs.ConnectionManager, moduleOpts config.ModuleOptions, m *metrics.Metrics) *Registration {
	return &Registration{
		moduleOpts:  moduleOpts,
		cm:          cm,
		metrics:     m,
		devices:     newDeviceRegistry(),
		controllers: make(map[string]*Controller),
	}
}

// CreateController allocates and connects a new controller under this
// registration, rejecting a duplicate name the same way the reference
// driver's nvme_rdma_create_ctrl refuses to create two controllers with
// matching connect parameters.
func (r *Registration) CreateController(ctx context.Context, name string, opts config.ControllerOptions) (*Controller, error) {
	r.mu.Lock()
	if _, exists := r.controllers[name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("rdmatransport: controller %q already registered", name)
	}
	r.mu.Unlock()

	ctrl, err := NewController(name, r.cm, opts, r.moduleOpts, r.devices, r.metrics)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.controllers[name] = ctrl
	r.mu.Unlock()

	if err := ctrl.Connect(ctx); err != nil {
		r.mu.Lock()
		delete(r.controllers, name)
		r.mu.Unlock()
		return nil, err
	}
	return ctrl, nil
}

// Lookup returns the named controller, if one is registered.
func (r *Registration) Lookup(name string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[name]
	return c, ok
}

// List returns every currently registered controller's name.
func (r *Registration) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.controllers))
	for name := range r.controllers {
		names = append(names, name)
	}
	return names
}

// RemoveController deletes a controller by name, waiting for its delete
// worker to finish before returning, the equivalent of unregistering a
// controller from nvmf_ctrl_list before its final put.
func (r *Registration) RemoveController(ctx context.Context, name string) error {
	r.mu.Lock()
	ctrl, ok := r.controllers[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("rdmatransport: controller %q not found", name)
	}

	err := ctrl.Delete(ctx)

	r.mu.Lock()
	delete(r.controllers, name)
	r.mu.Unlock()

	ctrl.workers.Stop()
	return err
}

// Shutdown deletes every registered controller, used when the daemon
// itself is stopping.
func (r *Registration) Shutdown(ctx context.Context) {
	for _, name := range r.List() {
		if err := r.RemoveController(ctx, name); err != nil {
			// Best-effort: a controller that's already gone or stuck
			// mid-teardown shouldn't block tearing down the rest.
			continue
		}
	}
}
