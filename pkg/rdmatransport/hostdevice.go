package rdmatransport

import (
	"fmt"
	"net"

	"github.com/Mellanox/rdmamap"
	"github.com/vishvananda/netlink"
	"k8s.io/klog/v2"
)

// HostDevice names the local RDMA device a controller's queues will ride:
// the netdevice the kernel would route traffic to the subsystem's address
// through, and the ibdev bound to that netdevice. A production binding
// needs this to pick which ibv_context to open before creating a cm_id;
// this core only carries it for logs and metrics labels, since simverbs
// does not model physical devices.
type HostDevice struct {
	Interface   string
	RDMADevice  string
	CharDevices []string
}

// resolveHostDevice finds the RDMA device bound to the outbound interface
// toward addr, the same route-then-link-then-ibdev lookup a CNI/device
// plugin runs before handing an RDMA char device to a container.
func resolveHostDevice(addr string) (HostDevice, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return HostDevice{}, fmt.Errorf("hostdevice: %q is not an IP address", addr)
	}

	routes, err := netlink.RouteGet(ip)
	if err != nil {
		return HostDevice{}, fmt.Errorf("hostdevice: route lookup for %s: %w", addr, err)
	}
	if len(routes) == 0 {
		return HostDevice{}, fmt.Errorf("hostdevice: no route to %s", addr)
	}

	link, err := netlink.LinkByIndex(routes[0].LinkIndex)
	if err != nil {
		return HostDevice{}, fmt.Errorf("hostdevice: resolve link for route to %s: %w", addr, err)
	}
	ifName := link.Attrs().Name

	rdmaDev, err := rdmamap.GetRdmaDeviceForNetdevice(ifName)
	if err != nil {
		return HostDevice{}, fmt.Errorf("hostdevice: interface %s: %w", ifName, err)
	}
	if rdmaDev == "" {
		return HostDevice{}, fmt.Errorf("hostdevice: interface %s has no bound RDMA device", ifName)
	}

	return HostDevice{
		Interface:   ifName,
		RDMADevice:  rdmaDev,
		CharDevices: rdmamap.GetRdmaCharDevices(rdmaDev),
	}, nil
}

// logHostDevice is the best-effort call site connectLocked uses: failure to
// resolve a host device never blocks connecting (simverbs-backed tests and
// any host without the target address's route both hit this path), it only
// means the log line and hostDevice field stay empty.
func (c *Controller) logHostDevice(addr string) {
	hd, err := resolveHostDevice(addr)
	if err != nil {
		klog.V(4).Infof("controller(%s): host device resolution skipped: %v", c.name, err)
		return
	}
	c.mu.Lock()
	c.hostDevice = hd
	c.mu.Unlock()
	klog.V(2).Infof("controller(%s): routes via %s, RDMA device %s (%d char devices)",
		c.name, hd.Interface, hd.RDMADevice, len(hd.CharDevices))
}
