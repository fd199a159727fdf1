package mdns

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/netip"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

type Interface struct {
	net.Interface
	v4, v6 []netip.Addr // If no addr, the iface is ignored while communicating
}

// Heuristically compare whether an interface has changed, which can trigger other reactions.
func ifacesEqual(a, b *Interface) bool {
	if a.Index != b.Index || a.Flags != b.Flags || a.Name != b.Name || a.MTU != b.MTU {
		return false
	}
	return slices.Equal(a.v4, b.v4) && slices.Equal(a.v6, b.v6)
}

func (i *Interface) String() string {
	return fmt.Sprintf("%v %v %v", i.Name, i.v4, i.v6)
}

// The UDP multicast transport, with an IPv4 and an IPv6 socket joined on every usable interface.
type dualConn struct {
	c4 *conn4
	c6 *conn6

	mu     sync.RWMutex
	ifaces map[int]*Interface // key: iface.Index

	// Used initially and on reload to filter interfaces to use, default = net.Interfaces
	ifacesFn func() ([]net.Interface, error)

	// Interfaces that unicast sources were last heard on, so replies leave the same way.
	routes ifaceRoutes

	packets chan Packet
	readers errgroup.Group
	log     *slog.Logger
}

// Remembered sources before the table starts over.
const maxRoutes = 1024

type ifaceRoutes struct {
	mu sync.Mutex
	m  map[netip.Addr]int // value: iface index
}

func (r *ifaceRoutes) learn(addr netip.Addr, ifIndex int) {
	if ifIndex == 0 || !addr.IsValid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil || len(r.m) >= maxRoutes {
		r.m = make(map[netip.Addr]int)
	}
	r.m[addr] = ifIndex
}

// Returns the iface index for an address, or 0 if unknown, which lets the OS choose.
func (r *ifaceRoutes) lookup(addr netip.Addr) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[addr]
}

var _ Transport = &dualConn{}

// Opens the sockets on "udp" (both), "udp4" or "udp6" and starts reading.
func newDualConn(ifacesFn func() ([]net.Interface, error), network string, log *slog.Logger) (*dualConn, error) {
	c := &dualConn{
		ifaces:   make(map[int]*Interface),
		ifacesFn: ifacesFn,
		packets:  make(chan Packet, 32),
		log:      log,
	}

	var err4, err6 error
	switch network {
	case "udp":
		c.c4, err4 = newConn4()
		c.c6, err6 = newConn6()
	case "udp4":
		c.c4, err4 = newConn4()
	case "udp6":
		c.c6, err6 = newConn6()
	default:
		return nil, fmt.Errorf("invalid network [%s]", network)
	}
	_, err := c.Reload()
	if err := errors.Join(err4, err6, err); err != nil {
		c.closeConns()
		return nil, err
	}
	for _, conn := range c.conns() {
		conn := conn
		c.readers.Go(func() error {
			return c.recvLoop(conn)
		})
	}
	go func() {
		err := c.readers.Wait()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			c.log.Debug("reader stopped", "err", err)
		}
		close(c.packets)
	}()
	return c, nil
}

// Load (or reload) ifaces and return whether anything (addresses in particular) have changed.
func (c *dualConn) Reload() (changed bool, err error) {
	ifaces := make(map[int]*Interface) // new ifaces
	netIfaces, err := c.ifacesFn()
	if err != nil {
		return false, err
	}
	for _, netIface := range netIfaces {
		if !isMulticastInterface(netIface) {
			continue
		}
		v4, v6, err := netIfaceAddrs(netIface)
		if err != nil {
			return false, err
		}
		iface := &Interface{Interface: netIface}
		// Join will fail if called multiple times, just attempt for now
		if c.c4 != nil && len(v4) > 0 {
			_ = c.c4.JoinMulticast(netIface)
			iface.v4 = v4
		}
		if c.c6 != nil && len(v6) > 0 {
			_ = c.c6.JoinMulticast(netIface)
			iface.v6 = v6
		}
		if len(iface.v4) > 0 || len(iface.v6) > 0 {
			ifaces[iface.Index] = iface
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	changed = !maps.EqualFunc(c.ifaces, ifaces, ifacesEqual)
	c.ifaces = ifaces
	return changed, nil
}

// Returns the addresses of all interfaces in use.
func (c *dualConn) Addrs() (addrs []netip.Addr) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, iface := range c.ifaces {
		addrs = append(addrs, iface.v4...)
		addrs = append(addrs, iface.v6...)
	}
	slices.SortFunc(addrs, netip.Addr.Compare)
	return slices.Compact(addrs)
}

func (c *dualConn) conns() (conns []conn) {
	if c.c4 != nil {
		conns = append(conns, c.c4)
	}
	if c.c6 != nil {
		conns = append(conns, c.c6)
	}
	return
}

// Reads datagrams from a connection and forwards copies to the packet channel.
func (c *dualConn) recvLoop(conn conn) error {
	buf := make([]byte, 65536)
	for {
		n, src, ifIndex, err := conn.ReadMulticast(buf)
		if err != nil {
			return err
		}
		c.routes.learn(src.Addr(), ifIndex)
		c.packets <- Packet{
			Data:    slices.Clone(buf[:n]),
			Src:     src,
			IfIndex: ifIndex,
		}
	}
}

func (c *dualConn) Receive() (Packet, error) {
	pkt, ok := <-c.packets
	if !ok {
		return Packet{}, net.ErrClosed
	}
	return pkt, nil
}

func (c *dualConn) Send(b []byte, dst netip.AddrPort) error {
	if dst.IsValid() {
		return c.sendUnicast(b, dst)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for _, iface := range c.ifaces {
		if err := c.sendMulticast(b, iface); err != nil {
			errs = append(errs, fmt.Errorf("%v %w", iface.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Replies on the interface the destination was heard on.
func (c *dualConn) sendUnicast(b []byte, dst netip.AddrPort) (err error) {
	ifIndex := c.routes.lookup(dst.Addr())
	if c.c4 != nil && dst.Addr().Is4() {
		_, err = c.c4.WriteUnicast(b, ifIndex, dst)
	} else if c.c6 != nil && dst.Addr().Is6() {
		_, err = c.c6.WriteUnicast(b, ifIndex, dst)
	} else {
		err = fmt.Errorf("no suitable conn for unicast msg: dst=%v", dst)
	}
	return
}

func (c *dualConn) sendMulticast(b []byte, iface *Interface) error {
	var err4, err6 error
	if len(iface.v4) > 0 {
		_, err4 = c.c4.WriteMulticast(b, iface.Interface)
	}
	if len(iface.v6) > 0 {
		_, err6 = c.c6.WriteMulticast(b, iface.Interface)
	}
	return errors.Join(err4, err6)
}

func (c *dualConn) closeConns() error {
	var errs []error
	for _, conn := range c.conns() {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}

// Closes the sockets and waits for the readers to stop.
func (c *dualConn) Close() error {
	err := c.closeConns()
	for range c.packets {
		// Drain, so that readers blocked on the channel can exit
	}
	return err
}

// Returns mDNS-suitable unicast addresses for a net.Interface
func netIfaceAddrs(iface net.Interface) (v4, v6 []netip.Addr, err error) {
	var v6local []netip.Addr
	ifaceAddrs, err := iface.Addrs()
	if err != nil {
		return nil, nil, err
	}
	for _, address := range ifaceAddrs {
		ipnet, ok := address.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is4() {
			v4 = append(v4, ip)
		} else if ip.Is6() {
			if ip.IsGlobalUnicast() {
				v6 = append(v6, ip)
			} else if ip.IsLinkLocalUnicast() {
				v6local = append(v6local, ip)
			}
		}
	}
	// 1 ip of each type is enough
	v4, v6 = max1(v4), append(max1(v6), max1(v6local)...)
	return
}

func max1[T any](slice []T) []T {
	if len(slice) > 1 {
		return slice[:1]
	}
	return slice
}
