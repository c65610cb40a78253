package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// MaxDatagram is the largest datagram any backend delivers, one MTU.
const MaxDatagram = 1500

// aLongTimeAgo is a deadline in the past, used to make socket reads
// return immediately instead of blocking.
var aLongTimeAgo = time.Unix(1, 0)

// NativeConfig carries the addressing for a NativeNetwork.
type NativeConfig struct {
	// ControlAddr is the multicast group:port the control plane uses,
	// e.g. "239.0.0.0:19874".
	ControlAddr string
	// JackPort is the UDP port audio packets travel on.
	JackPort int
	// PreferredSubnet selects which local interface to bind, e.g.
	// "10.0.0.0/8". The first interface with an address inside it wins.
	PreferredSubnet string
	Logger          hclog.Logger
}

// NativeNetwork is a Network backed by UDP multicast on a real
// interface. The control plane shares one socket; each input jack gets
// its own socket so group membership can change per jack.
type NativeNetwork struct {
	log hclog.Logger

	ctrl     net.PacketConn
	ctrlGrp  *ipv4.PacketConn
	ctrlDst  *net.UDPAddr
	jackPort int

	iface     *net.Interface
	localAddr net.IP

	inputs   []*inputSocket
	outAddrs [][4]byte

	closed bool
}

type inputSocket struct {
	conn  net.PacketConn
	grp   *ipv4.PacketConn
	group *net.IP
}

var _ Network = (*NativeNetwork)(nil)

// NewNativeNetwork opens the control socket and one socket per input
// jack, and assigns each output jack a random group in 239.0.0.0/8.
func NewNativeNetwork(inputs, outputs int, cfg NativeConfig) (*NativeNetwork, error) {
	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}

	ctrlDst, err := net.ResolveUDPAddr("udp4", cfg.ControlAddr)
	if err != nil {
		return nil, fmt.Errorf("control address %q: %w", cfg.ControlAddr, err)
	}

	iface, localAddr, err := findInterface(cfg.PreferredSubnet, log)
	if err != nil {
		return nil, err
	}
	log.Info("using local address", "addr", localAddr, "interface", ifaceName(iface))

	n := &NativeNetwork{
		log:       log,
		ctrlDst:   ctrlDst,
		jackPort:  cfg.JackPort,
		iface:     iface,
		localAddr: localAddr,
		outAddrs:  make([][4]byte, outputs),
	}

	n.ctrl, n.ctrlGrp, err = openSocket(ctrlDst.Port)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}
	if iface != nil {
		if err := n.ctrlGrp.SetMulticastInterface(iface); err != nil {
			n.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}
	// Local processes share the medium, so our own directives loop back
	// and get filtered above the transport.
	if err := n.ctrlGrp.SetMulticastLoopback(true); err != nil {
		n.Close()
		return nil, fmt.Errorf("set multicast loopback: %w", err)
	}
	if err := n.ctrlGrp.JoinGroup(iface, &net.UDPAddr{IP: ctrlDst.IP}); err != nil {
		n.Close()
		return nil, fmt.Errorf("join control group: %w", err)
	}

	for i := 0; i < inputs; i++ {
		conn, grp, err := openSocket(cfg.JackPort)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("input jack %d socket: %w", i, err)
		}
		n.inputs = append(n.inputs, &inputSocket{conn: conn, grp: grp})
	}

	for i := range n.outAddrs {
		addr := [4]byte{239, byte(rand.Intn(255)), byte(rand.Intn(255)), byte(rand.Intn(255))}
		n.outAddrs[i] = addr
		// Membership keeps snooping switches forwarding the group.
		if err := n.ctrlGrp.JoinGroup(iface, &net.UDPAddr{IP: net.IP(addr[:])}); err != nil {
			n.Close()
			return nil, fmt.Errorf("join output group: %w", err)
		}
		log.Info("jack endpoint", "jack", i, "group", net.IP(addr[:]).String(), "port", cfg.JackPort)
	}

	return n, nil
}

// openSocket binds a reusable nonblocking UDP socket on every local
// address at the given port.
func openSocket(port int) (net.PacketConn, *ipv4.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, err
	}
	return conn, ipv4.NewPacketConn(conn), nil
}

// reuseAddr allows several nodes on one host to share the control and
// jack ports. The protocol is multicast-only, so stolen unicast traffic
// is not a concern.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}

// findInterface returns the first interface holding an address inside
// the preferred subnet. Without a match the system default is used.
func findInterface(subnet string, log hclog.Logger) (*net.Interface, net.IP, error) {
	_, preferred, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, nil, fmt.Errorf("preferred subnet %q: %w", subnet, err)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, fmt.Errorf("list interfaces: %w", ErrNetwork)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil {
				continue
			}
			log.Info("found address", "interface", ifaces[i].Name, "addr", ip)
			if preferred.Contains(ip) {
				return &ifaces[i], ip, nil
			}
		}
	}
	log.Warn("no interface in preferred subnet, using default", "subnet", subnet)
	return nil, net.IPv4zero, nil
}

func ifaceName(ifi *net.Interface) string {
	if ifi == nil {
		return "default"
	}
	return ifi.Name
}

func (n *NativeNetwork) Poll(now int64) error {
	if n.closed {
		return ErrNetwork
	}
	return nil
}

func (n *NativeNetwork) CanSend() bool {
	return !n.closed
}

func (n *NativeNetwork) RecvDirective(buf []byte) (int, error) {
	if n.closed {
		return 0, ErrNetwork
	}
	return recvNonblock(n.ctrl, buf)
}

func (n *NativeNetwork) SendDirective(data []byte) error {
	if n.closed {
		return ErrNetwork
	}
	return sendNonblock(n.ctrl, data, n.ctrlDst)
}

func (n *NativeNetwork) JackConnect(jack int, group [4]byte, now int64) error {
	if jack < 0 || jack >= len(n.inputs) {
		return fmt.Errorf("input jack %d: %w", jack, ErrInvalidJack)
	}
	if err := n.JackDisconnect(jack, now); err != nil {
		return err
	}
	in := n.inputs[jack]
	ip := net.IP(group[:])
	if err := in.grp.JoinGroup(n.iface, &net.UDPAddr{IP: ip}); err != nil {
		return fmt.Errorf("join %s: %w", ip, ErrNetwork)
	}
	in.group = &ip
	return nil
}

func (n *NativeNetwork) JackDisconnect(jack int, now int64) error {
	if jack < 0 || jack >= len(n.inputs) {
		return fmt.Errorf("input jack %d: %w", jack, ErrInvalidJack)
	}
	in := n.inputs[jack]
	if in.group != nil {
		if err := in.grp.LeaveGroup(n.iface, &net.UDPAddr{IP: *in.group}); err != nil {
			return fmt.Errorf("leave %s: %w", *in.group, ErrNetwork)
		}
		in.group = nil
	}
	return nil
}

func (n *NativeNetwork) JackRecv(jack int, buf []byte) (int, error) {
	if n.closed {
		return 0, ErrNetwork
	}
	if jack < 0 || jack >= len(n.inputs) {
		return 0, fmt.Errorf("input jack %d: %w", jack, ErrInvalidJack)
	}
	if n.inputs[jack].group == nil {
		return 0, ErrNoData
	}
	return recvNonblock(n.inputs[jack].conn, buf)
}

func (n *NativeNetwork) JackSend(jack int, data []byte) error {
	if n.closed {
		return ErrNetwork
	}
	addr, err := n.JackAddr(jack)
	if err != nil {
		return err
	}
	dst := &net.UDPAddr{IP: net.IP(addr[:]), Port: n.jackPort}
	return sendNonblock(n.ctrl, data, dst)
}

func (n *NativeNetwork) JackAddr(jack int) ([4]byte, error) {
	if jack < 0 || jack >= len(n.outAddrs) {
		return [4]byte{}, fmt.Errorf("output jack %d: %w", jack, ErrInvalidJack)
	}
	return n.outAddrs[jack], nil
}

func (n *NativeNetwork) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	var first error
	if n.ctrl != nil {
		if err := n.ctrl.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, in := range n.inputs {
		if err := in.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// recvNonblock reads one pending datagram, if any. An immediate
// deadline turns the blocking read into a poll.
func recvNonblock(conn net.PacketConn, buf []byte) (int, error) {
	if err := conn.SetReadDeadline(aLongTimeAgo); err != nil {
		return 0, fmt.Errorf("set deadline: %w", ErrNetwork)
	}
	size, _, err := conn.ReadFrom(buf)
	if err != nil {
		if isWouldBlock(err) {
			return 0, ErrNoData
		}
		return 0, fmt.Errorf("recv: %w", ErrNetwork)
	}
	return size, nil
}

// sendNonblock transmits one datagram. A send the kernel cannot take
// right now is dropped, never waited on.
func sendNonblock(conn net.PacketConn, data []byte, dst net.Addr) error {
	if err := conn.SetWriteDeadline(aLongTimeAgo); err != nil {
		return fmt.Errorf("set deadline: %w", ErrNetwork)
	}
	if _, err := conn.WriteTo(data, dst); err != nil {
		if isWouldBlock(err) {
			return nil
		}
		return fmt.Errorf("send: %w", ErrNetwork)
	}
	return nil
}

func isWouldBlock(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}
