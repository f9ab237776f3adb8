// Package transport provides the BACnet/IP transport layer over UDP.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

// HeaderLength is the number of bytes senders must reserve ahead of the
// NPDU so the BVLC prefix can be written in place.
const HeaderLength = 4

// UDPTransport implements BACnet/IP transport over UDP. Socket writes are
// serialised; reads run on the owner's receive loop.
type UDPTransport struct {
	localAddr    string
	conn         *net.UDPConn
	mu           sync.RWMutex
	sendMu       sync.Mutex
	readTimeout  time.Duration
	writeTimeout time.Duration
	broadcast    *net.UDPAddr
	closed       bool
}

// NewUDPTransport creates a new UDP transport bound to localAddr
// (":47808" style; empty binds an ephemeral port on all interfaces).
func NewUDPTransport(localAddr string) *UDPTransport {
	return &UDPTransport{
		localAddr:    localAddr,
		readTimeout:  3 * time.Second,
		writeTimeout: 3 * time.Second,
	}
}

// SetReadTimeout sets the default read timeout.
func (t *UDPTransport) SetReadTimeout(d time.Duration) {
	t.mu.Lock()
	t.readTimeout = d
	t.mu.Unlock()
}

// SetWriteTimeout sets the default write timeout.
func (t *UDPTransport) SetWriteTimeout(d time.Duration) {
	t.mu.Lock()
	t.writeTimeout = d
	t.mu.Unlock()
}

// Open binds the UDP socket with SO_BROADCAST and resolves the broadcast
// address.
func (t *UDPTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	localAddr := t.localAddr
	if localAddr == "" {
		localAddr = ":0"
	}

	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", localAddr)
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("listen UDP: unexpected conn type %T", pc)
	}

	t.conn = conn
	t.closed = false
	t.broadcast = resolveBroadcast(conn.LocalAddr().(*net.UDPAddr))
	return nil
}

// enableBroadcast sets SO_BROADCAST before bind so Who-Is frames can go to
// the directed broadcast address.
func enableBroadcast(network, address string, c syscall.RawConn) error {
	var soErr error
	if err := c.Control(func(fd uintptr) {
		soErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return soErr
}

// resolveBroadcast derives the directed broadcast address of the interface
// holding the bound IP; the limited broadcast is the fallback. Broadcasts
// always target the well-known BACnet port.
func resolveBroadcast(local *net.UDPAddr) *net.UDPAddr {
	const port = 47808
	fallback := &net.UDPAddr{IP: net.IPv4bcast, Port: port}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fallback
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			if !local.IP.IsUnspecified() && !ip4.Equal(local.IP.To4()) {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == 16 {
				mask = mask[12:]
			}
			bcast := make(net.IP, 4)
			for i := 0; i < 4; i++ {
				bcast[i] = ip4[i] | ^mask[i]
			}
			return &net.UDPAddr{IP: bcast, Port: port}
		}
	}
	return fallback
}

// Close closes the UDP socket.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// BroadcastAddr returns the resolved broadcast endpoint.
func (t *UDPTransport) BroadcastAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.broadcast == nil {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: 47808}
	}
	return t.broadcast
}

// Send transmits one datagram to addr. Concurrent callers are serialised.
func (t *UDPTransport) Send(ctx context.Context, addr *net.UDPAddr, data []byte) error {
	t.mu.RLock()
	conn := t.conn
	writeTimeout := t.writeTimeout
	t.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("transport not open")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	n, err := conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("write UDP: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("partial write: %d of %d bytes", n, len(data))
	}
	return nil
}

// Broadcast transmits one datagram to the broadcast address.
func (t *UDPTransport) Broadcast(ctx context.Context, data []byte) error {
	return t.Send(ctx, t.BroadcastAddr(), data)
}

// Receive reads one datagram.
func (t *UDPTransport) Receive(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	t.mu.RLock()
	conn := t.conn
	readTimeout := t.readTimeout
	t.mu.RUnlock()

	if conn == nil {
		return nil, nil, fmt.Errorf("transport not open")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(readTimeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, 1500) // MTU size
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

// ReceiveWithTimeout reads one datagram with a specific timeout.
func (t *UDPTransport) ReceiveWithTimeout(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.Receive(ctx)
}

// IsClosed returns true if the transport is closed.
func (t *UDPTransport) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

