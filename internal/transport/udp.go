package transport

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"starmesh/internal/proto"
)

// Datagram is one received packet with its source address.
type Datagram struct {
	Data []byte
	Addr string
}

// UDP is the only component that touches raw sockets: an unreliable datagram
// send/receive/broadcast primitive bound to a local address. Bind failure is
// fatal at startup; individual send failures at runtime are logged and
// dropped, since UDP offers no backpressure anyway.
type UDP struct {
	conn *net.UDPConn
	recv chan Datagram
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
}

const recvQueueSize = 10000

// Listen binds host:port. The Go runtime enables SO_BROADCAST on UDP sockets,
// so the same socket serves unicast and subnet broadcast.
func Listen(host string, port int, log *zap.Logger) (*UDP, error) {
	ip := net.ParseIP(host)
	if host != "" && ip == nil {
		return nil, fmt.Errorf("bad listen host %q", host)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind %s:%d: %w", host, port, err)
	}
	t := &UDP{
		conn: conn,
		recv: make(chan Datagram, recvQueueSize),
		log:  log,
	}
	go t.readLoop()
	return t, nil
}

func (t *UDP) readLoop() {
	buf := make([]byte, proto.MaxDatagramSize+1)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				close(t.recv)
				return
			}
			t.log.Debug("udp read failed", zap.Error(err))
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.recv <- Datagram{Data: data, Addr: addr.String()}:
		default:
			// Receiver saturated; dropping keeps the socket drained.
		}
	}
}

// Recv returns the inbound datagram channel. It is closed after Close.
func (t *UDP) Recv() <-chan Datagram {
	return t.recv
}

func (t *UDP) Send(data []byte, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	if _, err := t.conn.WriteToUDP(data, udpAddr); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// Broadcast sends to the limited broadcast address on the given port.
func (t *UDP) Broadcast(data []byte, port int) error {
	return t.Send(data, BroadcastAddr(port))
}

func BroadcastAddr(port int) string {
	return fmt.Sprintf("255.255.255.255:%d", port)
}

func (t *UDP) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// Port returns the bound local port, useful when listening on port 0.
func (t *UDP) Port() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

func (t *UDP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
