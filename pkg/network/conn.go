package network

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/busybox42/chatmesh/pkg/protocol"
)

var errConnClosed = errors.New("connection closed")

// conn is one established, identified peer link. Writes are serialized by
// wmu; a conn is not usable for application sends until ready is closed,
// which keeps the handshake reply first on the wire.
type conn struct {
	peerID   string
	addr     string
	nc       net.Conn
	outbound bool
	idle     time.Duration

	wmu    sync.Mutex
	ready  chan struct{}
	closed chan struct{}
	once   sync.Once
	rdOnce sync.Once
}

func newConn(peerID string, nc net.Conn, outbound bool, idle time.Duration) *conn {
	return &conn{
		peerID:   peerID,
		addr:     nc.RemoteAddr().String(),
		nc:       nc,
		outbound: outbound,
		idle:     idle,
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (c *conn) markReady() {
	c.rdOnce.Do(func() { close(c.ready) })
}

func (c *conn) send(data []byte) error {
	select {
	case <-c.ready:
	case <-c.closed:
		return errConnClosed
	}
	return c.write(data)
}

func (c *conn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return protocol.WriteFrame(c.nc, data)
}

func (c *conn) close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// keepAlive writes an empty frame every interval until the conn closes.
func (c *conn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.write(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop delivers messages in wire order until the peer closes, the
// connection idles out, or a frame fails to decode.
func (c *conn) readLoop(deliver func(*protocol.ChatMessage)) error {
	r := &idleReader{nc: c.nc, idle: c.idle}
	for {
		msg, err := protocol.ReadMessage(r)
		if err != nil {
			return err
		}
		deliver(msg)
	}
}

// idleReader pushes the read deadline forward on every read, so keep-alive
// frames count as activity.
type idleReader struct {
	nc   net.Conn
	idle time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.idle > 0 {
		if err := r.nc.SetReadDeadline(time.Now().Add(r.idle)); err != nil {
			return 0, err
		}
	}
	return r.nc.Read(p)
}
