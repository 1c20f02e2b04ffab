package realtime

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"quire/api/internal/rbac"
)

// ConnInfo identifies one connection. It is fixed at upgrade time.
type ConnInfo struct {
	ConnID      string
	ActorID     string
	DisplayName string
	SessionID   string
}

// membership is the room a connection has joined. It is replaced whole on
// JOIN and cleared on LEAVE, never edited in place.
type membership struct {
	DraftID string
	GroupID string
	Role    rbac.Role
}

type conn struct {
	info ConnInfo
	raw  net.Conn
	room atomic.Pointer[membership]

	writeMu   sync.Mutex
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	evicting  atomic.Bool

	writeTimeout time.Duration
}

func newConn(info ConnInfo, raw net.Conn, buffer int, writeTimeout time.Duration) *conn {
	return &conn{
		info:         info,
		raw:          raw,
		out:          make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (c *conn) membership() *membership {
	return c.room.Load()
}

// send queues msg without blocking. A client that cannot keep up is dropped.
func (c *conn) send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.close()
		return false
	}
}

// evict sends msg, then a close frame, then drops the connection.
func (c *conn) evict(msg []byte) {
	if !c.evicting.CompareAndSwap(false, true) {
		return
	}
	if c.send(msg) {
		c.send(nil)
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.raw.Close()
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Write sends p in a single call under the write mutex. Every frame, control
// replies from the read side included, is compiled whole before it gets here.
func (c *conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.raw.Write(p)
}

func (c *conn) writeFrame(f ws.Frame) error {
	raw, err := ws.CompileFrame(f)
	if err != nil {
		return err
	}
	_, err = c.Write(raw)
	return err
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if msg == nil {
				body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "session replaced")
				_ = c.writeFrame(ws.NewCloseFrame(body))
				c.close()
				return
			}
			if err := c.writeFrame(ws.NewTextFrame(msg)); err != nil {
				c.close()
				return
			}
		}
	}
}
