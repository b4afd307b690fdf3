package bridge

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// client is one accepted TCP connection.
//
// Clients are referenced by their stable ID in the bridge's registry;
// the raw conn is never handed out. A client marked dead stays in the
// registry only until the next fan-out pass or its reader notices.
type client struct {
	id         uint64
	conn       net.Conn
	remoteAddr string
	dead       atomic.Bool
	closeOnce  sync.Once
}

func newClient(id uint64, conn net.Conn) *client {
	return &client{
		id:         id,
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
	}
}

// write sends b to the client with a deadline. Any failure, including a
// deadline miss, marks the client dead.
func (c *client) write(b []byte, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		c.markDead()
		return err
	}

	if _, err := c.conn.Write(b); err != nil {
		c.markDead()
		return err
	}

	return nil
}

func (c *client) markDead() {
	c.dead.Store(true)
}

func (c *client) isDead() bool {
	return c.dead.Load()
}

// close force-closes the connection. Close errors on a client that is
// already being discarded are swallowed.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.markDead()
		_ = c.conn.Close()
	})
}
