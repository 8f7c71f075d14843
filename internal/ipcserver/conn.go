package ipcserver

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hochfrequenz/codi/internal/ipcprotocol"
)

// conn is one accepted worker connection. Outbound messages go through a
// buffered queue drained by writeLoop so senders never block on the socket.
type conn struct {
	id           uint64
	nc           net.Conn
	out          chan []byte
	done         chan struct{}
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	terminal  atomic.Bool
}

func newConn(id uint64, nc net.Conn, buffer int, writeTimeout time.Duration) *conn {
	return &conn{
		id:           id,
		nc:           nc,
		out:          make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (c *conn) enqueue(msg ipcprotocol.Message) error {
	data, err := ipcprotocol.Serialize(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return net.ErrClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *conn) writeNow(msg ipcprotocol.Message) error {
	data, err := ipcprotocol.Serialize(msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_, err := c.nc.Write(data)
	return err
}

func (c *conn) writeLoop(logger *slog.Logger) {
	for {
		select {
		case data := <-c.out:
			if err := c.write(data); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					logger.Debug("write failed", "conn", c.id, "error", err)
				}
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.nc.Close()
	})
}
