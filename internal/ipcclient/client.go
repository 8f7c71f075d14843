// Package ipcclient is the worker side of the commander protocol.
package ipcclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
)

var (
	// ErrClosed is reported by Err after Close.
	ErrClosed = errors.New("ipc client closed")
	// ErrHeartbeat is reported by Err when the commander stopped answering pings.
	ErrHeartbeat = errors.New("commander stopped answering heartbeats")
)

// Config configures a Client.
type Config struct {
	SocketPath   string
	WorkerID     string
	Branch       string
	WorktreePath string

	HandshakeTimeout    time.Duration
	PermissionTimeout   time.Duration
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	// FlushTimeout bounds how long terminal messages and Close wait for the socket.
	FlushTimeout time.Duration
	SendBuffer   int
	Logger       *slog.Logger
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errors.New("socket path is required")
	}
	if c.WorkerID == "" {
		return errors.New("worker id is required")
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = 3
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Client is a connected, handshaken worker connection.
type Client struct {
	config     Config
	logger     *slog.Logger
	nc         net.Conn
	reader     *ipcprotocol.Reader
	assignment *ipcprotocol.TaskAssignment

	out        chan []byte
	closing    chan struct{}
	writerDone chan struct{}
	wg         sync.WaitGroup

	mu      sync.Mutex
	pending map[string]chan ipcprotocol.ConfirmationResult

	missed atomic.Int32

	cancelled    chan struct{}
	cancelOnce   sync.Once
	cancelReason atomic.Value

	dead     chan struct{}
	deadOnce sync.Once
	deadErr  error

	closeOnce sync.Once
}

// Dial connects to the commander and performs the handshake. A missing or
// refused ack within the handshake timeout is a *domain.HandshakeTimeoutError
// or a rejection error; either way the worker cannot continue.
func Dial(ctx context.Context, config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, config.HandshakeTimeout)
	defer cancel()
	nc, err := d.DialContext(dialCtx, "unix", config.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", config.SocketPath, err)
	}

	c := &Client{
		config:     config,
		logger:     config.Logger.With("component", "ipcclient", "worker", config.WorkerID),
		nc:         nc,
		reader:     ipcprotocol.NewReader(nc),
		out:        make(chan []byte, config.SendBuffer),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		pending:    make(map[string]chan ipcprotocol.ConfirmationResult),
		cancelled:  make(chan struct{}),
		dead:       make(chan struct{}),
	}

	if err := c.handshake(dialCtx); err != nil {
		nc.Close()
		return nil, err
	}

	c.wg.Add(3)
	go c.readLoop()
	go c.writeLoop()
	go c.heartbeatLoop()
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetDeadline(time.Now())
	})
	defer stop()

	timeoutErr := &domain.HandshakeTimeoutError{WorkerID: c.config.WorkerID, Timeout: c.config.HandshakeTimeout}

	hs := ipcprotocol.NewHandshake(c.config.WorkerID, os.Getpid(), c.config.Branch, c.config.WorktreePath)
	data, err := ipcprotocol.Serialize(hs)
	if err != nil {
		return err
	}
	if _, err := c.nc.Write(data); err != nil {
		if ctx.Err() != nil {
			return timeoutErr
		}
		return fmt.Errorf("sending handshake: %w", err)
	}

	for {
		msg, err := c.reader.Next()
		if err != nil {
			if ipcprotocol.IsDecodeError(err) {
				c.logger.Warn("dropping malformed message", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return timeoutErr
			}
			return fmt.Errorf("waiting for handshake ack: %w", err)
		}
		ack, ok := msg.(*ipcprotocol.HandshakeAck)
		if !ok {
			c.logger.Warn("dropping message before handshake ack", "type", msg.MessageType())
			continue
		}
		if !ack.Accepted {
			return fmt.Errorf("handshake rejected: %s", ack.Error)
		}
		if !stop() {
			// the timeout fired while the ack was being read
			return timeoutErr
		}
		c.assignment = ack.Assignment
		return c.nc.SetDeadline(time.Time{})
	}
}

// Assignment returns the task handed over in the handshake ack, if any.
func (c *Client) Assignment() *ipcprotocol.TaskAssignment { return c.assignment }

// WorkerID returns the id this client registered with.
func (c *Client) WorkerID() string { return c.config.WorkerID }

// Cancelled is closed when the commander sends cancel.
func (c *Client) Cancelled() <-chan struct{} { return c.cancelled }

// CancelReason returns the reason carried by the cancel message.
func (c *Client) CancelReason() string {
	if r, ok := c.cancelReason.Load().(string); ok {
		return r
	}
	return ""
}

// Dead is closed once the connection is unusable: the commander went away,
// stopped answering heartbeats, or Close was called.
func (c *Client) Dead() <-chan struct{} { return c.dead }

// Err returns why the connection died, or nil while it is alive.
func (c *Client) Err() error {
	select {
	case <-c.dead:
		return c.deadErr
	default:
		return nil
	}
}

func (c *Client) markDead(err error) {
	c.deadOnce.Do(func() {
		c.deadErr = err
		close(c.dead)
		c.nc.Close()
	})
}

// RequestPermission asks the commander to confirm a tool call and suspends
// until the answer arrives. Without an answer within the permission timeout
// the request resolves to deny with reason "no response"; it never allows by
// default.
func (c *Client) RequestPermission(ctx context.Context, conf ipcprotocol.ToolConfirmation) ipcprotocol.ConfirmationResult {
	req := ipcprotocol.NewPermissionRequest(c.config.WorkerID, conf)
	ch := make(chan ipcprotocol.ConfirmationResult, 1)

	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer c.forget(req.ID)

	if err := c.enqueue(req); err != nil {
		c.logger.Warn("permission request not sent", "tool", conf.ToolName, "error", err)
		return ipcprotocol.ConfirmationResult{Decision: ipcprotocol.DecisionDeny, Reason: "permission request not sent"}
	}

	timer := time.NewTimer(c.config.PermissionTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res
	case <-timer.C:
		c.logger.Warn("permission request timed out", "error", &domain.PermissionTimeoutError{
			WorkerID:  c.config.WorkerID,
			RequestID: req.ID,
			ToolName:  conf.ToolName,
			Timeout:   c.config.PermissionTimeout,
		})
		return ipcprotocol.DenyNoResponse()
	case <-c.dead:
		return ipcprotocol.ConfirmationResult{Decision: ipcprotocol.DecisionDeny, Reason: "commander unreachable"}
	case <-ctx.Done():
		return ipcprotocol.ConfirmationResult{Decision: ipcprotocol.DecisionDeny, Reason: "cancelled"}
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// SendStatus reports a status transition. Fire-and-forget.
func (c *Client) SendStatus(update *ipcprotocol.StatusUpdate) {
	update.WorkerID = c.config.WorkerID
	c.fireAndForget(update)
}

// SendLog streams a log line. Fire-and-forget.
func (c *Client) SendLog(level, content string) {
	c.fireAndForget(ipcprotocol.NewLog(c.config.WorkerID, level, content))
}

// SendTaskComplete reports success. It waits up to the flush timeout for
// queue space but never for an acknowledgement.
func (c *Client) SendTaskComplete(result ipcprotocol.TaskResult) error {
	return c.enqueueWait(ipcprotocol.NewTaskComplete(c.config.WorkerID, result))
}

// SendTaskError reports failure, like SendTaskComplete.
func (c *Client) SendTaskError(reason ipcprotocol.ErrorReason, message string) error {
	return c.enqueueWait(ipcprotocol.NewTaskError(c.config.WorkerID, reason, message))
}

func (c *Client) fireAndForget(msg ipcprotocol.Message) {
	if err := c.enqueue(msg); err != nil {
		c.logger.Debug("message dropped", "type", msg.MessageType(), "error", err)
	}
}

func (c *Client) enqueue(msg ipcprotocol.Message) error {
	data, err := ipcprotocol.Serialize(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.dead:
		return c.deadErr
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *Client) enqueueWait(msg ipcprotocol.Message) error {
	data, err := ipcprotocol.Serialize(msg)
	if err != nil {
		return err
	}
	timer := time.NewTimer(c.config.FlushTimeout)
	defer timer.Stop()
	select {
	case c.out <- data:
		return nil
	case <-c.dead:
		return fmt.Errorf("sending %s: %w", msg.MessageType(), c.deadErr)
	case <-c.closing:
		return ErrClosed
	case <-timer.C:
		return fmt.Errorf("sending %s: timed out", msg.MessageType())
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		msg, err := c.reader.Next()
		if err != nil {
			if ipcprotocol.IsDecodeError(err) {
				c.logger.Warn("dropping malformed message", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.markDead(&domain.ConnectionLostError{WorkerID: c.config.WorkerID, Cause: err})
			return
		}

		switch m := msg.(type) {
		case *ipcprotocol.PermissionResponse:
			c.mu.Lock()
			ch, ok := c.pending[m.RequestID]
			delete(c.pending, m.RequestID)
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("dropping response for unknown or expired request", "request", m.RequestID)
				continue
			}
			ch <- m.Result
		case *ipcprotocol.Cancel:
			c.cancelReason.Store(m.Reason)
			c.cancelOnce.Do(func() { close(c.cancelled) })
		case *ipcprotocol.Ping:
			c.fireAndForget(ipcprotocol.NewPong(m.ID))
		case *ipcprotocol.Pong:
			c.missed.Store(0)
		default:
			c.logger.Warn("dropping unexpected message", "type", msg.MessageType())
		}
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	defer close(c.writerDone)
	write := func(data []byte) bool {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.config.FlushTimeout))
		if _, err := c.nc.Write(data); err != nil {
			c.markDead(&domain.ConnectionLostError{WorkerID: c.config.WorkerID, Cause: err})
			return false
		}
		return true
	}
	for {
		select {
		case data := <-c.out:
			if !write(data) {
				return
			}
		case <-c.closing:
			for {
				select {
				case data := <-c.out:
					if !write(data) {
						return
					}
				default:
					return
				}
			}
		case <-c.dead:
			return
		}
	}
}

// heartbeatLoop pings the commander every interval. When MaxMissedHeartbeats
// pings in a row go unanswered the connection is declared dead.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if int(c.missed.Load()) >= c.config.MaxMissedHeartbeats {
				c.logger.Warn("commander unresponsive", "missed", c.missed.Load())
				c.markDead(ErrHeartbeat)
				return
			}
			c.missed.Add(1)
			c.fireAndForget(ipcprotocol.NewPing())
		case <-c.dead:
			return
		case <-c.closing:
			return
		}
	}
}

// Close flushes queued messages, bounded by the flush timeout, and closes
// the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		select {
		case <-c.writerDone:
		case <-time.After(c.config.FlushTimeout):
		}
		c.markDead(ErrClosed)
	})
	c.wg.Wait()
	return nil
}
