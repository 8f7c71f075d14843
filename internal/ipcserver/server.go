// Package ipcserver is the commander side of the worker protocol: it accepts
// one unix socket connection per worker and turns its lines into handler calls.
package ipcserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hochfrequenz/codi/internal/domain"
	"github.com/hochfrequenz/codi/internal/ipcprotocol"
)

var (
	// ErrUnknownWorker is returned when sending to a worker with no ready connection.
	ErrUnknownWorker = errors.New("worker not connected")
	// ErrSendBufferFull is returned when a connection's outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrSocketInUse is returned when another server already listens on the socket.
	ErrSocketInUse = errors.New("socket already in use")
	// ErrNotSocket is returned when the socket path holds something else.
	ErrNotSocket = errors.New("path exists and is not a socket")
)

// Peer identifies the sender of a message. ConnID distinguishes successive
// connections of the same worker.
type Peer struct {
	WorkerID string
	ConnID   uint64
}

// Handlers receive protocol events. Handlers run on the connection's read
// goroutine and must not block.
type Handlers struct {
	// OnHandshake accepts a worker by returning its assignment, or refuses it
	// by returning an error.
	OnHandshake         func(Peer, *ipcprotocol.Handshake) (*ipcprotocol.TaskAssignment, error)
	OnPermissionRequest func(Peer, *ipcprotocol.PermissionRequest)
	OnStatusUpdate      func(Peer, *ipcprotocol.StatusUpdate)
	OnLog               func(Peer, *ipcprotocol.Log)
	OnTaskComplete      func(Peer, *ipcprotocol.TaskComplete)
	// OnTaskError also receives the synthesized connection_lost error.
	OnTaskError func(Peer, *ipcprotocol.TaskError)
	OnPong      func(Peer, *ipcprotocol.Pong)
}

// Config configures the server.
type Config struct {
	SocketPath       string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	Logger           *slog.Logger
}

// Server accepts worker connections on a unix socket.
type Server struct {
	config   Config
	handlers Handlers
	logger   *slog.Logger

	listener net.Listener
	nextID   atomic.Uint64
	wg       sync.WaitGroup

	mu     sync.Mutex
	ready  map[string]*conn
	conns  map[*conn]struct{}
	closed bool
}

// New creates a server. Call Start to begin listening.
func New(config Config, handlers Handlers) (*Server, error) {
	if config.SocketPath == "" {
		return nil, errors.New("socket path is required")
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.SendBuffer == 0 {
		config.SendBuffer = 64
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Server{
		config:   config,
		handlers: handlers,
		logger:   config.Logger.With("component", "ipcserver"),
		ready:    make(map[string]*conn),
		conns:    make(map[*conn]struct{}),
	}, nil
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string { return s.config.SocketPath }

// Start binds the socket and starts accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.config.SocketPath), 0o700); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}
	if err := cleanStaleSocket(s.config.SocketPath); err != nil {
		return fmt.Errorf("stale socket check %s: %w", s.config.SocketPath, err)
	}

	ln, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.SocketPath, err)
	}
	if err := os.Chmod(s.config.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Debug("listening", "socket", s.config.SocketPath)
	return nil
}

// cleanStaleSocket removes a socket file left behind by a crashed commander.
// A socket that still accepts connections belongs to a live commander.
func cleanStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return ErrNotSocket
	}
	c, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err == nil {
		c.Close()
		return ErrSocketInUse
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close stops accepting, drops every connection and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
	if rmErr := os.Remove(s.config.SocketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isClosed() {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		c := newConn(s.nextID.Add(1), nc, s.config.SendBuffer, s.config.WriteTimeout)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			c.writeLoop(s.logger)
		}()
		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

func (s *Server) handleConn(c *conn) {
	var peer Peer
	defer func() {
		c.close()
		s.mu.Lock()
		delete(s.conns, c)
		if peer.WorkerID != "" && s.ready[peer.WorkerID] == c {
			delete(s.ready, peer.WorkerID)
		}
		closing := s.closed
		s.mu.Unlock()

		if peer.WorkerID == "" {
			return
		}
		s.logger.Debug("worker disconnected", "worker", peer.WorkerID, "conn", peer.ConnID)
		if !c.terminal.Load() && !closing && s.handlers.OnTaskError != nil {
			lost := &domain.ConnectionLostError{WorkerID: peer.WorkerID}
			s.handlers.OnTaskError(peer, ipcprotocol.NewTaskError(peer.WorkerID, ipcprotocol.ReasonConnectionLost, lost.Error()))
		}
	}()

	reader := ipcprotocol.NewReader(c.nc)
	_ = c.nc.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))

	for {
		msg, err := reader.Next()
		if err != nil {
			if ipcprotocol.IsDecodeError(err) {
				s.logger.Warn("dropping malformed message", "worker", peer.WorkerID, "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !s.isClosed() {
				s.logger.Debug("read error", "worker", peer.WorkerID, "error", err)
			}
			return
		}

		if peer.WorkerID == "" {
			hs, ok := msg.(*ipcprotocol.Handshake)
			if !ok {
				s.logger.Warn("dropping message before handshake", "type", msg.MessageType())
				continue
			}
			if !s.handshake(c, hs) {
				return
			}
			peer = Peer{WorkerID: hs.WorkerID, ConnID: c.id}
			_ = c.nc.SetReadDeadline(time.Time{})
			continue
		}

		s.dispatch(c, peer, msg)
	}
}

// handshake answers hs and reports whether the connection is now ready.
func (s *Server) handshake(c *conn, hs *ipcprotocol.Handshake) bool {
	reject := func(reason string) bool {
		s.logger.Warn("handshake rejected", "worker", hs.WorkerID, "reason", reason)
		_ = c.writeNow(ipcprotocol.NewHandshakeReject(hs.WorkerID, reason))
		return false
	}

	if hs.WorkerID == "" {
		return reject("missing worker id")
	}
	s.mu.Lock()
	_, dup := s.ready[hs.WorkerID]
	s.mu.Unlock()
	if dup {
		return reject("duplicate worker id")
	}

	var assignment *ipcprotocol.TaskAssignment
	if s.handlers.OnHandshake != nil {
		a, err := s.handlers.OnHandshake(Peer{WorkerID: hs.WorkerID, ConnID: c.id}, hs)
		if err != nil {
			return reject(err.Error())
		}
		assignment = a
	}

	s.mu.Lock()
	if _, dup := s.ready[hs.WorkerID]; dup || s.closed {
		s.mu.Unlock()
		return reject("duplicate worker id")
	}
	s.ready[hs.WorkerID] = c
	s.mu.Unlock()

	if err := c.writeNow(ipcprotocol.NewHandshakeAck(hs.WorkerID, assignment)); err != nil {
		s.logger.Warn("sending handshake ack failed", "worker", hs.WorkerID, "error", err)
		return false
	}
	s.logger.Debug("worker connected", "worker", hs.WorkerID, "pid", hs.PID, "conn", c.id)
	return true
}

func (s *Server) dispatch(c *conn, peer Peer, msg ipcprotocol.Message) {
	h := s.handlers
	switch m := msg.(type) {
	case *ipcprotocol.PermissionRequest:
		if h.OnPermissionRequest != nil {
			h.OnPermissionRequest(peer, m)
		}
	case *ipcprotocol.StatusUpdate:
		if h.OnStatusUpdate != nil {
			h.OnStatusUpdate(peer, m)
		}
	case *ipcprotocol.Log:
		if h.OnLog != nil {
			h.OnLog(peer, m)
		}
	case *ipcprotocol.TaskComplete:
		if !c.terminal.CompareAndSwap(false, true) {
			s.logger.Warn("dropping second terminal message", "worker", peer.WorkerID, "type", m.Type)
			return
		}
		if h.OnTaskComplete != nil {
			h.OnTaskComplete(peer, m)
		}
	case *ipcprotocol.TaskError:
		if !c.terminal.CompareAndSwap(false, true) {
			s.logger.Warn("dropping second terminal message", "worker", peer.WorkerID, "type", m.Type)
			return
		}
		if h.OnTaskError != nil {
			h.OnTaskError(peer, m)
		}
	case *ipcprotocol.Ping:
		if err := c.enqueue(ipcprotocol.NewPong(m.ID)); err != nil {
			s.logger.Debug("pong not sent", "worker", peer.WorkerID, "error", err)
		}
	case *ipcprotocol.Pong:
		if h.OnPong != nil {
			h.OnPong(peer, m)
		}
	default:
		s.logger.Warn("dropping unexpected message", "worker", peer.WorkerID, "type", msg.MessageType())
	}
}

// Send queues msg for the worker without blocking.
func (s *Server) Send(workerID string, msg ipcprotocol.Message) error {
	s.mu.Lock()
	c, ok := s.ready[workerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	return c.enqueue(msg)
}

// SendPermissionResponse answers the permission request with id requestID.
func (s *Server) SendPermissionResponse(workerID, requestID string, result ipcprotocol.ConfirmationResult) error {
	return s.Send(workerID, ipcprotocol.NewPermissionResponse(requestID, result))
}

// SendCancel asks the worker to stop.
func (s *Server) SendCancel(workerID, reason string) error {
	return s.Send(workerID, ipcprotocol.NewCancel(workerID, reason))
}

// Connected reports whether the worker has a ready connection.
func (s *Server) Connected(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ready[workerID]
	return ok
}

// Disconnect closes the worker's connection, if any.
func (s *Server) Disconnect(workerID string) {
	s.mu.Lock()
	c, ok := s.ready[workerID]
	s.mu.Unlock()
	if ok {
		c.close()
	}
}
