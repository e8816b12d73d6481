package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxConnections caps concurrent client connections.
	DefaultMaxConnections = 100

	// DefaultRequestTimeout bounds a single unary request, from read
	// to response write. Streaming frames get the same bound per write.
	DefaultRequestTimeout = 30 * time.Second
)

// Handler dispatches decoded requests. Handle serves unary operations;
// HandleStream serves streaming ones, calling send once per frame and
// stopping when send reports a dead connection.
type Handler interface {
	Handle(req *Request) Response
	HandleStream(req *Request, send func(Response) bool)
	IsStream(operation string) bool
}

// Endpoint is one listen address, network "tcp" or "unix".
type Endpoint struct {
	Network string
	Address string
}

// Options tunes the server. Zero values pick the defaults above.
type Options struct {
	MaxConnections int
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Server accepts connections on one or more endpoints and runs the
// frame loop for each. Connections above the limit wait for a slot.
type Server struct {
	handler   Handler
	endpoints []Endpoint

	maxConns       int
	requestTimeout time.Duration
	log            *slog.Logger

	connSemaphore chan struct{}
	readyChan     chan struct{}
	shutdown      atomic.Bool
	stopOnce      sync.Once

	mu        sync.Mutex
	listeners []net.Listener
	sockets   []string
}

// NewServer builds a server for the given handler and endpoints.
func NewServer(handler Handler, endpoints []Endpoint, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		handler:        handler,
		endpoints:      endpoints,
		maxConns:       opts.MaxConnections,
		requestTimeout: opts.RequestTimeout,
		log:            opts.Logger,
		connSemaphore:  make(chan struct{}, opts.MaxConnections),
		readyChan:      make(chan struct{}),
	}
}

// WaitReady returns a channel closed once all listeners are bound.
func (s *Server) WaitReady() <-chan struct{} {
	return s.readyChan
}

// Addr returns the bound address of the first listener, for tests that
// listen on port zero.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Start binds the endpoints and serves until ctx is cancelled or Stop
// is called.
func (s *Server) Start(ctx context.Context) error {
	for _, ep := range s.endpoints {
		ln, err := s.listen(ep)
		if err != nil {
			s.closeListeners()
			return err
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		if ep.Network == "unix" {
			s.sockets = append(s.sockets, ep.Address)
		}
		s.mu.Unlock()
		s.log.Info("listening", "network", ep.Network, "address", ep.Address)
	}
	close(s.readyChan)
	defer s.closeListeners()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, len(s.endpoints))
	s.mu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, ln := range listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			errCh <- s.acceptLoop(ln)
		}(ln)
	}
	wg.Wait()

	if s.shutdown.Load() {
		return ctx.Err()
	}
	return <-errCh
}

// Stop closes the listeners. In-flight connections finish their
// current frame loop on their own.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.shutdown.Store(true)
		s.closeListeners()
	})
}

func (s *Server) listen(ep Endpoint) (net.Listener, error) {
	if ep.Network == "unix" {
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o750); err != nil {
			return nil, fmt.Errorf("creating socket directory: %w", err)
		}
		// A leftover socket from a dead process would block the bind.
		// Probe it first so a live server is never displaced.
		if _, err := os.Stat(ep.Address); err == nil {
			conn, err := net.DialTimeout("unix", ep.Address, time.Second)
			if err == nil {
				conn.Close()
				return nil, fmt.Errorf("socket %s already in use", ep.Address)
			}
			if err := os.Remove(ep.Address); err != nil {
				return nil, fmt.Errorf("removing stale socket: %w", err)
			}
		}
	}
	ln, err := net.Listen(ep.Network, ep.Address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s %s: %w", ep.Network, ep.Address, err)
	}
	return ln, nil
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
	for _, path := range s.sockets {
		os.Remove(path)
	}
	s.sockets = nil
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.connSemaphore <- struct{}{}
		go func() {
			defer func() { <-s.connSemaphore }()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection runs the frame loop: read one request line, answer
// with one frame (unary) or a run of frames (streaming), repeat until
// the client disconnects.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		if s.shutdown.Load() {
			return
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeFrame(conn, writer, Response{OK: false, Msg: "malformed request: " + err.Error(), End: true})
			return
		}

		if s.handler.IsStream(req.Operation) {
			s.handler.HandleStream(&req, func(resp Response) bool {
				return s.writeFrame(conn, writer, resp)
			})
			continue
		}

		resp := s.handler.Handle(&req)
		resp.End = true
		if !s.writeFrame(conn, writer, resp) {
			return
		}
	}
}

func (s *Server) writeFrame(conn net.Conn, writer *bufio.Writer, resp Response) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("marshaling response", "error", err)
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(s.requestTimeout))
	if _, err := writer.Write(data); err != nil {
		return false
	}
	if err := writer.WriteByte('\n'); err != nil {
		return false
	}
	if err := writer.Flush(); err != nil {
		return false
	}
	conn.SetWriteDeadline(time.Time{})
	return true
}
