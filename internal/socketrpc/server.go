package socketrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinytelemetry/mtd/internal/model"
	"go.uber.org/zap"
)

const (
	// scannerInitBufSize is the initial buffer size for the per-connection scanner (64 KB).
	scannerInitBufSize = 64 * 1024
	// scannerMaxTokenSize is the maximum token size the scanner will accept (1 MB).
	scannerMaxTokenSize = 1024 * 1024
	// notifyWriteTimeout bounds a notification write to a slow client.
	notifyWriteTimeout = 5 * time.Second
)

var errConnClosed = errors.New("socketrpc: connection closed")

// Server exposes a model.ReadAPI and subscriptions over a Unix domain socket
// using JSON-RPC 2.0.
type Server struct {
	socketPath string
	api        model.ReadAPI
	subs       model.SubscriptionRegistry
	logger     *zap.Logger
	listener   net.Listener
	wg         sync.WaitGroup
	quit       chan struct{}
	stopOnce   sync.Once

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer creates a new socket RPC server.
func NewServer(socketPath string, api model.ReadAPI, subs model.SubscriptionRegistry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		api:        api,
		subs:       subs,
		logger:     logger.Named("socketrpc"),
		quit:       make(chan struct{}),
		conns:      make(map[*conn]struct{}),
	}
}

// Start begins listening on the Unix socket and accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("socketrpc: mkdir: %w", err)
	}

	// Remove stale socket if it exists.
	if _, err := os.Stat(s.socketPath); err == nil {
		c, dialErr := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if dialErr != nil {
			os.Remove(s.socketPath)
		} else {
			c.Close()
			return fmt.Errorf("socketrpc: another server is already listening on %s", s.socketPath)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("socketrpc: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("listening", zap.String("path", s.socketPath))
	return nil
}

// Stop closes the listener and every connection, waits for handlers to
// return, and removes the socket file.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			c.raw.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		os.Remove(s.socketPath)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.logger.Warn("accept error", zap.Error(err))
				// Transient errors (e.g. fd limit) must not kill the loop.
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}
		c := &conn{raw: raw, enc: json.NewEncoder(raw)}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(c)
	}
}

func (s *Server) handleConn(c *conn) {
	defer s.wg.Done()
	defer func() {
		s.subs.Unsubscribe(c)
		c.close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(c.raw)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)

	for scanner.Scan() {
		select {
		case <-s.quit:
			return
		default:
		}

		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			c.write(Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "parse error"}})
			continue
		}

		if err := c.write(s.dispatch(req, c)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request, sub model.Subscriber) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	marshalResult := func(v any) Response {
		data, err := json.Marshal(v)
		if err != nil {
			resp.Error = &RPCError{Code: CodeInternalError, Message: err.Error()}
			return resp
		}
		resp.Result = data
		return resp
	}

	invalidParams := func(err error) Response {
		resp.Error = &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
		return resp
	}

	// Optional params: only genuinely malformed JSON is rejected.
	var prefixParams struct{ Prefix string }
	decodePrefix := func() error {
		if len(req.Params) == 0 {
			return nil
		}
		return json.Unmarshal(req.Params, &prefixParams)
	}

	switch req.Method {
	case MethodQuery:
		var p struct{ Keys []string }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if len(p.Keys) == 0 {
			return invalidParams(errors.New("keys must not be empty"))
		}
		return marshalResult(s.api.Lookup(p.Keys...))

	case MethodSnapshot:
		if err := decodePrefix(); err != nil {
			return invalidParams(err)
		}
		return marshalResult(s.api.SnapshotPrefix(prefixParams.Prefix))

	case MethodSubscribe:
		if err := decodePrefix(); err != nil {
			return invalidParams(err)
		}
		s.subs.Subscribe(prefixParams.Prefix, sub)
		return marshalResult(true)

	case MethodUnsubscribe:
		if err := decodePrefix(); err != nil {
			return invalidParams(err)
		}
		if prefixParams.Prefix == "" {
			s.subs.Unsubscribe(sub)
		} else {
			s.subs.UnsubscribePrefix(prefixParams.Prefix, sub)
		}
		return marshalResult(true)

	case MethodPlugins:
		return marshalResult(s.api.PluginInfo())

	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return resp
	}
}

// conn is one client connection. It doubles as the router subscriber for
// that client, so responses and notifications share a write lock.
type conn struct {
	raw net.Conn

	mu     sync.Mutex
	enc    *json.Encoder
	closed bool
}

func (c *conn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return c.enc.Encode(v)
}

// SendMetric writes a metric notification to the client.
func (c *conn) SendMetric(ctx context.Context, key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	deadline := time.Now().Add(notifyWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.raw.SetWriteDeadline(deadline)
	defer c.raw.SetWriteDeadline(time.Time{})

	return c.enc.Encode(Notification{
		JSONRPC: "2.0",
		Method:  NotifyMetric,
		Params:  MetricParams{Key: key, Value: value},
	})
}

func (c *conn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.raw.Close()
}
