package socketrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/mtd/internal/model"
)

const (
	callTimeout      = 30 * time.Second
	notifyBufferSize = 1024
)

// Client talks to the socket RPC server. A reader goroutine routes responses
// to their callers and metric notifications to Notifications().
type Client struct {
	conn net.Conn

	wmu     sync.Mutex
	encoder *json.Encoder

	mu      sync.Mutex
	nextID  int
	pending map[int]chan Response
	err     error

	notify  chan model.Metric
	dropped atomic.Uint64
	done    chan struct{}
}

// envelope matches both responses and notifications.
type envelope struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Dial connects to the socket RPC server at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("socketrpc: dial: %w", err)
	}
	c := &Client{
		conn:    conn,
		encoder: json.NewEncoder(conn),
		pending: make(map[int]chan Response),
		notify:  make(chan model.Metric, notifyBufferSize),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the underlying connection and waits for the reader to exit.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Notifications delivers metrics for active subscriptions. The channel is
// closed when the connection ends. Metrics arriving while the buffer is full
// are dropped and counted by Dropped.
func (c *Client) Notifications() <-chan model.Metric { return c.notify }

// Dropped returns the number of notifications discarded on a full buffer.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.notify)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)

	for scanner.Scan() {
		var env envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}
		if env.ID == nil && env.Method == NotifyMetric {
			var p MetricParams
			if err := json.Unmarshal(env.Params, &p); err != nil {
				continue
			}
			select {
			case c.notify <- model.Metric{Key: p.Key, Value: p.Value}:
			default:
				c.dropped.Add(1)
			}
			continue
		}

		id := 0
		if env.ID != nil {
			id = *env.ID
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			ch <- Response{JSONRPC: "2.0", ID: id, Result: env.Result, Error: env.Error}
		}
	}

	err := scanner.Err()
	if err == nil {
		err = errConnClosed
	}
	c.mu.Lock()
	c.err = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// call performs a JSON-RPC call and unmarshals the result into dest.
func (c *Client) call(method string, params any, dest any) error {
	paramsData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("socketrpc: marshal params: %w", err)
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return fmt.Errorf("socketrpc: %s: %w", method, err)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsData}

	c.wmu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(callTimeout))
	err = c.encoder.Encode(req)
	c.conn.SetWriteDeadline(time.Time{})
	c.wmu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("socketrpc: send: %w", err)
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()

	var resp Response
	select {
	case r, ok := <-ch:
		if !ok {
			return fmt.Errorf("socketrpc: %s: %w", method, errConnClosed)
		}
		resp = r
	case <-timer.C:
		c.forget(id)
		return fmt.Errorf("socketrpc: %s: timed out after %s", method, callTimeout)
	}

	if resp.Error != nil {
		return resp.Error
	}
	if dest != nil {
		if err := json.Unmarshal(resp.Result, dest); err != nil {
			return fmt.Errorf("socketrpc: unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) forget(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Query returns the current values of keys; absent keys are omitted.
func (c *Client) Query(keys ...string) (map[string]any, error) {
	var result map[string]any
	err := c.call(MethodQuery, map[string]any{"Keys": keys}, &result)
	return result, err
}

// Snapshot returns every metric whose key starts with prefix.
func (c *Client) Snapshot(prefix string) (map[string]any, error) {
	var result map[string]any
	err := c.call(MethodSnapshot, map[string]any{"Prefix": prefix}, &result)
	return result, err
}

func (c *Client) Subscribe(prefix string) error {
	return c.call(MethodSubscribe, map[string]any{"Prefix": prefix}, nil)
}

// Unsubscribe removes prefix; an empty prefix removes every subscription.
func (c *Client) Unsubscribe(prefix string) error {
	return c.call(MethodUnsubscribe, map[string]any{"Prefix": prefix}, nil)
}

func (c *Client) Plugins() ([]model.PluginInfo, error) {
	var result []model.PluginInfo
	err := c.call(MethodPlugins, map[string]any{}, &result)
	return result, err
}
