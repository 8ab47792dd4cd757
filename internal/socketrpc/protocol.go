package socketrpc

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server exposes model.ReadAPI and the subscription side of
// the router over a Unix domain socket. Frames are newline delimited.
//
//   Method        Params               Result
//   ───────────   ──────────────────   ───────────────────
//   Query         {Keys: []string}     map[string]any
//   Snapshot      {Prefix: string}     map[string]any
//   Subscribe     {Prefix: string}     true
//   Unsubscribe   {Prefix: string}     true
//   Plugins       (none)               []PluginInfo
//
// Snapshot, Subscribe and Unsubscribe accept empty or null params; an empty
// prefix matches every key. After Subscribe the server interleaves
// notifications with responses:
//
//   {"jsonrpc":"2.0","method":"metric","params":{"key":"nginx.200","value":3}}
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error

const (
	MethodQuery       = "Query"
	MethodSnapshot    = "Snapshot"
	MethodSubscribe   = "Subscribe"
	MethodUnsubscribe = "Unsubscribe"
	MethodPlugins     = "Plugins"

	// NotifyMetric is the method name of server-initiated metric notifications.
	NotifyMetric = "metric"
)

const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeAppError       = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 request without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// MetricParams is the payload of a metric notification.
type MetricParams struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/mtd/mtd.sock, falling back to
// ~/.local/state/mtd/mtd.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "mtd", "mtd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/mtd.sock"
	}
	return filepath.Join(home, ".local", "state", "mtd", "mtd.sock")
}
