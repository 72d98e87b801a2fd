// Package sandbox is the typed façade over the external sandbox
// execution service. The wire form is newline-delimited JSON
// request/response over a stream connection, one exchange per call.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/untoldecay/CodeLoom/internal/types"
)

// Operation names understood by the sandbox service.
const (
	OpDeploy            = "deploy"
	OpGetFiles          = "get_files"
	OpWriteFiles        = "write_files"
	OpExecuteCommands   = "execute_commands"
	OpStaticAnalysis    = "run_static_analysis"
	OpRuntimeErrors     = "fetch_runtime_errors"
	OpGetLogs           = "get_logs"
	OpInstanceStatus    = "get_instance_status"
	OpUpdateProjectName = "update_project_name"
	OpDeployToCloud     = "deploy_to_cloud"
)

// rpcDebugEnabled returns true if LOOM_RPC_DEBUG is set.
func rpcDebugEnabled() bool {
	val := os.Getenv("LOOM_RPC_DEBUG")
	return val == "1" || val == "true"
}

func rpcDebugLog(format string, args ...interface{}) {
	if rpcDebugEnabled() {
		fmt.Fprintf(os.Stderr, "[sandbox rpc] "+format+"\n", args...)
	}
}

// request is the wire envelope for one sandbox call.
type request struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args"`
	RequestID string          `json:"request_id"`
	SessionID string          `json:"session_id,omitempty"`
}

// response is the wire envelope for one sandbox reply.
type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client talks to one sandbox service endpoint. Addr is either a
// host:port pair or a unix socket path prefixed with "unix://".
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient creates a sandbox client.
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	network, addr := "tcp", c.addr
	if strings.HasPrefix(c.addr, "unix://") {
		network, addr = "unix", strings.TrimPrefix(c.addr, "unix://")
	}
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", types.ErrSandboxUnavailable, c.addr, err)
	}
	return conn, nil
}

// call performs one request/response exchange. The per-call deadline
// is the client timeout unless the context expires earlier.
func (c *Client) call(ctx context.Context, sessionID, op string, args, result interface{}) error {
	return c.callWithTimeout(ctx, sessionID, op, args, result, c.timeout)
}

// Call performs an arbitrary operation against the sandbox service.
// The typed methods cover the standing contract; Call serves the
// long tail (screenshot capture, service-specific extensions).
func (c *Client) Call(ctx context.Context, sessionID, op string, args, result interface{}) error {
	return c.call(ctx, sessionID, op, args, result)
}

func (c *Client) callWithTimeout(ctx context.Context, sessionID, op string, args, result interface{}, timeout time.Duration) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding %s args: %w", op, err)
	}
	req := request{
		Operation: op,
		Args:      argsJSON,
		RequestID: uuid.NewString(),
		SessionID: sessionID,
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op, err)
	}

	start := time.Now()
	if _, err := conn.Write(append(reqJSON, '\n')); err != nil {
		return fmt.Errorf("%w: sending %s: %v", types.ErrSandboxUnavailable, op, err)
	}

	reader := bufio.NewReaderSize(conn, 16*1024*1024)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", types.ErrSandboxUnavailable, op, err)
	}
	rpcDebugLog("%s completed in %v", op, time.Since(start))

	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	if !resp.Success {
		if strings.Contains(strings.ToLower(resp.Error), "preview expired") {
			return fmt.Errorf("%w: %s", types.ErrPreviewExpired, resp.Error)
		}
		return fmt.Errorf("sandbox %s failed: %s", op, resp.Error)
	}
	if result != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", op, err)
		}
	}
	return nil
}
