package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// transport carries one JSON-RPC call and reports the decoded result.
// notify sends a fire-and-forget notification: no id, no reply awaited.
type transport interface {
	call(ctx context.Context, method string, params any, result any) error
	notify(ctx context.Context, method string, params any) error
	close() error
}

// --- stdio ---

// stdioTransport speaks newline-delimited JSON-RPC with a subprocess.
type stdioTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcResponse
	nextID    uint64

	closed    chan struct{}
	closeOnce sync.Once
	readErr   atomic.Value // error
}

func newStdioTransport(ctx context.Context, command string, args, env []string) (*stdioTransport, error) {
	if command == "" {
		return nil, errors.New("op=mcp.stdio: command is required")
	}
	cmd := exec.CommandContext(ctx, command, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("op=mcp.stdio: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("op=mcp.stdio: %w", err)
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("op=mcp.stdio: start %s: %w", command, err)
	}

	t := &stdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan rpcResponse),
		closed:  make(chan struct{}),
	}
	go t.readLoop(stdout)
	if stderr != nil {
		go func() { _, _ = io.Copy(io.Discard, stderr) }()
	}
	return t, nil
}

func (t *stdioTransport) call(ctx context.Context, method string, params any, result any) error {
	t.pendingMu.Lock()
	t.nextID++
	id := t.nextID
	ch := make(chan rpcResponse, 1)
	t.pending[id] = ch
	t.pendingMu.Unlock()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		t.removePending(id)
		return err
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	_, err = t.stdin.Write(data)
	t.writeMu.Unlock()
	if err != nil {
		t.removePending(id)
		return fmt.Errorf("op=mcp.stdio: write: %w", err)
	}

	select {
	case resp := <-ch:
		return decodeResponse(resp, result)
	case <-ctx.Done():
		t.removePending(id)
		return ctx.Err()
	case <-t.closed:
		if v := t.readErr.Load(); v != nil {
			return v.(error)
		}
		return errors.New("op=mcp.stdio: transport closed")
	}
}

func (t *stdioTransport) notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	_, err = t.stdin.Write(data)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("op=mcp.stdio: write: %w", err)
	}
	return nil
}

func (t *stdioTransport) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == 0 {
			continue
		}
		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	t.readErr.Store(fmt.Errorf("op=mcp.stdio: read: %w", err))
	_ = t.close()
}

func (t *stdioTransport) removePending(id uint64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

func (t *stdioTransport) close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.stdin.Close()
		if t.cmd.Process != nil && t.cmd.ProcessState == nil {
			_ = t.cmd.Process.Kill()
		}
		_ = t.cmd.Wait()
	})
	return nil
}

// --- HTTP (plain and streamable) ---

// httpTransport posts JSON-RPC requests to one endpoint. Servers may answer
// with application/json or with text/event-stream (streamable HTTP); both are
// handled here.
type httpTransport struct {
	endpoint string
	client   *http.Client
	id       uint64
}

func newHTTPTransport(endpoint string, client *http.Client) (*httpTransport, error) {
	if endpoint == "" {
		return nil, errors.New("op=mcp.http: endpoint is required")
	}
	if client == nil {
		client = &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &httpTransport{endpoint: endpoint, client: client}, nil
}

func (t *httpTransport) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: atomic.AddUint64(&t.id, 1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("op=mcp.http: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("op=mcp.http: status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		rpcResp, err = readSSEResponse(resp.Body)
	} else {
		err = json.NewDecoder(resp.Body).Decode(&rpcResp)
	}
	if err != nil {
		return fmt.Errorf("op=mcp.http: decode: %w", err)
	}
	return decodeResponse(rpcResp, result)
}

func (t *httpTransport) notify(ctx context.Context, method string, params any) error {
	body, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("op=mcp.http: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("op=mcp.http: status %d", resp.StatusCode)
	}
	return nil
}

func (t *httpTransport) close() error { return nil }

// readSSEResponse scans event-stream data lines until one parses as a
// JSON-RPC response.
func readSSEResponse(r io.Reader) (rpcResponse, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(data), &resp); err == nil && (resp.Result != nil || resp.Error != nil) {
			return resp, nil
		}
	}
	if err := sc.Err(); err != nil {
		return rpcResponse{}, err
	}
	return rpcResponse{}, errors.New("event stream ended without a response")
}

func decodeResponse(resp rpcResponse, result any) error {
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return err
		}
	}
	return nil
}
