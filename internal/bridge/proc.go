// internal/bridge/proc.go
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/switchboard/internal/types"
)

// DefaultCallTimeout bounds every outbound request to the process. A call
// that misses the deadline fails with Timeout; the process itself is left
// running since only that call is known dead.
const DefaultCallTimeout = 120 * time.Second

// Line buffer cap for process output. One JSON-RPC message per line.
const maxLineBytes = 4 << 20

// Proc pairs a writer and reader speaking newline-delimited JSON-RPC with
// a pending-call table keyed by request id.
type Proc struct {
	timeout time.Duration

	writeMu sync.Mutex
	in      io.Writer
	closeIn func() error

	mu      sync.Mutex
	pending map[string]chan *Response
	closed  bool

	nextID        atomic.Int64
	notifications chan *Request
	done          chan struct{}

	cmd *exec.Cmd
}

// ProcOption configures a Proc.
type ProcOption func(*Proc)

// WithCallTimeout overrides the per-call deadline.
func WithCallTimeout(d time.Duration) ProcOption {
	return func(p *Proc) { p.timeout = d }
}

// NewProc wires a Proc over an existing writer/reader pair. closeIn, when
// non-nil, is called on Close to signal EOF to the process.
func NewProc(in io.Writer, out io.Reader, closeIn func() error, opts ...ProcOption) *Proc {
	p := &Proc{
		timeout:       DefaultCallTimeout,
		in:            in,
		closeIn:       closeIn,
		pending:       make(map[string]chan *Response),
		notifications: make(chan *Request, 64),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.readLoop(out)
	return p
}

// StartCommand launches the agent process and wires its stdio into a Proc.
func StartCommand(ctx context.Context, name string, args []string, opts ...ProcOption) (*Proc, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	p := NewProc(stdin, stdout, stdin.Close, opts...)
	p.cmd = cmd
	return p, nil
}

// readLoop parses process output lines and routes them: responses to their
// pending call, requests without an id to the notification stream.
func (p *Proc) readLoop(out io.Reader) {
	defer close(p.done)
	defer close(p.notifications)

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil && (resp.Result != nil || resp.Error != nil) {
			p.deliver(&resp)
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil || req.Method == "" {
			slog.Warn("unparseable process line dropped", "line_bytes", len(line))
			continue
		}
		select {
		case p.notifications <- &req:
		default:
			slog.Warn("notification buffer full, dropping", "method", req.Method)
		}
	}

	p.failAllPending()
}

func (p *Proc) deliver(resp *Response) {
	key := string(*resp.ID)
	p.mu.Lock()
	ch, ok := p.pending[key]
	delete(p.pending, key)
	p.mu.Unlock()
	if !ok {
		slog.Debug("response without pending call dropped", "id", key)
		return
	}
	ch <- resp
}

// failAllPending closes every outstanding call channel once the process
// output ends; waiters observe BackendUnavailable.
func (p *Proc) failAllPending() {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]chan *Response)
	p.closed = true
	p.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// Notifications is the stream of process-initiated messages. Closed when
// the process output ends.
func (p *Proc) Notifications() <-chan *Request { return p.notifications }

// writeLine serializes one message per line. Lines never contain embedded
// newlines because encoding/json escapes them inside strings.
func (p *Proc) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal rpc message: %w", err)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.in.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to process: %w", err)
	}
	return nil
}

// Call sends a request and waits for the matching response, bounded by the
// configured deadline and the caller's context.
func (p *Proc) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := json.RawMessage(strconv.FormatInt(p.nextID.Add(1), 10))
	key := string(id)

	ch := make(chan *Response, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("process gone: %w", types.ErrBackendUnavailable)
	}
	p.pending[key] = ch
	p.mu.Unlock()

	req := &Request{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params}
	if err := p.writeLine(req); err != nil {
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("call %s: %w", method, types.ErrBackendUnavailable)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("call %s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
		return nil, fmt.Errorf("call %s after %s: %w", method, p.timeout, types.ErrTimeout)
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a request expecting no response.
func (p *Proc) Notify(method string, params json.RawMessage) error {
	return p.writeLine(&Request{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

// Close tears down the process pairing: input is closed so the process
// sees EOF, and the read loop drains to completion.
func (p *Proc) Close() error {
	var err error
	if p.closeIn != nil {
		err = p.closeIn()
	}
	if p.cmd != nil {
		if werr := p.cmd.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// Done is closed once the process output stream has ended.
func (p *Proc) Done() <-chan struct{} { return p.done }
