package mcpserve

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// stdioOutboundBuffer caps queued outbound lines. A slow or stalled reader
// sheds push frames rather than blocking dispatch.
const stdioOutboundBuffer = 100

// Swappable for tests.
var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
)

// StdioTransport speaks newline-delimited JSON-RPC over a reader/writer
// pair, normally stdin/stdout. All logging goes to stderr so stdout stays
// pure protocol.
type StdioTransport struct {
	protocol *Protocol
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer

	mu        sync.Mutex
	sessionID string

	outbound chan []byte
}

// NewStdioTransport builds the transport. in and out are usually os.Stdin
// and os.Stdout.
func NewStdioTransport(p *Protocol, in io.Reader, out io.Writer, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		protocol: p,
		logger:   logger,
		in:       in,
		out:      out,
		outbound: make(chan []byte, stdioOutboundBuffer),
	}
}

func (t *StdioTransport) currentSession() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *StdioTransport) setSession(id string) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// enqueue queues one outbound line, shedding when the pipe is backed up.
func (t *StdioTransport) enqueue(line []byte) {
	select {
	case t.outbound <- line:
	default:
		t.logger.Warn("stdio outbound queue full, dropping frame")
	}
}

// Run pumps messages until the context is cancelled or stdin closes.
func (t *StdioTransport) Run(ctx context.Context) error {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w := bufio.NewWriter(t.out)
		for {
			select {
			case line, ok := <-t.outbound:
				if !ok {
					return
				}
				_, _ = w.Write(line)
				_ = w.WriteByte('\n')
				_ = w.Flush()
			case <-ctx.Done():
				return
			}
		}
	}()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(t.in)
		scanner.Buffer(make([]byte, 64*1024), maxBodyBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	t.logger.Info("stdio transport running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				err := <-readErr
				if err != nil {
					t.logger.Error("stdin read failed", "error", err)
					return err
				}
				t.logger.Info("stdin closed, stopping")
				return nil
			}
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			t.handleLine(ctx, line)
		}
	}
}

func (t *StdioTransport) handleLine(ctx context.Context, line []byte) {
	msg, err := ParseMessage(line)
	if err != nil {
		t.writeResponse(NewErrorResponse(nil, errorToRPC(err)))
		return
	}
	// Responses and notifications never suspend, and initialize must mint
	// the session before later lines dispatch. Everything else runs on its
	// own goroutine so a handler suspended on a client response cannot
	// stall the read loop that would deliver that response.
	if msg.IsResponse() || msg.IsNotification() || msg.Method == "initialize" {
		t.dispatch(ctx, msg)
		return
	}
	go t.dispatch(ctx, msg)
}

func (t *StdioTransport) dispatch(ctx context.Context, msg *Message) {
	meta := RequestMeta{SessionID: t.currentSession()}
	resp, newSessionID := t.protocol.Dispatch(ctx, meta, msg)
	if newSessionID != "" {
		t.setSession(newSessionID)
		// Server requests and notifications share the same pipe as
		// responses; frames go out as plain JSON-RPC lines.
		t.protocol.RegisterPusher(newSessionID, func(_ uint64, _ string, payload []byte) {
			t.enqueue(payload)
		})
	}
	if resp != nil {
		t.writeResponse(resp)
	}
}

func (t *StdioTransport) writeResponse(resp *Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		t.logger.Error("marshaling response", "error", err)
		return
	}
	t.enqueue(raw)
}
