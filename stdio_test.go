package mcpserve

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdioRoundTrip(t *testing.T) {
	p := newTestProtocol(t)
	require.NoError(t, p.Registry().RegisterTool(echoTool("echo")))

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25","clientInfo":{"name":"cli"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"text":"over stdio"}}}`,
		"",
	}, "\n")

	outReader, outWriter := io.Pipe()
	transport := NewStdioTransport(p, strings.NewReader(input), outWriter, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- transport.Run(ctx) }()

	scanner := bufio.NewScanner(outReader)
	readResponse := func() map[string]any {
		require.True(t, scanner.Scan(), "expected a response line")
		var out map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &out))
		return out
	}

	initResp := readResponse()
	assert.Equal(t, float64(1), initResp["id"])
	result := initResp["result"].(map[string]any)
	assert.Equal(t, "2025-11-25", result["protocolVersion"])

	// Requests dispatch concurrently, so the ping and tool call responses
	// may arrive in either order.
	byID := map[float64]map[string]any{}
	for i := 0; i < 2; i++ {
		resp := readResponse()
		byID[resp["id"].(float64)] = resp
	}
	pong := byID[2]
	require.NotNil(t, pong)
	assert.Nil(t, pong["error"])

	call := byID[3]
	require.NotNil(t, call)
	content := call["result"].(map[string]any)["content"].([]any)
	assert.Equal(t, "over stdio", content[0].(map[string]any)["text"])

	// The implicit stdio session was created by the initialize.
	assert.Equal(t, 1, p.Sessions().Count())

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("transport did not stop")
	}
}

func TestStdioParseErrorLine(t *testing.T) {
	p := newTestProtocol(t)
	outReader, outWriter := io.Pipe()
	transport := NewStdioTransport(p, strings.NewReader("this is not json\n"), outWriter, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = transport.Run(ctx) }()

	scanner := bufio.NewScanner(outReader)
	require.True(t, scanner.Scan())
	var out map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &out))
	rpcErr := out["error"].(map[string]any)
	assert.Equal(t, float64(CodeParseError), rpcErr["code"])
}

func TestStdioAnswersServerRequestMidCall(t *testing.T) {
	p := newTestProtocol(t)
	require.NoError(t, p.Registry().RegisterTool(&ToolHandler{
		Name: "ask_model",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			result, err := CreateMessage(ctx, SamplingRequest{
				Messages: []map[string]any{{
					"role":    "user",
					"content": map[string]any{"type": "text", "text": "hi"},
				}},
			})
			if err != nil {
				return nil, err
			}
			return result["content"], nil
		},
	}))

	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()
	transport := NewStdioTransport(p, inReader, outWriter, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = transport.Run(ctx) }()

	writeLine := func(s string) {
		_, err := inWriter.Write([]byte(s + "\n"))
		require.NoError(t, err)
	}
	scanner := bufio.NewScanner(outReader)
	readLine := func() map[string]any {
		require.True(t, scanner.Scan(), "expected an output line")
		var out map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &out))
		return out
	}

	writeLine(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25","capabilities":{"sampling":{}},"clientInfo":{"name":"cli"}}}`)
	writeLine(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	init := readLine()
	require.Nil(t, init["error"])

	writeLine(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ask_model"}}`)

	// The suspended call's sampling request goes out while the call runs.
	serverReq := readLine()
	require.Equal(t, "sampling/createMessage", serverReq["method"])
	reqID := serverReq["id"].(string)

	// Answering on stdin must reach the suspended handler even though the
	// tool call has not returned yet.
	answer, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      reqID,
		"result":  map[string]any{"content": map[string]any{"type": "text", "text": "model says hi"}},
	})
	require.NoError(t, err)
	writeLine(string(answer))

	final := readLine()
	assert.Equal(t, float64(2), final["id"])
	require.Nil(t, final["error"])
	content := final["result"].(map[string]any)["content"].([]any)
	assert.Contains(t, content[0].(map[string]any)["text"], "model says hi")
}

func TestStdioPushesServerNotifications(t *testing.T) {
	p := newTestProtocol(t)
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		"",
	}, "\n")

	outReader, outWriter := io.Pipe()
	transport := NewStdioTransport(p, strings.NewReader(input), outWriter, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = transport.Run(ctx) }()

	scanner := bufio.NewScanner(outReader)
	require.True(t, scanner.Scan()) // initialize response

	// Once initialized, the session is wired for push delivery on stdout.
	require.Eventually(t, func() bool {
		return transport.currentSession() != ""
	}, time.Second, 10*time.Millisecond)
	p.notifySession(transport.currentSession(), "notifications/tools/list_changed", map[string]any{})

	require.True(t, scanner.Scan())
	var note map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &note))
	assert.Equal(t, "notifications/tools/list_changed", note["method"])
	assert.NotContains(t, note, "id")
}
