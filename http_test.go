package mcpserve

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTP(t *testing.T, opts ...Option) (*HTTPTransport, *httptest.Server) {
	t.Helper()
	p := newTestProtocol(t, opts...)
	transport := NewHTTPTransport(p, []string{"*"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(transport.Handler())
	t.Cleanup(srv.Close)
	return transport, srv
}

func postJSON(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(r).Decode(&out))
	return out
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25","clientInfo":{"name":"test"}}}`

func httpInitSession(t *testing.T, url string) string {
	t.Helper()
	resp := postJSON(t, url+"/mcp", "", initializeBody)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get(headerSessionID)
	require.NotEmpty(t, sessionID)

	note := postJSON(t, url+"/mcp", sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	note.Body.Close()
	require.Equal(t, http.StatusAccepted, note.StatusCode)
	return sessionID
}

func TestHTTPInitializeSetsSessionHeader(t *testing.T) {
	_, srv := newTestHTTP(t)
	resp := postJSON(t, srv.URL+"/mcp", "", initializeBody)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(headerSessionID))
	body := decodeResponse(t, resp.Body)
	result := body["result"].(map[string]any)
	assert.Equal(t, "2025-11-25", result["protocolVersion"])
}

func TestHTTPNotificationReturns202(t *testing.T) {
	_, srv := newTestHTTP(t)
	sessionID := httpInitSession(t, srv.URL)

	resp := postJSON(t, srv.URL+"/mcp", sessionID, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHTTPBatch(t *testing.T) {
	_, srv := newTestHTTP(t)
	sessionID := httpInitSession(t, srv.URL)

	resp := postJSON(t, srv.URL+"/mcp", sessionID,
		`[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out, 2)
}

func TestHTTPParseError(t *testing.T) {
	_, srv := newTestHTTP(t)
	resp := postJSON(t, srv.URL+"/mcp", "", `{not json`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeResponse(t, resp.Body)
	rpcErr := body["error"].(map[string]any)
	assert.Equal(t, float64(CodeParseError), rpcErr["code"])
}

func TestHTTPDeleteTerminatesSession(t *testing.T) {
	_, srv := newTestHTTP(t)
	sessionID := httpInitSession(t, srv.URL)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	req.Header.Set(headerSessionID, sessionID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Second delete: the session is gone.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPStreamRequiresSession(t *testing.T) {
	_, srv := newTestHTTP(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set(headerSessionID, "bogus")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPStreamReplayAndConflict(t *testing.T) {
	transport, srv := newTestHTTP(t)
	sessionID := httpInitSession(t, srv.URL)

	// Buffer two frames before any stream exists.
	for _, text := range []string{"one", "two"} {
		transport.protocol.notifySession(sessionID, "notifications/message", map[string]any{"data": text})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set(headerSessionID, sessionID)
	req.Header.Set(headerLastEventID, "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Only the frame after Last-Event-ID 1 is replayed.
	reader := bufio.NewReader(resp.Body)
	var frame bytes.Buffer
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			break
		}
		frame.WriteString(line)
	}
	assert.Contains(t, frame.String(), "id: 2")
	assert.Contains(t, frame.String(), "event: server_notification")
	assert.Contains(t, frame.String(), "two")
	assert.NotContains(t, frame.String(), "one")

	// A second concurrent stream for the same session is refused.
	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		_, ok := transport.streams[sessionID]
		return ok
	}, time.Second, 10*time.Millisecond)
	second, err := http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestHTTPRespondEndpoint(t *testing.T) {
	_, srv := newTestHTTP(t)
	sessionID := httpInitSession(t, srv.URL)

	// Non-response bodies are rejected.
	resp := postJSON(t, srv.URL+"/mcp/respond", sessionID, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A response for an unknown id is accepted and dropped.
	resp = postJSON(t, srv.URL+"/mcp/respond", sessionID, `{"jsonrpc":"2.0","id":"s-unknown","result":{}}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Unknown sessions get 404.
	resp = postJSON(t, srv.URL+"/mcp/respond", "bogus", `{"jsonrpc":"2.0","id":"s-x","result":{}}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPHealthEndpoints(t *testing.T) {
	transport, srv := newTestHTTP(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	health := decodeResponse(t, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health["status"])
	assert.GreaterOrEqual(t, health["uptime"].(float64), 0.0)

	// Not ready until a tool is registered.
	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, transport.protocol.Registry().RegisterTool(echoTool("echo")))
	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health/detailed")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := decodeResponse(t, resp.Body)
	assert.Equal(t, float64(1), body["tools"])
}

func TestHTTPOpenAPI(t *testing.T) {
	transport, srv := newTestHTTP(t)
	require.NoError(t, transport.protocol.Registry().RegisterTool(echoTool("echo")))

	resp, err := http.Get(srv.URL + "/openapi.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	doc := decodeResponse(t, resp.Body)
	assert.Equal(t, "3.1.0", doc["openapi"])
	schemas := doc["components"].(map[string]any)["schemas"].(map[string]any)
	assert.Contains(t, schemas, "tool_echo")
}

func TestHTTPCORSHeaders(t *testing.T) {
	_, srv := newTestHTTP(t)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/mcp", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", headerSessionID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "86400", resp.Header.Get("Access-Control-Max-Age"))
}

func TestHTTPEchoesSessionHeaders(t *testing.T) {
	_, srv := newTestHTTP(t)
	sessionID := httpInitSession(t, srv.URL)

	// Every response on a live session carries both headers, not just the
	// initialize reply.
	resp := postJSON(t, srv.URL+"/mcp", sessionID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	resp.Body.Close()
	assert.Equal(t, sessionID, resp.Header.Get(headerSessionID))
	assert.Equal(t, DefaultProtocolVersion, resp.Header.Get(headerProtocolVersion))

	note := postJSON(t, srv.URL+"/mcp", sessionID, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":99}}`)
	note.Body.Close()
	assert.Equal(t, sessionID, note.Header.Get(headerSessionID))
	assert.Equal(t, DefaultProtocolVersion, note.Header.Get(headerProtocolVersion))
}

// readSSEFrame reads one "id/event/data" frame off an event stream, skipping
// keepalive comments.
func readSSEFrame(t *testing.T, reader *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestHTTPPostStreamsServerRequests(t *testing.T) {
	transport, srv := newTestHTTP(t)
	require.NoError(t, transport.protocol.Registry().RegisterTool(&ToolHandler{
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

	// Initialize with the sampling capability; no GET stream is ever opened.
	init := postJSON(t, srv.URL+"/mcp", "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25","capabilities":{"sampling":{}},"clientInfo":{"name":"test"}}}`)
	init.Body.Close()
	sessionID := init.Header.Get(headerSessionID)
	require.NotEmpty(t, sessionID)
	note := postJSON(t, srv.URL+"/mcp", sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	note.Body.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ask_model"}}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(headerSessionID, sessionID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, sessionID, resp.Header.Get(headerSessionID))

	// The sampling request streams on the POST response itself.
	reader := bufio.NewReader(resp.Body)
	event, data := readSSEFrame(t, reader)
	require.Equal(t, "server_request", event)
	var serverReq Request
	require.NoError(t, json.Unmarshal([]byte(data), &serverReq))
	assert.Equal(t, "sampling/createMessage", serverReq.Method)

	answer := postJSON(t, srv.URL+"/mcp/respond", sessionID,
		`{"jsonrpc":"2.0","id":"`+serverReq.ID.(string)+`","result":{"content":{"type":"text","text":"model says hi"}}}`)
	answer.Body.Close()
	require.Equal(t, http.StatusAccepted, answer.StatusCode)

	// The terminal frame is the JSON-RPC response to the tool call.
	event, data = readSSEFrame(t, reader)
	require.Equal(t, "message", event)
	var final map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &final))
	require.Nil(t, final["error"])
	content := final["result"].(map[string]any)["content"].([]any)
	assert.Contains(t, content[0].(map[string]any)["text"], "model says hi")
}

func TestHTTPToolCallEndToEnd(t *testing.T) {
	transport, srv := newTestHTTP(t)
	require.NoError(t, transport.protocol.Registry().RegisterTool(echoTool("echo")))
	sessionID := httpInitSession(t, srv.URL)

	resp := postJSON(t, srv.URL+"/mcp", sessionID,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"roundtrip"}}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeResponse(t, resp.Body)
	require.Nil(t, body["error"])
	content := body["result"].(map[string]any)["content"].([]any)
	assert.Equal(t, "roundtrip", content[0].(map[string]any)["text"])
}
