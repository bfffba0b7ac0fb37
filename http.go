package mcpserve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

const (
	headerSessionID       = "Mcp-Session-Id"
	headerLastEventID     = "Last-Event-ID"
	headerProtocolVersion = "MCP-Protocol-Version"

	// sseHeartbeatInterval keeps idle streams alive through proxies.
	sseHeartbeatInterval = 30 * time.Second

	// ssePushBuffer is the per-stream frame queue. Overflow frames are
	// dropped from the live stream; the replay buffer still holds them.
	ssePushBuffer = 64
)

// HTTPTransport serves the streamable HTTP endpoints: POST/GET/DELETE /mcp,
// POST /mcp/respond, plus health and OpenAPI.
type HTTPTransport struct {
	protocol  *Protocol
	logger    *slog.Logger
	origins   []string
	startedAt time.Time

	mu      sync.Mutex
	streams map[string]chan sseFrame // one live GET stream per session
}

type sseFrame struct {
	id      uint64
	event   string
	payload []byte
}

// NewHTTPTransport builds the transport around a protocol engine.
func NewHTTPTransport(p *Protocol, origins []string, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		protocol:  p,
		logger:    logger,
		origins:   origins,
		startedAt: time.Now(),
		streams:   make(map[string]chan sseFrame),
	}
}

// Handler builds the routed, CORS-wrapped handler.
func (t *HTTPTransport) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/mcp", t.handlePost).Methods(http.MethodPost)
	r.HandleFunc("/mcp", t.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/mcp", t.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/mcp/respond", t.handleRespond).Methods(http.MethodPost)
	r.Handle("/ws", NewWSTransport(t.protocol, t.origins, t.logger)).Methods(http.MethodGet)
	r.HandleFunc("/health", t.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", t.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/health/detailed", t.handleHealthDetailed).Methods(http.MethodGet)
	r.HandleFunc("/openapi.json", t.handleOpenAPI).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: t.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", headerSessionID, headerLastEventID, headerProtocolVersion},
		ExposedHeaders: []string{headerSessionID, headerProtocolVersion},
		MaxAge:         86400,
	})
	return c.Handler(r)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// echoSession mirrors the session id and negotiated protocol version on
// every response belonging to a live session.
func (t *HTTPTransport) echoSession(w http.ResponseWriter, sessionID string) {
	if sessionID == "" {
		return
	}
	if s, ok := t.protocol.Sessions().Peek(sessionID); ok {
		w.Header().Set(headerSessionID, s.ID)
		w.Header().Set(headerProtocolVersion, s.ProtocolVersion)
	}
}

// acceptsSSE reports whether the client is prepared to read a streaming
// POST response.
func acceptsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// handlePost accepts one message or a batch, dispatches each, and returns
// the responses. A notifications-only body gets 202 with no content.
func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	if t.protocol.ShuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "server is shutting down"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse(nil, NewRPCError(CodeInvalidRequest, "request body too large")))
		return
	}

	batch := len(bytes.TrimLeft(body, " \t\r\n")) > 0 && bytes.TrimLeft(body, " \t\r\n")[0] == '['
	msgs, parseErr := ParseBatch(body)
	if parseErr != nil {
		writeJSON(w, http.StatusBadRequest, NewErrorResponse(nil, errorToRPC(parseErr)))
		return
	}

	meta := RequestMeta{
		SessionID:   r.Header.Get(headerSessionID),
		AccessToken: bearerToken(r),
	}

	// A client that accepts SSE on an established session gets a streaming
	// response: server-initiated frames flow on this connection while its
	// requests run, so a client without an open GET stream can still answer
	// sampling and elicitation.
	if acceptsSSE(r) && meta.SessionID != "" && hasRequest(msgs) {
		if _, ok := t.protocol.Sessions().Peek(meta.SessionID); ok {
			if flusher, streamable := w.(http.Flusher); streamable {
				t.streamPost(w, r, flusher, meta, msgs)
				return
			}
		}
	}

	var responses []*Response
	for _, msg := range msgs {
		resp, newSessionID := t.protocol.Dispatch(r.Context(), meta, msg)
		if newSessionID != "" {
			meta.SessionID = newSessionID
		}
		if resp != nil {
			responses = append(responses, resp)
		}
	}
	t.echoSession(w, meta.SessionID)

	switch {
	case len(responses) == 0:
		w.WriteHeader(http.StatusAccepted)
	case batch:
		writeJSON(w, http.StatusOK, responses)
	default:
		writeJSON(w, http.StatusOK, responses[0])
	}
}

func hasRequest(msgs []*Message) bool {
	for _, msg := range msgs {
		if !msg.IsResponse() && !msg.IsNotification() {
			return true
		}
	}
	return false
}

// streamPost answers a POST as an SSE stream: frames pushed to the session
// while its requests dispatch come first, each request's response follows as
// a terminal message event. Every frame carries a replay-buffered event id.
func (t *HTTPTransport) streamPost(w http.ResponseWriter, r *http.Request, flusher http.Flusher, meta RequestMeta, msgs []*Message) {
	sessionID := meta.SessionID
	frames := make(chan sseFrame, ssePushBuffer)
	detach := t.protocol.addSink(sessionID, func(id uint64, event string, payload []byte) {
		select {
		case frames <- sseFrame{id: id, event: event, payload: payload}:
		default:
			t.logger.Warn("dropping frame from post stream, replay buffer retains it", "session", shortID(sessionID), "event", event)
		}
	})
	defer detach()

	t.echoSession(w, sessionID)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, msg := range msgs {
			resp, _ := t.protocol.Dispatch(r.Context(), meta, msg)
			if resp == nil {
				continue
			}
			payload, err := json.Marshal(resp)
			if err != nil {
				t.logger.Error("marshaling response", "error", err)
				continue
			}
			id := t.protocol.bufferFrame(sessionID, eventMessage, payload)
			select {
			case frames <- sseFrame{id: id, event: eventMessage, payload: payload}:
			case <-r.Context().Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case f := <-frames:
			writeSSE(w, f.id, f.event, f.payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-done:
			// Drain frames queued before the dispatcher finished.
			for {
				select {
				case f := <-frames:
					writeSSE(w, f.id, f.event, f.payload)
					flusher.Flush()
				default:
					return
				}
			}
		}
	}
}

// handleRespond accepts client responses to server-initiated requests and
// routes them to the suspended handlers.
func (t *HTTPTransport) handleRespond(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(headerSessionID)
	if _, ok := t.protocol.Sessions().Get(sessionID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown session"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
		return
	}
	msgs, parseErr := ParseBatch(body)
	if parseErr != nil {
		writeJSON(w, http.StatusBadRequest, NewErrorResponse(nil, errorToRPC(parseErr)))
		return
	}
	t.echoSession(w, sessionID)
	for _, msg := range msgs {
		if !msg.IsResponse() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "only responses are accepted on this endpoint"})
			return
		}
		t.protocol.DeliverResponse(sessionID, msg)
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleStream opens the SSE push stream for a session. One stream per
// session; a second GET gets 409. Last-Event-ID triggers replay of missed
// frames before live delivery starts.
func (t *HTTPTransport) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(headerSessionID)
	if _, ok := t.protocol.Sessions().Get(sessionID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown session"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}

	t.mu.Lock()
	if _, exists := t.streams[sessionID]; exists {
		t.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]any{"error": "session already has an open stream"})
		return
	}
	frames := make(chan sseFrame, ssePushBuffer)
	t.streams[sessionID] = frames
	t.mu.Unlock()

	defer func() {
		t.protocol.UnregisterPusher(sessionID)
		t.mu.Lock()
		delete(t.streams, sessionID)
		t.mu.Unlock()
	}()

	t.echoSession(w, sessionID)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Replay anything missed since the client's Last-Event-ID, then attach
	// the live pusher.
	var lastID uint64
	if raw := r.Header.Get(headerLastEventID); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			lastID = n
		}
	}
	for _, ev := range t.protocol.Events().Missed(sessionID, lastID) {
		writeSSE(w, ev.ID, ev.Event, ev.Payload)
	}
	flusher.Flush()

	t.protocol.RegisterPusher(sessionID, func(id uint64, event string, payload []byte) {
		select {
		case frames <- sseFrame{id: id, event: event, payload: payload}:
		default:
			t.logger.Warn("dropping frame from live stream, replay buffer retains it", "session", shortID(sessionID), "event", event)
		}
	})

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	t.logger.Debug("stream opened", "session", shortID(sessionID), "lastEventID", lastID)

	for {
		select {
		case <-r.Context().Done():
			t.logger.Debug("stream closed by client", "session", shortID(sessionID))
			return
		case f := <-frames:
			writeSSE(w, f.id, f.event, f.payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, id uint64, event string, payload []byte) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, payload)
}

// handleDelete terminates a session explicitly.
func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(headerSessionID)
	if sessionID == "" || !t.protocol.Sessions().Terminate(sessionID) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown session"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(t.startedAt).Seconds(),
	})
}

// handleReady reports readiness: at least one registered tool and not
// shutting down.
func (t *HTTPTransport) handleReady(w http.ResponseWriter, _ *http.Request) {
	tools, _, _ := t.protocol.Registry().Counts()
	if t.protocol.ShuttingDown() || tools == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "tools": tools})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "tools": tools})
}

func (t *HTTPTransport) handleHealthDetailed(w http.ResponseWriter, _ *http.Request) {
	tools, resources, prompts := t.protocol.Registry().Counts()
	t.mu.Lock()
	streams := len(t.streams)
	t.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"uptime":    time.Since(t.startedAt).Seconds(),
		"tools":     tools,
		"resources": resources,
		"prompts":   prompts,
		"sessions":  t.protocol.Sessions().Count(),
		"streams":   streams,
	})
}

func (t *HTTPTransport) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildOpenAPI(t.protocol))
}

// Serve runs the HTTP server until the context is cancelled, then drains it.
func (t *HTTPTransport) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		t.logger.Info("http transport listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(drainCtx)
}
