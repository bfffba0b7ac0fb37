package mcpserve

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPingInterval   = 30 * time.Second
	wsOutboundBuffer = 100
)

// WSTransport serves JSON-RPC over a WebSocket: one text frame per message,
// both directions on the same socket. It is an alternative to the SSE pair
// for clients that prefer a single full-duplex connection.
type WSTransport struct {
	protocol *Protocol
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSTransport builds the transport. origins follow the CORS allowlist;
// "*" admits any origin.
func NewWSTransport(p *Protocol, origins []string, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return &WSTransport{
		protocol: p,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return allowAll || allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// ServeHTTP upgrades the connection and pumps messages until either side
// closes.
func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.protocol.ShuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "server is shutting down"})
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	meta := RequestMeta{
		SessionID:   r.Header.Get(headerSessionID),
		AccessToken: bearerToken(r),
	}

	outbound := make(chan []byte, wsOutboundBuffer)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	go func() {
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return
			case payload := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					closeDone()
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					closeDone()
					return
				}
			}
		}
	}()

	enqueue := func(payload []byte) {
		select {
		case outbound <- payload:
		default:
			t.logger.Warn("websocket outbound queue full, dropping frame", "session", shortID(meta.SessionID))
		}
	}

	defer func() {
		closeDone()
		if meta.SessionID != "" {
			t.protocol.UnregisterPusher(meta.SessionID)
		}
	}()

	if meta.SessionID != "" {
		if _, ok := t.protocol.Sessions().Get(meta.SessionID); ok {
			t.protocol.RegisterPusher(meta.SessionID, func(_ uint64, _ string, payload []byte) {
				enqueue(payload)
			})
		}
	}

	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			t.logger.Debug("websocket closed", "session", shortID(meta.SessionID), "error", err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, parseErr := ParseMessage(raw)
		if parseErr != nil {
			payload, _ := json.Marshal(NewErrorResponse(nil, errorToRPC(parseErr)))
			enqueue(payload)
			continue
		}
		// Responses and notifications stay on the read loop so a handler
		// suspended on a client response gets it without delay; initialize
		// must mint the session before later frames dispatch. Other
		// requests run concurrently.
		if msg.IsResponse() || msg.IsNotification() || msg.Method == "initialize" {
			newSessionID := t.dispatch(r.Context(), meta, msg, enqueue)
			if newSessionID != "" {
				if meta.SessionID != "" {
					t.protocol.UnregisterPusher(meta.SessionID)
				}
				meta.SessionID = newSessionID
				t.protocol.RegisterPusher(newSessionID, func(_ uint64, _ string, payload []byte) {
					enqueue(payload)
				})
			}
			continue
		}
		go t.dispatch(r.Context(), meta, msg, enqueue)
	}
}

// dispatch routes one frame and queues any response. Only initialize yields
// a new session id.
func (t *WSTransport) dispatch(ctx context.Context, meta RequestMeta, msg *Message, enqueue func([]byte)) string {
	resp, newSessionID := t.protocol.Dispatch(ctx, meta, msg)
	if resp != nil {
		payload, err := json.Marshal(resp)
		if err != nil {
			t.logger.Error("marshaling response", "error", err)
			return newSessionID
		}
		enqueue(payload)
	}
	return newSessionID
}
