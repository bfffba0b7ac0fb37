package mcpserve

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the JSON-RPC 2.0 version identifier.
const JSONRPCVersion = "2.0"

// maxBodyBytes caps the size of a single inbound JSON-RPC message.
const maxBodyBytes = 10 << 20 // 10 MiB

// Message is the raw JSON-RPC envelope as it arrives off a transport.
// Exactly one of three shapes applies:
//   - request:      method set, id set
//   - notification: method set, id absent
//   - response:     method absent, id set (a client reply to a server-initiated request)
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsNotification reports whether the message is a client notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.hasNoID()
}

// IsResponse reports whether the message is a client response to a
// server-initiated request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && !m.hasNoID()
}

func (m *Message) hasNoID() bool {
	return len(m.ID) == 0 || bytes.Equal(m.ID, []byte("null"))
}

// RequestID decodes the message id into its wire type (string or float64).
// Returns nil for notifications.
func (m *Message) RequestID() any {
	if m.hasNoID() {
		return nil
	}
	var id any
	if err := json.Unmarshal(m.ID, &id); err != nil {
		return nil
	}
	return id
}

// Validate checks the envelope per JSON-RPC 2.0 plus the MCP profile:
// jsonrpc must be "2.0" and the id, when present, must be a string or number.
func (m *Message) Validate() error {
	if m.JSONRPC != JSONRPCVersion {
		return NewRPCError(CodeInvalidRequest, fmt.Sprintf("expected jsonrpc version %s", JSONRPCVersion))
	}
	if m.Method == "" && m.hasNoID() {
		return NewRPCError(CodeInvalidRequest, "message has neither method nor id")
	}
	if !m.hasNoID() {
		switch m.RequestID().(type) {
		case string, float64:
		default:
			return NewRPCError(CodeInvalidRequest, "id must be a string or number")
		}
	}
	return nil
}

// Response represents a JSON-RPC 2.0 response message.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

// Request represents an outbound server-initiated JSON-RPC 2.0 request or
// notification. Notifications carry no id.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      any    `json:"id,omitempty"`
}

// NewResult builds a success response for the given request id.
func NewResult(id any, result any) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id any, rpcErr *RPCError) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr}
}

// NewNotification builds an outbound notification (no id).
func NewNotification(method string, params any) *Request {
	return &Request{JSONRPC: JSONRPCVersion, Method: method, Params: params}
}

// NewRequest builds an outbound server-initiated request.
func NewRequest(id any, method string, params any) *Request {
	return &Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}
}

// ParseMessage decodes one JSON-RPC message, enforcing the body size cap.
func ParseMessage(data []byte) (*Message, error) {
	if len(data) > maxBodyBytes {
		return nil, NewRPCError(CodeInvalidRequest, "request body too large")
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, NewRPCError(CodeParseError, "parse error")
	}
	return &msg, nil
}

// ParseBatch decodes either a single message or a JSON array batch.
func ParseBatch(data []byte) ([]*Message, error) {
	if len(data) > maxBodyBytes {
		return nil, NewRPCError(CodeInvalidRequest, "request body too large")
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, NewRPCError(CodeParseError, "parse error: empty body")
	}
	if trimmed[0] == '[' {
		var batch []*Message
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, NewRPCError(CodeParseError, "parse error")
		}
		if len(batch) == 0 {
			return nil, NewRPCError(CodeInvalidRequest, "empty batch")
		}
		return batch, nil
	}
	msg, err := ParseMessage(data)
	if err != nil {
		return nil, err
	}
	return []*Message{msg}, nil
}
