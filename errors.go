package mcpserve

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// JSON-RPC error codes used by the framework. The first five are the standard
// JSON-RPC 2.0 codes; the rest are MCP extensions.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeRateLimited            = -32000
	CodeUnauthorized           = -32001
	CodeForbiddenScope         = -32003
	CodeURLElicitationRequired = -32042
)

// RPCError is a JSON-RPC error object. It implements error so handler code
// can return one directly and have the dispatch layer pass it through to the
// wire unchanged.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRPCError creates an RPCError without attached data.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// NewRPCErrorWithData creates an RPCError with an attached data payload.
func NewRPCErrorWithData(code int, message string, data any) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data}
}

// ParameterValidationError reports a tools/call argument that failed schema
// validation. It surfaces as -32602 naming the offending parameter.
type ParameterValidationError struct {
	Param    string
	Expected string
	Actual   any
}

func (e *ParameterValidationError) Error() string {
	return fmt.Sprintf("parameter %q: expected %s, got %v", e.Param, e.Expected, e.Actual)
}

// URLElicitationRequiredError is raised from handler code when the user must
// visit an external URL before the operation can proceed. The protocol layer
// converts it to -32042 with {url, description} data.
type URLElicitationRequiredError struct {
	URL         string
	Description string
	MimeType    string
}

func (e *URLElicitationRequiredError) Error() string {
	return fmt.Sprintf("URL elicitation required: %s", e.URL)
}

// suggestionCutoff is the minimum Jaro-Winkler score for a "did you mean"
// candidate.
const suggestionCutoff = 0.6

// suggestName returns the closest registered name to the unknown one, or ""
// when nothing scores at or above the cutoff.
func suggestName(name string, candidates []string) string {
	best := ""
	bestScore := suggestionCutoff
	for _, c := range candidates {
		score := matchr.JaroWinkler(strings.ToLower(name), strings.ToLower(c), false)
		if score >= bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

// formatUnknownToolError builds the -32602 message for an unregistered tool,
// with a fuzzy suggestion when one is close enough.
func formatUnknownToolError(name string, available []string) string {
	if s := suggestName(name, available); s != "" {
		return fmt.Sprintf("Unknown tool: %q. Did you mean %q?", name, s)
	}
	if len(available) > 0 {
		sorted := append([]string(nil), available...)
		sort.Strings(sorted)
		if len(sorted) > 10 {
			return fmt.Sprintf("Unknown tool: %q. Available tools: %s...", name, strings.Join(sorted[:10], ", "))
		}
		return fmt.Sprintf("Unknown tool: %q. Available tools: %s", name, strings.Join(sorted, ", "))
	}
	return fmt.Sprintf("Unknown tool: %q. No tools are registered.", name)
}

// errorToRPC maps an error raised during dispatch onto the wire taxonomy.
// Wrapped errors unwrap via errors.As/Is so fmt.Errorf chains keep their
// code. Internal details are logged by the caller, never sent to the client.
func errorToRPC(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var paramErr *ParameterValidationError
	if errors.As(err, &paramErr) {
		return NewRPCError(CodeInvalidParams, paramErr.Error())
	}
	var urlErr *URLElicitationRequiredError
	if errors.As(err, &urlErr) {
		data := map[string]any{"url": urlErr.URL}
		if urlErr.Description != "" {
			data["description"] = urlErr.Description
		}
		if urlErr.MimeType != "" {
			data["mimeType"] = urlErr.MimeType
		}
		return NewRPCErrorWithData(CodeURLElicitationRequired, urlErr.Error(), data)
	}
	if errors.Is(err, ErrNotFound) {
		return NewRPCError(CodeInvalidParams, err.Error())
	}
	return NewRPCError(CodeInternalError, "Internal server error")
}
