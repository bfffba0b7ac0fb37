package mcpserve

import (
	"context"
	"sync"
)

// MCP method names for server-initiated requests and notifications.
const (
	methodSamplingCreateMessage = "sampling/createMessage"
	methodElicitationCreate     = "elicitation/create"
	methodRootsList             = "roots/list"
	methodNotifyProgress        = "notifications/progress"
	methodNotifyMessage         = "notifications/message"
)

// rpcFunc performs a server-to-client request and waits for the response.
type rpcFunc func(ctx context.Context, method string, params any) (map[string]any, error)

// notifyFunc enqueues a server-to-client notification. Silent no-op when the
// session has no active stream.
type notifyFunc func(method string, params any)

// CallContext is the per-request state injected into handler code. It rides
// on context.Context, so it survives suspension across blocking calls and
// never leaks between concurrent requests.
type CallContext struct {
	SessionID     string
	UserID        string
	AccessToken   string
	ProgressToken any

	rpc          rpcFunc
	notify       notifyFunc
	capabilities map[string]any

	mu    sync.Mutex
	links []map[string]any
}

type callContextKey struct{}

// WithCallContext attaches request state to a context.
func WithCallContext(ctx context.Context, cc *CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom extracts the request state, if any.
func CallContextFrom(ctx context.Context) (*CallContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(*CallContext)
	return cc, ok
}

// SessionID returns the current session id, or "" outside a request.
func SessionID(ctx context.Context) string {
	if cc, ok := CallContextFrom(ctx); ok {
		return cc.SessionID
	}
	return ""
}

// UserID returns the authenticated user id, or "" when unauthenticated.
func UserID(ctx context.Context) string {
	if cc, ok := CallContextFrom(ctx); ok {
		return cc.UserID
	}
	return ""
}

func (cc *CallContext) supports(capability string) bool {
	if cc.capabilities == nil {
		return false
	}
	_, ok := cc.capabilities[capability]
	return ok
}

func capabilityUnavailable(name string) *RPCError {
	return NewRPCErrorWithData(CodeInternalError, "capability_required: "+name, map[string]any{"capability": name})
}

// SamplingRequest are the parameters for a sampling/createMessage request.
type SamplingRequest struct {
	Messages         []map[string]any
	MaxTokens        int
	SystemPrompt     string
	Temperature      *float64
	ModelPreferences map[string]any
	StopSequences    []string
	Metadata         map[string]any
	IncludeContext   string
}

func (r SamplingRequest) params() map[string]any {
	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	p := map[string]any{
		"messages":  r.Messages,
		"maxTokens": maxTokens,
	}
	if r.SystemPrompt != "" {
		p["systemPrompt"] = r.SystemPrompt
	}
	if r.Temperature != nil {
		p["temperature"] = *r.Temperature
	}
	if r.ModelPreferences != nil {
		p["modelPreferences"] = r.ModelPreferences
	}
	if len(r.StopSequences) > 0 {
		p["stopSequences"] = r.StopSequences
	}
	if r.Metadata != nil {
		p["metadata"] = r.Metadata
	}
	if r.IncludeContext != "" {
		p["includeContext"] = r.IncludeContext
	}
	return p
}

// CreateMessage asks the client to run its LLM over the given messages. It
// suspends until the client responds or the 120-second deadline fires.
func CreateMessage(ctx context.Context, req SamplingRequest) (map[string]any, error) {
	cc, ok := CallContextFrom(ctx)
	if !ok || cc.rpc == nil {
		return nil, capabilityUnavailable("sampling")
	}
	if !cc.supports("sampling") {
		return nil, capabilityUnavailable("sampling")
	}
	return cc.rpc(ctx, methodSamplingCreateMessage, req.params())
}

// ElicitationRequest are the parameters for an elicitation/create request.
type ElicitationRequest struct {
	Message     string
	Schema      map[string]any
	Title       string
	Description string
}

// CreateElicitation asks the client to collect structured user input
// matching the schema.
func CreateElicitation(ctx context.Context, req ElicitationRequest) (map[string]any, error) {
	cc, ok := CallContextFrom(ctx)
	if !ok || cc.rpc == nil {
		return nil, capabilityUnavailable("elicitation")
	}
	if !cc.supports("elicitation") {
		return nil, capabilityUnavailable("elicitation")
	}
	params := map[string]any{
		"message":         req.Message,
		"requestedSchema": req.Schema,
	}
	if req.Title != "" {
		params["title"] = req.Title
	}
	if req.Description != "" {
		params["description"] = req.Description
	}
	return cc.rpc(ctx, methodElicitationCreate, params)
}

// ListRoots asks the client for its filesystem roots.
func ListRoots(ctx context.Context) ([]map[string]any, error) {
	cc, ok := CallContextFrom(ctx)
	if !ok || cc.rpc == nil {
		return nil, capabilityUnavailable("roots")
	}
	if !cc.supports("roots") {
		return nil, capabilityUnavailable("roots")
	}
	result, err := cc.rpc(ctx, methodRootsList, map[string]any{})
	if err != nil {
		return nil, err
	}
	raw, _ := result["roots"].([]any)
	roots := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			roots = append(roots, m)
		}
	}
	return roots, nil
}

// SendProgress emits a fire-and-forget notifications/progress. Without a
// progress token or an active stream it is a silent no-op.
func SendProgress(ctx context.Context, progress float64, total *float64, message string) {
	cc, ok := CallContextFrom(ctx)
	if !ok || cc.notify == nil || cc.ProgressToken == nil {
		return
	}
	params := map[string]any{
		"progressToken": cc.ProgressToken,
		"progress":      progress,
	}
	if total != nil {
		params["total"] = *total
	}
	if message != "" {
		params["message"] = message
	}
	cc.notify(methodNotifyProgress, params)
}

// SendLog emits a fire-and-forget notifications/message. Silent no-op
// without an active stream.
func SendLog(ctx context.Context, level string, data any, loggerName string) {
	cc, ok := CallContextFrom(ctx)
	if !ok || cc.notify == nil {
		return
	}
	params := map[string]any{"level": level, "data": data}
	if loggerName != "" {
		params["logger"] = loggerName
	}
	cc.notify(methodNotifyMessage, params)
}

// AddResourceLink accumulates a resource link for the current call. Links
// are attached to the tool result under _meta.links.
func AddResourceLink(ctx context.Context, uri, name, description string) {
	cc, ok := CallContextFrom(ctx)
	if !ok {
		return
	}
	link := map[string]any{"type": "resource_link", "uri": uri}
	if name != "" {
		link["name"] = name
	}
	if description != "" {
		link["description"] = description
	}
	cc.mu.Lock()
	cc.links = append(cc.links, link)
	cc.mu.Unlock()
}

func (cc *CallContext) resourceLinks() []map[string]any {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return append([]map[string]any(nil), cc.links...)
}
