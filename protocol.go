package mcpserve

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// serverRequestTimeout bounds how long a handler may wait for the client
	// to answer a server-initiated request.
	serverRequestTimeout = 120 * time.Second

	// maxPendingServerRequests caps unanswered server-to-client requests per
	// session before new ones are refused.
	maxPendingServerRequests = 100

	// maxCompletionValues caps completion/complete result lists.
	maxCompletionValues = 100

	// maxArgumentKeys caps the tools/call arguments object.
	maxArgumentKeys = 100
)

// SSE event types used on the push stream.
const (
	eventMessage            = "message"
	eventServerRequest      = "server_request"
	eventServerNotification = "server_notification"
)

// TokenValidator checks a bearer token presented with a tools/call against
// auth-requiring tools. Implementations typically call an OAuth introspection
// endpoint.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (userID string, scopes []string, err error)
}

// CompletionFunc supplies argument completions for a prompt or resource
// template reference.
type CompletionFunc func(ctx context.Context, argument, value string) ([]string, error)

// RequestMeta is the transport-level context accompanying a dispatched
// message.
type RequestMeta struct {
	SessionID   string
	AccessToken string
}

type pendingRequest struct {
	sessionID string
	ch        chan *Message
}

// pushFunc delivers one framed event to a session's live push stream.
type pushFunc func(eventID uint64, event string, payload []byte)

// Protocol is the transport-independent MCP engine: it owns the method
// table, sessions, tasks, rate limits, and the server-to-client request
// plumbing. Transports feed it parsed messages and register push streams.
type Protocol struct {
	registry *Registry
	sessions *SessionManager
	tasks    *TaskManager
	limiter  *SessionRateLimiter
	events   *SSEEventBuffer

	logger   *slog.Logger
	logLevel *slog.LevelVar
	tracer   trace.Tracer

	serverName    string
	serverVersion string
	serverTitle   string
	instructions  string
	websiteURL    string
	icons         []Icon
	strict        bool
	validator     TokenValidator

	mu               sync.Mutex
	pushers          map[string]pushFunc
	requestSinks     map[string]map[int]pushFunc // POST-scoped streams, keyed by sink id
	sinkSeq          int
	pending          map[string]*pendingRequest
	pendingBySession map[string]int
	inflightReqs     map[string]context.CancelFunc // session id + request id -> cancel
	subscriptions    map[string]map[string]bool    // resource URI -> session set
	completions      map[string]CompletionFunc
	shuttingDown     bool

	inflight sync.WaitGroup
}

// NewProtocol wires the engine together. All components share one logger;
// the level var is adjusted by logging/setLevel.
func NewProtocol(o *ServerOptions, logger *slog.Logger, level *slog.LevelVar) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Protocol{
		registry:         NewRegistry(logger),
		limiter:          NewSessionRateLimiter(o.RateLimitRPS),
		events:           NewSSEEventBuffer(),
		logger:           logger,
		logLevel:         level,
		tracer:           otel.Tracer("mcpserve"),
		serverName:       o.Name,
		serverVersion:    o.Version,
		serverTitle:      o.Title,
		instructions:     o.Instructions,
		websiteURL:       o.WebsiteURL,
		icons:            o.Icons,
		strict:           o.StrictMode,
		validator:        o.TokenValidator,
		pushers:          make(map[string]pushFunc),
		requestSinks:     make(map[string]map[int]pushFunc),
		pending:          make(map[string]*pendingRequest),
		pendingBySession: make(map[string]int),
		inflightReqs:     make(map[string]context.CancelFunc),
		subscriptions:    make(map[string]map[string]bool),
		completions:      make(map[string]CompletionFunc),
	}
	p.sessions = NewSessionManager(p.cleanupSession, logger)
	p.tasks = NewTaskManager(p.notifyTaskStatus, logger)
	return p
}

// Registry exposes the handler registry for registration.
func (p *Protocol) Registry() *Registry { return p.registry }

// Sessions exposes the session manager to transports.
func (p *Protocol) Sessions() *SessionManager { return p.sessions }

// Tasks exposes the task manager.
func (p *Protocol) Tasks() *TaskManager { return p.tasks }

// Events exposes the replay buffer to transports.
func (p *Protocol) Events() *SSEEventBuffer { return p.events }

// RegisterCompletion installs a completion provider for a prompt
// ("prompt:<name>") or resource template ("resource:<uriTemplate>").
func (p *Protocol) RegisterCompletion(ref string, fn CompletionFunc) {
	p.mu.Lock()
	p.completions[ref] = fn
	p.mu.Unlock()
}

// cleanupSession purges every piece of per-session state. Runs on eviction,
// expiry, and explicit termination.
func (p *Protocol) cleanupSession(sessionID string) {
	p.tasks.PurgeSession(sessionID)
	p.limiter.Cleanup(sessionID)
	p.events.Cleanup(sessionID)

	p.mu.Lock()
	delete(p.pushers, sessionID)
	delete(p.requestSinks, sessionID)
	prefix := sessionID + "\x00"
	for key, cancel := range p.inflightReqs {
		if strings.HasPrefix(key, prefix) {
			cancel()
			delete(p.inflightReqs, key)
		}
	}
	for uri, set := range p.subscriptions {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(p.subscriptions, uri)
		}
	}
	var orphaned []*pendingRequest
	for id, pr := range p.pending {
		if pr.sessionID == sessionID {
			orphaned = append(orphaned, pr)
			delete(p.pending, id)
		}
	}
	delete(p.pendingBySession, sessionID)
	p.mu.Unlock()

	// Unblock handlers suspended on a client response.
	for _, pr := range orphaned {
		pr.ch <- nil
	}
	p.logger.Debug("session state purged", "session", shortID(sessionID))
}

// Dispatch routes one inbound message. The returned response is nil for
// notifications and client responses. newSessionID is set when this message
// was an initialize that minted a session.
func (p *Protocol) Dispatch(ctx context.Context, meta RequestMeta, msg *Message) (resp *Response, newSessionID string) {
	if msg.IsResponse() {
		p.DeliverResponse(meta.SessionID, msg)
		return nil, ""
	}
	if err := msg.Validate(); err != nil {
		return NewErrorResponse(msg.RequestID(), errorToRPC(err)), ""
	}

	p.mu.Lock()
	stopping := p.shuttingDown
	p.mu.Unlock()
	if stopping {
		if msg.IsNotification() {
			return nil, ""
		}
		return NewErrorResponse(msg.RequestID(), NewRPCError(CodeInvalidRequest, "server is shutting down")), ""
	}

	p.inflight.Add(1)
	defer p.inflight.Done()

	if msg.Method == "initialize" {
		return p.handleInitialize(msg)
	}

	session, ok := p.sessions.Get(meta.SessionID)
	if !ok {
		if msg.IsNotification() {
			return nil, ""
		}
		return NewErrorResponse(msg.RequestID(), NewRPCError(CodeInvalidRequest, "invalid or missing session")), ""
	}

	if msg.IsNotification() {
		p.handleNotification(session, msg)
		return nil, ""
	}

	if p.strict && !session.Initialized && msg.Method != "ping" {
		return NewErrorResponse(msg.RequestID(), NewRPCError(CodeInvalidRequest, "session not initialized: send notifications/initialized first")), ""
	}

	if p.limiter.Enabled() && !p.limiter.Allow(session.ID) {
		return NewErrorResponse(msg.RequestID(), NewRPCErrorWithData(CodeRateLimited, "rate limit exceeded", map[string]any{"retryAfter": 1})), ""
	}

	// Register the request as in flight so notifications/cancelled can
	// reach its context from another transport goroutine.
	reqCtx, cancelReq := context.WithCancel(ctx)
	key := inflightKey(session.ID, msg.RequestID())
	p.registerInflight(key, cancelReq)
	result, rpcErr := p.handleRequest(reqCtx, session, meta, msg)
	p.unregisterInflight(key)
	cancelReq()

	if rpcErr != nil {
		return NewErrorResponse(msg.RequestID(), rpcErr), ""
	}
	return NewResult(msg.RequestID(), result), ""
}

// inflightKey names one in-flight request. JSON ids decode as string or
// float64, so %v gives a stable key for both.
func inflightKey(sessionID string, requestID any) string {
	return sessionID + "\x00" + fmt.Sprintf("%v", requestID)
}

func (p *Protocol) registerInflight(key string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.inflightReqs[key] = cancel
	p.mu.Unlock()
}

func (p *Protocol) unregisterInflight(key string) {
	p.mu.Lock()
	delete(p.inflightReqs, key)
	p.mu.Unlock()
}

// cancelInflight cancels the context of the in-flight request with the
// given id, if it is still running.
func (p *Protocol) cancelInflight(sessionID string, requestID any) bool {
	key := inflightKey(sessionID, requestID)
	p.mu.Lock()
	cancel, ok := p.inflightReqs[key]
	if ok {
		delete(p.inflightReqs, key)
	}
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (p *Protocol) handleNotification(session *Session, msg *Message) {
	switch msg.Method {
	case "notifications/initialized":
		p.sessions.MarkInitialized(session.ID)
		p.logger.Debug("session initialized", "session", shortID(session.ID))
	case "notifications/cancelled":
		var params struct {
			RequestID any    `json:"requestId"`
			Reason    string `json:"reason"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		cancelled := p.cancelInflight(session.ID, params.RequestID)
		p.logger.Debug("client cancelled request", "session", shortID(session.ID), "request", params.RequestID, "reason", params.Reason, "cancelled", cancelled)
	default:
		// Unknown notifications are ignored per JSON-RPC.
		p.logger.Debug("ignoring notification", "method", msg.Method)
	}
}

func (p *Protocol) handleRequest(ctx context.Context, session *Session, meta RequestMeta, msg *Message) (any, *RPCError) {
	switch msg.Method {
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return p.handleToolsList(msg)
	case "tools/call":
		return p.handleToolsCall(ctx, session, meta, msg)
	case "resources/list":
		return p.handleResourcesList(msg)
	case "resources/read":
		return p.handleResourcesRead(ctx, session, msg)
	case "resources/templates/list":
		return p.handleTemplatesList(msg)
	case "resources/subscribe":
		return p.handleSubscribe(session, msg, true)
	case "resources/unsubscribe":
		return p.handleSubscribe(session, msg, false)
	case "prompts/list":
		return p.handlePromptsList(msg)
	case "prompts/get":
		return p.handlePromptsGet(ctx, session, msg)
	case "completion/complete":
		return p.handleCompletion(ctx, msg)
	case "tasks/list":
		return map[string]any{"tasks": p.tasks.List(session.ID)}, nil
	case "tasks/get":
		return p.handleTasksGet(msg)
	case "tasks/result":
		return p.handleTasksResult(msg)
	case "tasks/cancel":
		return p.handleTasksCancel(msg)
	case "logging/setLevel":
		return p.handleSetLevel(msg)
	default:
		return nil, NewRPCError(CodeMethodNotFound, fmt.Sprintf("Method not found: %s", msg.Method))
	}
}

func (p *Protocol) handleInitialize(msg *Message) (*Response, string) {
	var params struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ClientInfo      map[string]any `json:"clientInfo"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return NewErrorResponse(msg.RequestID(), NewRPCError(CodeInvalidParams, "invalid initialize params")), ""
		}
	}
	session := p.sessions.Create(params.ClientInfo, params.Capabilities, params.ProtocolVersion)

	serverInfo := map[string]any{
		"name":    p.serverName,
		"version": p.serverVersion,
	}
	if p.serverTitle != "" {
		serverInfo["title"] = p.serverTitle
	}
	if p.websiteURL != "" {
		serverInfo["websiteUrl"] = p.websiteURL
	}
	if len(p.icons) > 0 {
		serverInfo["icons"] = iconList(p.icons)
	}

	result := map[string]any{
		"protocolVersion": session.ProtocolVersion,
		"capabilities": map[string]any{
			"tools":       map[string]any{"listChanged": true},
			"resources":   map[string]any{"subscribe": true, "listChanged": true},
			"prompts":     map[string]any{"listChanged": true},
			"completions": map[string]any{},
			"logging":     map[string]any{},
			"tasks":       map[string]any{},
		},
		"serverInfo": serverInfo,
	}
	if p.instructions != "" {
		result["instructions"] = p.instructions
	}
	return NewResult(msg.RequestID(), result), session.ID
}

type cursorParams struct {
	Cursor string `json:"cursor"`
}

func parseCursor(raw json.RawMessage) string {
	var params cursorParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}
	return params.Cursor
}

func (p *Protocol) handleToolsList(msg *Message) (any, *RPCError) {
	page, next, err := p.registry.ListTools(parseCursor(msg.Params))
	if err != nil {
		return nil, errorToRPC(err)
	}
	result := map[string]any{"tools": page}
	if next != "" {
		result["nextCursor"] = next
	}
	return result, nil
}

func (p *Protocol) handleResourcesList(msg *Message) (any, *RPCError) {
	page, next, err := p.registry.ListResources(parseCursor(msg.Params))
	if err != nil {
		return nil, errorToRPC(err)
	}
	result := map[string]any{"resources": page}
	if next != "" {
		result["nextCursor"] = next
	}
	return result, nil
}

func (p *Protocol) handleTemplatesList(msg *Message) (any, *RPCError) {
	page, next, err := p.registry.ListResourceTemplates(parseCursor(msg.Params))
	if err != nil {
		return nil, errorToRPC(err)
	}
	result := map[string]any{"resourceTemplates": page}
	if next != "" {
		result["nextCursor"] = next
	}
	return result, nil
}

func (p *Protocol) handlePromptsList(msg *Message) (any, *RPCError) {
	page, next, err := p.registry.ListPrompts(parseCursor(msg.Params))
	if err != nil {
		return nil, errorToRPC(err)
	}
	result := map[string]any{"prompts": page}
	if next != "" {
		result["nextCursor"] = next
	}
	return result, nil
}

func (p *Protocol) handleToolsCall(ctx context.Context, session *Session, meta RequestMeta, msg *Message) (any, *RPCError) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
		Meta      map[string]any `json:"_meta"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, NewRPCError(CodeInvalidParams, "invalid tools/call params")
	}
	if len(params.Arguments) > maxArgumentKeys {
		return nil, NewRPCError(CodeInvalidParams, fmt.Sprintf("arguments object exceeds %d keys", maxArgumentKeys))
	}
	tool, ok := p.registry.Tool(params.Name)
	if !ok {
		return nil, NewRPCError(CodeInvalidParams, formatUnknownToolError(params.Name, p.registry.ToolNames()))
	}

	userID := ""
	if tool.Auth.Required {
		var rpcErr *RPCError
		userID, rpcErr = p.authorize(ctx, tool, meta.AccessToken)
		if rpcErr != nil {
			return nil, rpcErr
		}
	}

	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}
	args, err := coerceArguments(params.Arguments, tool.Fields, tool.Defs)
	if err != nil {
		return nil, errorToRPC(err)
	}
	// Coercion only checks declared top-level fields; the compiled schema
	// catches what it cannot see, such as $ref-typed nested shapes.
	if tool.compiled != nil {
		if verr := tool.compiled.Validate(args); verr != nil {
			return nil, NewRPCError(CodeInvalidParams, verr.Error())
		}
	}
	// Injected auth parameters bypass the schema.
	if tool.Auth.Required {
		args["_external_access_token"] = meta.AccessToken
		args["_user_id"] = userID
	}

	cc := &CallContext{
		SessionID:    session.ID,
		UserID:       userID,
		AccessToken:  meta.AccessToken,
		rpc:          p.sessionRPC(session.ID),
		notify:       p.sessionNotify(session.ID),
		capabilities: session.ClientCapabilities,
	}
	if params.Meta != nil {
		cc.ProgressToken = params.Meta["progressToken"]
	}

	if tool.LongRunning {
		return p.startTask(session, tool, cc, args), nil
	}

	callCtx := WithCallContext(ctx, cc)
	result, callErr := p.invokeTool(callCtx, tool, args)
	if callErr != nil {
		rpcErr := errorToRPC(callErr)
		if rpcErr.Code == CodeInternalError {
			p.logger.Error("tool call failed", "tool", tool.Name, "session", shortID(session.ID), "error", callErr)
		}
		return nil, rpcErr
	}
	return normalizeToolResult(tool, cc, result), nil
}

// invokeTool runs the tool function inside a trace span. The tracer is the
// global provider's, a no-op unless the host application installs one.
func (p *Protocol) invokeTool(ctx context.Context, tool *ToolHandler, args map[string]any) (any, error) {
	ctx, span := p.tracer.Start(ctx, "mcp.tool."+tool.Name)
	defer span.End()
	result, err := tool.Fn(ctx, args)
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

// startTask launches a long-running tool in the background and returns the
// task envelope immediately.
func (p *Protocol) startTask(session *Session, tool *ToolHandler, cc *CallContext, args map[string]any) map[string]any {
	// The task outlives the originating HTTP request, so it runs on a fresh
	// context cancelled only via tasks/cancel.
	taskCtx, cancel := context.WithCancel(context.Background())
	task := p.tasks.Create(session.ID, tool.Name, cancel)

	go func() {
		defer cancel()
		result, err := p.invokeTool(WithCallContext(taskCtx, cc), tool, args)
		if err != nil {
			if taskCtx.Err() != nil {
				return // cancelled via tasks/cancel, state already set
			}
			rpcErr := errorToRPC(err)
			if rpcErr.Code == CodeInternalError {
				p.logger.Error("task failed", "tool", tool.Name, "task", task.ID, "error", err)
			}
			_ = p.tasks.SetError(task.ID, rpcErr)
			return
		}
		_ = p.tasks.SetResult(task.ID, normalizeToolResult(tool, cc, result))
	}()

	return map[string]any{"task": task.WireDict()}
}

// authorize validates the bearer token and checks scope coverage.
func (p *Protocol) authorize(ctx context.Context, tool *ToolHandler, token string) (string, *RPCError) {
	if token == "" {
		return "", NewRPCError(CodeUnauthorized, fmt.Sprintf("tool %q requires authentication", tool.Name))
	}
	if p.validator == nil {
		return "", NewRPCError(CodeUnauthorized, "no token validator configured")
	}
	userID, scopes, err := p.validator.ValidateToken(ctx, token)
	if err != nil {
		return "", NewRPCError(CodeUnauthorized, "token validation failed")
	}
	granted := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		granted[s] = true
	}
	for _, required := range tool.Auth.Scopes {
		if !granted[required] {
			return "", NewRPCErrorWithData(CodeForbiddenScope, fmt.Sprintf("missing required scope %q", required), map[string]any{"requiredScopes": tool.Auth.Scopes})
		}
	}
	return userID, nil
}

// normalizeToolResult shapes a handler return value into MCP content. A map
// already carrying a content key passes through untouched; accumulated
// resource links ride along under _meta.links.
func normalizeToolResult(tool *ToolHandler, cc *CallContext, v any) map[string]any {
	var result map[string]any
	if m, ok := v.(map[string]any); ok {
		if _, preformatted := m["content"]; preformatted {
			result = m
		}
	}
	if result == nil {
		var text string
		switch t := v.(type) {
		case string:
			text = t
		case nil:
			text = "null"
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				text = fmt.Sprintf("%v", v)
			} else {
				text = string(raw)
			}
		}
		result = map[string]any{
			"content": []any{map[string]any{"type": "text", "text": text}},
		}
		if tool.OutputSchema != nil {
			if m, ok := v.(map[string]any); ok {
				result["structuredContent"] = m
			}
		}
	}
	if links := cc.resourceLinks(); len(links) > 0 {
		metaVal, _ := result["_meta"].(map[string]any)
		if metaVal == nil {
			metaVal = map[string]any{}
		}
		metaVal["links"] = links
		result["_meta"] = metaVal
	}
	return result
}

func (p *Protocol) handleResourcesRead(ctx context.Context, session *Session, msg *Message) (any, *RPCError) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
		return nil, NewRPCError(CodeInvalidParams, "resources/read requires a uri")
	}

	cc := &CallContext{
		SessionID:    session.ID,
		rpc:          p.sessionRPC(session.ID),
		notify:       p.sessionNotify(session.ID),
		capabilities: session.ClientCapabilities,
	}
	readCtx := WithCallContext(ctx, cc)

	if res, ok := p.registry.Resource(params.URI); ok {
		v, err := res.Read(readCtx)
		if err != nil {
			rpcErr := errorToRPC(err)
			if rpcErr.Code == CodeInternalError {
				p.logger.Error("resource read failed", "uri", params.URI, "error", err)
			}
			return nil, rpcErr
		}
		return map[string]any{"contents": resourceContents(params.URI, res.MimeType, v)}, nil
	}
	if tmpl, vars, ok := p.registry.MatchTemplate(params.URI); ok {
		v, err := tmpl.Fn(readCtx, vars)
		if err != nil {
			rpcErr := errorToRPC(err)
			if rpcErr.Code == CodeInternalError {
				p.logger.Error("templated resource read failed", "uri", params.URI, "error", err)
			}
			return nil, rpcErr
		}
		return map[string]any{"contents": resourceContents(params.URI, tmpl.MimeType, v)}, nil
	}

	message := fmt.Sprintf("Unknown resource: %q", params.URI)
	if s := suggestName(params.URI, p.registry.ResourceURIs()); s != "" {
		message = fmt.Sprintf("Unknown resource: %q. Did you mean %q?", params.URI, s)
	}
	return nil, NewRPCError(CodeInvalidParams, message)
}

// resourceContents shapes a read result into the MCP contents list. A map
// carrying a contents key passes through.
func resourceContents(uri, mimeType string, v any) any {
	if m, ok := v.(map[string]any); ok {
		if contents, preformatted := m["contents"]; preformatted {
			return contents
		}
	}
	entry := map[string]any{"uri": uri}
	switch t := v.(type) {
	case string:
		if mimeType == "" {
			mimeType = "text/plain"
		}
		entry["mimeType"] = mimeType
		entry["text"] = t
	case []byte:
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		entry["mimeType"] = mimeType
		entry["blob"] = base64.StdEncoding.EncodeToString(t)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			raw = []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", v)))
		}
		if mimeType == "" {
			mimeType = "application/json"
		}
		entry["mimeType"] = mimeType
		entry["text"] = string(raw)
	}
	return []any{entry}
}

func (p *Protocol) handleSubscribe(session *Session, msg *Message, subscribe bool) (any, *RPCError) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
		return nil, NewRPCError(CodeInvalidParams, "a uri is required")
	}
	if _, ok := p.registry.Resource(params.URI); !ok {
		if _, _, tmplOK := p.registry.MatchTemplate(params.URI); !tmplOK {
			return nil, NewRPCError(CodeInvalidParams, fmt.Sprintf("Unknown resource: %q", params.URI))
		}
	}
	p.mu.Lock()
	if subscribe {
		set := p.subscriptions[params.URI]
		if set == nil {
			set = make(map[string]bool)
			p.subscriptions[params.URI] = set
		}
		set[session.ID] = true
	} else {
		if set := p.subscriptions[params.URI]; set != nil {
			delete(set, session.ID)
			if len(set) == 0 {
				delete(p.subscriptions, params.URI)
			}
		}
	}
	p.mu.Unlock()
	return map[string]any{}, nil
}

// NotifyResourceUpdated invalidates any cached content for the URI and fans
// out notifications/resources/updated to subscribed sessions.
func (p *Protocol) NotifyResourceUpdated(uri string) {
	if res, ok := p.registry.Resource(uri); ok {
		res.InvalidateCache()
	}
	p.mu.Lock()
	var targets []string
	for sessionID := range p.subscriptions[uri] {
		targets = append(targets, sessionID)
	}
	p.mu.Unlock()
	for _, sessionID := range targets {
		p.notifySession(sessionID, "notifications/resources/updated", map[string]any{"uri": uri})
	}
}

func (p *Protocol) handlePromptsGet(ctx context.Context, session *Session, msg *Message) (any, *RPCError) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, NewRPCError(CodeInvalidParams, "invalid prompts/get params")
	}
	prompt, ok := p.registry.Prompt(params.Name)
	if !ok {
		message := fmt.Sprintf("Unknown prompt: %q", params.Name)
		if s := suggestName(params.Name, p.registry.PromptNames()); s != "" {
			message = fmt.Sprintf("Unknown prompt: %q. Did you mean %q?", params.Name, s)
		}
		return nil, NewRPCError(CodeInvalidParams, message)
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}
	args, err := coerceArguments(params.Arguments, prompt.Arguments, nil)
	if err != nil {
		return nil, errorToRPC(err)
	}

	cc := &CallContext{
		SessionID:    session.ID,
		rpc:          p.sessionRPC(session.ID),
		notify:       p.sessionNotify(session.ID),
		capabilities: session.ClientCapabilities,
	}
	v, err := prompt.Fn(WithCallContext(ctx, cc), args)
	if err != nil {
		rpcErr := errorToRPC(err)
		if rpcErr.Code == CodeInternalError {
			p.logger.Error("prompt render failed", "prompt", prompt.Name, "error", err)
		}
		return nil, rpcErr
	}
	return normalizePromptResult(prompt, v), nil
}

// normalizePromptResult shapes a prompt return value into the prompts/get
// result: a string becomes one user message, a list is taken as messages,
// and a map carrying a messages key passes through.
func normalizePromptResult(prompt *PromptHandler, v any) map[string]any {
	textMessage := func(text string) map[string]any {
		return map[string]any{
			"role":    "user",
			"content": map[string]any{"type": "text", "text": text},
		}
	}
	switch t := v.(type) {
	case string:
		return map[string]any{
			"description": prompt.Description,
			"messages":    []any{textMessage(t)},
		}
	case []any:
		messages := make([]any, 0, len(t))
		for _, item := range t {
			switch m := item.(type) {
			case string:
				messages = append(messages, textMessage(m))
			default:
				messages = append(messages, m)
			}
		}
		return map[string]any{"description": prompt.Description, "messages": messages}
	case map[string]any:
		if _, ok := t["messages"]; ok {
			if _, hasDesc := t["description"]; !hasDesc && prompt.Description != "" {
				t["description"] = prompt.Description
			}
			return t
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", v))
	}
	return map[string]any{
		"description": prompt.Description,
		"messages":    []any{textMessage(string(raw))},
	}
}

func (p *Protocol) handleCompletion(ctx context.Context, msg *Message) (any, *RPCError) {
	var params struct {
		Ref struct {
			Type string `json:"type"`
			Name string `json:"name"`
			URI  string `json:"uri"`
		} `json:"ref"`
		Argument struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"argument"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, NewRPCError(CodeInvalidParams, "invalid completion/complete params")
	}

	var key string
	switch params.Ref.Type {
	case "ref/prompt":
		key = "prompt:" + params.Ref.Name
	case "ref/resource":
		key = "resource:" + params.Ref.URI
	default:
		return nil, NewRPCError(CodeInvalidParams, fmt.Sprintf("unknown completion ref type %q", params.Ref.Type))
	}

	p.mu.Lock()
	fn := p.completions[key]
	p.mu.Unlock()

	values := []string{}
	if fn != nil {
		var err error
		values, err = fn(ctx, params.Argument.Name, params.Argument.Value)
		if err != nil {
			return nil, errorToRPC(err)
		}
	}
	hasMore := false
	if len(values) > maxCompletionValues {
		values = values[:maxCompletionValues]
		hasMore = true
	}
	return map[string]any{
		"completion": map[string]any{
			"values":  values,
			"total":   len(values),
			"hasMore": hasMore,
		},
	}, nil
}

type taskParams struct {
	TaskID string `json:"taskId"`
}

func parseTaskParams(raw json.RawMessage) (string, *RPCError) {
	var params taskParams
	if err := json.Unmarshal(raw, &params); err != nil || params.TaskID == "" {
		return "", NewRPCError(CodeInvalidParams, "a taskId is required")
	}
	return params.TaskID, nil
}

func (p *Protocol) handleTasksGet(msg *Message) (any, *RPCError) {
	id, rpcErr := parseTaskParams(msg.Params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	task, ok := p.tasks.Get(id)
	if !ok {
		return nil, NewRPCError(CodeInvalidParams, fmt.Sprintf("Unknown task: %q", id))
	}
	return task.WireDict(), nil
}

func (p *Protocol) handleTasksResult(msg *Message) (any, *RPCError) {
	id, rpcErr := parseTaskParams(msg.Params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	result, err := p.tasks.Result(id)
	if err != nil {
		return nil, errorToRPC(err)
	}
	return result, nil
}

func (p *Protocol) handleTasksCancel(msg *Message) (any, *RPCError) {
	id, rpcErr := parseTaskParams(msg.Params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := p.tasks.Cancel(id); err != nil {
		return nil, errorToRPC(err)
	}
	task, _ := p.tasks.Get(id)
	return task.WireDict(), nil
}

// mcpLogLevels maps MCP logging levels onto slog levels. The finer syslog
// grades collapse into slog's four.
var mcpLogLevels = map[string]slog.Level{
	"debug":     slog.LevelDebug,
	"info":      slog.LevelInfo,
	"notice":    slog.LevelInfo,
	"warning":   slog.LevelWarn,
	"error":     slog.LevelError,
	"critical":  slog.LevelError,
	"alert":     slog.LevelError,
	"emergency": slog.LevelError,
}

func (p *Protocol) handleSetLevel(msg *Message) (any, *RPCError) {
	var params struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, NewRPCError(CodeInvalidParams, "invalid logging/setLevel params")
	}
	level, ok := mcpLogLevels[strings.ToLower(params.Level)]
	if !ok {
		return nil, NewRPCError(CodeInvalidParams, fmt.Sprintf("unknown log level %q", params.Level))
	}
	if p.logLevel != nil {
		p.logLevel.Set(level)
	}
	p.logger.Info("log level changed", "level", params.Level)
	return map[string]any{}, nil
}

// RegisterPusher attaches a live push stream to a session and marks the
// session protected against LRU eviction.
func (p *Protocol) RegisterPusher(sessionID string, fn pushFunc) {
	p.mu.Lock()
	p.pushers[sessionID] = fn
	p.mu.Unlock()
	p.sessions.SetProtected(sessionID, true)
}

// UnregisterPusher detaches the push stream. Buffered events remain for
// Last-Event-ID replay.
func (p *Protocol) UnregisterPusher(sessionID string) {
	p.mu.Lock()
	delete(p.pushers, sessionID)
	p.mu.Unlock()
	p.sessions.SetProtected(sessionID, false)
}

// addSink attaches an additional request-scoped push sink to a session,
// as used by streaming POST responses. The returned function detaches it.
func (p *Protocol) addSink(sessionID string, fn pushFunc) func() {
	p.mu.Lock()
	p.sinkSeq++
	id := p.sinkSeq
	set := p.requestSinks[sessionID]
	if set == nil {
		set = make(map[int]pushFunc)
		p.requestSinks[sessionID] = set
	}
	set[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		if set := p.requestSinks[sessionID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(p.requestSinks, sessionID)
			}
		}
		p.mu.Unlock()
	}
}

// bufferFrame assigns the session's next event id and records the frame for
// Last-Event-ID replay without delivering it anywhere.
func (p *Protocol) bufferFrame(sessionID, event string, payload []byte) uint64 {
	id := p.events.NextID(sessionID)
	p.events.Buffer(sessionID, id, event, payload)
	return id
}

// push assigns the next event id, buffers the frame for replay, and forwards
// it to the live stream and any request-scoped sinks.
func (p *Protocol) push(sessionID, event string, payload []byte) {
	id := p.bufferFrame(sessionID, event, payload)
	p.mu.Lock()
	targets := make([]pushFunc, 0, 1+len(p.requestSinks[sessionID]))
	if fn := p.pushers[sessionID]; fn != nil {
		targets = append(targets, fn)
	}
	for _, fn := range p.requestSinks[sessionID] {
		targets = append(targets, fn)
	}
	p.mu.Unlock()
	for _, fn := range targets {
		fn(id, event, payload)
	}
}

// notifySession pushes a server notification to one session. Without a live
// stream the frame is only buffered.
func (p *Protocol) notifySession(sessionID, method string, params any) {
	payload, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		p.logger.Error("marshaling notification", "method", method, "error", err)
		return
	}
	p.push(sessionID, eventServerNotification, payload)
}

// broadcast pushes a notification to every session with a live stream.
func (p *Protocol) broadcast(method string, params any) {
	p.mu.Lock()
	targets := make([]string, 0, len(p.pushers))
	for sessionID := range p.pushers {
		targets = append(targets, sessionID)
	}
	p.mu.Unlock()
	for _, sessionID := range targets {
		p.notifySession(sessionID, method, params)
	}
}

// NotifyToolsListChanged announces a tools list change to connected clients.
func (p *Protocol) NotifyToolsListChanged() {
	p.broadcast("notifications/tools/list_changed", map[string]any{})
}

// NotifyResourcesListChanged announces a resources list change.
func (p *Protocol) NotifyResourcesListChanged() {
	p.broadcast("notifications/resources/list_changed", map[string]any{})
}

// NotifyPromptsListChanged announces a prompts list change.
func (p *Protocol) NotifyPromptsListChanged() {
	p.broadcast("notifications/prompts/list_changed", map[string]any{})
}

func (p *Protocol) notifyTaskStatus(sessionID string, task map[string]any) {
	p.notifySession(sessionID, "notifications/tasks/status", task)
}

// sessionNotify binds fire-and-forget notification delivery to a session.
func (p *Protocol) sessionNotify(sessionID string) notifyFunc {
	return func(method string, params any) {
		p.notifySession(sessionID, method, params)
	}
}

// sessionRPC binds server-to-client request delivery to a session. The
// returned function suspends its caller until the client responds, the
// timeout fires, or the session dies.
func (p *Protocol) sessionRPC(sessionID string) rpcFunc {
	return func(ctx context.Context, method string, params any) (map[string]any, error) {
		return p.serverRequest(ctx, sessionID, method, params)
	}
}

func (p *Protocol) serverRequest(ctx context.Context, sessionID, method string, params any) (map[string]any, error) {
	p.mu.Lock()
	if p.pendingBySession[sessionID] >= maxPendingServerRequests {
		p.mu.Unlock()
		return nil, NewRPCError(CodeInternalError, "too many pending server requests for session")
	}
	// The "s-" prefix keeps server-initiated ids from ever colliding with
	// client request ids.
	id := "s-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	pr := &pendingRequest{sessionID: sessionID, ch: make(chan *Message, 1)}
	p.pending[id] = pr
	p.pendingBySession[sessionID]++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if _, still := p.pending[id]; still {
			delete(p.pending, id)
			p.pendingBySession[sessionID]--
		}
		p.mu.Unlock()
	}()

	payload, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshaling server request: %w", err)
	}
	p.push(sessionID, eventServerRequest, payload)
	p.logger.Debug("server request sent", "session", shortID(sessionID), "method", method, "id", id)

	timer := time.NewTimer(serverRequestTimeout)
	defer timer.Stop()
	select {
	case msg := <-pr.ch:
		if msg == nil {
			return nil, NewRPCError(CodeInternalError, "session terminated while waiting for client response")
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		var result map[string]any
		if len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, &result); err != nil {
				return nil, fmt.Errorf("decoding client response: %w", err)
			}
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, NewRPCError(CodeInternalError, fmt.Sprintf("timed out waiting for client response to %s", method))
	}
}

// DeliverResponse routes a client response back to the handler suspended on
// it. Responses for unknown or expired ids are dropped.
func (p *Protocol) DeliverResponse(sessionID string, msg *Message) bool {
	id, ok := msg.RequestID().(string)
	if !ok {
		return false
	}
	p.mu.Lock()
	pr, found := p.pending[id]
	if found && sessionID != "" && pr.sessionID != sessionID {
		// A response must come from the session the request went to.
		found = false
	}
	if found {
		delete(p.pending, id)
		p.pendingBySession[pr.sessionID]--
	}
	p.mu.Unlock()
	if !found {
		p.logger.Debug("dropping response for unknown request", "id", id)
		return false
	}
	pr.ch <- msg
	return true
}

// ShuttingDown reports whether Shutdown has begun.
func (p *Protocol) ShuttingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shuttingDown
}

// Shutdown stops accepting new requests, waits up to timeout for in-flight
// ones, then terminates every session.
func (p *Protocol) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	p.shuttingDown = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("shutdown timeout exceeded with requests in flight", "timeout", timeout)
	}
	p.sessions.Clear()
	p.logger.Info("protocol shut down")
}
