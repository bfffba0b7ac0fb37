package mcpserve

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registration failure kinds.
var (
	ErrDuplicateName = errors.New("duplicate name")
	ErrInvalidName   = errors.New("invalid name")
	ErrNotFound      = errors.New("not found")
)

// toolNamePattern is the MCP constraint on tool names: 1-128 chars from
// [A-Za-z0-9_.-].
var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// defaultPageSize is the page size for paginated list operations.
const defaultPageSize = 50

// ToolFunc is the callable behind a registered tool. Arguments arrive
// schema-coerced; the returned value is normalized to MCP content by the
// protocol layer unless it is already a pre-formatted result.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// ResourceFunc produces the content of a resource read.
type ResourceFunc func(ctx context.Context) (any, error)

// TemplateFunc produces the content of a templated resource read, with the
// URI template variables bound.
type TemplateFunc func(ctx context.Context, vars map[string]string) (any, error)

// PromptFunc renders a prompt. It may return a string, a message list, or a
// full {description, messages} map.
type PromptFunc func(ctx context.Context, args map[string]any) (any, error)

// AuthRequirement declares whether a tool requires an OAuth token and which
// scopes it needs.
type AuthRequirement struct {
	Required bool
	Scopes   []string
}

// ToolAnnotations are the optional MCP behavior hints.
type ToolAnnotations struct {
	ReadOnlyHint    *bool `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool `json:"openWorldHint,omitempty"`
}

func (a ToolAnnotations) empty() bool {
	return a.ReadOnlyHint == nil && a.DestructiveHint == nil && a.IdempotentHint == nil && a.OpenWorldHint == nil
}

// Icon is an MCP icon descriptor.
type Icon struct {
	Src      string   `json:"src"`
	MimeType string   `json:"mimeType,omitempty"`
	Sizes    []string `json:"sizes,omitempty"`
}

// ToolHandler is a registered tool with its pre-computed schema and cached
// serialized wire form.
type ToolHandler struct {
	Name         string
	Description  string
	Fn           ToolFunc
	Fields       []Field
	Defs         map[string][]Field
	OutputSchema map[string]any
	Annotations  ToolAnnotations
	Icons        []Icon
	WebsiteURL   string
	Meta         map[string]any
	Auth         AuthRequirement
	LongRunning  bool

	inputSchema map[string]any
	compiled    *jsonschema.Schema
	wire        map[string]any
	wireBytes   []byte
}

// InputSchema returns the derived JSON Schema for the tool's arguments.
func (t *ToolHandler) InputSchema() map[string]any { return t.inputSchema }

// WireDict returns a deep copy of the tool's wire representation. Callers may
// mutate the result freely.
func (t *ToolHandler) WireDict() map[string]any { return deepCopyMap(t.wire) }

// WireBytes returns the cached serialized form. The returned slice must not
// be mutated.
func (t *ToolHandler) WireBytes() []byte { return t.wireBytes }

// ResourceHandler is a registered URI-addressed resource. Reads may be cached
// for CacheTTL.
type ResourceHandler struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Icons       []Icon
	Meta        map[string]any
	CacheTTL    time.Duration
	Fn          ResourceFunc

	wire      map[string]any
	wireBytes []byte

	mu          sync.Mutex
	cached      any
	cachedUntil time.Time
}

// WireDict returns a deep copy of the resource's wire representation.
func (r *ResourceHandler) WireDict() map[string]any { return deepCopyMap(r.wire) }

// WireBytes returns the cached serialized form.
func (r *ResourceHandler) WireBytes() []byte { return r.wireBytes }

// Read invokes the resource function, honoring the content cache.
func (r *ResourceHandler) Read(ctx context.Context) (any, error) {
	if r.CacheTTL > 0 {
		r.mu.Lock()
		if time.Now().Before(r.cachedUntil) {
			v := r.cached
			r.mu.Unlock()
			return v, nil
		}
		r.mu.Unlock()
	}
	v, err := r.Fn(ctx)
	if err != nil {
		return nil, err
	}
	if r.CacheTTL > 0 {
		r.mu.Lock()
		r.cached = v
		r.cachedUntil = time.Now().Add(r.CacheTTL)
		r.mu.Unlock()
	}
	return v, nil
}

// InvalidateCache drops any cached content.
func (r *ResourceHandler) InvalidateCache() {
	r.mu.Lock()
	r.cachedUntil = time.Time{}
	r.cached = nil
	r.mu.Unlock()
}

// ResourceTemplateHandler is a registered RFC 6570 Level-1 URI template.
type ResourceTemplateHandler struct {
	URITemplate string
	Name        string
	Description string
	MimeType    string
	Icons       []Icon
	Fn          TemplateFunc

	segments  []templateSegment
	wire      map[string]any
	wireBytes []byte
}

type templateSegment struct {
	literal string
	varName string // set for {var} segments
}

// WireDict returns a deep copy of the template's wire representation.
func (t *ResourceTemplateHandler) WireDict() map[string]any { return deepCopyMap(t.wire) }

// WireBytes returns the cached serialized form.
func (t *ResourceTemplateHandler) WireBytes() []byte { return t.wireBytes }

// Match binds the template against a concrete URI, returning the variable
// values when it matches.
func (t *ResourceTemplateHandler) Match(uri string) (map[string]string, bool) {
	vars := map[string]string{}
	rest := uri
	for i, seg := range t.segments {
		if seg.varName == "" {
			if !strings.HasPrefix(rest, seg.literal) {
				return nil, false
			}
			rest = rest[len(seg.literal):]
			continue
		}
		// A variable expands up to the next literal, or to the end.
		if i+1 < len(t.segments) {
			next := t.segments[i+1].literal
			idx := strings.Index(rest, next)
			if idx < 0 {
				return nil, false
			}
			vars[seg.varName] = rest[:idx]
			rest = rest[idx:]
		} else {
			if rest == "" {
				return nil, false
			}
			vars[seg.varName] = rest
			rest = ""
		}
	}
	if rest != "" {
		return nil, false
	}
	return vars, true
}

// PromptHandler is a registered prompt template.
type PromptHandler struct {
	Name        string
	Description string
	Arguments   []Field
	Fn          PromptFunc

	wire      map[string]any
	wireBytes []byte
}

// WireDict returns a deep copy of the prompt's wire representation.
func (p *PromptHandler) WireDict() map[string]any { return deepCopyMap(p.wire) }

// WireBytes returns the cached serialized form.
func (p *PromptHandler) WireBytes() []byte { return p.wireBytes }

// Registry owns every registered handler. Wire dicts and their serialized
// bytes are computed exactly once at registration; list responses concatenate
// the cached byte fragments instead of re-serializing.
type Registry struct {
	mu sync.RWMutex

	tools     map[string]*ToolHandler
	toolOrder []string

	resources     map[string]*ResourceHandler
	resourceOrder []string

	templates     map[string]*ResourceTemplateHandler
	templateOrder []string

	prompts     map[string]*PromptHandler
	promptOrder []string

	logger *slog.Logger
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:     make(map[string]*ToolHandler),
		resources: make(map[string]*ResourceHandler),
		templates: make(map[string]*ResourceTemplateHandler),
		prompts:   make(map[string]*PromptHandler),
		logger:    logger,
	}
}

// RegisterTool validates, derives schemas for, and stores a tool handler.
func (r *Registry) RegisterTool(t *ToolHandler) error {
	if !toolNamePattern.MatchString(t.Name) {
		return fmt.Errorf("tool %q: %w", t.Name, ErrInvalidName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q: %w", t.Name, ErrDuplicateName)
	}
	if err := t.rebuild(); err != nil {
		return err
	}
	r.tools[t.Name] = t
	r.toolOrder = append(r.toolOrder, t.Name)
	r.logger.Debug("registered tool", "tool", t.Name)
	return nil
}

func (t *ToolHandler) rebuild() error {
	schema, err := BuildObjectSchema(t.Fields, t.Defs)
	if err != nil {
		return err
	}
	compiled, err := compileSchema("tool-"+t.Name, schema)
	if err != nil {
		return fmt.Errorf("tool %q: compiling input schema: %w", t.Name, err)
	}
	t.inputSchema = schema
	t.compiled = compiled

	wire := map[string]any{
		"name":        t.Name,
		"description": t.Description,
		"inputSchema": schema,
	}
	if t.OutputSchema != nil {
		wire["outputSchema"] = t.OutputSchema
	}
	if !t.Annotations.empty() {
		wire["annotations"] = annotationsMap(t.Annotations)
	}
	if len(t.Icons) > 0 {
		wire["icons"] = iconList(t.Icons)
	}
	if t.WebsiteURL != "" {
		wire["websiteUrl"] = t.WebsiteURL
	}
	if len(t.Meta) > 0 {
		wire["_meta"] = t.Meta
	}
	return freeze(wire, &t.wire, &t.wireBytes)
}

// RegisterResource validates and stores a resource handler.
func (r *Registry) RegisterResource(res *ResourceHandler) error {
	if res.URI == "" {
		return fmt.Errorf("resource: %w", ErrInvalidName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[res.URI]; exists {
		return fmt.Errorf("resource %q: %w", res.URI, ErrDuplicateName)
	}
	if err := res.rebuild(); err != nil {
		return err
	}
	r.resources[res.URI] = res
	r.resourceOrder = append(r.resourceOrder, res.URI)
	r.logger.Debug("registered resource", "uri", res.URI)
	return nil
}

func (res *ResourceHandler) rebuild() error {
	wire := map[string]any{
		"uri":  res.URI,
		"name": res.Name,
	}
	if res.Description != "" {
		wire["description"] = res.Description
	}
	if res.MimeType != "" {
		wire["mimeType"] = res.MimeType
	}
	if len(res.Icons) > 0 {
		wire["icons"] = iconList(res.Icons)
	}
	if len(res.Meta) > 0 {
		wire["_meta"] = res.Meta
	}
	return freeze(wire, &res.wire, &res.wireBytes)
}

// RegisterResourceTemplate parses the URI template and stores the handler.
func (r *Registry) RegisterResourceTemplate(t *ResourceTemplateHandler) error {
	segments, err := parseURITemplate(t.URITemplate)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.templates[t.URITemplate]; exists {
		return fmt.Errorf("resource template %q: %w", t.URITemplate, ErrDuplicateName)
	}
	t.segments = segments
	wire := map[string]any{
		"uriTemplate": t.URITemplate,
		"name":        t.Name,
	}
	if t.Description != "" {
		wire["description"] = t.Description
	}
	if t.MimeType != "" {
		wire["mimeType"] = t.MimeType
	}
	if len(t.Icons) > 0 {
		wire["icons"] = iconList(t.Icons)
	}
	if err := freeze(wire, &t.wire, &t.wireBytes); err != nil {
		return err
	}
	r.templates[t.URITemplate] = t
	r.templateOrder = append(r.templateOrder, t.URITemplate)
	r.logger.Debug("registered resource template", "template", t.URITemplate)
	return nil
}

// RegisterPrompt validates and stores a prompt handler.
func (r *Registry) RegisterPrompt(p *PromptHandler) error {
	if p.Name == "" {
		return fmt.Errorf("prompt: %w", ErrInvalidName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prompts[p.Name]; exists {
		return fmt.Errorf("prompt %q: %w", p.Name, ErrDuplicateName)
	}
	wire := map[string]any{
		"name": p.Name,
	}
	if p.Description != "" {
		wire["description"] = p.Description
	}
	if len(p.Arguments) > 0 {
		args := make([]any, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			arg := map[string]any{"name": a.Name, "required": a.Required}
			if a.Description != "" {
				arg["description"] = a.Description
			}
			args = append(args, arg)
		}
		wire["arguments"] = args
	}
	if err := freeze(wire, &p.wire, &p.wireBytes); err != nil {
		return err
	}
	r.prompts[p.Name] = p
	r.promptOrder = append(r.promptOrder, p.Name)
	r.logger.Debug("registered prompt", "prompt", p.Name)
	return nil
}

// Tool looks up a tool by name.
func (r *Registry) Tool(name string) (*ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Resource looks up a resource by URI.
func (r *Registry) Resource(uri string) (*ResourceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[uri]
	return res, ok
}

// MatchTemplate finds the first registered template matching the URI.
func (r *Registry) MatchTemplate(uri string) (*ResourceTemplateHandler, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range r.templateOrder {
		t := r.templates[key]
		if vars, ok := t.Match(uri); ok {
			return t, vars, true
		}
	}
	return nil, nil, false
}

// Prompt looks up a prompt by name.
func (r *Registry) Prompt(name string) (*PromptHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[name]
	return p, ok
}

// ToolNames returns the registered tool names in insertion order.
func (r *Registry) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.toolOrder...)
}

// PromptNames returns the registered prompt names in insertion order.
func (r *Registry) PromptNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.promptOrder...)
}

// ResourceURIs returns the registered resource URIs in insertion order.
func (r *Registry) ResourceURIs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.resourceOrder...)
}

// Counts returns the number of registered tools, resources, and prompts.
func (r *Registry) Counts() (tools, resources, prompts int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools), len(r.resources), len(r.prompts)
}

// Invalidate recomputes the cached schema and wire bytes for the named tool.
// Cached bytes are replaced, never mutated in place.
func (r *Registry) Invalidate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("tool %q: %w", name, ErrNotFound)
	}
	return t.rebuild()
}

// ListTools assembles a page of the tools list by concatenating cached byte
// fragments. It returns the serialized JSON array plus the next cursor.
func (r *Registry) ListTools(cursor string) (json.RawMessage, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return listWire(r.toolOrder, cursor, func(name string) []byte { return r.tools[name].wireBytes })
}

// ListResources assembles a page of the resources list from cached bytes.
func (r *Registry) ListResources(cursor string) (json.RawMessage, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return listWire(r.resourceOrder, cursor, func(uri string) []byte { return r.resources[uri].wireBytes })
}

// ListResourceTemplates assembles a page of the templates list.
func (r *Registry) ListResourceTemplates(cursor string) (json.RawMessage, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return listWire(r.templateOrder, cursor, func(key string) []byte { return r.templates[key].wireBytes })
}

// ListPrompts assembles a page of the prompts list from cached bytes.
func (r *Registry) ListPrompts(cursor string) (json.RawMessage, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return listWire(r.promptOrder, cursor, func(name string) []byte { return r.prompts[name].wireBytes })
}

// listWire concatenates pre-serialized handler fragments into a JSON array
// page. Invalid cursors restart from the beginning.
func listWire(order []string, cursor string, fragment func(string) []byte) (json.RawMessage, string, error) {
	offset := decodeCursor(cursor)
	if offset > len(order) {
		offset = len(order)
	}
	end := offset + defaultPageSize
	if end > len(order) {
		end = len(order)
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, key := range order[offset:end] {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(fragment(key))
	}
	buf.WriteByte(']')

	next := ""
	if end < len(order) {
		next = encodeCursor(end)
	}
	return json.RawMessage(buf.Bytes()), next, nil
}

func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// freeze serializes a wire dict once and stores both forms.
func freeze(wire map[string]any, dst *map[string]any, dstBytes *[]byte) error {
	raw, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	*dst = wire
	*dstBytes = raw
	return nil
}

func annotationsMap(a ToolAnnotations) map[string]any {
	m := map[string]any{}
	if a.ReadOnlyHint != nil {
		m["readOnlyHint"] = *a.ReadOnlyHint
	}
	if a.DestructiveHint != nil {
		m["destructiveHint"] = *a.DestructiveHint
	}
	if a.IdempotentHint != nil {
		m["idempotentHint"] = *a.IdempotentHint
	}
	if a.OpenWorldHint != nil {
		m["openWorldHint"] = *a.OpenWorldHint
	}
	return m
}

func iconList(icons []Icon) []any {
	out := make([]any, 0, len(icons))
	for _, ic := range icons {
		m := map[string]any{"src": ic.Src}
		if ic.MimeType != "" {
			m["mimeType"] = ic.MimeType
		}
		if len(ic.Sizes) > 0 {
			m["sizes"] = ic.Sizes
		}
		out = append(out, m)
	}
	return out
}

// parseURITemplate splits an RFC 6570 Level-1 template into literal and
// variable segments.
func parseURITemplate(template string) ([]templateSegment, error) {
	if template == "" {
		return nil, fmt.Errorf("resource template: %w", ErrInvalidName)
	}
	var segments []templateSegment
	rest := template
	for len(rest) > 0 {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			segments = append(segments, templateSegment{literal: rest})
			break
		}
		if open > 0 {
			segments = append(segments, templateSegment{literal: rest[:open]})
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return nil, fmt.Errorf("resource template %q: unterminated expression: %w", template, ErrInvalidName)
		}
		varName := rest[open+1 : open+closing]
		if varName == "" || strings.ContainsAny(varName, "{}*+#./;?&") {
			return nil, fmt.Errorf("resource template %q: only Level-1 simple expansion is supported: %w", template, ErrInvalidName)
		}
		segments = append(segments, templateSegment{varName: varName})
		rest = rest[open+closing+1:]
	}
	return segments, nil
}

// deepCopyMap returns a recursive copy so callers can mutate the result
// without touching the cached wire dict.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
