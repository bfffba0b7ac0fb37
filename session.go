package mcpserve

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"
)

// Supported MCP protocol versions, newest first. Unknown client versions are
// answered with the server's preferred version.
const (
	ProtocolVersion20251125 = "2025-11-25"
	ProtocolVersion20250618 = "2025-06-18"
	ProtocolVersion20250326 = "2025-03-26"

	DefaultProtocolVersion = ProtocolVersion20251125
)

var supportedProtocolVersions = map[string]bool{
	ProtocolVersion20251125: true,
	ProtocolVersion20250618: true,
	ProtocolVersion20250326: true,
}

// negotiateProtocolVersion accepts a known client version verbatim and
// answers anything else with the server's preferred version.
func negotiateProtocolVersion(requested string) string {
	if supportedProtocolVersions[requested] {
		return requested
	}
	return DefaultProtocolVersion
}

const (
	defaultMaxSessions     = 1000
	sessionSweepInterval   = 100 // creations between inline expiry sweeps
	sessionIdleExpiry      = time.Hour
	protectedEvictionGrace = 30 * time.Second
)

// Session is the per-client state created at initialize.
type Session struct {
	ID                 string
	ProtocolVersion    string
	ClientInfo         map[string]any
	ClientCapabilities map[string]any
	CreatedAt          time.Time
	LastActivity       time.Time
	Initialized        bool // set on notifications/initialized
	Protected          bool // set while a GET SSE stream is open
}

// SupportsCapability reports whether the client declared the capability
// (sampling, elicitation, roots) at initialize.
func (s *Session) SupportsCapability(name string) bool {
	_, ok := s.ClientCapabilities[name]
	return ok
}

// SessionManager allocates, looks up, and evicts sessions. All mutations are
// serialized by one mutex; sessions are small and lookups are cheap, so this
// is not a contention point at target throughput.
type SessionManager struct {
	mu            sync.Mutex
	sessions      map[string]*Session
	maxSessions   int
	creationCount int
	onEvict       func(sessionID string)
	logger        *slog.Logger
}

// NewSessionManager creates a session manager. onEvict runs for every evicted
// or expired session so the protocol layer can purge its per-session state.
func NewSessionManager(onEvict func(string), logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		maxSessions: defaultMaxSessions,
		onEvict:     onEvict,
		logger:      logger,
	}
}

// Create mints a new session for an initialize request.
func (m *SessionManager) Create(clientInfo, clientCapabilities map[string]any, requestedVersion string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creationCount++
	if m.creationCount%sessionSweepInterval == 0 {
		m.sweepExpiredLocked()
	}
	if len(m.sessions) >= m.maxSessions {
		m.evictOldestLocked()
	}

	now := time.Now()
	s := &Session{
		ID:                 newSessionID(),
		ProtocolVersion:    negotiateProtocolVersion(requestedVersion),
		ClientInfo:         clientInfo,
		ClientCapabilities: clientCapabilities,
		CreatedAt:          now,
		LastActivity:       now,
	}
	m.sessions[s.ID] = s
	m.logger.Debug("session created", "session", shortID(s.ID), "protocol", s.ProtocolVersion, "total", len(m.sessions))
	return s
}

// Get looks up a session and bumps its last-activity timestamp.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		s.LastActivity = time.Now()
	}
	return s, ok
}

// Peek looks up a session without touching last-activity.
func (m *SessionManager) Peek(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// MarkInitialized records receipt of notifications/initialized.
func (m *SessionManager) MarkInitialized(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Initialized = true
		s.LastActivity = time.Now()
	}
}

// SetProtected flags or unflags a session as having an open SSE push stream.
// Protected sessions are skipped by LRU eviction; idle expiry still applies.
func (m *SessionManager) SetProtected(id string, protected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Protected = protected
	}
}

// Terminate removes a session explicitly (DELETE /mcp), running cleanup.
func (m *SessionManager) Terminate(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	m.evictLocked(id)
	return true
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Clear terminates every session, running cleanup for each.
func (m *SessionManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		m.evictLocked(id)
	}
}

func (m *SessionManager) evictLocked(id string) {
	delete(m.sessions, id)
	if m.onEvict != nil {
		m.onEvict(id)
	}
}

// evictOldestLocked picks the LRU unprotected session. When every session is
// protected, it falls back to the global oldest, but only past a 30-second
// grace so a freshly opened stream is never the victim.
func (m *SessionManager) evictOldestLocked() {
	var victim *Session
	for _, s := range m.sessions {
		if s.Protected {
			continue
		}
		if victim == nil || s.LastActivity.Before(victim.LastActivity) {
			victim = s
		}
	}
	if victim == nil {
		cutoff := time.Now().Add(-protectedEvictionGrace)
		for _, s := range m.sessions {
			if s.LastActivity.After(cutoff) {
				continue
			}
			if victim == nil || s.LastActivity.Before(victim.LastActivity) {
				victim = s
			}
		}
	}
	if victim != nil {
		m.logger.Debug("evicting session", "session", shortID(victim.ID), "idle", time.Since(victim.LastActivity))
		m.evictLocked(victim.ID)
	}
}

func (m *SessionManager) sweepExpiredLocked() {
	cutoff := time.Now().Add(-sessionIdleExpiry)
	var expired []string
	for id, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.evictLocked(id)
	}
	if len(expired) > 0 {
		m.logger.Debug("swept expired sessions", "count", len(expired), "remaining", len(m.sessions))
	}
}

// newSessionID mints an opaque URL-safe session ID with 192 bits of entropy.
func newSessionID() string {
	var raw [24]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("mcpserve: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
