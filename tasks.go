package mcpserve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the state of a long-running tool invocation.
type TaskStatus string

const (
	TaskWorking   TaskStatus = "working"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal states never
// regress.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// taskRetention is how long a terminal task is kept for polling clients.
const taskRetention = 30 * time.Minute

// Task is the durable record of a long-running tool invocation.
type Task struct {
	ID        string
	SessionID string
	ToolName  string
	Status    TaskStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	Message   string
	Result    map[string]any
	Error     *RPCError

	cancel context.CancelFunc
}

// WireDict is the tasks/get result shape.
func (t *Task) WireDict() map[string]any {
	m := map[string]any{
		"taskId":    t.ID,
		"toolName":  t.ToolName,
		"status":    string(t.Status),
		"createdAt": t.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": t.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if t.Message != "" {
		m["message"] = t.Message
	}
	if t.Result != nil {
		m["result"] = deepCopyMap(t.Result)
	}
	if t.Error != nil {
		m["error"] = map[string]any{"code": t.Error.Code, "message": t.Error.Message}
	}
	return m
}

// TaskNotifier receives notifications/tasks/status emissions.
type TaskNotifier func(sessionID string, task map[string]any)

// TaskManager owns the working/completed/failed/cancelled state machine.
// Transitions are monotonic: once terminal, a task never changes again.
type TaskManager struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	order  []string
	notify TaskNotifier
	logger *slog.Logger
}

// NewTaskManager creates an empty task manager. notify, when non-nil, is
// invoked after every state transition.
func NewTaskManager(notify TaskNotifier, logger *slog.Logger) *TaskManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskManager{
		tasks:  make(map[string]*Task),
		notify: notify,
		logger: logger,
	}
}

// Create records a new working task for a tool invocation. cancel, when
// non-nil, is the cooperative cancellation signal for the in-flight call.
func (m *TaskManager) Create(sessionID, toolName string, cancel context.CancelFunc) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	t := &Task{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		SessionID: sessionID,
		ToolName:  toolName,
		Status:    TaskWorking,
		CreatedAt: now,
		UpdatedAt: now,
		cancel:    cancel,
	}
	m.tasks[t.ID] = t
	m.order = append(m.order, t.ID)
	return t
}

// SetResult transitions a working task to completed.
func (m *TaskManager) SetResult(id string, result map[string]any) error {
	return m.transition(id, TaskCompleted, func(t *Task) { t.Result = result })
}

// SetError transitions a working task to failed.
func (m *TaskManager) SetError(id string, rpcErr *RPCError) error {
	return m.transition(id, TaskFailed, func(t *Task) { t.Error = rpcErr })
}

// Cancel signals the in-flight invocation and transitions the task to
// cancelled.
func (m *TaskManager) Cancel(id string) error {
	return m.transition(id, TaskCancelled, func(t *Task) {
		if t.cancel != nil {
			t.cancel()
		}
	})
}

func (m *TaskManager) transition(id string, to TaskStatus, apply func(*Task)) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	if t.Status != TaskWorking {
		m.mu.Unlock()
		return NewRPCError(CodeInvalidParams, fmt.Sprintf("task %s is already in terminal state: %s", id, t.Status))
	}
	apply(t)
	t.Status = to
	t.UpdatedAt = time.Now()
	t.cancel = nil
	wire := t.WireDict()
	sessionID := t.SessionID
	m.mu.Unlock()

	m.logger.Debug("task transition", "task", id, "status", to)
	if m.notify != nil {
		m.notify(sessionID, wire)
	}
	return nil
}

// Get returns a task by id.
func (m *TaskManager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Result returns the terminal task record; it fails while the task is still
// working.
func (m *TaskManager) Result(id string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	if !t.Status.IsTerminal() {
		return nil, NewRPCError(CodeInvalidParams, fmt.Sprintf("task %s is not yet complete (status: %s)", id, t.Status))
	}
	return t.WireDict(), nil
}

// List returns the wire dicts of a session's tasks in creation order.
func (m *TaskManager) List(sessionID string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, id := range m.order {
		t := m.tasks[id]
		if t != nil && t.SessionID == sessionID {
			out = append(out, t.WireDict())
		}
	}
	return out
}

// PurgeSession drops every task belonging to an evicted session.
func (m *TaskManager) PurgeSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(func(t *Task) bool { return t.SessionID == sessionID })
}

// Sweep drops terminal tasks older than the retention window.
func (m *TaskManager) Sweep() {
	cutoff := time.Now().Add(-taskRetention)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(func(t *Task) bool { return t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) })
}

func (m *TaskManager) removeLocked(drop func(*Task) bool) {
	kept := m.order[:0]
	for _, id := range m.order {
		t := m.tasks[id]
		if t != nil && drop(t) {
			delete(m.tasks, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// Clear drops every task.
func (m *TaskManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]*Task)
	m.order = nil
}
