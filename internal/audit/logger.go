package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpWorkflowStart    Operation = "workflow.start"
	OpWorkflowAdvance  Operation = "workflow.advance"
	OpWorkflowComplete Operation = "workflow.complete"
	OpWorkflowFail     Operation = "workflow.fail"
	OpWorkflowRecover  Operation = "workflow.recover"
	OpSandboxProvision Operation = "sandbox.provision"
	OpSandboxBackup    Operation = "sandbox.backup"
	OpSandboxRestore   Operation = "sandbox.restore"
	OpGateReject       Operation = "gate.reject"
)

// Event represents an audit log entry
type Event struct {
	Timestamp  time.Time              `json:"timestamp"`
	Operation  Operation              `json:"operation"`
	UserID     string                 `json:"user_id,omitempty"`
	ChatID     string                 `json:"chat_id,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	RunID      string                 `json:"run_id,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates a new audit logger
func New(enabled bool) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.ChatID != "" {
		attrs = append(attrs, slog.String("chat_id", event.ChatID))
	}
	if event.WorkflowID != "" {
		attrs = append(attrs, slog.String("workflow_id", event.WorkflowID))
	}
	if event.RunID != "" {
		attrs = append(attrs, slog.String("run_id", event.RunID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// LogSuccess records a successful operation
func (l *Logger) LogSuccess(op Operation, userID, chatID, workflowID string) {
	l.Log(&Event{
		Operation:  op,
		UserID:     userID,
		ChatID:     chatID,
		WorkflowID: workflowID,
		Success:    true,
	})
}

// LogFailure records a failed operation
func (l *Logger) LogFailure(op Operation, userID, chatID, workflowID string, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	l.Log(&Event{
		Operation:  op,
		UserID:     userID,
		ChatID:     chatID,
		WorkflowID: workflowID,
		Success:    false,
		Error:      errMsg,
	})
}

// Convenience functions using default logger

func Log(event *Event) {
	Default().Log(event)
}

func LogSuccess(op Operation, userID, chatID, workflowID string) {
	Default().LogSuccess(op, userID, chatID, workflowID)
}

func LogFailure(op Operation, userID, chatID, workflowID string, err error) {
	Default().LogFailure(op, userID, chatID, workflowID, err)
}
