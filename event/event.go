// Package event provides the lifecycle event model and the in-process
// bus that fans events out to independent listeners. Producers (stage
// transitions, generation progress, file writes) emit through the Bus;
// consumers (stream broadcaster, metrics, audit log, persistence)
// subscribe without knowing about each other.
package event

import (
	"log/slog"
	"time"

	"github.com/pipewright/pipewright/id"
)

// Type is the closed vocabulary of lifecycle event types.
type Type string

const (
	// Stage events.
	StageStarted   Type = "stage_started"
	StageCompleted Type = "stage_completed"
	StageFailed    Type = "stage_failed"

	// Agent events.
	AgentThinking Type = "agent_thinking"
	AgentResponse Type = "agent_response"
	AgentError    Type = "agent_error"

	// File events.
	FileGenerated Type = "file_generated"
	FileUpdated   Type = "file_updated"
	FileValidated Type = "file_validated"

	// User interaction events.
	HumanInputRequired Type = "human_input_required"
	UserMessage        Type = "user_message"
	ApprovalRequested  Type = "approval_requested"
	ApprovalGranted    Type = "approval_granted"
	ApprovalDenied     Type = "approval_denied"

	// Workflow events.
	WorkflowStarted   Type = "workflow_started"
	WorkflowPaused    Type = "workflow_paused"
	WorkflowResumed   Type = "workflow_resumed"
	WorkflowCompleted Type = "workflow_completed"

	// Error events.
	ErrorOccurred Type = "error_occurred"
	WarningIssued Type = "warning_issued"
	RetryAttempt  Type = "retry_attempt"
)

// Severity classifies an event for logging and display.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeveritySuccess  Severity = "success"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// LogLevel maps the severity to a slog level. Success maps to Info;
// Critical maps to Error since slog has no higher level.
func (s Severity) LogLevel() slog.Level {
	switch s {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError, SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Event is one immutable lifecycle event. Events are appended to an
// ordered per-project history and delivered to every listener.
type Event struct {
	ID        id.EventID     `json:"id"`
	Type      Type           `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	ProjectID string         `json:"project_id"`
	Stage     string         `json:"stage,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Severity  Severity       `json:"severity"`
	// Progress is a 0-100 percentage, nil when not applicable.
	Progress *int `json:"progress_percentage,omitempty"`
}
