// Package run persists the durable transcript of one request: the Run
// header and its dense, monotonically sequenced RunEvents, plus an
// in-memory ring buffer so a reconnecting SSE client can resume
// without a database round trip for every poll.
package run

import (
	"errors"
	"time"

	"github.com/HyphaGroup/edward/internal/stream"
)

// State is the lifecycle state of a Run.
type State string

const (
	StateInit       State = "INIT"
	StateLLMStream  State = "LLM_STREAM"
	StateToolExec   State = "TOOL_EXEC"
	StateApply      State = "APPLY"
	StateNextTurn   State = "NEXT_TURN"
	StateComplete   State = "COMPLETE"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// IsTerminal reports whether state accepts no further events.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// Metadata carries the resume checkpoint and the weak workflow
// reference described in the component design's Ownership section.
type Metadata struct {
	ResumeCheckpoint string `json:"resumeCheckpoint,omitempty"`
	WorkflowID       string `json:"workflowId,omitempty"`
}

// Run is the durable header record for one request.
type Run struct {
	ID                 string                   `json:"id"`
	ChatID             string                   `json:"chatId"`
	UserID             string                   `json:"userId"`
	UserMessageID      string                   `json:"userMessageId"`
	AssistantMessageID string                   `json:"assistantMessageId"`
	Status             string                   `json:"status"`
	State              State                    `json:"state"`
	CurrentTurn        int                      `json:"currentTurn"`
	TerminationReason  stream.TerminationReason  `json:"terminationReason,omitempty"`
	LoopStopReason     stream.LoopStopReason     `json:"loopStopReason,omitempty"`
	ErrorMessage       string                   `json:"errorMessage,omitempty"`
	Metadata           Metadata                 `json:"metadata"`
	CreatedAt          time.Time                `json:"createdAt"`
	UpdatedAt          time.Time                `json:"updatedAt"`
}

// Event is one durable, densely sequenced transcript entry.
type Event struct {
	RunID     string           `json:"runId"`
	Seq       int              `json:"seq"`
	EventType stream.EventType `json:"eventType"`
	Event     stream.Event     `json:"event"`
	CreatedAt time.Time        `json:"createdAt"`
}

// New creates a pending Run in state INIT.
func New(id, chatID, userID, userMessageID string) *Run {
	now := time.Now()
	return &Run{
		ID:            id,
		ChatID:        chatID,
		UserID:        userID,
		UserMessageID: userMessageID,
		Status:        "active",
		State:         StateInit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

var (
	ErrNotFound          = errors.New("run: not found")
	ErrAlreadyComplete   = errors.New("run: session-complete already recorded")
	ErrEventsPurged      = errors.New("run: requested events have been purged from the buffer")
)
