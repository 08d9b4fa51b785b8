// Package orchestrator drives one request end to end: invoking the
// LLM, feeding its stream to the Structured Stream Parser, applying
// side effects through the Sandbox Manager and Workflow Engine,
// re-emitting every event over SSE, and finalizing with a terminal
// META event.
package orchestrator

import (
	"context"
	"time"

	"github.com/HyphaGroup/edward/internal/stream"
	"github.com/HyphaGroup/edward/internal/workflow"
)

// Mode selects how the session treats the current project state.
type Mode string

const (
	ModeGenerate Mode = "generate"
	ModeFix      Mode = "fix"
	ModeEdit     Mode = "edit"
)

// HistoryMessage is one prior turn fed back to the LLM as context.
type HistoryMessage struct {
	Role    string
	Content string
}

// Session is everything one orchestrator run needs; it corresponds to
// the source's `session` parameter object.
type Session struct {
	UserID             string
	ChatID             string
	Workflow           *workflow.Workflow
	UserContent        string
	APIKey             string
	Writer             *stream.Writer
	HistoryMessages    []HistoryMessage
	ProjectContext     string
	Mode               Mode
	RunID              string
	ResumeCheckpoint   string
	UserMessageID      string
	AssistantMessageID string
	IsNewChat          bool
}

// CheckpointState is persisted at every turn boundary and every N
// FILE_END events so a detached worker could resume the same stream
// from the last turn without replaying side effects.
type CheckpointState struct {
	Turn                int
	FullRawResponse     string
	AgentMessages       []Message
	SandboxTagDetected  bool
	TotalToolCallsInRun int
}

// CheckpointFunc is invoked on each checkpoint boundary.
type CheckpointFunc func(ctx context.Context, state CheckpointState)

// Default bounds from the agentic multi-turn contract.
const (
	DefaultMaxTurns           = 8
	DefaultMaxToolCalls       = 24
	DefaultMaxRawResponseSize = 10 << 20 // 10 MiB
	DefaultStreamWallClock    = 5 * time.Minute
	checkpointEveryNFileEnds  = 5
)
