// Package workflow drives the durable, recoverable pipeline state
// machine that takes a chat request from PLAN through DEPLOY, with
// bounded per-phase retry, a RECOVER branch, and exclusive progress
// per workflow via a distributed lock.
package workflow

import (
	"errors"
	"time"
)

// Status is the overall lifecycle state of a Workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether status refuses further advances.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Step is one of the fixed pipeline phases.
type Step string

const (
	StepPlan            Step = "PLAN"
	StepAnalyze         Step = "ANALYZE"
	StepResolvePackages Step = "RESOLVE_PACKAGES"
	StepInstallPackages Step = "INSTALL_PACKAGES"
	StepGenerate        Step = "GENERATE"
	StepBuild           Step = "BUILD"
	StepDeploy          Step = "DEPLOY"
	StepRecover         Step = "RECOVER"
)

// stepOrder is the fixed, never-skipped progression. RECOVER is not a
// member: it is a detour, not a position.
var stepOrder = []Step{StepPlan, StepAnalyze, StepResolvePackages, StepInstallPackages, StepGenerate, StepBuild, StepDeploy}

func nextStep(current Step) (Step, bool) {
	for i, s := range stepOrder {
		if s == current {
			if i == len(stepOrder)-1 {
				return "", false
			}
			return stepOrder[i+1], true
		}
	}
	return "", false
}

// PlanStepKey identifies one checklist entry in a Plan.
type PlanStepKey string

const (
	PlanKeyAnalyze       PlanStepKey = "ANALYZE"
	PlanKeyResolveDeps   PlanStepKey = "RESOLVE_DEPS"
	PlanKeyGenerate      PlanStepKey = "GENERATE"
	PlanKeyValidateBuild PlanStepKey = "VALIDATE_BUILD"
	PlanKeyDeploy        PlanStepKey = "DEPLOY"
)

// PlanStepStatus is the progress of one checklist entry.
type PlanStepStatus string

const (
	PlanStepPending    PlanStepStatus = "pending"
	PlanStepInProgress PlanStepStatus = "in_progress"
	PlanStepDone       PlanStepStatus = "done"
	PlanStepFailed     PlanStepStatus = "failed"
	PlanStepBlocked    PlanStepStatus = "blocked"
)

// PlanStep is one checklist entry.
type PlanStep struct {
	ID     string         `json:"id"`
	Title  string         `json:"title"`
	Key    PlanStepKey    `json:"key"`
	Status PlanStepStatus `json:"status"`
}

// Plan is the optional structured checklist attached to a Workflow.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// Complete reports whether every step is done-or-failed.
func (p *Plan) Complete() bool {
	if p == nil {
		return true
	}
	for _, s := range p.Steps {
		if s.Status != PlanStepDone && s.Status != PlanStepFailed {
			return false
		}
	}
	return true
}

// CriticalFailure reports whether a GENERATE or VALIDATE_BUILD step
// has failed.
func (p *Plan) CriticalFailure() bool {
	if p == nil {
		return false
	}
	for _, s := range p.Steps {
		if s.Status == PlanStepFailed && (s.Key == PlanKeyGenerate || s.Key == PlanKeyValidateBuild) {
			return true
		}
	}
	return false
}

func (p *Plan) setStatus(key PlanStepKey, status PlanStepStatus) {
	if p == nil {
		return
	}
	for i := range p.Steps {
		if p.Steps[i].Key == key {
			p.Steps[i].Status = status
			return
		}
	}
}

// stepToPlanKey maps a pipeline Step to the Plan entry it drives, for
// the steps that have one.
var stepToPlanKey = map[Step]PlanStepKey{
	StepAnalyze:         PlanKeyAnalyze,
	StepResolvePackages: PlanKeyResolveDeps,
	StepGenerate:        PlanKeyGenerate,
	StepBuild:           PlanKeyValidateBuild,
	StepDeploy:          PlanKeyDeploy,
}

// Context is the accumulated working state carried between phases.
type Context struct {
	Intent           string   `json:"intent,omitempty"`
	Framework        string   `json:"framework,omitempty"`
	ResolvedPackages []string `json:"resolvedPackages,omitempty"`
	Plan             *Plan    `json:"plan,omitempty"`
	BuildDirectory   string   `json:"buildDirectory,omitempty"`
	PreviewURL       string   `json:"previewUrl,omitempty"`
	Errors           []string `json:"errors,omitempty"`

	// RecoverTarget is the step RECOVER redoes on success. For a failed
	// BUILD this is StepGenerate, not StepBuild itself, since BUILD
	// retried against unchanged files fails identically; landing back
	// on GENERATE lets the orchestrator drive a fresh regenerate turn
	// before BUILD runs again.
	RecoverTarget   Step `json:"recoverTarget,omitempty"`
	RecoverAttempts int  `json:"recoverAttempts,omitempty"`

	// RetryPrompt is RECOVER's guidance for the regenerate turn the
	// orchestrator drives when RecoverTarget is StepGenerate. Cleared
	// once that turn has run.
	RetryPrompt string `json:"retryPrompt,omitempty"`
}

// StepResult records the outcome of one advance() call.
type StepResult struct {
	Step       Step           `json:"step"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	DurationMs int64          `json:"durationMs"`
	RetryCount int            `json:"retryCount"`
}

// Workflow is the durable record of one run of the pipeline.
type Workflow struct {
	ID          string
	UserID      string
	ChatID      string
	Status      Status
	CurrentStep Step
	SandboxID   string
	Context     Context
	History     []StepResult
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

var (
	ErrTerminal        = errors.New("workflow: terminal status refuses further advances")
	ErrNotFound        = errors.New("workflow: not found")
	ErrAlreadyInFlight = errors.New("workflow: advance already in progress")
)

// New creates a pending Workflow at its first step.
func New(id, userID, chatID string) *Workflow {
	now := time.Now()
	return &Workflow{
		ID:          id,
		UserID:      userID,
		ChatID:      chatID,
		Status:      StatusPending,
		CurrentStep: StepPlan,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
