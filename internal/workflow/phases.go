package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// LLM is the single-shot JSON-mode call used by ANALYZE and RECOVER
// (RESOLVE_PACKAGES goes through the PackageResolver instead). It
// is intentionally minimal: the full streaming LLM client contract
// lives outside this module (spec §6) and is driven by the
// orchestrator, not the engine.
type LLM interface {
	Generate(ctx context.Context, prompt string) (json []byte, err error)
}

// PackageResolver turns a framework + intent into a concrete list of
// npm packages; an external collaborator (dependency registry lookup,
// static compatibility table, or another LLM call).
type PackageResolver interface {
	Resolve(ctx context.Context, framework, intent string) ([]string, error)
}

// Installer runs the install command for resolvedPackages inside the
// workflow's sandbox.
type Installer interface {
	Install(ctx context.Context, sandboxID string, packages []string) error
}

// Builder runs the project's build command inside the sandbox and
// reports the build output directory or a structured error report.
type Builder interface {
	Build(ctx context.Context, sandboxID string) (buildDir string, errorReport string, err error)
}

// Deployer publishes a built project and returns its preview URL.
type Deployer interface {
	Deploy(ctx context.Context, sandboxID, buildDir string) (previewURL string, err error)
}

// DefaultPhaseTable wires the fixed phase/timeout/retry policy from
// the component design table to concrete phase functions built from
// the given collaborators.
func DefaultPhaseTable(llm LLM, resolver PackageResolver, installer Installer, builder Builder, deployer Deployer) map[Step]PhaseSpec {
	return map[Step]PhaseSpec{
		StepPlan: {
			Executor:   ExecutorLocal,
			MaxRetries: 1,
			Timeout:    5 * time.Second,
			Fn:         planPhase,
		},
		StepAnalyze: {
			Executor:   ExecutorLLM,
			MaxRetries: 2,
			Timeout:    30 * time.Second,
			Fn:         analyzePhase(llm),
		},
		StepResolvePackages: {
			Executor:   ExecutorWorker,
			MaxRetries: 3,
			Timeout:    60 * time.Second,
			Fn:         resolvePackagesPhase(resolver),
		},
		StepInstallPackages: {
			Executor:   ExecutorWorker,
			MaxRetries: 3,
			Timeout:    120 * time.Second,
			Fn:         installPackagesPhase(installer),
		},
		StepGenerate: {
			Executor:   ExecutorHybrid,
			MaxRetries: 2,
			Timeout:    120 * time.Second,
			Fn:         generatePhase,
		},
		StepBuild: {
			Executor:   ExecutorWorker,
			MaxRetries: 3,
			Timeout:    180 * time.Second,
			Fn:         buildPhase(builder),
		},
		StepDeploy: {
			Executor:   ExecutorWorker,
			MaxRetries: 2,
			Timeout:    60 * time.Second,
			Fn:         deployPhase(deployer),
		},
		StepRecover: {
			Executor:   ExecutorLLM,
			MaxRetries: 2,
			Timeout:    60 * time.Second,
			Fn:         recoverPhase(llm),
		},
	}
}

// planPhase seeds the Plan checklist; it runs locally because it is
// pure bookkeeping, not an LLM or worker call.
func planPhase(ctx context.Context, wf *Workflow, input any) (map[string]any, error) {
	if wf.Context.Plan == nil {
		wf.Context.Plan = &Plan{Steps: []PlanStep{
			{ID: "1", Title: "Analyze request", Key: PlanKeyAnalyze, Status: PlanStepPending},
			{ID: "2", Title: "Resolve dependencies", Key: PlanKeyResolveDeps, Status: PlanStepPending},
			{ID: "3", Title: "Generate project", Key: PlanKeyGenerate, Status: PlanStepPending},
			{ID: "4", Title: "Validate build", Key: PlanKeyValidateBuild, Status: PlanStepPending},
			{ID: "5", Title: "Deploy preview", Key: PlanKeyDeploy, Status: PlanStepPending},
		}}
	}
	return nil, nil
}

func analyzePhase(llm LLM) PhaseFunc {
	return func(ctx context.Context, wf *Workflow, input any) (map[string]any, error) {
		raw, err := llm.Generate(ctx, analyzePrompt(wf, input))
		if err != nil {
			return nil, fmt.Errorf("analyze: llm call: %w", err)
		}
		data, err := validateJSON(analyzeOutputSchema, raw)
		if err != nil {
			return nil, err
		}
		if intent, ok := data["intent"].(string); ok {
			wf.Context.Intent = intent
		}
		if framework, ok := data["framework"].(string); ok {
			wf.Context.Framework = framework
		}
		return data, nil
	}
}

func analyzePrompt(wf *Workflow, input any) string {
	payload, _ := json.Marshal(input)
	return fmt.Sprintf("analyze request for chat %s: %s", wf.ChatID, string(payload))
}

func resolvePackagesPhase(resolver PackageResolver) PhaseFunc {
	return func(ctx context.Context, wf *Workflow, input any) (map[string]any, error) {
		if deps, ok := input.([]string); ok && len(deps) > 0 {
			wf.Context.ResolvedPackages = deps
			return map[string]any{"packages": deps}, nil
		}
		packages, err := resolver.Resolve(ctx, wf.Context.Framework, wf.Context.Intent)
		if err != nil {
			return nil, fmt.Errorf("resolve packages: %w", err)
		}
		wf.Context.ResolvedPackages = packages
		return map[string]any{"packages": packages}, nil
	}
}

func installPackagesPhase(installer Installer) PhaseFunc {
	return func(ctx context.Context, wf *Workflow, input any) (map[string]any, error) {
		if wf.SandboxID == "" {
			return nil, fmt.Errorf("%w: install packages requires a provisioned sandbox", ErrValidation)
		}
		if err := installer.Install(ctx, wf.SandboxID, wf.Context.ResolvedPackages); err != nil {
			return nil, fmt.Errorf("install packages: %w", err)
		}
		return nil, nil
	}
}

// generatePhase is a no-op placeholder: the actual file generation
// happens as the Orchestrator streams FILE_START/FILE_CONTENT/FILE_END
// events through the Sandbox Manager (spec §4.2), not inside a single
// synchronous phase call. This phase exists so the fixed step order
// and its Plan entry are still tracked. On a RECOVER resume from a
// failed BUILD, the orchestrator drives that regenerate streaming
// turn itself (driveRecoverRegenerate) before calling Advance into
// this phase, so by the time it runs the sandbox's files are already
// patched.
func generatePhase(ctx context.Context, wf *Workflow, input any) (map[string]any, error) {
	return nil, nil
}

func buildPhase(builder Builder) PhaseFunc {
	return func(ctx context.Context, wf *Workflow, input any) (map[string]any, error) {
		if wf.SandboxID == "" {
			return nil, fmt.Errorf("%w: build requires a provisioned sandbox", ErrValidation)
		}
		dir, errorReport, err := builder.Build(ctx, wf.SandboxID)
		if err != nil {
			if errorReport != "" {
				return map[string]any{"errorReport": errorReport}, fmt.Errorf("%w: %s", ErrValidation, errorReport)
			}
			return nil, fmt.Errorf("build: %w", err)
		}
		wf.Context.BuildDirectory = dir
		return map[string]any{"buildDirectory": dir}, nil
	}
}

func deployPhase(deployer Deployer) PhaseFunc {
	return func(ctx context.Context, wf *Workflow, input any) (map[string]any, error) {
		url, err := deployer.Deploy(ctx, wf.SandboxID, wf.Context.BuildDirectory)
		if err != nil {
			return nil, fmt.Errorf("deploy: %w", err)
		}
		wf.Context.PreviewURL = url
		return map[string]any{"previewUrl": url}, nil
	}
}

func recoverPhase(llm LLM) PhaseFunc {
	return func(ctx context.Context, wf *Workflow, input any) (map[string]any, error) {
		raw, err := llm.Generate(ctx, recoverPrompt(wf))
		if err != nil {
			return nil, fmt.Errorf("recover: llm call: %w", err)
		}
		data, err := validateJSON(recoverOutputSchema, raw)
		if err != nil {
			return nil, err
		}
		if packages, ok := data["adjustedPackages"].([]any); ok {
			adjusted := make([]string, 0, len(packages))
			for _, p := range packages {
				if s, ok := p.(string); ok {
					adjusted = append(adjusted, s)
				}
			}
			wf.Context.ResolvedPackages = adjusted
		}
		// retryPrompt only matters when RecoverTarget is StepGenerate:
		// the orchestrator feeds it to a fresh LLM stream turn to patch
		// the files that made BUILD fail before BUILD retries.
		if rp, ok := data["retryPrompt"].(string); ok && rp != "" {
			wf.Context.RetryPrompt = rp
		}
		return data, nil
	}
}

func recoverPrompt(wf *Workflow) string {
	lastErr := ""
	if n := len(wf.History); n > 0 {
		lastErr = wf.History[n-1].Error
	}
	if wf.Context.RecoverTarget == StepGenerate {
		return fmt.Sprintf("workflow %s failed BUILD with error: %s. propose adjustedPackages if the error is a missing dependency, and a retryPrompt describing the source changes needed before BUILD is retried", wf.ID, lastErr)
	}
	return fmt.Sprintf("propose a recovery plan for workflow %s at step %s after error: %s", wf.ID, wf.Context.RecoverTarget, lastErr)
}
