package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/HyphaGroup/edward/internal/logger"
	"github.com/HyphaGroup/edward/internal/metrics"
	"github.com/HyphaGroup/edward/internal/parser"
	"github.com/HyphaGroup/edward/internal/run"
	"github.com/HyphaGroup/edward/internal/sandbox"
	"github.com/HyphaGroup/edward/internal/stream"
	"github.com/HyphaGroup/edward/internal/workflow"
)

// workflowStore is the persistence subset the orchestrator needs
// directly, beyond what it drives through the Engine.
type workflowStore interface {
	Save(ctx context.Context, wf *workflow.Workflow) error
}

// Builder runs the final unified build-and-upload once a session ends
// cleanly; fire-and-forget per spec §4.2 step 5.
type Builder interface {
	BuildAndUploadUnified(ctx context.Context, sandboxID string) error
}

// MessageStore persists the assistant's final (or partial/error) reply.
type MessageStore interface {
	SaveAssistantMessage(ctx context.Context, runID, chatID, content string) error
}

// FrameworkRecorder hands the Workflow Engine's Builder collaborator
// the framework ANALYZE classified, keyed by sandboxID, since
// workflow.Builder.Build itself only receives a sandboxID.
type FrameworkRecorder interface {
	SetFramework(sandboxID, framework string)
}

// Orchestrator drives Session.Run end to end.
type Orchestrator struct {
	Sandbox         *sandbox.Manager
	Workflow        *workflow.Engine
	WorkflowStore   workflowStore
	Runs            *run.Manager
	LLM             LLMClient
	Commands        CommandTool
	WebSearch       WebSearchTool
	Builder         Builder
	Messages        MessageStore
	Checkpoint      CheckpointFunc
	Frameworks      FrameworkRecorder

	MaxTurns           int
	MaxToolCalls       int
	MaxRawResponseSize int
	WallClock          time.Duration
}

// New constructs an Orchestrator, filling in spec defaults for any
// zero-valued bound.
func New(sbox *sandbox.Manager, eng *workflow.Engine, wfStore workflowStore, runs *run.Manager, llm LLMClient) *Orchestrator {
	return &Orchestrator{
		Sandbox:            sbox,
		Workflow:           eng,
		WorkflowStore:      wfStore,
		Runs:               runs,
		LLM:                llm,
		MaxTurns:           DefaultMaxTurns,
		MaxToolCalls:       DefaultMaxToolCalls,
		MaxRawResponseSize: DefaultMaxRawResponseSize,
		WallClock:          DefaultStreamWallClock,
	}
}

// runState is the mutable working state threaded through one Run
// call; it is the Go analogue of the source's closure-captured
// currentFilePath/firstChunkFlag/fullRawResponse locals.
type runState struct {
	sandboxID      string
	currentPath    string
	firstChunk     bool
	fullRaw        strings.Builder
	turn           int
	toolCallsInRun int
	fileEndsSeen   int
	agentMessages  []Message
	loopStopReason stream.LoopStopReason

	// regenerateOnly marks a runState driven by driveRecoverRegenerate:
	// applyEvent must not recurse back into driveBuildAndDeploy when
	// this sub-turn's own SANDBOX_END arrives.
	regenerateOnly bool
}

// Run drives sess end to end per the Stream Session Orchestrator
// protocol (spec §4.2). It always returns after emitting a terminal
// META event, and always returns nil: failures are reported as stream
// events and logged, not returned.
func (o *Orchestrator) Run(ctx context.Context, sess *Session) error {
	ctx, cancel := context.WithTimeout(ctx, o.boundedWallClock())
	defer cancel()

	metrics.RecordRunStart(sess.UserID)
	start := time.Now()

	if o.Runs != nil {
		r := run.New(sess.RunID, sess.ChatID, sess.UserID, sess.UserMessageID)
		r.AssistantMessageID = sess.AssistantMessageID
		r.State = run.StateLLMStream
		if sess.Workflow != nil {
			r.Metadata.WorkflowID = sess.Workflow.ID
		}
		if err := o.Runs.StartRun(ctx, r); err != nil {
			logger.ErrorContext(ctx, "orchestrator: start run failed", "error", err, "runId", sess.RunID)
		}
	}

	o.emit(ctx, sess, stream.Event{
		Version:            stream.SchemaVersion,
		Type:               stream.EventMeta,
		Phase:              stream.PhaseSessionStart,
		ChatID:             sess.ChatID,
		UserID:             sess.UserID,
		UserMessageID:      sess.UserMessageID,
		AssistantMessageID: sess.AssistantMessageID,
		IsNewChat:          sess.IsNewChat,
		RunID:              sess.RunID,
	})

	if sess.Mode != ModeGenerate {
		o.loadProjectState(ctx, sess)
	}

	o.driveInitialPhases(ctx, sess)

	st := &runState{firstChunk: true, agentMessages: toMessages(sess.HistoryMessages)}
	reason, termErr := o.driveTurns(ctx, sess, st)

	o.finalize(ctx, sess, st, reason, termErr)
	metrics.RecordRunEnd(sess.UserID, string(reason), time.Since(start).Seconds())
	return nil
}

// emit persists ev to the durable Run transcript (when a run.Manager
// is configured) and writes it to the client in the same call, so SSE
// order and persisted seq order never diverge.
func (o *Orchestrator) emit(ctx context.Context, sess *Session, ev stream.Event) {
	if o.Runs != nil {
		if _, err := o.Runs.Emit(ctx, sess.RunID, ev); err != nil && err != run.ErrAlreadyComplete {
			logger.ErrorContext(ctx, "orchestrator: persist run event failed", "error", err, "runId", sess.RunID)
		}
	}
	if err := sess.Writer.Send(ev); err != nil {
		logger.ErrorContext(ctx, "orchestrator: sse write failed", "error", err, "runId", sess.RunID)
	}
}

func (o *Orchestrator) boundedWallClock() time.Duration {
	if o.WallClock <= 0 {
		return DefaultStreamWallClock
	}
	return o.WallClock
}

func toMessages(hist []HistoryMessage) []Message {
	out := make([]Message, len(hist))
	for i, h := range hist {
		out[i] = Message{Role: h.Role, Content: h.Content}
	}
	return out
}

// loadProjectState implements step 2: for fix/edit mode, reuse an
// active sandbox if one exists, otherwise provision and restore from
// the last backup.
func (o *Orchestrator) loadProjectState(ctx context.Context, sess *Session) {
	if id, ok := o.Sandbox.GetActiveSandbox(sess.ChatID); ok {
		sess.Workflow.SandboxID = id
		return
	}
	id, err := o.Sandbox.ProvisionSandbox(ctx, sess.UserID, sess.ChatID, sess.Workflow.Context.Framework)
	if err != nil {
		logger.ErrorContext(ctx, "orchestrator: provision sandbox for resume failed", "error", err, "chatId", sess.ChatID)
		return
	}
	sess.Workflow.SandboxID = id
	if err := o.Sandbox.RestoreSandbox(ctx, id); err != nil {
		logger.ErrorContext(ctx, "orchestrator: restore sandbox failed", "error", err, "sandboxId", id)
	}
}

// driveTurns runs the bounded agentic tool loop: stream a turn, react
// to its events, and if a tool call interrupts the stream, inject its
// result and start another turn, until the model emits
// META(SESSION_END), a turn/tool-call bound is hit, or the stream
// fails.
func (o *Orchestrator) driveTurns(ctx context.Context, sess *Session, st *runState) (stream.TerminationReason, error) {
	for {
		if st.turn >= o.boundedMaxTurns() {
			st.loopStopReason = stream.LoopStopToolLimit
			return stream.TerminationNormal, nil
		}
		st.turn++

		llmStream, err := o.LLM.Stream(ctx, sess.APIKey, append(o.systemMessages(sess), st.agentMessages...))
		if err != nil {
			return stream.TerminationStreamFailed, fmt.Errorf("orchestrator: start llm stream: %w", err)
		}

		p := parser.New()
		toolCall, done, err := o.consumeStream(ctx, sess, st, p, llmStream)
		if err != nil {
			return stream.TerminationStreamFailed, err
		}
		if ctx.Err() != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return stream.TerminationStreamTimeout, nil
			}
			return stream.TerminationClientDisconnect, nil
		}
		if done {
			st.loopStopReason = stream.LoopStopDone
			return stream.TerminationNormal, nil
		}
		if toolCall == nil {
			// Stream ended without an explicit SESSION_END and without a
			// pending tool call: treat as a normal end of turn.
			st.loopStopReason = stream.LoopStopDone
			return stream.TerminationNormal, nil
		}

		if st.toolCallsInRun >= o.boundedMaxToolCalls() {
			st.loopStopReason = stream.LoopStopToolLimit
			return stream.TerminationNormal, nil
		}
		st.toolCallsInRun++
		result := o.runTool(ctx, sess, st, *toolCall)
		st.agentMessages = append(st.agentMessages,
			Message{Role: "assistant", Content: toolCall.raw},
			Message{Role: "system", Content: formatToolResult(result)},
		)

		if o.Checkpoint != nil {
			o.Checkpoint(ctx, st.checkpointState())
		}
	}
}

func (o *Orchestrator) boundedMaxTurns() int {
	if o.MaxTurns <= 0 {
		return DefaultMaxTurns
	}
	return o.MaxTurns
}

func (o *Orchestrator) boundedMaxToolCalls() int {
	if o.MaxToolCalls <= 0 {
		return DefaultMaxToolCalls
	}
	return o.MaxToolCalls
}

func (o *Orchestrator) boundedMaxRawResponseSize() int {
	if o.MaxRawResponseSize <= 0 {
		return DefaultMaxRawResponseSize
	}
	return o.MaxRawResponseSize
}

func (st *runState) checkpointState() CheckpointState {
	return CheckpointState{
		Turn:                st.turn,
		FullRawResponse:     st.fullRaw.String(),
		AgentMessages:       st.agentMessages,
		SandboxTagDetected:  st.sandboxID != "",
		TotalToolCallsInRun: st.toolCallsInRun,
	}
}

func (o *Orchestrator) systemMessages(sess *Session) []Message {
	var sys strings.Builder
	sys.WriteString("You are generating a web application inside a sandboxed workspace.\n")
	if sess.ProjectContext != "" {
		sys.WriteString(sess.ProjectContext)
	}
	return []Message{{Role: "system", Content: sys.String()}, {Role: "user", Content: sess.UserContent}}
}

// pendingToolCall captures a COMMAND/WEB_SEARCH event that interrupted
// chunk consumption along with the raw tag text for the synthetic
// assistant message.
type pendingToolCall struct {
	event stream.Event
	raw   string
}

// consumeStream feeds llmStream's chunks to p, applies side effects
// for every returned event, and writes every event to sess.Writer in
// emission order. It returns a pending tool call if one interrupted
// consumption, or done=true if the model emitted META(SESSION_END).
func (o *Orchestrator) consumeStream(ctx context.Context, sess *Session, st *runState, p *parser.Parser, llmStream LLMStream) (*pendingToolCall, bool, error) {
	for chunk := range llmStream.Chunks() {
		if ctx.Err() != nil {
			break
		}
		st.fullRaw.WriteString(chunk)
		if st.fullRaw.Len() > o.boundedMaxRawResponseSize() {
			o.emit(ctx, sess, stream.NewError("response exceeded maximum size", stream.CodeResponseTooBig))
			return nil, false, fmt.Errorf("orchestrator: fullRawResponse exceeded %d bytes", o.boundedMaxRawResponseSize())
		}

		for _, ev := range p.Process(chunk) {
			if tc, done, stop := o.applyEvent(ctx, sess, st, ev); stop {
				return tc, done, nil
			}
		}
	}
	if err := llmStream.Err(); err != nil {
		return nil, false, fmt.Errorf("orchestrator: llm stream: %w", err)
	}

	for _, ev := range p.Flush() {
		if tc, done, stop := o.applyEvent(ctx, sess, st, ev); stop {
			return tc, done, nil
		}
	}
	return nil, false, nil
}

// applyEvent implements step 4's per-event side effects and writes ev
// to the client. stop=true tells the caller to pause turn
// consumption (either a tool call or an explicit session end).
func (o *Orchestrator) applyEvent(ctx context.Context, sess *Session, st *runState, ev stream.Event) (tc *pendingToolCall, done bool, stop bool) {
	switch ev.Type {
	case stream.EventSandboxStart:
		if st.sandboxID == "" {
			id, err := o.Sandbox.ProvisionSandbox(ctx, sess.UserID, sess.ChatID, sess.Workflow.Context.Framework)
			if err != nil {
				o.emit(ctx, sess, stream.NewError(err.Error(), "sandbox_error"))
			} else {
				st.sandboxID = id
				sess.Workflow.SandboxID = id
				if o.Frameworks != nil {
					o.Frameworks.SetFramework(id, sess.Workflow.Context.Framework)
				}
			}
		}
	case stream.EventFileStart:
		st.currentPath = ev.Path
		st.firstChunk = true
		if st.sandboxID != "" {
			if err := o.Sandbox.PrepareSandboxFile(ctx, st.sandboxID, ev.Path); err != nil {
				o.emit(ctx, sess, stream.NewError(err.Error(), stream.CodeInvalidPath))
			}
		}
	case stream.EventFileContent:
		content := ev.Delta
		if st.firstChunk {
			content = stripLeadingFence(content)
			st.firstChunk = false
		}
		if st.sandboxID != "" && st.currentPath != "" {
			if err := o.Sandbox.WriteSandboxFile(ctx, st.sandboxID, st.currentPath, content); err != nil {
				o.emit(ctx, sess, stream.NewError(err.Error(), "sandbox_error"))
			}
		}
	case stream.EventFileEnd:
		st.currentPath = ""
		st.fileEndsSeen++
		if o.Checkpoint != nil && st.fileEndsSeen%checkpointEveryNFileEnds == 0 {
			o.Checkpoint(ctx, st.checkpointState())
		}
	case stream.EventInstallContent:
		o.driveInstall(ctx, sess, ev)
	case stream.EventSandboxEnd:
		if st.sandboxID != "" {
			if err := o.Sandbox.FlushSandbox(ctx, st.sandboxID, false); err != nil {
				o.emit(ctx, sess, stream.NewError(err.Error(), "sandbox_error"))
			}
			if !st.regenerateOnly {
				o.driveBuildAndDeploy(ctx, sess)
				go func(id string) {
					if err := o.Sandbox.BackupSandbox(context.Background(), id); err != nil {
						logger.ErrorContext(context.Background(), "orchestrator: fire-and-forget backup failed", "error", err, "sandboxId", id)
					}
				}(st.sandboxID)
			}
		}
	case stream.EventCommand:
		o.emit(ctx, sess, ev)
		return &pendingToolCall{event: ev, raw: formatCommandTag(ev)}, false, true
	case stream.EventWebSearch:
		o.emit(ctx, sess, ev)
		return &pendingToolCall{event: ev, raw: formatWebSearchTag(ev)}, false, true
	case stream.EventMeta:
		if ev.Phase == stream.PhaseSessionEnd {
			o.emit(ctx, sess, ev)
			return nil, true, true
		}
	}

	if ev.Type != stream.EventCommand && ev.Type != stream.EventWebSearch {
		o.emit(ctx, sess, ev)
	}
	return nil, false, false
}

// driveInitialPhases advances a fresh Workflow through PLAN and
// ANALYZE before the LLM stream starts, so the plan checklist and the
// intent/framework classification are in place by the time the model's
// own tags start arriving. It stops at RESOLVE_PACKAGES: that phase
// needs the dependency list the INSTALL_CONTENT tag carries, supplied
// later by driveInstall.
func (o *Orchestrator) driveInitialPhases(ctx context.Context, sess *Session) {
	wf := sess.Workflow
	if wf == nil || wf.Status.IsTerminal() {
		return
	}
	for wf.CurrentStep == workflow.StepPlan || wf.CurrentStep == workflow.StepAnalyze {
		if _, err := o.Workflow.Advance(ctx, wf, sess.UserContent); err != nil {
			logger.ErrorContext(ctx, "orchestrator: initial phase advance failed", "error", err, "step", wf.CurrentStep)
			break
		}
		if wf.Status.IsTerminal() {
			break
		}
	}
	o.saveWorkflow(ctx, wf)
}

// driveInstall advances the Workflow through RESOLVE_PACKAGES then
// INSTALL_PACKAGES for the parsed dependency list.
func (o *Orchestrator) driveInstall(ctx context.Context, sess *Session, ev stream.Event) {
	wf := sess.Workflow
	if wf.Context.Framework == "" {
		wf.Context.Framework = ev.Framework
	}

	if wf.CurrentStep == workflow.StepResolvePackages {
		if _, err := o.Workflow.Advance(ctx, wf, ev.Dependencies); err != nil {
			logger.ErrorContext(ctx, "orchestrator: resolve packages advance failed", "error", err)
			return
		}
	}
	if wf.CurrentStep == workflow.StepInstallPackages && wf.Status != workflow.StatusFailed {
		if _, err := o.Workflow.Advance(ctx, wf, nil); err != nil {
			logger.ErrorContext(ctx, "orchestrator: install packages advance failed", "error", err)
		}
	}
	o.saveWorkflow(ctx, wf)
}

// driveBuildAndDeploy advances the Workflow from wherever SANDBOX_END
// found it (GENERATE, having already happened as a side effect of the
// FILE_* events during streaming) through BUILD and DEPLOY, following
// the engine through its RECOVER detour as needed. A RECOVER detour
// that lands back on GENERATE (a failed BUILD) first drives a fresh
// regenerate LLM turn via driveRecoverRegenerate before letting the
// engine re-run GENERATE and retry BUILD. It stops once the workflow
// reaches a terminal status, emitting BUILD_STATUS/PREVIEW_URL on
// success or an ERROR event on final failure.
func (o *Orchestrator) driveBuildAndDeploy(ctx context.Context, sess *Session) {
	wf := sess.Workflow
	if wf == nil || wf.Status.IsTerminal() {
		return
	}
	if wf.CurrentStep != workflow.StepGenerate && wf.CurrentStep != workflow.StepBuild &&
		wf.CurrentStep != workflow.StepDeploy && wf.CurrentStep != workflow.StepRecover {
		return
	}

	defer o.saveWorkflow(ctx, wf)
	for !wf.Status.IsTerminal() {
		if wf.CurrentStep == workflow.StepGenerate && wf.Context.RetryPrompt != "" {
			o.driveRecoverRegenerate(ctx, sess)
		}
		result, err := o.Workflow.Advance(ctx, wf, nil)
		if err != nil {
			logger.ErrorContext(ctx, "orchestrator: build/deploy advance failed", "error", err)
			o.emit(ctx, sess, stream.NewError(err.Error(), "workflow_advance_failed"))
			return
		}
		if result == nil {
			return
		}
		if result.Step == workflow.StepBuild {
			status := "passed"
			if !result.Success {
				status = "failed"
			}
			o.emit(ctx, sess, stream.Event{
				Version: stream.SchemaVersion, Type: stream.EventBuildStatus,
				BuildStatus: status, ErrorReport: result.Error,
			})
		}
		if result.Step == workflow.StepDeploy && result.Success {
			o.emit(ctx, sess, stream.Event{
				Version: stream.SchemaVersion, Type: stream.EventPreviewURL,
				PreviewURL: wf.Context.PreviewURL,
			})
		}
		if !result.Success && wf.Status.IsTerminal() {
			o.emit(ctx, sess, stream.NewError(result.Error, "build_failed"))
		}
	}
}

// driveRecoverRegenerate runs one extra LLM stream turn seeded with
// RECOVER's retryPrompt, so the model can patch whatever made BUILD
// fail before BUILD is retried. It reuses consumeStream/applyEvent
// against the workflow's existing sandbox, so FILE_* tags land through
// the same Sandbox Manager path as the initial generate turn; it is
// called from driveBuildAndDeploy just before the engine re-enters
// GENERATE on a RECOVER resume.
func (o *Orchestrator) driveRecoverRegenerate(ctx context.Context, sess *Session) {
	wf := sess.Workflow
	prompt := wf.Context.RetryPrompt
	wf.Context.RetryPrompt = ""
	if prompt == "" || wf.SandboxID == "" {
		return
	}

	st := &runState{firstChunk: true, sandboxID: wf.SandboxID, regenerateOnly: true}
	st.agentMessages = []Message{{Role: "user", Content: prompt}}

	llmStream, err := o.LLM.Stream(ctx, sess.APIKey, append(o.systemMessages(sess), st.agentMessages...))
	if err != nil {
		logger.ErrorContext(ctx, "orchestrator: recover regenerate stream failed", "error", err)
		return
	}
	p := parser.New()
	if _, _, err := o.consumeStream(ctx, sess, st, p, llmStream); err != nil {
		logger.ErrorContext(ctx, "orchestrator: recover regenerate consume failed", "error", err)
	}
	if err := o.Sandbox.FlushSandbox(ctx, wf.SandboxID, false); err != nil {
		logger.ErrorContext(ctx, "orchestrator: recover regenerate flush failed", "error", err)
	}
}

// saveWorkflow persists wf outside the Engine's own lock-protected
// Advance path, so a resumed run observes the mutations driveInstall
// and driveBuildAndDeploy made directly to wf.Context/CurrentStep.
func (o *Orchestrator) saveWorkflow(ctx context.Context, wf *workflow.Workflow) {
	if o.WorkflowStore == nil {
		return
	}
	if err := o.WorkflowStore.Save(ctx, wf); err != nil {
		logger.ErrorContext(ctx, "orchestrator: save workflow failed", "error", err, "workflowId", wf.ID)
	}
}

func (o *Orchestrator) runTool(ctx context.Context, sess *Session, st *runState, tc pendingToolCall) ToolResult {
	ev := tc.event
	if ev.Type == stream.EventCommand {
		if o.Commands == nil || !IsAllowedCommand(ev.CommandName) {
			return ToolResult{Name: ev.CommandName, Err: "tool unavailable"}
		}
		result, err := o.Commands.RunCommand(ctx, st.sandboxID, ev.CommandName, ev.CommandArgs)
		if err != nil {
			result.Err = err.Error()
		}
		metrics.RecordToolCall(ev.CommandName, toolStatus(err))
		return result
	}
	if o.WebSearch == nil {
		return ToolResult{Name: "web_search", Err: "tool unavailable"}
	}
	result, err := o.WebSearch.Search(ctx, ev.Query, ev.MaxResults)
	if err != nil {
		result.Err = err.Error()
	}
	metrics.RecordToolCall("web_search", toolStatus(err))
	return result
}

func toolStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// finalize implements steps 5-7: flush, fire-and-forget build, persist
// the assistant message, write [DONE], and emit the terminal META.
func (o *Orchestrator) finalize(ctx context.Context, sess *Session, st *runState, reason stream.TerminationReason, runErr error) {
	finalizeCtx := context.Background()

	if st.sandboxID != "" {
		if runErr != nil {
			// A forced error goes straight to cleanup with no separate
			// drain here, since the failure may be exactly a wedged
			// sandbox; CleanupSandbox makes its own best-effort flush
			// before removing the container.
			if err := o.Sandbox.CleanupSandbox(finalizeCtx, st.sandboxID); err != nil {
				logger.ErrorContext(finalizeCtx, "orchestrator: cleanup after failure", "error", err, "sandboxId", st.sandboxID)
			}
		} else {
			// Client disconnect still drains pending buffered writes but
			// leaves the sandbox running for a possible resume.
			if err := o.Sandbox.FlushSandbox(finalizeCtx, st.sandboxID, true); err != nil {
				logger.ErrorContext(finalizeCtx, "orchestrator: final flush failed", "error", err, "sandboxId", st.sandboxID)
			}
			if reason == stream.TerminationNormal && o.Builder != nil {
				go func(id string) {
					if err := o.Builder.BuildAndUploadUnified(context.Background(), id); err != nil {
						logger.ErrorContext(context.Background(), "orchestrator: build and upload failed", "error", err, "sandboxId", id)
					}
				}(st.sandboxID)
			}
		}
	}

	if runErr != nil {
		o.emit(finalizeCtx, sess, stream.NewError(runErr.Error(), "stream_failed"))
	}

	content := st.fullRaw.String()
	if o.Messages != nil {
		if err := o.Messages.SaveAssistantMessage(finalizeCtx, sess.RunID, sess.ChatID, content); err != nil {
			logger.ErrorContext(finalizeCtx, "orchestrator: save assistant message failed", "error", err)
		}
	}

	if reason != stream.TerminationClientDisconnect {
		_ = sess.Writer.Done()
	}
	o.emit(finalizeCtx, sess, stream.Event{
		Version:           stream.SchemaVersion,
		Type:              stream.EventMeta,
		Phase:             stream.PhaseSessionComplete,
		RunID:             sess.RunID,
		TerminationReason: reason,
		LoopStopReason:    st.loopStopReason,
	})

	o.recordRunOutcome(finalizeCtx, sess, reason)
}

// recordRunOutcome updates the durable Run header's terminal state;
// a client disconnect leaves the run cancelled (resumable), everything
// else maps directly to completed/failed.
func (o *Orchestrator) recordRunOutcome(ctx context.Context, sess *Session, reason stream.TerminationReason) {
	if o.Runs == nil {
		return
	}
	r, err := o.Runs.Store().GetRun(ctx, sess.RunID)
	if err != nil {
		logger.ErrorContext(ctx, "orchestrator: load run for outcome update failed", "error", err, "runId", sess.RunID)
		return
	}
	r.TerminationReason = reason
	switch reason {
	case stream.TerminationNormal:
		r.State = run.StateComplete
		r.Status = "completed"
	case stream.TerminationClientDisconnect:
		r.State = run.StateCancelled
		r.Status = "cancelled"
	default:
		r.State = run.StateFailed
		r.Status = "failed"
	}
	if err := o.Runs.Store().SaveRun(ctx, r); err != nil {
		logger.ErrorContext(ctx, "orchestrator: save run outcome failed", "error", err, "runId", sess.RunID)
	}
	o.Runs.Finish(sess.RunID)
}

func stripLeadingFence(content string) string {
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(trimmed, "```") {
		return content
	}
	nl := strings.IndexByte(trimmed, '\n')
	if nl == -1 {
		return content
	}
	return trimmed[nl+1:]
}

func formatToolResult(r ToolResult) string {
	if r.Err != "" {
		return fmt.Sprintf("tool %q failed: %s", r.Name, r.Err)
	}
	return fmt.Sprintf("tool %q result:\n%s", r.Name, r.Output)
}

func formatCommandTag(ev stream.Event) string {
	return fmt.Sprintf("<edward_command command=%q args=%q/>", ev.CommandName, ev.CommandArgs)
}

func formatWebSearchTag(ev stream.Event) string {
	return fmt.Sprintf("<edward_web_search query=%q max_results=\"%d\"/>", ev.Query, ev.MaxResults)
}
