package orchestrator

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/edward/internal/container"
	"github.com/HyphaGroup/edward/internal/run"
	"github.com/HyphaGroup/edward/internal/sandbox"
	"github.com/HyphaGroup/edward/internal/stream"
	"github.com/HyphaGroup/edward/internal/workflow"
)

// fakeRuntime is a minimal in-memory container.Runtime double; every
// lifecycle call succeeds immediately, Exec is a no-op.
type fakeRuntime struct{ nextID int }

func (f *fakeRuntime) Name() string                                { return "fake" }
func (f *fakeRuntime) IsAvailable() bool                           { return true }
func (f *fakeRuntime) Ping(context.Context) error                  { return nil }
func (f *fakeRuntime) Close() error                                { return nil }
func (f *fakeRuntime) Create(ctx context.Context, cfg container.CreateConfig) (string, error) {
	f.nextID++
	return cfg.Name, nil
}
func (f *fakeRuntime) Start(ctx context.Context, id string) error         { return nil }
func (f *fakeRuntime) Stop(ctx context.Context, id string) error          { return nil }
func (f *fakeRuntime) Remove(ctx context.Context, id string, force bool) error { return nil }
func (f *fakeRuntime) Pause(ctx context.Context, id string) error         { return nil }
func (f *fakeRuntime) Unpause(ctx context.Context, id string) error       { return nil }
func (f *fakeRuntime) Exec(ctx context.Context, id string, cfg container.ExecConfig) (*container.ExecResult, error) {
	return &container.ExecResult{ExitCode: 0}, nil
}
func (f *fakeRuntime) ExecInteractive(ctx context.Context, id string, cfg container.ExecConfig) (*container.InteractiveExec, error) {
	return nil, nil
}
func (f *fakeRuntime) Inspect(ctx context.Context, id string) (*container.ContainerInfo, error) {
	return &container.ContainerInfo{ID: id, Status: container.StatusRunning}, nil
}
func (f *fakeRuntime) Logs(ctx context.Context, id string, opts container.LogsOptions) (string, error) {
	return "", nil
}
func (f *fakeRuntime) Status(ctx context.Context, id string) (container.ContainerStatus, error) {
	return container.StatusRunning, nil
}
func (f *fakeRuntime) List(ctx context.Context, labels map[string]string) ([]container.ContainerInfo, error) {
	return nil, nil
}
func (f *fakeRuntime) Build(ctx context.Context, cfg container.BuildConfig) error { return nil }
func (f *fakeRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	return true, nil
}
func (f *fakeRuntime) Pull(ctx context.Context, image string) error { return nil }

func newTestSandboxManager() *sandbox.Manager {
	return sandbox.New(&fakeRuntime{}, sandbox.Config{PoolSize: 1})
}

// fakeLocker grants every lock unconditionally; sufficient for
// single-goroutine test scenarios where contention is not under test.
type fakeLocker struct{}

func (fakeLocker) AcquireLock(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (fakeLocker) ReleaseLock(ctx context.Context, key, holderID string) error { return nil }

// fakeWorkflowStore both satisfies workflow.Engine's persistence
// dependency and the orchestrator's own workflowStore interface,
// recording every save for assertions.
type fakeWorkflowStore struct {
	saved []*workflow.Workflow
}

func (s *fakeWorkflowStore) Save(ctx context.Context, wf *workflow.Workflow) error {
	s.saved = append(s.saved, wf)
	return nil
}

// fakeWorkflowLLM satisfies workflow.LLM (ctx, prompt) -> json, distinct
// from orchestrator.LLMClient's (ctx, apiKey, messages) surface.
// recoverResponse, when set, is returned instead of response for the
// RECOVER phase's prompt (recoverPrompt's BUILD-failure wording),
// letting a test control the recovery plan independently of ANALYZE's.
type fakeWorkflowLLM struct {
	response        string
	recoverResponse string
}

func (f fakeWorkflowLLM) Generate(ctx context.Context, prompt string) ([]byte, error) {
	if f.recoverResponse != "" && strings.Contains(prompt, "failed BUILD") {
		return []byte(f.recoverResponse), nil
	}
	return []byte(f.response), nil
}

func newTestEngine(t *testing.T) (*workflow.Engine, *fakeWorkflowStore) {
	t.Helper()
	st := &fakeWorkflowStore{}
	phases := workflow.DefaultPhaseTable(
		fakeWorkflowLLM{response: analyzeOutputFixture},
		fakeResolver{},
		fakeInstaller{},
		fakeBuilder{},
		fakeDeployer{previewURL: "https://preview.example/abc"},
	)
	return workflow.New(fakeLocker{}, st, phases), st
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, framework, intent string) ([]string, error) {
	return []string{"lodash"}, nil
}

type fakeInstaller struct{}

func (fakeInstaller) Install(ctx context.Context, sandboxID string, packages []string) error {
	return nil
}

type fakeBuilder struct{ fail bool }

func (b fakeBuilder) Build(ctx context.Context, sandboxID string) (string, string, error) {
	if b.fail {
		return "", "compile error: missing semicolon", errors.New("build failed")
	}
	return "/workspace/dist", "", nil
}

type fakeDeployer struct{ previewURL string }

func (d fakeDeployer) Deploy(ctx context.Context, sandboxID, buildDir string) (string, error) {
	return d.previewURL, nil
}

// fakeLLM satisfies orchestrator.LLMClient. turns, when set, gives each
// successive Stream call its own chunk sequence (the first entry for
// the initial generate turn, later entries for any orchestrator-driven
// regenerate turn); chunks is used for every call otherwise. Every
// call's messages are recorded so a test can assert on what a later
// turn (e.g. a RECOVER-driven regenerate) was actually prompted with.
type fakeLLM struct {
	analyze string
	chunks  []string
	turns   [][]string

	mu             sync.Mutex
	streamMessages [][]Message
}

func (f *fakeLLM) Generate(ctx context.Context, apiKey, prompt string) ([]byte, error) {
	return []byte(f.analyze), nil
}

func (f *fakeLLM) Stream(ctx context.Context, apiKey string, messages []Message) (LLMStream, error) {
	f.mu.Lock()
	idx := len(f.streamMessages)
	f.streamMessages = append(f.streamMessages, messages)
	f.mu.Unlock()

	chunks := f.chunks
	if len(f.turns) > 0 {
		if idx >= len(f.turns) {
			idx = len(f.turns) - 1
		}
		chunks = f.turns[idx]
	}
	return &fakeLLMStream{chunks: chunks}, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streamMessages)
}

func (f *fakeLLM) messagesForCall(n int) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 0 || n >= len(f.streamMessages) {
		return nil
	}
	return f.streamMessages[n]
}

type fakeLLMStream struct {
	chunks []string
	ch     chan string
}

func (s *fakeLLMStream) Chunks() <-chan string {
	if s.ch == nil {
		s.ch = make(chan string, len(s.chunks))
		for _, c := range s.chunks {
			s.ch <- c
		}
		close(s.ch)
	}
	return s.ch
}

func (s *fakeLLMStream) Err() error { return nil }

type fakeMessageStore struct {
	saved []string
}

func (m *fakeMessageStore) SaveAssistantMessage(ctx context.Context, runID, chatID, content string) error {
	m.saved = append(m.saved, content)
	return nil
}

type fakeRunBuilder struct {
	called int
}

func (b *fakeRunBuilder) BuildAndUploadUnified(ctx context.Context, sandboxID string) error {
	b.called++
	return nil
}

func newTestSession(t *testing.T, wf *workflow.Workflow) *Session {
	t.Helper()
	rec := httptest.NewRecorder()
	return &Session{
		UserID:   "user1",
		ChatID:   "chat1",
		Workflow: wf,
		APIKey:   "key",
		Writer:   stream.NewWriter(rec),
		Mode:     ModeGenerate,
		RunID:    "run-" + wf.ID,
	}
}

func newTestRunManager(t *testing.T) *run.Manager {
	t.Helper()
	st, err := run.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new run store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return run.NewManager(st)
}

const analyzeOutputFixture = `{"intent":"todo app","framework":"react","plan":[{"title":"Analyze request","key":"ANALYZE"}]}`

const happyPathStream = "<edward_sandbox>\n" +
	"<file path=\"app.js\">console.log(1)</file>\n" +
	"<edward_install>\nframework: react\npackages: lodash\n</edward_install>\n" +
	"</edward_sandbox>\n<edward_done/>"

func TestRunHappyPathDrivesWorkflowToDeploy(t *testing.T) {
	eng, wfStore := newTestEngine(t)
	wf := workflow.New("wf1", "user1", "chat1")
	sboxMgr := newTestSandboxManager()
	runs := newTestRunManager(t)

	o := New(sboxMgr, eng, wfStore, runs, &fakeLLM{chunks: []string{happyPathStream}})
	msgs := &fakeMessageStore{}
	builder := &fakeRunBuilder{}
	o.Messages = msgs
	o.Builder = builder

	sess := newTestSession(t, wf)
	if err := o.Run(context.Background(), sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("expected workflow completed, got %s (step %s)", wf.Status, wf.CurrentStep)
	}
	if wf.Context.PreviewURL == "" {
		t.Fatalf("expected a preview URL to be recorded")
	}
	if len(msgs.saved) != 1 {
		t.Fatalf("expected one saved assistant message, got %d", len(msgs.saved))
	}
	if len(wfStore.saved) == 0 {
		t.Fatalf("expected workflow to be persisted via WorkflowStore")
	}

	// the async unified build is fire-and-forget; give it a moment
	deadline := time.Now().Add(time.Second)
	for builder.called == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if builder.called == 0 {
		t.Fatalf("expected BuildAndUploadUnified to be invoked after a normal completion")
	}
}

// recoverOutputFixture is RECOVER's LLM response once BUILD fails: a
// retryPrompt guiding the orchestrator's regenerate turn, consumed by
// recoverPhase and threaded into driveRecoverRegenerate.
const recoverOutputFixture = `{"retryPrompt":"fix the compile error in app.js"}`

func TestRunRecoversFromBuildFailure(t *testing.T) {
	st := &fakeWorkflowStore{}
	phases := workflow.DefaultPhaseTable(
		fakeWorkflowLLM{response: analyzeOutputFixture, recoverResponse: recoverOutputFixture},
		fakeResolver{},
		fakeInstaller{},
		&flakyBuilder{},
		fakeDeployer{previewURL: "https://preview.example/recovered"},
	)
	eng := workflow.New(fakeLocker{}, st, phases)
	wf := workflow.New("wf2", "user1", "chat1")
	sboxMgr := newTestSandboxManager()
	runs := newTestRunManager(t)

	// turn 0 is the initial generate stream; turn 1 is the orchestrator's
	// RECOVER-driven regenerate turn, fired only if the engine actually
	// lands back on GENERATE with a retryPrompt to act on.
	llm := &fakeLLM{turns: [][]string{{happyPathStream}, {"<edward_done/>"}}}
	o := New(sboxMgr, eng, st, runs, llm)

	sess := newTestSession(t, wf)
	if err := o.Run(context.Background(), sess); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("expected workflow to recover and complete, got %s", wf.Status)
	}
	if wf.Context.PreviewURL == "" {
		t.Fatalf("expected a preview URL after recovery")
	}

	// The bug this guards against: RECOVER resuming straight at BUILD
	// would never re-invoke the LLM, so a real compile error would
	// retry against byte-identical files forever. Asserting a second
	// Stream call actually carrying the retryPrompt is what tells
	// these two apart; a bare attempt counter cannot.
	if got := llm.callCount(); got != 2 {
		t.Fatalf("expected 2 LLM stream calls (initial generate + recover regenerate), got %d", got)
	}
	regenerateMessages := llm.messagesForCall(1)
	found := false
	for _, m := range regenerateMessages {
		if strings.Contains(m.Content, "fix the compile error in app.js") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the regenerate turn's messages to carry RECOVER's retryPrompt, got %+v", regenerateMessages)
	}
}

// flakyBuilder fails the first BUILD attempt so the engine detours
// through RECOVER, then succeeds.
type flakyBuilder struct{ attempts int }

func (b *flakyBuilder) Build(ctx context.Context, sandboxID string) (string, string, error) {
	b.attempts++
	// StepBuild's MaxRetries is 3: fail every attempt in the first
	// Advance call so the engine exhausts its retries and detours
	// through RECOVER, then succeed once RECOVER re-runs BUILD.
	if b.attempts <= 3 {
		return "", "compile error", errors.New("build failed")
	}
	return "/workspace/dist", "", nil
}

func TestRunClientDisconnectSkipsErrorAndBuild(t *testing.T) {
	eng, wfStore := newTestEngine(t)
	wf := workflow.New("wf3", "user1", "chat1")
	sboxMgr := newTestSandboxManager()
	runs := newTestRunManager(t)

	o := New(sboxMgr, eng, wfStore, runs, &fakeLLM{chunks: []string{happyPathStream}})
	builder := &fakeRunBuilder{}
	o.Builder = builder

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // simulate an already-disconnected client

	sess := newTestSession(t, wf)
	if err := o.Run(ctx, sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if builder.called != 0 {
		t.Fatalf("expected no async build to fire on client disconnect")
	}
}
