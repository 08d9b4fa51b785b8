package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	iofs "io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/HyphaGroup/edward/internal/buildpack"
	"github.com/HyphaGroup/edward/internal/config"
	"github.com/HyphaGroup/edward/internal/container"
	"github.com/HyphaGroup/edward/internal/container/docker"
	"github.com/HyphaGroup/edward/internal/gate"
	"github.com/HyphaGroup/edward/internal/kv"
	"github.com/HyphaGroup/edward/internal/llmclient"
	"github.com/HyphaGroup/edward/internal/logger"
	"github.com/HyphaGroup/edward/internal/metrics"
	"github.com/HyphaGroup/edward/internal/objectstore"
	"github.com/HyphaGroup/edward/internal/orchestrator"
	"github.com/HyphaGroup/edward/internal/run"
	"github.com/HyphaGroup/edward/internal/sandbox"
	"github.com/HyphaGroup/edward/internal/scheduler"
	"github.com/HyphaGroup/edward/internal/stream"
	"github.com/HyphaGroup/edward/internal/workflow"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version":
			fmt.Printf("edward %s\n", Version)
			return
		case "--help", "-h":
			printUsage()
			return
		}
	}
	runServer()
}

func printUsage() {
	fmt.Println("edward - AI-assisted web app generator backend")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  edward [--dir <path>] [--version] [--help]")
	fmt.Println("")
	fmt.Println("Environment:")
	fmt.Println("  EDWARD_HOME          server home directory (default: ~/.edward)")
	fmt.Println("  CONTAINER_RUNTIME    docker | auto (default: auto, docker is the only runtime wired today)")
}

// runServer wires every concrete collaborator named in the component
// design and serves the stream/workflow/metrics HTTP surface until a
// shutdown signal arrives.
func runServer() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "edward home directory (default: ~/.edward)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("edward %s\n", Version)
		os.Exit(0)
	}

	homeDir := resolveHomeDir(*dirFlag)
	dataDir := filepath.Join(homeDir, "data")
	configDir := filepath.Join(homeDir, "config")

	if _, err := os.Stat(filepath.Join(configDir, "edward.jsonc")); errors.Is(err, iofs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "edward not initialized: no edward.jsonc found in", configDir)
		os.Exit(1)
	}

	cfg, err := config.LoadAll(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := logger.Init(logDir, false); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	logger.Logger().Info("edward starting", "version", Version)
	if cfg.Models != nil {
		logger.Logger().Info("loaded model definitions", "count", len(cfg.Models.Models))
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Logger().Error("failed to create data dir", "error", err)
		os.Exit(1)
	}

	// Container runtime. Only Docker is wired; CONTAINER_RUNTIME=auto
	// and =docker are equivalent here since no second runtime ships.
	baseRuntime, err := docker.NewRuntime()
	if err != nil {
		logger.Logger().Error("failed to initialize docker runtime", "error", err)
		os.Exit(1)
	}
	containerRuntime := container.NewCachedRuntime(baseRuntime, 5*time.Second)
	defer func() { _ = containerRuntime.Close() }()

	ctx := context.Background()
	if err := containerRuntime.Ping(ctx); err != nil {
		logger.Logger().Error("failed to connect to container runtime", "error", err)
		os.Exit(1)
	}
	logger.Logger().Info("connected to container runtime", "runtime", containerRuntime.Name())

	imageManager := container.NewImageManager(cfg.Containers, containerRuntime)
	sandboxImage, err := imageManager.GetImageName(cfg.ConfigDefaults.Sandbox.Type)
	if err != nil {
		logger.Logger().Error("failed to resolve sandbox image", "type", cfg.ConfigDefaults.Sandbox.Type, "error", err)
		os.Exit(1)
	}
	if err := imageManager.EnsureImageExists(ctx, cfg.ConfigDefaults.Sandbox.Type); err != nil {
		logger.Logger().Warn("sandbox image not available locally, will attempt to pull on first use", "error", err)
	}

	redisAddr := cfg.Server.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	kvClient, err := kv.New(redisAddr, "", 0)
	if err != nil {
		logger.Logger().Error("failed to connect to redis", "addr", redisAddr, "error", err)
		os.Exit(1)
	}
	defer func() { _ = kvClient.Close() }()
	if err := kvClient.Ping(ctx); err != nil {
		logger.Logger().Error("redis not reachable", "addr", redisAddr, "error", err)
		os.Exit(1)
	}
	logger.Logger().Info("connected to redis", "addr", redisAddr)

	objStoreDir := cfg.ConfigDefaults.ObjectStore.Directory
	if !filepath.IsAbs(objStoreDir) {
		objStoreDir = filepath.Join(dataDir, objStoreDir)
	}
	objStore, err := objectstore.New(objectstore.Config{
		BaseDir:          objStoreDir,
		UploadsPerSecond: rateOrDefault(cfg.ConfigDefaults.ObjectStore.UploadRateBps),
	})
	if err != nil {
		logger.Logger().Error("failed to initialize object store", "error", err)
		os.Exit(1)
	}
	logger.Logger().Info("object store ready", "dir", objStoreDir)

	sandboxMgr := sandbox.New(containerRuntime, sandbox.Config{
		Image:          sandboxImage,
		PoolSize:       cfg.ConfigDefaults.Sandbox.PoolSize,
		FlushDebounce:  time.Duration(cfg.ConfigDefaults.Sandbox.WriteDebounceMS) * time.Millisecond,
		MaxBufferBytes: int64(cfg.ConfigDefaults.Sandbox.WriteBufferCapBytes),
		Store:          objStore,
		Cache:          kvClient,
	})
	if err := sandboxMgr.Reconcile(ctx); err != nil {
		logger.Logger().Warn("sandbox reconcile on startup failed", "error", err)
	}

	workflowStore, err := workflow.NewStore(dataDir)
	if err != nil {
		logger.Logger().Error("failed to open workflow store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = workflowStore.Close() }()

	runStore, err := run.NewStore(dataDir)
	if err != nil {
		logger.Logger().Error("failed to open run store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = runStore.Close() }()
	runMgr := run.NewManager(runStore)

	gateway := gate.New(kvClient, gate.DefaultMaxConcurrentPerUser, gate.DefaultTTL)

	defaultModel := ""
	if cfg.Models != nil {
		for name := range cfg.Models.Models {
			defaultModel = name
			break
		}
	}
	llm := llmclient.New(cfg.Models, defaultModel)

	apiKey := ""
	if cred, ok := cfg.Credentials.GetDefaultProviderCredential(); ok {
		apiKey = cred.APIKey
	}
	workflowLLM := llmclient.NewWorkflowAdapter(llm, apiKey)

	previewRoot := filepath.Join(dataDir, "previews")
	if err := os.MkdirAll(previewRoot, 0o755); err != nil {
		logger.Logger().Error("failed to create preview dir", "error", err)
		os.Exit(1)
	}
	builder := &buildpack.Builder{Sandbox: sandboxMgr}
	phases := workflow.DefaultPhaseTable(
		workflowLLM,
		buildpack.Resolver{},
		buildpack.Installer{Sandbox: sandboxMgr},
		builder,
		buildpack.Deployer{
			Sandbox:     sandboxMgr,
			PreviewRoot: previewRoot,
			PublicBase:  fmt.Sprintf("http://localhost%s/preview", cfg.Server.Address),
		},
	)
	engine := workflow.New(kvClient, workflowStore, phases)

	orch := orchestrator.New(sandboxMgr, engine, workflowStore, runMgr, llm)
	orch.Frameworks = builder

	maintenance, err := scheduler.NewRunner([]*scheduler.Sweep{
		{Name: "sandbox-reconcile", Expr: "*/5 * * * *", Fn: sandboxMgr.Reconcile},
		{Name: "sandbox-refill", Expr: "* * * * *", Fn: sandboxMgr.Refill},
		{Name: "sandbox-expire", Expr: "* * * * *", Fn: func(ctx context.Context) error {
			n, err := sandboxMgr.ExpireIdle(ctx)
			if n > 0 {
				logger.Logger().Info("expired idle sandboxes", "count", n)
			}
			return err
		}},
		{Name: "run-retention", Expr: "0 * * * *", Fn: func(ctx context.Context) error {
			cutoff := time.Now().Add(-24 * time.Hour)
			n, err := runStore.DeleteRunsOlderThan(ctx, cutoff)
			if n > 0 {
				logger.Logger().Info("purged old runs", "count", n)
			}
			return err
		}},
		{Name: "objectstore-retention", Expr: "0 3 * * *", Fn: func(ctx context.Context) error {
			retentionDays := cfg.ConfigDefaults.ObjectStore.Retention
			if retentionDays <= 0 {
				retentionDays = 7
			}
			cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
			n, err := objStore.DeleteOlderThan(ctx, cutoff)
			if n > 0 {
				logger.Logger().Info("purged old backups", "count", n)
			}
			return err
		}},
	})
	if err != nil {
		logger.Logger().Error("failed to build maintenance scheduler", "error", err)
		os.Exit(1)
	}
	maintenance.Start()
	defer maintenance.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/preview/", http.StripPrefix("/preview/", http.FileServer(http.Dir(previewRoot))))
	mux.Handle("/v1/generate", metrics.Middleware(newGenerateHandler(generateDeps{
		orch:          orch,
		workflowStore: workflowStore,
		gate:          gateway,
		apiKey:        apiKey,
	})))

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{Addr: addr, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.ListenAndServe()
	}()
	logger.Logger().Info("edward listening", "addr", addr)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Logger().Error("server error", "error", err)
		}
	case sig := <-shutdownChan:
		logger.Logger().Info("shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Logger().Error("http server shutdown error", "error", err)
		}
		// Drain every sandbox's debounced write buffer before the
		// container runtime is closed by its own defer, so a SIGTERM
		// mid-stream never loses buffered-but-unflushed file content.
		if err := sandboxMgr.FlushAll(shutdownCtx); err != nil {
			logger.Logger().Error("sandbox flush on shutdown failed", "error", err)
		}
	}

	logger.Logger().Info("shutdown complete")
}

// rateOrDefault converts a configured bytes-per-second figure into a
// rate.Limit, falling back to the object store's own default when
// unconfigured.
func rateOrDefault(bps int) rate.Limit {
	if bps <= 0 {
		return rate.Limit(objectstore.DefaultUploadsPerSecond)
	}
	return rate.Limit(bps)
}

// resolveHomeDir follows the precedence: --dir flag, EDWARD_HOME env
// var, ./.edward, then ~/.edward.
func resolveHomeDir(flagDir string) string {
	if flagDir != "" {
		return flagDir
	}
	if env := os.Getenv("EDWARD_HOME"); env != "" {
		return env
	}
	if _, err := os.Stat(".edward"); err == nil {
		return ".edward"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".edward"
	}
	return filepath.Join(home, ".edward")
}

// generateRequest is the JSON body of a POST /v1/generate call.
type generateRequest struct {
	UserID     string                        `json:"userId"`
	ChatID     string                        `json:"chatId"`
	Content    string                        `json:"content"`
	Mode       string                        `json:"mode"`
	History    []orchestrator.HistoryMessage `json:"history"`
	ProjectCtx string                        `json:"projectContext"`
	IsNewChat  bool                          `json:"isNewChat"`
}

type generateDeps struct {
	orch          *orchestrator.Orchestrator
	workflowStore *workflow.Store
	gate          *gate.Gate
	apiKey        string
}

// newGenerateHandler builds the SSE generate endpoint: gate the user's
// concurrency slot, load-or-create the chat's workflow, wrap the
// response in a stream.Writer, and hand off to the orchestrator.
func newGenerateHandler(deps generateDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.ChatID == "" {
			http.Error(w, "userId and chatId are required", http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		ok, err := deps.gate.Acquire(ctx, req.UserID)
		if err != nil {
			logger.ErrorContext(ctx, "generate: gate acquire failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !ok {
			metrics.RecordGateRejection(req.UserID)
			http.Error(w, fmt.Sprintf("too many concurrent sessions (max %d)", deps.gate.Max()), http.StatusTooManyRequests)
			return
		}
		defer func() {
			if err := deps.gate.Release(context.Background(), req.UserID); err != nil {
				logger.Logger().Warn("generate: gate release failed", "error", err, "userId", req.UserID)
			}
		}()

		wf, err := deps.workflowStore.GetActiveByChat(ctx, req.ChatID)
		if err != nil && !errors.Is(err, workflow.ErrNotFound) {
			logger.ErrorContext(ctx, "generate: load workflow failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if wf == nil {
			wf = workflow.New(uuid.NewString(), req.UserID, req.ChatID)
			wf.Context.Intent = req.Content
			if err := deps.workflowStore.Save(ctx, wf); err != nil {
				logger.ErrorContext(ctx, "generate: save new workflow failed", "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
		}

		sw := stream.NewWriter(w)
		sess := &orchestrator.Session{
			UserID:          req.UserID,
			ChatID:          req.ChatID,
			Workflow:        wf,
			UserContent:     req.Content,
			APIKey:          deps.apiKey,
			Writer:          sw,
			HistoryMessages: req.History,
			ProjectContext:  req.ProjectCtx,
			Mode:            orchestrator.Mode(orDefault(req.Mode, string(orchestrator.ModeGenerate))),
			RunID:           uuid.NewString(),
			UserMessageID:   uuid.NewString(),
			IsNewChat:       req.IsNewChat,
		}

		if err := deps.orch.Run(ctx, sess); err != nil {
			logger.ErrorContext(ctx, "generate: orchestrator run failed", "error", err, "runId", sess.RunID)
		}
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
