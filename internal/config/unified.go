package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// UnifiedConfig is the single configuration file format for edward.jsonc
type UnifiedConfig struct {
	Server      ServerSection      `json:"server"`
	Credentials CredentialsSection `json:"credentials"`
	Defaults    DefaultsSection    `json:"defaults"`
	Models      ModelsSection      `json:"models"`
	Containers  map[string]string  `json:"containers"` // Container type name -> image name
}

// ServerSection contains server configuration
type ServerSection struct {
	Address        string `json:"address"`
	SandboxRuntime string `json:"sandbox_runtime"`
	RedisAddr      string `json:"redis_addr"`
}

// CredentialsSection contains all API credentials
type CredentialsSection struct {
	Providers ProviderCredentials `json:"providers"`
}

// DefaultsSection contains default settings for runs/workflows/sandboxes
type DefaultsSection struct {
	Limits      LimitsDefaults      `json:"limits"`
	Sandbox     SandboxDefaults     `json:"sandbox"`
	Workflow    WorkflowDefaults    `json:"workflow"`
	ObjectStore ObjectStoreDefaults `json:"object_store"`
}

// ModelsSection contains model definitions
type ModelsSection struct {
	Models   map[string]ModelDefinition `json:"models"`
	Defaults ModelDefaults              `json:"defaults"`
}

// ModelDefaults contains default model preferences
type ModelDefaults struct {
	SessionModel    string `json:"session_model"`
	ReasoningEffort string `json:"reasoning_effort"`
}

// FindConfigPath returns the path to edward.jsonc using precedence:
// 1. configDir + /edward.jsonc (if configDir specified)
// 2. ./config/edward.jsonc (project-local)
// 3. ~/.edward/config/edward.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	candidates := []string{}

	// 1. Explicit config-dir flag
	if configDir != "" {
		candidates = append(candidates, filepath.Join(configDir, "edward.jsonc"))
	}

	// 2. Project-local
	candidates = append(candidates, filepath.Join("config", "edward.jsonc"))

	// 3. User global
	homeDir, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".edward", "config", "edward.jsonc"))
	}

	// Find first existing
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("edward.jsonc not found; tried: %v", candidates)
}

// LoadUnifiedConfig loads configuration from a single edward.jsonc file
func LoadUnifiedConfig(configPath string) (*UnifiedConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	// Strip JSONC comments
	jsonData := StripJSONComments(data)

	var cfg UnifiedConfig
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	// Apply defaults for missing fields
	applyUnifiedDefaults(&cfg)

	// Initialize nil maps
	if cfg.Credentials.Providers.Credentials == nil {
		cfg.Credentials.Providers.Credentials = make(map[string]ProviderCredential)
	}
	if cfg.Models.Models == nil {
		cfg.Models.Models = make(map[string]ModelDefinition)
	}

	return &cfg, nil
}

func applyUnifiedDefaults(cfg *UnifiedConfig) {
	// Server defaults
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.SandboxRuntime == "" {
		cfg.Server.SandboxRuntime = "auto"
	}
	if cfg.Server.RedisAddr == "" {
		cfg.Server.RedisAddr = "127.0.0.1:6379"
	}

	// Limits defaults
	if cfg.Defaults.Limits.MaxToolTurns == 0 {
		cfg.Defaults.Limits.MaxToolTurns = 8
	}
	if cfg.Defaults.Limits.MaxToolCalls == 0 {
		cfg.Defaults.Limits.MaxToolCalls = 24
	}
	if cfg.Defaults.Limits.MaxCostUSD == 0 {
		cfg.Defaults.Limits.MaxCostUSD = 10.00
	}
	if cfg.Defaults.Limits.MaxResponseBytes == 0 {
		cfg.Defaults.Limits.MaxResponseBytes = 10 * 1024 * 1024
	}
	if cfg.Defaults.Limits.RunTimeoutSec == 0 {
		cfg.Defaults.Limits.RunTimeoutSec = 300
	}

	// Sandbox defaults
	if cfg.Defaults.Sandbox.PoolSize == 0 {
		cfg.Defaults.Sandbox.PoolSize = 3
	}
	if cfg.Defaults.Sandbox.Type == "" {
		cfg.Defaults.Sandbox.Type = "dev"
	}
	if cfg.Defaults.Sandbox.MemoryMB == 0 {
		cfg.Defaults.Sandbox.MemoryMB = 1024
	}
	if cfg.Defaults.Sandbox.CPUs == 0 {
		cfg.Defaults.Sandbox.CPUs = 1
	}
	if cfg.Defaults.Sandbox.PIDsLimit == 0 {
		cfg.Defaults.Sandbox.PIDsLimit = 100
	}
	if cfg.Defaults.Sandbox.NetworkMode == "" {
		cfg.Defaults.Sandbox.NetworkMode = "none"
	}
	if cfg.Defaults.Sandbox.WriteDebounceMS == 0 {
		cfg.Defaults.Sandbox.WriteDebounceMS = 100
	}
	if cfg.Defaults.Sandbox.WriteBufferCapBytes == 0 {
		cfg.Defaults.Sandbox.WriteBufferCapBytes = 5 * 1024 * 1024
	}

	// Workflow defaults
	if cfg.Defaults.Workflow.MaxRetries == 0 {
		cfg.Defaults.Workflow.MaxRetries = 3
	}
	if cfg.Defaults.Workflow.BackoffBaseSec == 0 {
		cfg.Defaults.Workflow.BackoffBaseSec = 1
	}
	if cfg.Defaults.Workflow.BackoffCapSec == 0 {
		cfg.Defaults.Workflow.BackoffCapSec = 10
	}
	if cfg.Defaults.Workflow.LockTTLSec == 0 {
		cfg.Defaults.Workflow.LockTTLSec = 300
	}
	if cfg.Defaults.Workflow.WorkflowCacheTTLSec == 0 {
		cfg.Defaults.Workflow.WorkflowCacheTTLSec = 3600
	}

	// Container image defaults - use local names in dev mode, ghcr.io in production
	if cfg.Containers == nil {
		cfg.Containers = make(map[string]string)
	}
	if len(cfg.Containers) == 0 {
		if isDevMode() {
			// Development mode: use local images (built with build.sh)
			cfg.Containers["base"] = "edward-base:latest"
			cfg.Containers["dev"] = "edward-dev:latest"
		} else {
			// Production mode: use ghcr.io registry
			cfg.Containers["base"] = "ghcr.io/hyphagroup/edward-base:latest"
			cfg.Containers["dev"] = "ghcr.io/hyphagroup/edward-dev:latest"
		}
	}

	// Object store defaults (enabled defaults to false intentionally)
	if cfg.Defaults.ObjectStore.Directory == "" {
		cfg.Defaults.ObjectStore.Directory = "data/backups"
	}
	if cfg.Defaults.ObjectStore.Retention == 0 {
		cfg.Defaults.ObjectStore.Retention = 7
	}
	if cfg.Defaults.ObjectStore.IntervalHours == 0 {
		cfg.Defaults.ObjectStore.IntervalHours = 24
	}
	if cfg.Defaults.ObjectStore.UploadRateBps == 0 {
		cfg.Defaults.ObjectStore.UploadRateBps = 5 * 1024 * 1024
	}
}

// isDevMode returns true if EDWARD_DEV=1 is set
func isDevMode() bool {
	return os.Getenv("EDWARD_DEV") == "1"
}

// ToLoadedConfig converts UnifiedConfig to LoadedConfig for backwards compatibility
func (u *UnifiedConfig) ToLoadedConfig(configDir string) *LoadedConfig {
	return &LoadedConfig{
		Server: ServerJSONConfig{
			Address:        u.Server.Address,
			SandboxRuntime: u.Server.SandboxRuntime,
			RedisAddr:      u.Server.RedisAddr,
		},
		Credentials: &CredentialRegistry{
			Providers: u.Credentials.Providers,
		},
		ConfigDefaults: ConfigDefaultsConfig{
			Limits:      u.Defaults.Limits,
			Sandbox:     u.Defaults.Sandbox,
			Workflow:    u.Defaults.Workflow,
			ObjectStore: u.Defaults.ObjectStore,
		},
		Models:     u.GetModelRegistry(),
		Containers: u.Containers,
		ConfigDir:  configDir,
	}
}

// GetModelRegistry returns a ModelRegistry from the unified config
func (u *UnifiedConfig) GetModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		Models: u.Models.Models,
	}
}

// Validate checks that required configuration is present
func (u *UnifiedConfig) Validate() error {
	if u.Credentials.Providers.Default == "" {
		return fmt.Errorf("credentials.providers.default is required")
	}
	cred, ok := u.Credentials.Providers.Credentials[u.Credentials.Providers.Default]
	if !ok {
		return fmt.Errorf("credentials.providers.default '%s' not found in credentials", u.Credentials.Providers.Default)
	}
	if cred.APIKey == "" {
		return fmt.Errorf("provider API key is required for credential '%s'", u.Credentials.Providers.Default)
	}
	return nil
}
