package config

import (
	"fmt"
	"path/filepath"
)

// ServerJSONConfig holds server settings
type ServerJSONConfig struct {
	Address        string `json:"address"`
	SandboxRuntime string `json:"sandbox_runtime"` // auto, docker
	RedisAddr      string `json:"redis_addr"`
}

// ConfigDefaultsConfig holds default settings for runs/workflows/sandboxes
type ConfigDefaultsConfig struct {
	Limits     LimitsDefaults     `json:"limits"`
	Sandbox    SandboxDefaults    `json:"sandbox"`
	Workflow   WorkflowDefaults   `json:"workflow"`
	ObjectStore ObjectStoreDefaults `json:"object_store"`
}

// LimitsDefaults contains default resource limits for a stream session
type LimitsDefaults struct {
	MaxToolTurns     int     `json:"max_tool_turns"`
	MaxToolCalls     int     `json:"max_tool_calls"`
	MaxCostUSD       float64 `json:"max_cost_usd"`
	MaxResponseBytes int     `json:"max_response_bytes"`
	RunTimeoutSec    int     `json:"run_timeout_sec"`
}

// SandboxDefaults contains default sandbox pool and container policy settings
type SandboxDefaults struct {
	PoolSize      int    `json:"pool_size"`
	Type          string `json:"type"`
	MemoryMB      int    `json:"memory_mb"`
	CPUs          int    `json:"cpus"`
	PIDsLimit     int    `json:"pids_limit"`
	NetworkMode   string `json:"network_mode"`
	WriteDebounceMS int  `json:"write_debounce_ms"`
	WriteBufferCapBytes int `json:"write_buffer_cap_bytes"`
}

// WorkflowDefaults contains default workflow engine timing settings
type WorkflowDefaults struct {
	MaxRetries         int `json:"max_retries"`
	BackoffBaseSec     int `json:"backoff_base_sec"`
	BackoffCapSec      int `json:"backoff_cap_sec"`
	LockTTLSec         int `json:"lock_ttl_sec"`
	WorkflowCacheTTLSec int `json:"workflow_cache_ttl_sec"`
}

// ObjectStoreDefaults contains default object-store backup configuration
type ObjectStoreDefaults struct {
	Enabled       bool   `json:"enabled"`
	Directory     string `json:"directory"`
	Retention     int    `json:"retention"`
	IntervalHours int    `json:"interval_hours"`
	UploadRateBps int    `json:"upload_rate_bps"`
}

// LoadedConfig holds all configuration loaded from edward.jsonc
type LoadedConfig struct {
	Server         ServerJSONConfig
	Credentials    *CredentialRegistry
	ConfigDefaults ConfigDefaultsConfig
	Models         *ModelRegistry
	Containers     map[string]string // Container type name -> image name
	ConfigDir      string
}

// DefaultConfigDefaults returns default configuration values
func DefaultConfigDefaults() ConfigDefaultsConfig {
	return ConfigDefaultsConfig{
		Limits: LimitsDefaults{
			MaxToolTurns:     8,
			MaxToolCalls:     24,
			MaxCostUSD:       10.00,
			MaxResponseBytes: 10 * 1024 * 1024,
			RunTimeoutSec:    300,
		},
		Sandbox: SandboxDefaults{
			PoolSize:            3,
			Type:                "dev",
			MemoryMB:            1024,
			CPUs:                1,
			PIDsLimit:           100,
			NetworkMode:         "none",
			WriteDebounceMS:     100,
			WriteBufferCapBytes: 5 * 1024 * 1024,
		},
		Workflow: WorkflowDefaults{
			MaxRetries:          3,
			BackoffBaseSec:      1,
			BackoffCapSec:       10,
			LockTTLSec:          300,
			WorkflowCacheTTLSec: 3600,
		},
		ObjectStore: ObjectStoreDefaults{
			Enabled:       false,
			Directory:     "data/backups",
			Retention:     7,
			IntervalHours: 24,
			UploadRateBps: 5 * 1024 * 1024,
		},
	}
}

// LoadAll loads configuration from edward.jsonc
func LoadAll(configDir string) (*LoadedConfig, error) {
	configPath, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}

	unified, err := LoadUnifiedConfig(configPath)
	if err != nil {
		return nil, err
	}

	return unified.ToLoadedConfig(filepath.Dir(configPath)), nil
}

// HasProviderAPIKey returns true if a default LLM provider API key is configured
func (c *LoadedConfig) HasProviderAPIKey() bool {
	cred, ok := c.Credentials.GetDefaultProviderCredential()
	return ok && cred.APIKey != ""
}

// Validate checks that required configuration is present. Provider API keys
// are optional here — a model definition may point at a locally hosted
// endpoint that needs no key — so this only validates structural invariants.
func (c *LoadedConfig) Validate() error {
	if c.Credentials == nil {
		return fmt.Errorf("credentials registry is required")
	}
	return nil
}
