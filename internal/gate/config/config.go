// Package config loads and validates the broker's YAML configuration.
//
// Loading happens in three stages: the document is checked against an
// embedded JSON schema (structure and types), decoded into the typed Config,
// and then semantically validated (vault section present, gated containers
// only with at least one channel, timeout floor). Host-specific paths can be
// overridden through AGENTGATE_* environment variables after the file is
// parsed.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/rudenavuud/agent-gate/common/environment"
	"github.com/rudenavuud/agent-gate/internal/gate/standing"
)

//go:embed schema.json
var schemaJSON string

// Environment override variables.
const (
	// EnvConfigPath overrides the configuration file location (read by main).
	EnvConfigPath = "AGENTGATE_CONFIG"
	// EnvSocketPath overrides socket_path.
	EnvSocketPath = "AGENTGATE_SOCKET"
	// EnvPendingDir overrides pending_dir.
	EnvPendingDir = "AGENTGATE_PENDING_DIR"
	// EnvSessionScanDir overrides session_scan_dir.
	EnvSessionScanDir = "AGENTGATE_SESSION_DIR"
)

// Defaults applied when the corresponding key is absent.
const (
	DefaultSocketPath      = "/var/run/agent-gate/gate.sock"
	DefaultHTTPPort        = 8787
	DefaultPIDFile         = "/var/run/agent-gate/agent-gate.pid"
	DefaultAuditLog        = "/var/log/agent-gate/audit.jsonl"
	DefaultPendingDir      = "/var/run/agent-gate/pending"
	DefaultCacheTTLMS      = 300_000
	DefaultApprovalTimeout = 120_000

	// MinApprovalTimeoutMS is the floor for approval_timeout_ms; anything
	// shorter is rejected rather than silently clamped.
	MinApprovalTimeoutMS = 10_000
)

// VaultConfig classifies containers. Names match case-insensitively; they
// are normalised to lower case at load time.
type VaultConfig struct {
	Open  []string `yaml:"open"`
	Gated []string `yaml:"gated"`
}

// ProviderConfig selects and configures the active secret provider.
type ProviderConfig struct {
	Name   string            `yaml:"name"`
	Config map[string]string `yaml:"config"`
}

// Config is the broker's full configuration document.
type Config struct {
	SocketPath        string                       `yaml:"socket_path"`
	HTTPPort          int                          `yaml:"http_port"`
	PIDFile           string                       `yaml:"pid_file"`
	AuditLog          string                       `yaml:"audit_log"`
	PendingDir        string                       `yaml:"pending_dir"`
	SessionScanDir    string                       `yaml:"session_scan_dir"`
	HistoryDB         string                       `yaml:"history_db"`
	CacheTTLMS        *int                         `yaml:"cache_ttl_ms"`
	ApprovalTimeoutMS int                          `yaml:"approval_timeout_ms"`
	Vault             *VaultConfig                 `yaml:"vault"`
	StandingApprovals []standing.Rule              `yaml:"standing_approvals"`
	Provider          ProviderConfig               `yaml:"provider"`
	Channels          map[string]map[string]string `yaml:"channels"`
}

// Load reads, validates, and returns the configuration at path, with
// environment overrides applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateSchema checks the raw document against the embedded JSON schema.
// The YAML value is round-tripped through encoding/json so the validator
// sees the value shapes it expects.
func validateSchema(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	var jsonValue any
	if err := json.Unmarshal(jsonBytes, &jsonValue); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	schema, err := jsonschema.CompileString("config.schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := schema.Validate(jsonValue); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = DefaultHTTPPort
	}
	if c.PIDFile == "" {
		c.PIDFile = DefaultPIDFile
	}
	if c.AuditLog == "" {
		c.AuditLog = DefaultAuditLog
	}
	if c.PendingDir == "" {
		c.PendingDir = DefaultPendingDir
	}
	if c.CacheTTLMS == nil {
		ttl := DefaultCacheTTLMS
		c.CacheTTLMS = &ttl
	}
	if c.ApprovalTimeoutMS == 0 {
		c.ApprovalTimeoutMS = DefaultApprovalTimeout
	}

	if c.Vault != nil {
		c.Vault.Open = lowerAll(c.Vault.Open)
		c.Vault.Gated = lowerAll(c.Vault.Gated)
	}
}

func (c *Config) applyEnvOverrides() {
	c.SocketPath = environment.StringOr(EnvSocketPath, c.SocketPath)
	c.PendingDir = environment.StringOr(EnvPendingDir, c.PendingDir)
	c.SessionScanDir = environment.StringOr(EnvSessionScanDir, c.SessionScanDir)
}

func (c *Config) validate() error {
	if c.Vault == nil {
		return fmt.Errorf("invalid config: vault section is required")
	}
	if len(c.Vault.Gated) > 0 && len(c.Channels) == 0 {
		return fmt.Errorf("invalid config: gated vaults are configured but no notification channel is")
	}
	if c.ApprovalTimeoutMS < MinApprovalTimeoutMS {
		return fmt.Errorf("invalid config: approval_timeout_ms must be at least %d", MinApprovalTimeoutMS)
	}
	if c.Provider.Name == "" {
		return fmt.Errorf("invalid config: provider.name is required")
	}

	open := make(map[string]bool, len(c.Vault.Open))
	for _, v := range c.Vault.Open {
		open[v] = true
	}
	for _, v := range c.Vault.Gated {
		if open[v] {
			return fmt.Errorf("invalid config: vault %q is both open and gated", v)
		}
	}

	for i, rule := range c.StandingApprovals {
		if rule.Item == "" || rule.ReasonMatch == "" {
			return fmt.Errorf("invalid config: standing_approvals[%d] must carry both item and reasonMatch", i)
		}
	}
	return nil
}

// CacheTTL returns the cache TTL as a duration; zero or negative disables
// the cache.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(*c.CacheTTLMS) * time.Millisecond
}

// ApprovalTimeout returns the approval deadline as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutMS) * time.Millisecond
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
