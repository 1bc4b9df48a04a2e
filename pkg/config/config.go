// Package config loads the daemon's YAML configuration: the workspace
// boundary, policy engine, budget caps, runtime quotas, plugin
// directories, and the paths to the separate MCP server TOML document
// and the secrets file. Loading follows the same user-then-project
// precedence and environment-override pattern the rest of the agent
// stack uses for its own config, extended with the ${secrets.k} /
// ${env:VAR} / ${VAR} / ${VAR:-default} expansion language, applied
// after the YAML documents are merged to the fields listed in
// expandAndFinalize.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"github.com/sentineld/kernel/pkg/budget"
	"github.com/sentineld/kernel/pkg/policy"
	"github.com/sentineld/kernel/pkg/runtime"
	"github.com/sentineld/kernel/pkg/secretstore"
	"github.com/sentineld/kernel/pkg/workspace"
)

// DaemonConfig describes the control-surface listener and on-disk layout
// the daemon reads/writes session and audit state from.
type DaemonConfig struct {
	SocketPath string `yaml:"socket_path"`
	SessionDir string `yaml:"session_dir"`
	AuditDir   string `yaml:"audit_dir"`
	LogDir     string `yaml:"log_dir"`
}

// PluginConfig describes where plugin directories live and the default
// subprocess launch command used for plugins whose manifest doesn't
// specify one of its own.
type PluginConfig struct {
	Directories       []string `yaml:"directories"`
	SubprocessCommand string   `yaml:"subprocess_command"`
}

// ApprovalConfig configures the human approval path.
type ApprovalConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// EventsConfig configures the WebSocket event-subscription endpoint
// that runs alongside the daemon's Unix control socket.
type EventsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the daemon's full configuration document.
type Config struct {
	Daemon      DaemonConfig     `yaml:"daemon"`
	Workspace   workspace.Config `yaml:"workspace"`
	Policy      policy.Config    `yaml:"policy"`
	Budget      budget.Config    `yaml:"budget"`
	Runtime     runtime.Config   `yaml:"runtime"`
	Plugins     PluginConfig     `yaml:"plugins"`
	Approval    ApprovalConfig   `yaml:"approval"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Tracing     TracingConfig    `yaml:"tracing"`
	Events      EventsConfig     `yaml:"events"`
	MCPServersPath string        `yaml:"mcp_servers_path"`
	SecretsPath    string        `yaml:"secrets_path"`
}

// DefaultConfig returns conservative defaults: a workspace rooted at the
// current directory, no blocked or approval-required tools, a five
// dollar session budget, and the runtime's stated concurrency quotas.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".sentineld")
	if home == "" {
		base = ".sentineld"
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	return &Config{
		Daemon: DaemonConfig{
			SocketPath: filepath.Join(base, "daemon.sock"),
			SessionDir: filepath.Join(base, "sessions"),
			AuditDir:   filepath.Join(base, "audit"),
			LogDir:     filepath.Join(base, "logs"),
		},
		Workspace: workspace.Config{
			WorkspaceRoot:   cwd,
			NeverAllowRoots: workspace.DefaultNeverAllowRoots(),
			EscapePolicy:    workspace.EscapePolicyAsk,
		},
		Policy: policy.DefaultConfig(),
		Budget: budget.DefaultConfig(),
		Runtime: runtime.DefaultConfig(),
		Plugins: PluginConfig{
			Directories: []string{filepath.Join(base, "plugins")},
		},
		Approval: ApprovalConfig{
			TimeoutSeconds: 300,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9090",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "sentineld",
		},
		Events: EventsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9091",
		},
		MCPServersPath: filepath.Join(base, "servers.toml"),
		SecretsPath:    filepath.Join(base, "secrets.yaml"),
	}
}

// Load loads configuration from the default locations with precedence:
// built-in defaults, then ~/.sentineld/config.yaml, then
// ./.sentineld/config.yaml, then SENTINELD_*-prefixed environment
// overrides. The fields listed in expandAndFinalize are then passed
// through the expansion language against a secrets store loaded from the
// resulting SecretsPath, if that file exists.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		userPath := filepath.Join(home, ".sentineld", "config.yaml")
		if err := mergeFile(cfg, userPath); err != nil && !os.IsNotExist(err) {
			return nil, kernelerrors.Wrap(err, kernelerrors.CodeConfigInvalid, "loading user config")
		}
	}

	projectPath := filepath.Join(".", ".sentineld", "config.yaml")
	if err := mergeFile(cfg, projectPath); err != nil && !os.IsNotExist(err) {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodeConfigInvalid, "loading project config")
	}

	applyEnvOverrides(cfg)

	if err := expandAndFinalize(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from exactly one file, skipping the
// default-location precedence chain. Used by tests and by callers that
// pass an explicit --config flag.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := mergeFile(cfg, path); err != nil {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodeConfigInvalid, fmt.Sprintf("loading config from %s", path))
	}
	applyEnvOverrides(cfg)
	if err := expandAndFinalize(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile reads path as YAML and overlays its non-zero fields onto cfg.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	mergeInto(cfg, &override)
	return nil
}

func mergeInto(base, override *Config) {
	if override.Daemon.SocketPath != "" {
		base.Daemon.SocketPath = override.Daemon.SocketPath
	}
	if override.Daemon.SessionDir != "" {
		base.Daemon.SessionDir = override.Daemon.SessionDir
	}
	if override.Daemon.AuditDir != "" {
		base.Daemon.AuditDir = override.Daemon.AuditDir
	}
	if override.Daemon.LogDir != "" {
		base.Daemon.LogDir = override.Daemon.LogDir
	}

	if override.Workspace.WorkspaceRoot != "" {
		base.Workspace.WorkspaceRoot = override.Workspace.WorkspaceRoot
	}
	if len(override.Workspace.NeverAllowRoots) > 0 {
		base.Workspace.NeverAllowRoots = override.Workspace.NeverAllowRoots
	}
	if len(override.Workspace.AutoAllowReadRoots) > 0 {
		base.Workspace.AutoAllowReadRoots = override.Workspace.AutoAllowReadRoots
	}
	if len(override.Workspace.AutoAllowWriteRoots) > 0 {
		base.Workspace.AutoAllowWriteRoots = override.Workspace.AutoAllowWriteRoots
	}
	if override.Workspace.EscapePolicy != "" {
		base.Workspace.EscapePolicy = override.Workspace.EscapePolicy
	}

	if len(override.Policy.BlockedTools) > 0 {
		base.Policy.BlockedTools = override.Policy.BlockedTools
	}
	if len(override.Policy.ApprovalRequiredTools) > 0 {
		base.Policy.ApprovalRequiredTools = override.Policy.ApprovalRequiredTools
	}
	if len(override.Policy.AllowedPathPrefixes) > 0 {
		base.Policy.AllowedPathPrefixes = override.Policy.AllowedPathPrefixes
	}
	if len(override.Policy.DeniedPathPrefixes) > 0 {
		base.Policy.DeniedPathPrefixes = override.Policy.DeniedPathPrefixes
	}
	if len(override.Policy.AllowedNetworkHosts) > 0 {
		base.Policy.AllowedNetworkHosts = override.Policy.AllowedNetworkHosts
	}
	if len(override.Policy.DeniedNetworkHosts) > 0 {
		base.Policy.DeniedNetworkHosts = override.Policy.DeniedNetworkHosts
	}
	if override.Policy.MaxArgumentSize != 0 {
		base.Policy.MaxArgumentSize = override.Policy.MaxArgumentSize
	}
	if override.Policy.RequireApprovalDelete {
		base.Policy.RequireApprovalDelete = true
	}
	if override.Policy.RequireApprovalNetwork {
		base.Policy.RequireApprovalNetwork = true
	}
	if len(override.Policy.BlockedPlugins) > 0 {
		base.Policy.BlockedPlugins = override.Policy.BlockedPlugins
	}

	if override.Budget.SessionCap != 0 {
		base.Budget.SessionCap = override.Budget.SessionCap
	}
	if override.Budget.WorkspaceCap != 0 {
		base.Budget.WorkspaceCap = override.Budget.WorkspaceCap
	}
	if override.Budget.PerActionCap != 0 {
		base.Budget.PerActionCap = override.Budget.PerActionCap
	}
	if override.Budget.WarnThresholdPercent != 0 {
		base.Budget.WarnThresholdPercent = override.Budget.WarnThresholdPercent
	}

	if override.Runtime.MaxConcurrentSubagents != 0 {
		base.Runtime.MaxConcurrentSubagents = override.Runtime.MaxConcurrentSubagents
	}
	if override.Runtime.MaxDelegationDepth != 0 {
		base.Runtime.MaxDelegationDepth = override.Runtime.MaxDelegationDepth
	}
	if override.Runtime.SpawnRateLimit != 0 {
		base.Runtime.SpawnRateLimit = override.Runtime.SpawnRateLimit
	}
	if override.Runtime.SpawnBurst != 0 {
		base.Runtime.SpawnBurst = override.Runtime.SpawnBurst
	}
	if override.Runtime.MaxTurnIterations != 0 {
		base.Runtime.MaxTurnIterations = override.Runtime.MaxTurnIterations
	}

	if len(override.Plugins.Directories) > 0 {
		base.Plugins.Directories = override.Plugins.Directories
	}
	if override.Plugins.SubprocessCommand != "" {
		base.Plugins.SubprocessCommand = override.Plugins.SubprocessCommand
	}

	if override.Approval.TimeoutSeconds != 0 {
		base.Approval.TimeoutSeconds = override.Approval.TimeoutSeconds
	}

	if override.Metrics.Enabled {
		base.Metrics.Enabled = true
	}
	if override.Metrics.ListenAddr != "" {
		base.Metrics.ListenAddr = override.Metrics.ListenAddr
	}

	if override.Tracing.Enabled {
		base.Tracing.Enabled = true
	}
	if override.Tracing.ServiceName != "" {
		base.Tracing.ServiceName = override.Tracing.ServiceName
	}

	if override.Events.Enabled {
		base.Events.Enabled = true
	}
	if override.Events.ListenAddr != "" {
		base.Events.ListenAddr = override.Events.ListenAddr
	}

	if override.MCPServersPath != "" {
		base.MCPServersPath = override.MCPServersPath
	}
	if override.SecretsPath != "" {
		base.SecretsPath = override.SecretsPath
	}
}

// applyEnvOverrides reads a small set of SENTINELD_*-prefixed environment
// variables, mirroring the precedence tail of the pattern this package
// is grounded on (env beats file, file beats default).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINELD_SOCKET_PATH"); v != "" {
		cfg.Daemon.SocketPath = v
	}
	if v := os.Getenv("SENTINELD_SESSION_DIR"); v != "" {
		cfg.Daemon.SessionDir = v
	}
	if v := os.Getenv("SENTINELD_AUDIT_DIR"); v != "" {
		cfg.Daemon.AuditDir = v
	}
	if v := os.Getenv("SENTINELD_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.WorkspaceRoot = v
	}
	if v := os.Getenv("SENTINELD_ESCAPE_POLICY"); v != "" {
		cfg.Workspace.EscapePolicy = workspace.EscapePolicy(v)
	}
	if v := os.Getenv("SENTINELD_SESSION_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.SessionCap = f
		}
	}
	if v := os.Getenv("SENTINELD_MCP_SERVERS_PATH"); v != "" {
		cfg.MCPServersPath = v
	}
	if v := os.Getenv("SENTINELD_SECRETS_PATH"); v != "" {
		cfg.SecretsPath = v
	}
	if v := os.Getenv("SENTINELD_METRICS_LISTEN_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("SENTINELD_TRACING_SERVICE_NAME"); v != "" {
		cfg.Tracing.ServiceName = v
		cfg.Tracing.Enabled = true
	}
	if v := os.Getenv("SENTINELD_EVENTS_LISTEN_ADDR"); v != "" {
		cfg.Events.ListenAddr = v
		cfg.Events.Enabled = true
	}
}

// expandAndFinalize runs the ${...} expansion language over the daemon
// paths, workspace root, never-allow roots, plugin command and
// directories, servers document path, listen addresses and tracing
// service name; other fields (auto-allow roots, policy host and tool
// lists) are left as written. It uses a secrets store loaded from
// cfg.SecretsPath if that file
// exists. A missing secrets file is not an error unless a ${secrets.*}
// reference is actually present in the document.
func expandAndFinalize(cfg *Config) error {
	var secrets *secretstore.Store
	if _, err := os.Stat(cfg.SecretsPath); err == nil {
		secrets, err = secretstore.Load(cfg.SecretsPath)
		if err != nil {
			return err
		}
	} else {
		secrets = secretstore.Empty()
	}

	expand := func(s string) (string, error) { return Expand(s, secrets) }

	fields := []*string{
		&cfg.Daemon.SocketPath, &cfg.Daemon.SessionDir, &cfg.Daemon.AuditDir, &cfg.Daemon.LogDir,
		&cfg.Workspace.WorkspaceRoot,
		&cfg.Plugins.SubprocessCommand,
		&cfg.MCPServersPath,
		&cfg.Metrics.ListenAddr,
		&cfg.Tracing.ServiceName,
		&cfg.Events.ListenAddr,
	}
	for _, f := range fields {
		v, err := expand(*f)
		if err != nil {
			return err
		}
		*f = v
	}

	for i, root := range cfg.Workspace.NeverAllowRoots {
		v, err := expand(root)
		if err != nil {
			return err
		}
		cfg.Workspace.NeverAllowRoots[i] = v
	}
	for i, root := range cfg.Plugins.Directories {
		v, err := expand(root)
		if err != nil {
			return err
		}
		cfg.Plugins.Directories[i] = v
	}

	return nil
}

// Validate rejects structurally unusable configuration before it's
// handed to the rest of the daemon.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Workspace.WorkspaceRoot) == "" {
		return kernelerrors.New(kernelerrors.CodeConfigInvalid, "workspace.workspace_root must not be empty")
	}
	if c.Workspace.EscapePolicy != workspace.EscapePolicyDeny &&
		c.Workspace.EscapePolicy != workspace.EscapePolicyAsk &&
		c.Workspace.EscapePolicy != workspace.EscapePolicyAllow {
		return kernelerrors.New(kernelerrors.CodeConfigInvalid,
			fmt.Sprintf("workspace.escape_policy %q is not one of deny, ask, allow", c.Workspace.EscapePolicy))
	}
	if c.Budget.SessionCap < 0 || c.Budget.WorkspaceCap < 0 || c.Budget.PerActionCap < 0 {
		return kernelerrors.New(kernelerrors.CodeConfigInvalid, "budget caps must not be negative")
	}
	if c.Runtime.MaxConcurrentSubagents < 0 {
		return kernelerrors.New(kernelerrors.CodeConfigInvalid, "runtime.max_concurrent_subagents must not be negative")
	}
	if c.Runtime.SpawnRateLimit < 0 {
		return kernelerrors.New(kernelerrors.CodeConfigInvalid, "runtime.spawn_rate_limit must not be negative")
	}
	if c.Approval.TimeoutSeconds < 0 {
		return kernelerrors.New(kernelerrors.CodeConfigInvalid, "approval.timeout_seconds must not be negative")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.ListenAddr) == "" {
		return kernelerrors.New(kernelerrors.CodeConfigInvalid, "metrics.listen_addr must not be empty when metrics.enabled")
	}
	if c.Events.Enabled && strings.TrimSpace(c.Events.ListenAddr) == "" {
		return kernelerrors.New(kernelerrors.CodeConfigInvalid, "events.listen_addr must not be empty when events.enabled")
	}
	return nil
}
