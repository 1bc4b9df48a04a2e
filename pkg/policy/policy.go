// Package policy implements the stateless policy engine: a classifier of
// an action as allowed, blocked, or requiring approval, using configured
// allow/deny sets and a maximum argument size bound.
package policy

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sentineld/kernel/pkg/action"
	kernelerrors "github.com/sentineld/kernel/pkg/errors"
)

// Decision is the classifier's verdict.
type Decision string

const (
	DecisionAllow            Decision = "allow"
	DecisionBlock            Decision = "block"
	DecisionRequiresApproval Decision = "requires-approval"
)

// Config enumerates the policy engine's rule sets.
type Config struct {
	BlockedTools           map[string]bool `yaml:"blocked_tools"`
	ApprovalRequiredTools  map[string]bool `yaml:"approval_required_tools"`
	AllowedPathPrefixes    []string        `yaml:"allowed_path_prefixes"`
	DeniedPathPrefixes     []string        `yaml:"denied_path_prefixes"`
	AllowedNetworkHosts    []string        `yaml:"allowed_network_hosts"`
	DeniedNetworkHosts     []string        `yaml:"denied_network_hosts"`
	MaxArgumentSize        int             `yaml:"max_argument_size"`
	RequireApprovalDelete  bool            `yaml:"require_approval_delete"`
	RequireApprovalNetwork bool            `yaml:"require_approval_network"`
	BlockedPlugins         map[string]bool `yaml:"blocked_plugins"`
}

// DefaultConfig returns a conservative starting configuration: no tools
// blocked, no approval-required tools, no path/host allow/deny rules, a
// 1MiB argument size bound, and approval required for delete+network.
func DefaultConfig() Config {
	return Config{
		BlockedTools:           map[string]bool{},
		ApprovalRequiredTools:  map[string]bool{},
		AllowedPathPrefixes:    nil,
		DeniedPathPrefixes:     nil,
		AllowedNetworkHosts:    nil,
		DeniedNetworkHosts:     nil,
		MaxArgumentSize:        1 << 20,
		RequireApprovalDelete:  true,
		RequireApprovalNetwork: true,
		BlockedPlugins:         map[string]bool{},
	}
}

// Engine is the stateless evaluator. It holds no per-action state; the
// mutex only protects hot-swapping Config.
type Engine struct {
	mu  sync.RWMutex
	cfg Config
}

// NewEngine creates an Engine with the given initial configuration.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// SetConfig hot-swaps the policy configuration.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// GetConfig returns the current configuration.
func (e *Engine) GetConfig() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// EvaluationResult is the outcome of evaluating an action.
type EvaluationResult struct {
	Decision        Decision
	RequiresApproval bool
	Reason          string
}

// Evaluate classifies a. argsSize is the serialised size in bytes of the
// action's tool arguments, if applicable (0 if not a tool invocation).
func (e *Engine) Evaluate(a action.Action, argsSize int) (EvaluationResult, error) {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	if cfg.MaxArgumentSize > 0 && argsSize > cfg.MaxArgumentSize {
		return EvaluationResult{Decision: DecisionBlock, Reason: "argument size exceeds configured bound"},
			kernelerrors.New(kernelerrors.CodeArgumentTooLarge, "action arguments exceed maximum size").
				WithContext("size", argsSize).WithContext("limit", cfg.MaxArgumentSize)
	}

	if deniedReason := e.matchesDenied(a, cfg); deniedReason != "" {
		return EvaluationResult{Decision: DecisionBlock, Reason: deniedReason},
			kernelerrors.New(kernelerrors.CodePolicyViolation, deniedReason)
	}

	if e.matchesAllowed(a, cfg) {
		return EvaluationResult{Decision: DecisionAllow}, nil
	}

	if reason := e.matchesApprovalRequired(a, cfg); reason != "" {
		return EvaluationResult{Decision: DecisionRequiresApproval, RequiresApproval: true, Reason: reason}, nil
	}

	// Default-open: other layers (capability, allowance, approval,
	// budget) still apply.
	return EvaluationResult{Decision: DecisionAllow}, nil
}

func (e *Engine) matchesDenied(a action.Action, cfg Config) string {
	if a.Kind == action.KindInvokeNamedTool && cfg.BlockedTools[toolKey(a)] {
		return "tool is blocked by policy"
	}
	if a.Kind == action.KindPluginExecution || a.Kind == action.KindPluginHTTPRequest || a.Kind == action.KindPluginFileAccess {
		if cfg.BlockedPlugins[a.PluginID] {
			return "plugin is blocked by policy"
		}
	}
	if isPathAction(a) && matchesPrefixList(a.Path, cfg.DeniedPathPrefixes) {
		return "path is on the denied prefix list"
	}
	if a.Kind == action.KindNetworkRequest && matchesHostList(a.Host, cfg.DeniedNetworkHosts) {
		return "host is on the denied list"
	}
	return ""
}

func (e *Engine) matchesAllowed(a action.Action, cfg Config) bool {
	if isPathAction(a) && matchesPrefixList(a.Path, cfg.AllowedPathPrefixes) {
		return true
	}
	if a.Kind == action.KindNetworkRequest && matchesHostList(a.Host, cfg.AllowedNetworkHosts) {
		return true
	}
	return false
}

func (e *Engine) matchesApprovalRequired(a action.Action, cfg Config) string {
	if a.Kind == action.KindInvokeNamedTool && cfg.ApprovalRequiredTools[toolKey(a)] {
		return "tool requires approval by policy"
	}
	if a.Kind == action.KindDeleteFile && cfg.RequireApprovalDelete {
		return "delete requires approval by policy"
	}
	if a.Kind == action.KindNetworkRequest && cfg.RequireApprovalNetwork {
		return "network access requires approval by policy"
	}
	return ""
}

func toolKey(a action.Action) string {
	return a.ServerName + "/" + a.ToolName
}

func isPathAction(a action.Action) bool {
	switch a.Kind {
	case action.KindReadFile, action.KindWriteFileOutsideSandbox, action.KindDeleteFile, action.KindPluginFileAccess:
		return true
	default:
		return false
	}
}

// matchesPrefixList reports whether path is prefixed (after canonical
// cleaning) by any entry in prefixes.
func matchesPrefixList(path string, prefixes []string) bool {
	clean := filepath.Clean(path)
	for _, prefix := range prefixes {
		if clean == filepath.Clean(prefix) || strings.HasPrefix(clean, filepath.Clean(prefix)+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// matchesHostList matches host exactly, or by suffix when the rule begins
// with a dot ("host matches use exact name or suffix when
// the rule begins with a dot").
func matchesHostList(host string, rules []string) bool {
	for _, rule := range rules {
		if strings.HasPrefix(rule, ".") {
			if strings.HasSuffix(host, rule) || host == strings.TrimPrefix(rule, ".") {
				return true
			}
			continue
		}
		if host == rule {
			return true
		}
	}
	return false
}

// ArgSize returns the serialised size in bytes of v, used as the
// argsSize input to Evaluate for tool invocations.
func ArgSize(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, kernelerrors.Wrap(err, kernelerrors.CodeConfigInvalid, "marshal action arguments")
	}
	return len(data), nil
}
