package plugin

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Tier is the runtime isolation tier a plugin is classified into
//.
type Tier string

const (
	// TierInProcess runs in a memory-safe in-process sandbox with a
	// fixed host-function surface.
	TierInProcess Tier = "in-process"
	// TierSubprocess runs as a sandboxed child process, speaking
	// JSON-RPC to the agent.
	TierSubprocess Tier = "subprocess"
)

// unsupportedNodeModules cannot be polyfilled by the in-process sandbox;
// their presence in the entry point forces subprocess tier. Modules that
// can be polyfilled (fs, path, os) are deliberately absent.
var unsupportedNodeModules = []string{
	"node:http", "node:https", "node:net", "node:child_process",
	"node:worker_threads", "node:cluster", "node:dgram", "node:tls",
	"node:http2", "node:inspector", "node:v8", "node:vm", "node:async_hooks",
	"http", "https", "net", "child_process", "worker_threads", "cluster",
	"dgram", "tls", "http2", "inspector", "v8", "vm", "async_hooks",
}

// DetectTier classifies a plugin by inspecting its manifest and source
// in order: manifest channels/providers force subprocess (host
// integration); package.json dependencies force subprocess; unsupported
// runtime-module imports force subprocess; local relative imports force
// subprocess (multi-file plugin); default in-process.
func DetectTier(pluginDir string, manifest *Manifest) Tier {
	needsHost := false
	if manifest != nil {
		needsHost = manifest.RequiresHostIntegration()
	} else {
		needsHost = requiresHostIntegrationFromFile(pluginDir)
	}
	if needsHost {
		return TierSubprocess
	}
	if hasNPMDependencies(pluginDir) {
		return TierSubprocess
	}
	if hasUnsupportedImports(pluginDir) {
		return TierSubprocess
	}
	if hasLocalImports(pluginDir) {
		return TierSubprocess
	}
	return TierInProcess
}

func requiresHostIntegrationFromFile(pluginDir string) bool {
	data, err := os.ReadFile(filepath.Join(pluginDir, manifestFilename))
	if err != nil {
		return false
	}
	var parsed struct {
		Channels  []string `json:"channels"`
		Providers []string `json:"providers"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return false
	}
	return len(parsed.Channels) > 0 || len(parsed.Providers) > 0
}

func hasNPMDependencies(pluginDir string) bool {
	data, err := os.ReadFile(filepath.Join(pluginDir, "package.json"))
	if err != nil {
		return false
	}
	var parsed struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return false
	}
	return len(parsed.Dependencies) > 0
}

func readEntrySource(pluginDir string) (string, bool) {
	entry, err := resolveEntryPoint(pluginDir)
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(pluginDir, entry))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// hasUnsupportedImports is a heuristic: substring matching of quoted
// module specifiers in the entry point only. False positives (module
// name inside a comment) are safe, since the plugin still runs via the
// subprocess tier; false negatives (import buried in a transitive
// dependency) may surface later as a subprocess-tier sandbox rejection.
func hasUnsupportedImports(pluginDir string) bool {
	source, ok := readEntrySource(pluginDir)
	if !ok {
		return false
	}
	for _, mod := range unsupportedNodeModules {
		if strings.Contains(source, `"`+mod+`"`) || strings.Contains(source, `'`+mod+`'`) {
			return true
		}
	}
	return false
}

// hasLocalImports scans for import/require of relative paths, which
// implies a multi-file plugin that cannot be compiled to a single
// in-process sandbox module.
func hasLocalImports(pluginDir string) bool {
	source, ok := readEntrySource(pluginDir)
	if !ok {
		return false
	}
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "*") || strings.HasPrefix(trimmed, "/*") {
			continue
		}
		relative := strings.Contains(trimmed, `from "./`) || strings.Contains(trimmed, `from "../`) ||
			strings.Contains(trimmed, `from './`) || strings.Contains(trimmed, `from '../`) ||
			strings.Contains(trimmed, `require("./`) || strings.Contains(trimmed, `require("../`) ||
			strings.Contains(trimmed, `require('./`) || strings.Contains(trimmed, `require('../`)
		if relative && (strings.HasPrefix(trimmed, "import") || strings.Contains(trimmed, "require(")) {
			return true
		}
	}
	return false
}
