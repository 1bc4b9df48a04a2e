// Package allowance implements the allowance store: signed patterns that
// auto-approve future actions matching them, keyed on a closed pattern
// taxonomy.
package allowance

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sentineld/kernel/pkg/action"
)

// PatternKind discriminates the allowance pattern variants. The set is
// closed.
type PatternKind string

const (
	PatternExactTool         PatternKind = "exact-tool"
	PatternServerTools       PatternKind = "server-tools"
	PatternFile              PatternKind = "file-pattern"
	PatternNetworkHost       PatternKind = "network-host"
	PatternCommand           PatternKind = "command-pattern"
	PatternWorkspaceRelative PatternKind = "workspace-relative"
	PatternPluginCapability  PatternKind = "plugin-capability"
	PatternPluginWildcard    PatternKind = "plugin-wildcard"
)

// Pattern is a tagged variant over the allowance pattern taxonomy.
type Pattern struct {
	Kind PatternKind

	// exact-tool, server-tools
	Server string
	Tool   string

	// file-pattern, workspace-relative
	Glob       string
	Permission action.Permission

	// network-host
	Host  string
	Ports []int // nil => all ports

	// command-pattern
	Command string

	// plugin-capability, plugin-wildcard
	PluginID   string
	Capability string
}

// String renders a human-readable description for approval prompts and
// audit entries.
func (p Pattern) String() string {
	switch p.Kind {
	case PatternExactTool:
		return fmt.Sprintf("mcp://%s/%s", p.Server, p.Tool)
	case PatternServerTools:
		return fmt.Sprintf("mcp://%s/*", p.Server)
	case PatternFile:
		return fmt.Sprintf("file:%s (%s)", p.Glob, p.Permission)
	case PatternNetworkHost:
		if p.Ports == nil {
			return fmt.Sprintf("net:%s:*", p.Host)
		}
		parts := make([]string, len(p.Ports))
		for i, port := range p.Ports {
			parts[i] = fmt.Sprintf("%d", port)
		}
		return fmt.Sprintf("net:%s:[%s]", p.Host, strings.Join(parts, ","))
	case PatternCommand:
		return fmt.Sprintf("cmd:%s", p.Command)
	case PatternWorkspaceRelative:
		return fmt.Sprintf("workspace:%s (%s)", p.Glob, p.Permission)
	case PatternPluginCapability:
		return fmt.Sprintf("plugin://%s:%s", p.PluginID, p.Capability)
	case PatternPluginWildcard:
		return fmt.Sprintf("plugin://%s:*", p.PluginID)
	default:
		return string(p.Kind)
	}
}

// Matches checks whether this pattern covers a, given the current
// session's workspace root (empty string means no workspace is known).
// Mirrors the match arms of the Rust original's AllowancePattern::matches.
func (p Pattern) Matches(a action.Action, workspaceRoot string) bool {
	switch p.Kind {
	case PatternExactTool:
		return a.Kind == action.KindInvokeNamedTool && p.Server == a.ServerName && p.Tool == a.ToolName

	case PatternServerTools:
		return a.Kind == action.KindInvokeNamedTool && p.Server == a.ServerName

	case PatternFile:
		switch {
		case p.Permission == action.PermissionDelete && a.Kind == action.KindDeleteFile:
			return matchesFileGlob(p.Glob, a.Path)
		case p.Permission == action.PermissionWrite && a.Kind == action.KindWriteFileOutsideSandbox:
			return matchesFileGlob(p.Glob, a.Path)
		case p.Permission == action.PermissionRead && a.Kind == action.KindReadFile:
			return matchesFileGlob(p.Glob, a.Path)
		}
		return false

	case PatternWorkspaceRelative:
		switch {
		case p.Permission == action.PermissionDelete && a.Kind == action.KindDeleteFile:
			return pathInWorkspace(a.Path, workspaceRoot) && matchesFileGlob(p.Glob, a.Path)
		case p.Permission == action.PermissionWrite && a.Kind == action.KindWriteFileOutsideSandbox:
			return pathInWorkspace(a.Path, workspaceRoot) && matchesFileGlob(p.Glob, a.Path)
		case p.Permission == action.PermissionRead && a.Kind == action.KindReadFile:
			return pathInWorkspace(a.Path, workspaceRoot) && matchesFileGlob(p.Glob, a.Path)
		case p.Permission == action.PermissionInvoke && a.Kind == action.KindInvokeNamedTool:
			if workspaceRoot == "" {
				return false
			}
			resource := fmt.Sprintf("%s/%s", a.ServerName, a.ToolName)
			return matchesFileGlob(p.Glob, resource)
		case p.Permission == action.PermissionExecute && a.Kind == action.KindExecuteCommand:
			if workspaceRoot == "" {
				return false
			}
			return matchesFileGlob(p.Glob, a.Command)
		}
		return false

	case PatternNetworkHost:
		if a.Kind != action.KindNetworkRequest || p.Host != a.Host {
			return false
		}
		if p.Ports == nil {
			return true
		}
		for _, allowed := range p.Ports {
			if allowed == a.Port {
				return true
			}
		}
		return false

	case PatternCommand:
		return a.Kind == action.KindExecuteCommand && matchesFileGlob(p.Command, a.Command)

	case PatternPluginCapability:
		switch a.Kind {
		case action.KindPluginExecution:
			return p.PluginID == a.PluginID && p.Capability == a.Capability
		case action.KindPluginHTTPRequest:
			return p.PluginID == a.PluginID && p.Capability == "http_request"
		case action.KindPluginFileAccess:
			derived, ok := derivedFileCapability(a.FilePermission)
			return ok && p.PluginID == a.PluginID && p.Capability == derived
		}
		return false

	case PatternPluginWildcard:
		switch a.Kind {
		case action.KindPluginExecution, action.KindPluginHTTPRequest, action.KindPluginFileAccess:
			return p.PluginID == a.PluginID
		}
		return false

	default:
		return false
	}
}

func derivedFileCapability(perm action.Permission) (string, bool) {
	switch perm {
	case action.PermissionRead:
		return "file_read", true
	case action.PermissionWrite:
		return "file_write", true
	case action.PermissionDelete:
		return "file_delete", true
	default:
		return "", false
	}
}

// ExactActionPattern builds the narrowest Pattern that matches exactly a,
// for use when an approval decision should be remembered verbatim rather
// than generalized to a glob. Approval callers that want a broader grant
// (e.g. a directory glob) should construct a Pattern directly instead.
func ExactActionPattern(a action.Action) Pattern {
	switch a.Kind {
	case action.KindInvokeNamedTool:
		return Pattern{Kind: PatternExactTool, Server: a.ServerName, Tool: a.ToolName}
	case action.KindReadFile:
		return Pattern{Kind: PatternFile, Glob: a.Path, Permission: action.PermissionRead}
	case action.KindWriteFileOutsideSandbox:
		return Pattern{Kind: PatternFile, Glob: a.Path, Permission: action.PermissionWrite}
	case action.KindDeleteFile:
		return Pattern{Kind: PatternFile, Glob: a.Path, Permission: action.PermissionDelete}
	case action.KindNetworkRequest:
		return Pattern{Kind: PatternNetworkHost, Host: a.Host, Ports: []int{a.Port}}
	case action.KindExecuteCommand:
		return Pattern{Kind: PatternCommand, Command: a.Command}
	case action.KindPluginExecution:
		return Pattern{Kind: PatternPluginCapability, PluginID: a.PluginID, Capability: a.Capability}
	case action.KindPluginHTTPRequest:
		return Pattern{Kind: PatternPluginCapability, PluginID: a.PluginID, Capability: "http_request"}
	case action.KindPluginFileAccess:
		derived, _ := derivedFileCapability(a.FilePermission)
		return Pattern{Kind: PatternPluginCapability, PluginID: a.PluginID, Capability: derived}
	default:
		return Pattern{Kind: PatternCommand, Command: a.Fingerprint()}
	}
}

// pathInWorkspace reports whether path falls under workspaceRoot. An empty
// workspaceRoot means no workspace is known, and the check passes
// ("Path matching rule").
func pathInWorkspace(path, workspaceRoot string) bool {
	if workspaceRoot == "" {
		return true
	}
	rel, err := filepath.Rel(workspaceRoot, path)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

// matchesFileGlob rejects any path containing a parent-directory component
// before evaluating the glob ("Path matching rule").
func matchesFileGlob(pattern, path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return false
		}
	}
	matched, err := doublestar.Match(pattern, filepath.ToSlash(path))
	if err != nil {
		return false
	}
	return matched
}
