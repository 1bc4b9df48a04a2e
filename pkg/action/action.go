// Package action defines the tagged-variant Action type that flows through
// every stage of the security kernel: policy, capability, allowance,
// approval, budget, and audit.
package action

import "fmt"

// Permission is the closed set of effects an Action can imply.
type Permission string

const (
	PermissionRead    Permission = "read"
	PermissionWrite   Permission = "write"
	PermissionDelete  Permission = "delete"
	PermissionExecute Permission = "execute"
	PermissionInvoke  Permission = "invoke"
	PermissionList    Permission = "list"
)

// Kind discriminates the Action variant.
type Kind string

const (
	KindInvokeNamedTool        Kind = "invoke-named-tool"
	KindReadFile               Kind = "read-file"
	KindWriteFileOutsideSandbox Kind = "write-file-outside-sandbox"
	KindDeleteFile             Kind = "delete-file"
	KindNetworkRequest         Kind = "network-request"
	KindExecuteCommand         Kind = "execute-command"
	KindPluginExecution        Kind = "plugin-execution"
	KindPluginHTTPRequest      Kind = "plugin-http-request"
	KindPluginFileAccess       Kind = "plugin-file-access"
)

// Action is a tagged variant describing an effect the agent wishes to
// cause. Only the fields relevant to Kind are populated; the zero value of
// unused fields must be ignored by callers. Action is comparable (all
// fields are strings/ints) so it can be used as a map key fingerprint.
type Action struct {
	Kind Kind

	// invoke-named-tool
	ServerName string
	ToolName   string

	// read-file, write-file-outside-sandbox, delete-file, plugin-file-access
	Path string

	// network-request
	Host string
	Port int

	// execute-command
	Command   string
	Arguments string // joined/serialised for fingerprinting

	// plugin-execution, plugin-http-request, plugin-file-access
	PluginID   string
	Capability string
	URL        string

	// plugin-file-access
	FilePermission Permission
}

// Fingerprint returns a stable string key identifying this action for
// allowance/capability matching and deduplication. Two Actions with equal
// Fingerprint are considered the same resource+operation pair.
func (a Action) Fingerprint() string {
	switch a.Kind {
	case KindInvokeNamedTool:
		return fmt.Sprintf("%s:%s:%s", a.Kind, a.ServerName, a.ToolName)
	case KindReadFile, KindWriteFileOutsideSandbox, KindDeleteFile:
		return fmt.Sprintf("%s:%s", a.Kind, a.Path)
	case KindNetworkRequest:
		return fmt.Sprintf("%s:%s:%d", a.Kind, a.Host, a.Port)
	case KindExecuteCommand:
		return fmt.Sprintf("%s:%s:%s", a.Kind, a.Command, a.Arguments)
	case KindPluginExecution:
		return fmt.Sprintf("%s:%s:%s", a.Kind, a.PluginID, a.Capability)
	case KindPluginHTTPRequest:
		return fmt.Sprintf("%s:%s:%s", a.Kind, a.PluginID, a.URL)
	case KindPluginFileAccess:
		return fmt.Sprintf("%s:%s:%s:%s", a.Kind, a.PluginID, a.Path, a.FilePermission)
	default:
		return fmt.Sprintf("%s:unknown", a.Kind)
	}
}

// ImpliedPermission returns the Permission a successful execution of this
// Action represents, used by the capability/allowance matchers.
func (a Action) ImpliedPermission() Permission {
	switch a.Kind {
	case KindInvokeNamedTool:
		return PermissionInvoke
	case KindReadFile:
		return PermissionRead
	case KindWriteFileOutsideSandbox:
		return PermissionWrite
	case KindDeleteFile:
		return PermissionDelete
	case KindNetworkRequest:
		return PermissionInvoke
	case KindExecuteCommand:
		return PermissionExecute
	case KindPluginExecution:
		return PermissionExecute
	case KindPluginHTTPRequest:
		return PermissionInvoke
	case KindPluginFileAccess:
		if a.FilePermission != "" {
			return a.FilePermission
		}
		return PermissionRead
	default:
		return PermissionInvoke
	}
}

// IsIntrinsicallyApprovalGated reports whether this kind of action always
// requires approval absent a capability or allowance, regardless of
// policy configuration (step 4: delete, network, plugin
// execute).
func (a Action) IsIntrinsicallyApprovalGated() bool {
	switch a.Kind {
	case KindDeleteFile, KindNetworkRequest, KindPluginExecution:
		return true
	default:
		return false
	}
}

// Description renders a human-readable summary for approval prompts and
// audit entries.
func (a Action) Description() string {
	switch a.Kind {
	case KindInvokeNamedTool:
		return fmt.Sprintf("invoke tool %q on server %q", a.ToolName, a.ServerName)
	case KindReadFile:
		return fmt.Sprintf("read file %q", a.Path)
	case KindWriteFileOutsideSandbox:
		return fmt.Sprintf("write file %q (outside sandbox)", a.Path)
	case KindDeleteFile:
		return fmt.Sprintf("delete file %q", a.Path)
	case KindNetworkRequest:
		return fmt.Sprintf("connect to %s:%d", a.Host, a.Port)
	case KindExecuteCommand:
		return fmt.Sprintf("execute command %q %s", a.Command, a.Arguments)
	case KindPluginExecution:
		return fmt.Sprintf("plugin %q execute capability %q", a.PluginID, a.Capability)
	case KindPluginHTTPRequest:
		return fmt.Sprintf("plugin %q request %q", a.PluginID, a.URL)
	case KindPluginFileAccess:
		return fmt.Sprintf("plugin %q %s file %q", a.PluginID, a.FilePermission, a.Path)
	default:
		return string(a.Kind)
	}
}
