// Package workspace implements the workspace boundary: a
// path classifier matching every filesystem action against allowed/denied
// roots and an escape policy, plus per-session escape-decision memory
// ("Escape request/decision").
package workspace

import (
	"path/filepath"
	"strings"
)

// EscapePolicy controls what happens when a path falls outside the
// workspace and isn't on an auto-allow/never-allow list.
type EscapePolicy string

const (
	EscapePolicyDeny  EscapePolicy = "deny"
	EscapePolicyAsk   EscapePolicy = "ask"
	EscapePolicyAllow EscapePolicy = "allow"
)

// Check is the classification a path receives from Boundary.Check.
type Check string

const (
	CheckAllowed         Check = "allowed"
	CheckAutoAllowed     Check = "auto-allowed"
	CheckNeverAllowed    Check = "never-allowed"
	CheckRequiresApproval Check = "requires-approval"
)

// Config describes a Boundary's configuration.
type Config struct {
	WorkspaceRoot       string       `yaml:"workspace_root"`
	NeverAllowRoots     []string     `yaml:"never_allow_roots"`
	AutoAllowReadRoots  []string     `yaml:"auto_allow_read_roots"`
	AutoAllowWriteRoots []string     `yaml:"auto_allow_write_roots"`
	EscapePolicy        EscapePolicy `yaml:"escape_policy"`
}

// DefaultNeverAllowRoots lists protected system paths denied regardless
// of configuration, matching the sandbox package's default deny list.
func DefaultNeverAllowRoots() []string {
	return []string{
		"/etc", "/var", "/usr", "/bin", "/sbin",
		"~/.ssh", "~/.gnupg", "~/.aws",
	}
}

// Boundary classifies filesystem paths against a workspace root.
type Boundary struct {
	cfg Config
}

// New creates a Boundary. WorkspaceRoot is canonicalised via
// filepath.Clean; callers are expected to have resolved symlinks already
// if stronger guarantees are required.
func New(cfg Config) *Boundary {
	cfg.WorkspaceRoot = filepath.Clean(cfg.WorkspaceRoot)
	return &Boundary{cfg: cfg}
}

// Check classifies path.
func (b *Boundary) Check(path string, write bool) Check {
	clean := filepath.Clean(path)

	if b.cfg.WorkspaceRoot != "" && isUnder(clean, b.cfg.WorkspaceRoot) {
		return CheckAllowed
	}
	if isUnderAny(clean, b.cfg.NeverAllowRoots) {
		return CheckNeverAllowed
	}
	if write && isUnderAny(clean, b.cfg.AutoAllowWriteRoots) {
		return CheckAutoAllowed
	}
	if !write && isUnderAny(clean, b.cfg.AutoAllowReadRoots) {
		return CheckAutoAllowed
	}

	switch b.cfg.EscapePolicy {
	case EscapePolicyDeny:
		return CheckNeverAllowed
	case EscapePolicyAllow:
		return CheckAutoAllowed
	default: // EscapePolicyAsk, or unset
		return CheckRequiresApproval
	}
}

func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

func isUnderAny(path string, roots []string) bool {
	for _, root := range roots {
		if isUnder(path, filepath.Clean(root)) {
			return true
		}
	}
	return false
}

// pathKeyVocabulary is the small fixed set of tool-argument key names
// scanned for path-shaped values.
var pathKeyVocabulary = map[string]bool{
	"path": true, "file": true, "filepath": true, "file_path": true,
	"directory": true, "dir": true, "target": true, "destination": true,
	"source": true, "cwd": true, "working_directory": true,
}

var pathValuePrefixes = []string{"/", "~/", "./", "../", "file://"}

// ScanArgs inspects a flat string-keyed argument map for path-shaped
// values, returning the candidate paths. A value is a candidate only if
// it starts with one of pathValuePrefixes; a key in pathKeyVocabulary
// does not make a value without such a prefix a candidate.
func ScanArgs(args map[string]string) []string {
	var paths []string
	for key, value := range args {
		if !pathKeyVocabulary[strings.ToLower(key)] {
			if !looksLikePath(value) {
				continue
			}
		}
		if looksLikePath(value) {
			paths = append(paths, value)
		}
	}
	return paths
}

func looksLikePath(value string) bool {
	for _, prefix := range pathValuePrefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
