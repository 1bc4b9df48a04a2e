package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kernelerrors "github.com/sentineld/kernel/pkg/errors"
)

const manifestFilename = "plugin.json"

// Manifest is the plugin manifest document: identifies the
// plugin, declares its JSON-schema-typed configuration, and optionally
// lists channels and providers, whose presence forces the subprocess
// tier.
type Manifest struct {
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	Version      string          `json:"version,omitempty"`
	Description  string          `json:"description,omitempty"`
	Kind         string          `json:"kind,omitempty"`
	ConfigSchema json.RawMessage `json:"configSchema,omitempty"`
	Channels     []string        `json:"channels,omitempty"`
	Providers    []string        `json:"providers,omitempty"`
	Skills       []string        `json:"skills,omitempty"`
}

// DisplayName falls back to ID when Name is unset.
func (m Manifest) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// RequiresHostIntegration reports whether the manifest declares channels
// or providers, which forces subprocess tier regardless of source scan
// results.
func (m Manifest) RequiresHostIntegration() bool {
	return len(m.Channels) > 0 || len(m.Providers) > 0
}

// ParseManifest reads and validates plugin.json from pluginDir.
func ParseManifest(pluginDir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(pluginDir, manifestFilename))
	if err != nil {
		return Manifest{}, kernelerrors.Wrap(err, kernelerrors.CodePluginLoadFailed, "read plugin manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, kernelerrors.Wrap(err, kernelerrors.CodePluginLoadFailed, "parse plugin manifest")
	}
	if m.ID == "" {
		return Manifest{}, kernelerrors.New(kernelerrors.CodePluginLoadFailed, "plugin manifest missing 'id'")
	}
	return m, nil
}

// ConvertID normalizes an arbitrary plugin id to the kernel's canonical
// form: lowercase, hyphens only, no leading/trailing hyphens.
func ConvertID(rawID string) (string, error) {
	lowered := strings.ToLower(rawID)
	var b strings.Builder
	for _, r := range lowered {
		if r == '_' || r == '.' {
			b.WriteRune('-')
		} else {
			b.WriteRune(r)
		}
	}
	id := b.String()
	for strings.Contains(id, "--") {
		id = strings.ReplaceAll(id, "--", "-")
	}
	id = strings.Trim(id, "-")

	if id == "" {
		return "", kernelerrors.New(kernelerrors.CodePluginLoadFailed, fmt.Sprintf("converted id for %q is empty", rawID))
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
			return "", kernelerrors.New(kernelerrors.CodePluginLoadFailed, fmt.Sprintf("converted id %q contains invalid characters", id))
		}
	}
	return id, nil
}

// resolveEntryPoint finds the plugin's main source file: package.json's
// "extensions" array first entry, falling back to common locations.
func resolveEntryPoint(pluginDir string) (string, error) {
	pkgPath := filepath.Join(pluginDir, "package.json")
	if data, err := os.ReadFile(pkgPath); err == nil {
		var pkg struct {
			Extensions []string `json:"extensions"`
		}
		if err := json.Unmarshal(data, &pkg); err == nil && len(pkg.Extensions) > 0 {
			return pkg.Extensions[0], nil
		}
	}

	for _, candidate := range []string{"src/index.ts", "src/index.js", "index.ts", "index.js"} {
		if _, err := os.Stat(filepath.Join(pluginDir, candidate)); err == nil {
			return candidate, nil
		}
	}
	return "", kernelerrors.New(kernelerrors.CodePluginLoadFailed, "could not resolve plugin entry point")
}
