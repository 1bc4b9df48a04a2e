package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"github.com/sentineld/kernel/pkg/secretstore"
)

// placeholderPattern matches ${...} references. The inner content is one
// of:
//
//	secrets.KEY         looked up in the secrets store
//	env:VAR             looked up in the process environment
//	VAR                 bare form of env:VAR
//	REF:-default        any of the above with a fallback default value
var placeholderPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// Expand resolves every ${...} placeholder in s. secrets may be nil or
// secretstore.Empty(); in that case any ${secrets.*} reference fails.
// A reference with no default and no value anywhere fails loudly: the
// returned error names the unresolved reference rather than leaving the
// placeholder text in place or silently substituting an empty string.
func Expand(s string, secrets *secretstore.Store) (string, error) {
	var firstErr error
	result := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		inner := placeholderPattern.FindStringSubmatch(match)[1]
		resolved, err := resolvePlaceholder(inner, secrets)
		if err != nil {
			firstErr = err
			return match
		}
		return resolved
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func resolvePlaceholder(inner string, secrets *secretstore.Store) (string, error) {
	ref := inner
	defaultValue := ""
	hasDefault := false
	if idx := strings.Index(inner, ":-"); idx >= 0 {
		ref = inner[:idx]
		defaultValue = inner[idx+2:]
		hasDefault = true
	}

	switch {
	case strings.HasPrefix(ref, "secrets."):
		key := strings.TrimPrefix(ref, "secrets.")
		if key == "" {
			return "", kernelerrors.New(kernelerrors.CodeConfigInvalid, "empty secrets reference in ${secrets.}")
		}
		if v, ok := secrets.Get(key); ok {
			return v, nil
		}
		if hasDefault {
			return defaultValue, nil
		}
		return "", kernelerrors.New(kernelerrors.CodeConfigInvalid,
			fmt.Sprintf("unresolved config reference ${secrets.%s}: no such secret", key))

	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		return resolveEnv(name, defaultValue, hasDefault, fmt.Sprintf("${env:%s}", name))

	default:
		return resolveEnv(ref, defaultValue, hasDefault, fmt.Sprintf("${%s}", ref))
	}
}

func resolveEnv(name, defaultValue string, hasDefault bool, refForError string) (string, error) {
	if name == "" {
		return "", kernelerrors.New(kernelerrors.CodeConfigInvalid, "empty environment reference in "+refForError)
	}
	if v, ok := os.LookupEnv(name); ok {
		return v, nil
	}
	if hasDefault {
		return defaultValue, nil
	}
	return "", kernelerrors.New(kernelerrors.CodeConfigInvalid,
		fmt.Sprintf("unresolved config reference %s: environment variable %s is not set", refForError, name))
}
