// Package secretstore implements the secrets file backing the
// ${secrets.k} configuration expansion: a YAML key/value document that
// must live at 0600 permissions and is rejected if it doesn't.
package secretstore

import (
	"fmt"
	"os"
	"path/filepath"

	kernelerrors "github.com/sentineld/kernel/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Store is an in-memory, read-only view of a loaded secrets file.
type Store struct {
	path   string
	values map[string]string
}

// Empty returns a Store with no secrets, for callers that have not
// configured a secrets file. Lookups always miss.
func Empty() *Store {
	return &Store{values: map[string]string{}}
}

// Load reads and parses the secrets file at path. The file must be a flat
// YAML mapping of string keys to string values and must carry mode 0600
// (owner read/write only); any broader permission bit is refused so a
// misconfigured umask can't leak credentials to other local users.
func Load(path string) (*Store, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodeConfigInvalid, "stat secrets file")
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, kernelerrors.New(kernelerrors.CodeConfigInvalid,
			fmt.Sprintf("secrets file %s must be 0600 or more restrictive, got %#o", path, info.Mode().Perm()))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kernelerrors.Wrap(err, kernelerrors.CodeConfigInvalid, "read secrets file")
	}

	values := map[string]string{}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, kernelerrors.Wrap(err, kernelerrors.CodeConfigInvalid, "parse secrets file")
		}
	}

	return &Store{path: path, values: values}, nil
}

// Get returns the named secret and whether it was present.
func (s *Store) Get(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.values[key]
	return v, ok
}

// Path returns the file the store was loaded from, or "" for Empty().
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// WriteNew creates a fresh secrets file at path with the given values,
// enforcing 0600 from creation so there's no window where the file is
// group/world readable.
func WriteNew(path string, values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return kernelerrors.Wrap(err, kernelerrors.CodeConfigInvalid, "create secrets directory")
	}
	data, err := yaml.Marshal(values)
	if err != nil {
		return kernelerrors.Wrap(err, kernelerrors.CodeConfigInvalid, "marshal secrets")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return kernelerrors.Wrap(err, kernelerrors.CodeConfigInvalid, "write secrets file")
	}
	return nil
}
