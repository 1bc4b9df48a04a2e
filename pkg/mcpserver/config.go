// Package mcpserver implements the external tool server transport
//: a TOML-configured registry of MCP-protocol tool
// servers, each reachable over a local subprocess or a network stream,
// speaking newline-framed JSON-RPC 2.0.
package mcpserver

import (
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"

	kernelerrors "github.com/sentineld/kernel/pkg/errors"
)

// Transport names how a server process is reached.
type Transport string

const (
	TransportSubprocess Transport = "subprocess"
	TransportNetwork    Transport = "network"
)

// RestartKind discriminates the restart policy tagged union: never,
// on-failure with a max-retries cap, or always.
type RestartKind string

const (
	RestartNever     RestartKind = "never"
	RestartOnFailure RestartKind = "on-failure"
	RestartAlways    RestartKind = "always"
)

// RestartPolicy controls whether and how a server is relaunched after
// its connection drops.
type RestartPolicy struct {
	Kind       RestartKind `toml:"kind"`
	MaxRetries int         `toml:"max_retries,omitempty"`
}

// ServerConfig describes one external tool server entry in the TOML
// document.
type ServerConfig struct {
	Name           string        `toml:"name"`
	Transport      Transport     `toml:"transport"`
	Command        string        `toml:"command,omitempty"`
	Args           []string      `toml:"args,omitempty"`
	Env            []string      `toml:"env,omitempty"`
	Dir            string        `toml:"dir,omitempty"`
	NetworkAddress string        `toml:"network_address,omitempty"`
	BinaryHash     string        `toml:"binary_hash,omitempty"`
	AutoStart      bool          `toml:"auto_start,omitempty"`
	Trusted        bool          `toml:"trusted,omitempty"`
	Restart        RestartPolicy `toml:"restart"`
	Timeout        time.Duration `toml:"timeout,omitempty"`
	Disabled       bool          `toml:"disabled,omitempty"`
}

// Document is the top-level TOML server configuration document.
type Document struct {
	Servers []ServerConfig `toml:"servers"`
}

// ParseDocument parses a TOML server configuration document.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return Document{}, kernelerrors.Wrap(err, kernelerrors.CodeConfigInvalid, "parse mcp server configuration")
	}
	for i, srv := range doc.Servers {
		if err := validateServerConfig(srv); err != nil {
			return Document{}, kernelerrors.Wrap(err, kernelerrors.CodeConfigInvalid,
				fmt.Sprintf("server entry %d (%s)", i, srv.Name))
		}
	}
	return doc, nil
}

func validateServerConfig(cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("server name is required")
	}
	switch cfg.Transport {
	case TransportSubprocess:
		if cfg.Command == "" {
			return fmt.Errorf("subprocess transport requires a command")
		}
	case TransportNetwork:
		if cfg.NetworkAddress == "" {
			return fmt.Errorf("network transport requires a network_address")
		}
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	switch cfg.Restart.Kind {
	case RestartNever, RestartOnFailure, RestartAlways, "":
	default:
		return fmt.Errorf("unknown restart policy %q", cfg.Restart.Kind)
	}
	return nil
}
