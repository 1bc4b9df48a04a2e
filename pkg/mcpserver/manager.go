package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sentineld/kernel/pkg/logging"
)

// Manager owns the set of configured external tool servers, connects to
// them, and supervises reconnection according to each server's restart
// policy.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	configs map[string]ServerConfig
	stop    map[string]chan struct{}

	log *logging.Logger
}

// NewManager creates an empty manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		clients: make(map[string]*Client),
		configs: make(map[string]ServerConfig),
		stop:    make(map[string]chan struct{}),
		log:     log,
	}
}

// LoadDocument registers every non-disabled server in doc, then connects
// the ones marked AutoStart.
func (m *Manager) LoadDocument(ctx context.Context, doc Document) error {
	var errs []string
	for _, srv := range doc.Servers {
		if srv.Disabled {
			continue
		}
		m.AddServer(srv)
		if srv.AutoStart {
			if err := m.ConnectServer(ctx, srv.Name); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", srv.Name, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("mcp server setup: %s", strings.Join(errs, "; "))
	}
	return nil
}

// AddServer registers a server configuration without connecting.
func (m *Manager) AddServer(cfg ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.Name] = cfg
}

// ConnectServer connects to a specific configured server by name,
// performs the initialize handshake, fetches its tool catalog, and
// starts the restart supervisor for it.
func (m *Manager) ConnectServer(ctx context.Context, name string) error {
	m.mu.Lock()
	cfg, ok := m.configs[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("server not configured: %s", name)
	}
	if _, exists := m.clients[name]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	client, err := m.connectOnce(ctx, cfg)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.clients[name] = client
	m.stop[name] = stop
	m.mu.Unlock()

	if cfg.Restart.Kind != RestartNever && cfg.Restart.Kind != "" {
		go m.supervise(cfg, stop)
	}
	return nil
}

func (m *Manager) connectOnce(ctx context.Context, cfg ServerConfig) (*Client, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	if err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	_, _ = client.ListTools(ctx)
	return client, nil
}

// supervise watches the connected client and relaunches it per the
// restart policy once it observes the connection has closed: always
// retries indefinitely, on-failure retries up to MaxRetries times with
// linear backoff, never does not supervise (and is never called here).
func (m *Manager) supervise(cfg ServerConfig, stop chan struct{}) {
	attempts := 0
	for {
		m.mu.RLock()
		client, ok := m.clients[cfg.Name]
		m.mu.RUnlock()
		if !ok {
			return
		}

		for !client.Closed() {
			select {
			case <-stop:
				return
			case <-time.After(time.Second):
			}
		}

		select {
		case <-stop:
			return
		default:
		}

		if cfg.Restart.Kind == RestartOnFailure && attempts >= cfg.Restart.MaxRetries {
			if m.log != nil {
				_ = m.log.Warn(logging.CategoryDaemon, "mcp-server-restart-exhausted",
					fmt.Sprintf("server %s exhausted restart retries", cfg.Name), map[string]any{"server": cfg.Name})
			}
			return
		}
		attempts++

		time.Sleep(time.Duration(attempts) * time.Second)

		newClient, err := m.connectOnce(context.Background(), cfg)
		if err != nil {
			if m.log != nil {
				_ = m.log.Warn(logging.CategoryDaemon, "mcp-server-restart-failed",
					fmt.Sprintf("server %s restart failed: %v", cfg.Name, err), map[string]any{"server": cfg.Name})
			}
			continue
		}

		m.mu.Lock()
		m.clients[cfg.Name] = newClient
		m.mu.Unlock()
	}
}

// DisconnectServer stops supervision and closes the connection to name.
func (m *Manager) DisconnectServer(name string) error {
	m.mu.Lock()
	if stop, ok := m.stop[name]; ok {
		close(stop)
		delete(m.stop, name)
	}
	client, ok := m.clients[name]
	delete(m.clients, name)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return client.Close()
}

// GetClient returns the connected client for name, if any.
func (m *Manager) GetClient(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[name]
	return client, ok
}

// ListServers returns all configured server names.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	return names
}

// ListConnectedServers returns all currently connected server names.
func (m *Manager) ListConnectedServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}

// ToolWithServer pairs a tool definition with the server that exposes it.
type ToolWithServer struct {
	Server string
	Tool   ToolDefinition
}

// AllTools returns every tool from every connected server.
func (m *Manager) AllTools() []ToolWithServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tools []ToolWithServer
	for serverName, client := range m.clients {
		for _, tool := range client.Tools() {
			tools = append(tools, ToolWithServer{Server: serverName, Tool: tool})
		}
	}
	return tools
}

// CallTool calls toolName on serverName with args.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*ToolCallResult, error) {
	m.mu.RLock()
	client, ok := m.clients[serverName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("server not connected: %s", serverName)
	}
	return client.CallTool(ctx, toolName, args)
}

// FindTool finds a tool by name across all connected servers.
func (m *Manager) FindTool(toolName string) (serverName string, tool *ToolDefinition, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, client := range m.clients {
		for _, t := range client.Tools() {
			if t.Name == toolName {
				tc := t
				return name, &tc, true
			}
		}
	}
	return "", nil, false
}

// ServerStatus summarizes one configured server's connection state.
type ServerStatus struct {
	Name          string
	Transport     Transport
	Connected     bool
	Version       string
	Protocol      string
	ToolCount     int
	ResourceCount int
}

// Status returns the status of every configured server.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var statuses []ServerStatus
	for name, cfg := range m.configs {
		status := ServerStatus{Name: name, Transport: cfg.Transport}
		if client, ok := m.clients[name]; ok {
			status.Connected = true
			if info := client.ServerInfo(); info != nil {
				status.Version = info.Version
				status.Protocol = info.ProtocolVer
			}
			status.ToolCount = len(client.Tools())
			status.ResourceCount = len(client.Resources())
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Close disconnects from every server and stops all supervisors.
func (m *Manager) Close() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	m.mu.Unlock()

	var errs []string
	for _, name := range names {
		if err := m.DisconnectServer(name); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing servers: %s", strings.Join(errs, "; "))
	}
	return nil
}
