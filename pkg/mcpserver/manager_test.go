package mcpserver

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startFakeTCPServer(t *testing.T, reply map[string]json.RawMessage) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fs := &fakeServer{conn: conn, reply: reply}
		fs.run()
	}()
	return ln.Addr().String()
}

func TestManagerConnectServerAndListTools(t *testing.T) {
	addr := startFakeTCPServer(t, map[string]json.RawMessage{
		"initialize": json.RawMessage(`{"serverInfo":{"name":"fake","version":"1.0"},"protocolVersion":"2024-11-05"}`),
		"tools/list": json.RawMessage(`{"tools":[{"name":"echo"}]}`),
	})

	m := NewManager(nil)
	m.AddServer(ServerConfig{Name: "fake", Transport: TransportNetwork, NetworkAddress: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.ConnectServer(ctx, "fake"))
	defer m.Close()

	client, ok := m.GetClient("fake")
	require.True(t, ok)
	assert.Len(t, client.Tools(), 1)
	assert.Contains(t, m.ListConnectedServers(), "fake")
}

func TestManagerConnectServerUnconfiguredFails(t *testing.T) {
	m := NewManager(nil)
	err := m.ConnectServer(context.Background(), "missing")
	require.Error(t, err)
}

func TestManagerCallToolRoutesToCorrectServer(t *testing.T) {
	addr := startFakeTCPServer(t, map[string]json.RawMessage{
		"initialize": json.RawMessage(`{"serverInfo":{"name":"fake","version":"1.0"}}`),
		"tools/list": json.RawMessage(`{"tools":[{"name":"echo"}]}`),
		"tools/call": json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`),
	})
	m := NewManager(nil)
	m.AddServer(ServerConfig{Name: "fake", Transport: TransportNetwork, NetworkAddress: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.ConnectServer(ctx, "fake"))
	defer m.Close()

	result, err := m.CallTool(ctx, "fake", "echo", map[string]any{"x": "y"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content[0].Text)
}

func TestManagerCallToolUnconnectedServerFails(t *testing.T) {
	m := NewManager(nil)
	_, err := m.CallTool(context.Background(), "nope", "tool", nil)
	require.Error(t, err)
}

func TestManagerFindToolAcrossServers(t *testing.T) {
	addr := startFakeTCPServer(t, map[string]json.RawMessage{
		"initialize": json.RawMessage(`{"serverInfo":{"name":"fake","version":"1.0"}}`),
		"tools/list": json.RawMessage(`{"tools":[{"name":"special"}]}`),
	})
	m := NewManager(nil)
	m.AddServer(ServerConfig{Name: "fake", Transport: TransportNetwork, NetworkAddress: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.ConnectServer(ctx, "fake"))
	defer m.Close()

	serverName, tool, found := m.FindTool("special")
	require.True(t, found)
	assert.Equal(t, "fake", serverName)
	assert.Equal(t, "special", tool.Name)
}

func TestManagerDisconnectServerStopsSupervisionAndRemovesClient(t *testing.T) {
	addr := startFakeTCPServer(t, map[string]json.RawMessage{
		"initialize": json.RawMessage(`{"serverInfo":{"name":"fake","version":"1.0"}}`),
	})
	m := NewManager(nil)
	m.AddServer(ServerConfig{
		Name: "fake", Transport: TransportNetwork, NetworkAddress: addr,
		Restart: RestartPolicy{Kind: RestartAlways},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.ConnectServer(ctx, "fake"))

	require.NoError(t, m.DisconnectServer("fake"))
	_, ok := m.GetClient("fake")
	assert.False(t, ok)
}
