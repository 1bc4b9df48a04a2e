package plugin

import (
	"context"
	"net/http"
	"os"
	"sync"

	"github.com/sentineld/kernel/pkg/action"
	"github.com/sentineld/kernel/pkg/interceptor"
	"github.com/sentineld/kernel/pkg/logging"
)

// CallContext identifies the plugin and session a host-function call is
// made on behalf of.
type CallContext struct {
	PluginID      string
	SessionID     string
	WorkspaceRoot string
}

// Host exposes the fixed host-function surface available to in-process
// plugins ("filesystem, KV store, HTTP, logging, IPC"
// each gated by the security interceptor using the same action
// taxonomy"). Subprocess plugins are not routed to these methods: the
// JSON-RPC channel in subprocess.go carries calls from the kernel to the
// plugin only, and requests the plugin sends over it are ignored.
type Host struct {
	interceptor *interceptor.Interceptor
	log         *logging.Logger

	mu sync.Mutex
	kv map[string]map[string]string // per-plugin namespace
}

// NewHost constructs a Host mediated by ic. log may be nil.
func NewHost(ic *interceptor.Interceptor, log *logging.Logger) *Host {
	return &Host{interceptor: ic, log: log, kv: make(map[string]map[string]string)}
}

func (h *Host) intercept(ctx context.Context, cc CallContext, a action.Action) error {
	_, err := h.interceptor.Intercept(ctx, a, interceptor.Context{SessionID: cc.SessionID, WorkspaceRoot: cc.WorkspaceRoot})
	return err
}

// ReadFile reads path on behalf of a plugin, mediated as plugin-file-access/read.
func (h *Host) ReadFile(ctx context.Context, cc CallContext, path string) ([]byte, error) {
	a := action.Action{Kind: action.KindPluginFileAccess, PluginID: cc.PluginID, Path: path, FilePermission: action.PermissionRead}
	if err := h.intercept(ctx, cc, a); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteFile writes data to path on behalf of a plugin, mediated as
// plugin-file-access/write.
func (h *Host) WriteFile(ctx context.Context, cc CallContext, path string, data []byte) error {
	a := action.Action{Kind: action.KindPluginFileAccess, PluginID: cc.PluginID, Path: path, FilePermission: action.PermissionWrite}
	if err := h.intercept(ctx, cc, a); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// HTTPRequest performs a GET against url on behalf of a plugin, mediated
// as plugin-http-request.
func (h *Host) HTTPRequest(ctx context.Context, cc CallContext, url string) (*http.Response, error) {
	a := action.Action{Kind: action.KindPluginHTTPRequest, PluginID: cc.PluginID, URL: url}
	if err := h.intercept(ctx, cc, a); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

// kvAction builds a plugin-execution action naming a KV/log/IPC
// capability, since the action taxonomy has no dedicated kinds for
// those host functions (only filesystem and HTTP get their own Kind).
func kvAction(pluginID, capability string) action.Action {
	return action.Action{Kind: action.KindPluginExecution, PluginID: pluginID, Capability: capability}
}

// KVGet reads key from the plugin's private KV namespace, mediated as
// plugin-execution/kv:get.
func (h *Host) KVGet(ctx context.Context, cc CallContext, key string) (string, bool, error) {
	if err := h.intercept(ctx, cc, kvAction(cc.PluginID, "kv:get")); err != nil {
		return "", false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ns := h.kv[cc.PluginID]
	v, ok := ns[key]
	return v, ok, nil
}

// KVSet writes key=value into the plugin's private KV namespace,
// mediated as plugin-execution/kv:set.
func (h *Host) KVSet(ctx context.Context, cc CallContext, key, value string) error {
	if err := h.intercept(ctx, cc, kvAction(cc.PluginID, "kv:set")); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ns, ok := h.kv[cc.PluginID]
	if !ok {
		ns = make(map[string]string)
		h.kv[cc.PluginID] = ns
	}
	ns[key] = value
	return nil
}

// Log emits message at level on behalf of a plugin, mediated as
// plugin-execution/log.
func (h *Host) Log(ctx context.Context, cc CallContext, level, message string) error {
	if err := h.intercept(ctx, cc, kvAction(cc.PluginID, "log")); err != nil {
		return err
	}
	if h.log == nil {
		return nil
	}
	details := map[string]any{"plugin": cc.PluginID}
	switch level {
	case "warn":
		return h.log.Warn(logging.CategoryPlugin, "plugin-log", message, details)
	case "error":
		return h.log.Error(logging.CategoryPlugin, "plugin-log", message, details)
	default:
		return h.log.Info(logging.CategoryPlugin, "plugin-log", message, details)
	}
}

// IPCSend delivers payload on channel, mediated as plugin-execution/ipc:send.
// The actual cross-plugin delivery mechanism is left to the caller
// (typically the plugin registry, which knows live plugin instances);
// Host only mediates the authorization decision.
func (h *Host) IPCSend(ctx context.Context, cc CallContext, channel, payload string) error {
	return h.intercept(ctx, cc, kvAction(cc.PluginID, "ipc:"+channel))
}
