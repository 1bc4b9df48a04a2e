// Command sentineld is the security kernel daemon: it loads
// configuration, wires policy, capability, allowance, approval, budget
// and audit into an interceptor, starts the agent runtime and tool
// server transport behind it, and serves the control socket until
// terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentineld/kernel/pkg/allowance"
	"github.com/sentineld/kernel/pkg/approval"
	"github.com/sentineld/kernel/pkg/audit"
	"github.com/sentineld/kernel/pkg/budget"
	"github.com/sentineld/kernel/pkg/capability"
	"github.com/sentineld/kernel/pkg/config"
	"github.com/sentineld/kernel/pkg/daemon"
	"github.com/sentineld/kernel/pkg/eventbus"
	"github.com/sentineld/kernel/pkg/interceptor"
	"github.com/sentineld/kernel/pkg/logging"
	"github.com/sentineld/kernel/pkg/mcpserver"
	"github.com/sentineld/kernel/pkg/metrics"
	"github.com/sentineld/kernel/pkg/plugin"
	"github.com/sentineld/kernel/pkg/policy"
	"github.com/sentineld/kernel/pkg/runtime"
	"github.com/sentineld/kernel/pkg/session"
	"github.com/sentineld/kernel/pkg/signer"
	"github.com/sentineld/kernel/pkg/tracing"
	"github.com/sentineld/kernel/pkg/workspace"
)

// daemonLogSessionID is the pseudo-session id the daemon's own
// system-wide logger writes under, distinct from any real agent
// session's log stream.
const daemonLogSessionID = "daemon"

// unconfiguredLLMClient satisfies runtime.LLMClient without making any
// outbound call. The LLM provider client is the runtime's one external
// collaborator left out of this repo by design; an operator wires a
// real implementation in before running an agent turn.
type unconfiguredLLMClient struct{}

func (unconfiguredLLMClient) Complete(ctx context.Context, systemPrompt string, history []session.Message) (runtime.LLMResponse, error) {
	return runtime.LLMResponse{}, fmt.Errorf("sentineld: no LLM client configured")
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: standard search locations)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "sentineld:", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logging.NewLogger(cfg.Daemon.LogDir, daemonLogSessionID)
	if err != nil {
		return fmt.Errorf("opening daemon log: %w", err)
	}

	sign, err := signer.New()
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}

	auditStorage, err := audit.NewFileStorage(cfg.Daemon.AuditDir)
	if err != nil {
		return fmt.Errorf("opening audit storage: %w", err)
	}
	auditLog, err := audit.New(auditStorage, sign)
	if err != nil {
		return fmt.Errorf("initializing audit chain: %w", err)
	}

	sessionStore, err := session.NewStore(cfg.Daemon.SessionDir)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	policyEngine := policy.NewEngine(cfg.Policy)
	capabilityStore := capability.NewStore(sign)
	allowanceStore := allowance.NewStore(sign)
	approvalManager := approval.New(allowanceStore, nil)
	costCalc := buildCostCalculator()
	budgetTracker := budget.NewTracker(cfg.Budget, costCalc)
	bus := eventbus.NewMemoryBus()

	_ = workspace.New(cfg.Workspace) // New performs no validation (config loading checks the escape policy); actions carry their own workspace root at call time

	ic := interceptor.New(policyEngine, capabilityStore, allowanceStore, approvalManager, budgetTracker, auditLog, log, bus)

	pluginHost := plugin.NewHost(ic, log)
	pluginRegistry := plugin.NewRegistry(pluginHost, log)

	mcpManager := mcpserver.NewManager(log)
	if err := loadMCPServers(mcpManager, cfg.MCPServersPath); err != nil {
		return fmt.Errorf("loading MCP server document: %w", err)
	}
	toolExecutor := mcpserver.NewExecutor(mcpManager)

	rt := runtime.New(cfg.Runtime, ic, unconfiguredLLMClient{}, toolExecutor, sessionStore, bus, log)

	daemonCfg := daemon.Config{
		SocketPath:      cfg.Daemon.SocketPath,
		ApprovalTimeout: time.Duration(cfg.Approval.TimeoutSeconds) * time.Second,
		PluginLoad: plugin.LoadOptions{
			SubprocessCommand: cfg.Plugins.SubprocessCommand,
		},
	}
	srv := daemon.New(daemonCfg, rt, sessionStore, ic, pluginRegistry, mcpManager, bus, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.ListenAddr)
		metricsErrCh := make(chan error, 1)
		if err := metricsSrv.Start(metricsErrCh); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
		go func() {
			if err := <-metricsErrCh; err != nil {
				_ = log.Error(logging.CategoryDaemon, "metrics-server-error", err.Error(), nil)
			}
		}()
		defer metricsSrv.Shutdown(context.Background())
	}

	var eventsSrv *daemon.EventsServer
	if cfg.Events.Enabled {
		eventsSrv, err = daemon.NewEventsServer(cfg.Events.ListenAddr, bus, log)
		if err != nil {
			return fmt.Errorf("building events server: %w", err)
		}
		eventsErrCh := make(chan error, 1)
		if err := eventsSrv.Start(eventsErrCh); err != nil {
			return fmt.Errorf("starting events server: %w", err)
		}
		go func() {
			if err := <-eventsErrCh; err != nil {
				_ = log.Error(logging.CategoryDaemon, "events-server-error", err.Error(), nil)
			}
		}()
		defer eventsSrv.Shutdown(context.Background())
	}

	var tracerProvider *tracing.TracerProvider
	if cfg.Tracing.Enabled {
		tracerProvider, err = tracing.NewTracerProvider(cfg.Tracing.ServiceName)
		if err != nil {
			return fmt.Errorf("starting tracer provider: %w", err)
		}
		defer tracerProvider.Shutdown(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		_ = log.Info(logging.CategoryDaemon, "shutdown-signal", "received shutdown signal", nil)
		srv.Shutdown()
		cancel()
	}()

	_ = log.Info(logging.CategoryDaemon, "startup", "sentineld listening", map[string]any{"socket": cfg.Daemon.SocketPath})
	return srv.ListenAndServe(ctx)
}

// buildCostCalculator returns the production token-pricing calculator,
// seeded with the built-in rate card. Operators needing a different
// card today edit DefaultModelRates and rebuild; a config-driven rate
// table is a natural follow-up once pricing needs to change without a
// restart-free path.
func buildCostCalculator() *budget.TablePriceCalculator {
	return budget.NewTablePriceCalculator(budget.DefaultModelRates())
}

// loadMCPServers parses the TOML servers document at path, if present,
// and registers its servers with mgr. A missing file is not an error:
// the daemon can run with zero external tool servers configured.
func loadMCPServers(mgr *mcpserver.Manager, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	doc, err := mcpserver.ParseDocument(data)
	if err != nil {
		return err
	}
	return mgr.LoadDocument(context.Background(), doc)
}
