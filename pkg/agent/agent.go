// Package agent wires the reconciliation engine to its surroundings: the
// agent configuration, telemetry, the audit ledger, run history, the policy
// gate and the executor the plugins run through.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netstate/netstate/pkg/config"
	"github.com/netstate/netstate/pkg/engine"
	"github.com/netstate/netstate/pkg/executor"
	"github.com/netstate/netstate/pkg/ledger"
	"github.com/netstate/netstate/pkg/plugins"
	"github.com/netstate/netstate/pkg/policy"
	"github.com/netstate/netstate/pkg/stores"
	"github.com/netstate/netstate/pkg/telemetry"
	sshtransport "github.com/netstate/netstate/pkg/transports/ssh"
)

// TargetLocal names the managed host when plugins run on this machine.
const TargetLocal = "local"

// Agent runs reconciliation cycles against one host.
type Agent struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	loader   *config.Loader
	manager  *engine.StateManager
	ledger   *ledger.Ledger
	history  stores.Store
	policies *policy.Engine
	exec     executor.Executor
	target   string

	// runMu serializes runs so the observer's run ID matches the cycle.
	runMu sync.Mutex
	// gateRun is the report of the cycle in flight. Guarded by runMu.
	gateRun *RunReport

	// shutdownTel drains events before the history store closes.
	shutdownTel func() error
	closers     []func() error
}

type options struct {
	exec      executor.Executor
	telemetry *telemetry.Telemetry
	plugins   []engine.StatePlugin
	version   string
}

// Option configures an Agent.
type Option func(*options)

// WithExecutor runs plugins through exec instead of the executor selected
// by the [remote] section.
func WithExecutor(exec executor.Executor) Option {
	return func(o *options) { o.exec = exec }
}

// WithTelemetry uses an existing telemetry bundle. The caller keeps
// ownership and shuts it down.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = tel }
}

// WithPlugins registers ps instead of the built-in plugins.
func WithPlugins(ps ...engine.StatePlugin) Option {
	return func(o *options) { o.plugins = ps }
}

// WithVersion sets the service version reported in traces.
func WithVersion(version string) Option {
	return func(o *options) { o.version = version }
}

// New builds an agent from cfg. A nil cfg uses config.Default.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Agent, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &options{version: "dev"}
	for _, opt := range opts {
		opt(o)
	}

	a := &Agent{
		cfg:    cfg,
		loader: config.NewLoader(),
		target: TargetLocal,
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.tel = o.telemetry
	if a.tel == nil {
		tel, err := telemetry.NewTelemetry(TelemetryConfig(cfg, o.version))
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		a.tel = tel
		a.shutdownTel = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tel.Shutdown(ctx)
		}
	}

	a.ledger, err = ledger.Open(cfg.Agent.LedgerPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.ledger.Close)

	if cfg.Agent.HistoryPath != "" {
		store, err := stores.Open(ctx, cfg.Agent.HistoryPath)
		if err != nil {
			return nil, err
		}
		a.history = store
		a.closers = append(a.closers, store.Close)
		a.tel.Events.Subscribe(telemetry.StoreSubscriber(store), nil)
	}

	if cfg.Policy.Enabled {
		a.policies, err = policy.NewEngine(log.Logger, cfg.Policy.Builtin)
		if err != nil {
			return nil, err
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := a.policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return nil, err
			}
		}
		for _, name := range cfg.Policy.Disabled {
			if err := a.policies.DisablePolicy(name); err != nil {
				return nil, engine.NewConfigError("policy.disabled", err)
			}
		}
	}

	a.exec = o.exec
	if a.exec == nil {
		a.exec, err = a.connect(ctx)
		if err != nil {
			return nil, err
		}
	}

	managerOpts := []engine.Option{
		engine.WithLedger(a.ledger),
		engine.WithObserver(a.tel.Observer),
	}
	if a.policies != nil {
		managerOpts = append(managerOpts, engine.WithGate(a.gate))
	}
	a.manager = engine.NewStateManager(managerOpts...)
	if o.plugins != nil {
		for _, p := range o.plugins {
			if err := a.manager.RegisterPlugin(p); err != nil {
				return nil, err
			}
		}
	} else if err := plugins.Register(a.manager, a.exec, cfg.Plugins); err != nil {
		return nil, err
	}

	log.Info().
		Str("target", a.target).
		Strs("plugins", a.manager.Registry().Names()).
		Str("ledger", a.ledger.Path()).
		Bool("history", a.history != nil).
		Bool("policy", a.policies != nil).
		Msg("Agent initialized")
	return a, nil
}

// connect selects the local executor or opens an SSH session to the
// configured remote host.
func (a *Agent) connect(ctx context.Context) (executor.Executor, error) {
	if !a.cfg.Remote.Enabled() {
		return executor.NewLocal(), nil
	}

	client, err := sshtransport.NewSSHClient(SSHConfig(a.cfg.Remote))
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	a.target = a.cfg.Remote.Host
	a.closers = append(a.closers, client.Disconnect)
	return client, nil
}

// SSHConfig maps the [remote] section onto an SSH transport config.
func SSHConfig(r config.RemoteConfig) *sshtransport.Config {
	sc := sshtransport.DefaultConfig(r.Host, r.User)
	if r.Port != 0 {
		sc.Port = r.Port
	}
	if r.Password != "" {
		sc.AuthMethod = sshtransport.AuthMethodPassword
		sc.Password = r.Password
	} else {
		sc.AuthMethod = sshtransport.AuthMethodKey
		sc.PrivateKeyPath = r.PrivateKeyPath
	}
	if r.KnownHostsPath != "" {
		sc.KnownHostsPath = r.KnownHostsPath
	}
	sc.StrictHostKeyChecking = !r.InsecureIgnoreHostKey
	if r.Timeout > 0 {
		sc.ConnectionTimeout = r.Timeout
	}
	sc.KeepAliveInterval = 30 * time.Second
	sc.UseSudo = r.UseSudo
	return sc
}

// TelemetryConfig maps the agent configuration onto a telemetry config.
func TelemetryConfig(cfg *config.Config, version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	if host, err := os.Hostname(); err == nil {
		tc.Host = host
	}
	if cfg.Remote.Enabled() {
		tc.Host = cfg.Remote.Host
	}

	tc.Logging.Level = cfg.Logging.Level
	tc.Logging.Format = cfg.Logging.Format
	tc.Logging.Output = cfg.Logging.Output
	tc.Logging.EnableCaller = cfg.Logging.Caller

	tc.Tracing.Enabled = cfg.Tracing.Enabled
	tc.Tracing.Exporter = cfg.Tracing.Exporter
	tc.Tracing.Endpoint = cfg.Tracing.Endpoint
	tc.Tracing.SamplingRate = cfg.Tracing.SamplingRate
	tc.Tracing.Insecure = cfg.Tracing.Insecure

	tc.Metrics.Enabled = cfg.Metrics.Enabled
	tc.Metrics.ListenAddress = cfg.Metrics.ListenAddress
	tc.Metrics.Namespace = cfg.Metrics.Namespace

	// Events only feed run history.
	tc.Events.Enabled = cfg.Agent.HistoryPath != ""
	return tc
}

// Config returns the agent configuration.
func (a *Agent) Config() *config.Config { return a.cfg }

// Manager returns the state manager.
func (a *Agent) Manager() *engine.StateManager { return a.manager }

// Ledger returns the audit ledger.
func (a *Agent) Ledger() *ledger.Ledger { return a.ledger }

// History returns the run history store, or nil when history is disabled.
func (a *Agent) History() stores.Store { return a.history }

// Policies returns the policy engine, or nil when the gate is disabled.
func (a *Agent) Policies() *policy.Engine { return a.policies }

// Telemetry returns the agent's telemetry bundle.
func (a *Agent) Telemetry() *telemetry.Telemetry { return a.tel }

// Target returns "local" or the SSH host being managed.
func (a *Agent) Target() string { return a.target }

// Close releases everything New opened, in reverse order.
func (a *Agent) Close() error {
	var errs []error
	if a.shutdownTel != nil {
		errs = append(errs, a.shutdownTel())
		a.shutdownTel = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// desiredPath falls back to the configured document.
func (a *Agent) desiredPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if a.cfg.Agent.DesiredState == "" {
		return "", engine.NewConfigError("no desired state path given", nil)
	}
	return a.cfg.Agent.DesiredState, nil
}
