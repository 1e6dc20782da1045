package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// EnvConfigPath overrides the agent config file location.
const EnvConfigPath = "NETSTATE_CONFIG"

// DefaultPath is the agent config file used when neither a flag nor
// EnvConfigPath names one.
const DefaultPath = "/etc/netstate/config.toml"

// Config is the agent configuration read from config.toml.
type Config struct {
	Agent   AgentConfig   `toml:"agent"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
	Tracing TracingConfig `toml:"tracing"`
	Policy  PolicyConfig  `toml:"policy"`
	Remote  RemoteConfig  `toml:"remote"`
	Plugins PluginsConfig `toml:"plugins"`
	Watch   WatchConfig   `toml:"watch"`
}

// AgentConfig holds file locations used by the agent.
type AgentConfig struct {
	// DesiredState is the default desired-state document.
	DesiredState string `toml:"desired_state"`

	// LedgerPath is the append-only audit ledger.
	LedgerPath string `toml:"ledger_path" validate:"required"`

	// HistoryPath is the SQLite run history database. Empty disables history.
	HistoryPath string `toml:"history_path"`

	// ConfigDir holds auxiliary agent state.
	ConfigDir string `toml:"config_dir"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `toml:"level" validate:"oneof=trace debug info warn error"`
	Format string `toml:"format" validate:"oneof=console json"`
	Output string `toml:"output"`
	Caller bool   `toml:"caller"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address" validate:"required_if=Enabled true"`
	Namespace     string `toml:"namespace" validate:"required"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `toml:"enabled"`
	Exporter     string  `toml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `toml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `toml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `toml:"insecure"`
}

// PolicyConfig configures the pre-apply policy gate.
type PolicyConfig struct {
	Enabled bool     `toml:"enabled"`
	Builtin bool     `toml:"builtin"`
	Paths   []string `toml:"paths" validate:"omitempty,dive,required"`

	// Watch reloads the rego files in Paths when they change.
	Watch bool `toml:"watch"`

	// Disabled names policies, builtin or loaded, that are not evaluated.
	Disabled []string `toml:"disabled" validate:"omitempty,dive,required"`
}

// RemoteConfig selects a host reached over SSH. Plugins run locally when
// Host is empty.
type RemoteConfig struct {
	Host                  string        `toml:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Port                  int           `toml:"port" validate:"omitempty,min=1,max=65535"`
	User                  string        `toml:"user" validate:"required_with=Host"`
	Password              string        `toml:"password"`
	PrivateKeyPath        string        `toml:"private_key_path"`
	KnownHostsPath        string        `toml:"known_hosts_path"`
	InsecureIgnoreHostKey bool          `toml:"insecure_ignore_host_key"`
	UseSudo               bool          `toml:"use_sudo"`
	Timeout               time.Duration `toml:"timeout"`
}

// PluginsConfig selects and tunes the built-in state plugins.
type PluginsConfig struct {
	Enabled          []string `toml:"enabled" validate:"dive,oneof=net netcfg docker netmaker"`
	NetworkConfigDir string   `toml:"network_config_dir"`
	HostnamePath     string   `toml:"hostname_path"`
	ResolvConfPath   string   `toml:"resolv_conf_path"`
	MinFlowPriority  uint32   `toml:"min_flow_priority" validate:"lte=65535"`
}

// WatchConfig configures the desired-state file watcher.
type WatchConfig struct {
	Debounce time.Duration `toml:"debounce" validate:"gte=0"`
}

// Default returns the configuration used for keys the file leaves unset.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DesiredState: "/etc/netstate/state.yaml",
			LedgerPath:   "/var/lib/netstate/ledger.jsonl",
			HistoryPath:  "/var/lib/netstate/history.db",
			ConfigDir:    "/etc/netstate",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9273",
			Namespace:     "netstate",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Policy: PolicyConfig{
			Enabled: true,
			Builtin: true,
		},
		Remote: RemoteConfig{
			Port:    22,
			Timeout: 30 * time.Second,
		},
		Plugins: PluginsConfig{
			Enabled:          []string{"net", "netcfg", "docker", "netmaker"},
			NetworkConfigDir: "/etc/systemd/network",
			HostnamePath:     "/etc/hostname",
			ResolvConfPath:   "/etc/resolv.conf",
			MinFlowPriority:  200,
		},
		Watch: WatchConfig{
			Debounce: 2 * time.Second,
		},
	}
}

// ResolvePath picks the config file: the explicit path, then EnvConfigPath,
// then DefaultPath.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads the TOML config at path over Default and validates the result.
// A missing file is not an error unless the path was given explicitly.
func Load(path string, explicit bool) (*Config, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			log.Debug().Str("path", path).Msg("Config file not found, using defaults")
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	for _, key := range meta.Undecoded() {
		log.Warn().Str("path", path).Str("key", key.String()).Msg("Unknown config key ignored")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML content over Default and validates it.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var configValidator = validator.New()

// Validate checks the struct tags of every section.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// PluginEnabled reports whether the named plugin is enabled.
func (c *Config) PluginEnabled(name string) bool {
	for _, n := range c.Plugins.Enabled {
		if n == name {
			return true
		}
	}
	return false
}

// Enabled reports whether plugins should run over SSH.
func (r RemoteConfig) Enabled() bool {
	return r.Host != ""
}
