package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/netstate/netstate/pkg/agent"
	"github.com/netstate/netstate/pkg/config"
	"github.com/netstate/netstate/pkg/engine"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	output     string
	remote     string

	version = "dev"
)

// Exit codes beyond the generic failure.
const (
	exitFailure      = 1
	exitConfig       = 2
	exitPolicyDenied = 3
)

// Execute runs the root command
func Execute(ctx context.Context, v, commit, buildDate string) error {
	version = v
	rootCmd := newRootCommand(v, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case agent.IsPolicyDenied(err):
		return exitPolicyDenied
	case engine.IsConfigError(err):
		return exitConfig
	default:
		return exitFailure
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "netstate",
		Short: "netstate - declarative host network state reconciliation",
		Long: `netstate reconciles a host's network configuration toward a declarative
desired-state document.

Every apply runs one cycle across the state plugins:
  - Checkpoint every plugin named in the document
  - Calculate diffs and pass them through the policy gate
  - Apply changes, then verify the result
  - Roll back in reverse order on any failure
  - Record the cycle in the hash-chained audit ledger and run history

Plugins: net (interfaces), netcfg (routes, OVS flows, DNS), docker, netmaker.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "agent config file (default $NETSTATE_CONFIG or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print compact JSON instead of indented JSON")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	rootCmd.PersistentFlags().StringVar(&remote, "remote", "", "run plugins over SSH on user@host[:port]")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newQueryCommand())
	rootCmd.AddCommand(newDiffCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newLedgerCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newCheckpointsCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}

// loadConfig reads the agent config and applies the global flags.
func loadConfig() (*config.Config, error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path, configPath != "")
	if err != nil {
		return nil, engine.NewConfigError("failed to load agent config", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if remote != "" {
		if err := applyRemote(&cfg.Remote, remote); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, engine.NewConfigError("invalid --remote", err)
		}
	}
	return cfg, nil
}

// applyRemote parses user@host[:port] into r.
func applyRemote(r *config.RemoteConfig, target string) error {
	user, hostport, ok := strings.Cut(target, "@")
	if !ok {
		hostport = user
		user = r.User
	}
	host := hostport
	if h, p, found := strings.Cut(hostport, ":"); found {
		port, err := strconv.Atoi(p)
		if err != nil {
			return engine.NewConfigError("invalid --remote port", err).WithDetail("remote", target)
		}
		host = h
		r.Port = port
	}
	if host == "" || user == "" {
		return engine.NewConfigError("--remote must be user@host[:port]", nil).WithDetail("remote", target)
	}
	r.Host = host
	r.User = user
	return nil
}

// openAgent loads the config and builds an agent. The caller closes it.
func openAgent(ctx context.Context) (*agent.Agent, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return agent.New(ctx, cfg, agent.WithVersion(version))
}

// printJSON writes v as indented JSON, compact JSON with --json, or YAML
// with --output yaml. YAML keys follow the JSON field names.
func printJSON(w io.Writer, v interface{}) error {
	switch output {
	case "yaml":
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		if !jsonOutput {
			enc.SetIndent("", "  ")
		}
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}

// closeWith closes c and keeps the first error.
func closeWith(err *error, c io.Closer) {
	if cerr := c.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

var errHistoryDisabled = errors.New("run history is disabled (agent.history_path is empty)")
