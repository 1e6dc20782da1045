package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/netstate/netstate/pkg/stores"
)

// openHistory opens the run history named by the agent config.
func openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Agent.HistoryPath == "" {
		return nil, errHistoryDisabled
	}
	return stores.Open(ctx, cfg.Agent.HistoryPath)
}

// runDetail is a run together with everything recorded for it.
type runDetail struct {
	Run           *stores.Run            `json:"run"`
	PluginResults []*stores.PluginResult `json:"plugin_results"`
	Events        []*stores.Event        `json:"events"`
}

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past runs or show one run in detail",
		Example: `  # Most recent runs
  netstate history

  # One run with its plugin results and events
  netstate history 0b6f7f0e-3c1a-4a53-9a43-5a3f1c0d2e11`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			store, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer closeWith(&err, store)

			if len(args) == 0 {
				runs, err := store.ListRuns(ctx, limit, offset)
				if err != nil {
					return err
				}
				if runs == nil {
					runs = []*stores.Run{}
				}
				return printJSON(cmd.OutOrStdout(), runs)
			}

			runID := args[0]
			run, err := store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			results, err := store.ListPluginResults(ctx, runID)
			if err != nil {
				return err
			}
			events, err := store.ListEvents(ctx, stores.EventQuery{RunID: &runID})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runDetail{Run: run, PluginResults: results, Events: events})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func newCheckpointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints <run-id>",
		Short: "Show the checkpoints taken during a run",
		Long: `Show the checkpoints a successful run took before applying, in
creation order. Each holds the plugin's state snapshot from before the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			store, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer closeWith(&err, store)

			if _, err := store.GetRun(ctx, args[0]); err != nil {
				return err
			}
			checkpoints, err := store.ListCheckpoints(ctx, args[0])
			if err != nil {
				return err
			}
			if checkpoints == nil {
				checkpoints = []*stores.CheckpointRecord{}
			}
			return printJSON(cmd.OutOrStdout(), checkpoints)
		},
	}

	return cmd
}
