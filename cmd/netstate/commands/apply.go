package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply [file]",
		Short: "Reconcile the host toward a desired-state document",
		Long: `Run one reconciliation cycle.

This command:
  - Loads and schema-checks the desired-state document
  - Previews the diff of every plugin and evaluates policies on it
  - Checkpoints, applies and verifies each plugin in document order
  - Rolls back every checkpoint in reverse order on failure
  - Records the run in history and the audit ledger

Without a file argument the configured agent.desired_state is used.`,
		Example: `  # Apply the configured desired state
  netstate apply

  # Apply a specific document
  netstate apply /etc/netstate/state.yaml

  # Apply on a remote host over SSH
  netstate apply --remote root@10.0.0.5 state.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			var path string
			if len(args) > 0 {
				path = args[0]
			}

			a, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer closeWith(&err, a)

			report, applyErr := a.Apply(cmd.Context(), path)
			if report != nil {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			if applyErr != nil {
				return applyErr
			}

			log.Info().
				Str("run_id", report.RunID).
				Str("outcome", report.Outcome).
				Msg("Apply finished")
			return nil
		},
	}

	return cmd
}
