package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDiffCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff [file]",
		Short: "Preview the changes an apply would make",
		Long: `Calculate the diff between the current state and a desired-state
document without changing anything. The policy verdict on the diff is
included when the policy gate is enabled.`,
		Example: `  # Preview the configured desired state
  netstate diff

  # Preview a specific document as compact JSON
  netstate diff --json state.yaml`,
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

			report, err := a.Diff(cmd.Context(), path)
			if err != nil {
				return err
			}

			actions := 0
			for _, d := range report.Diffs {
				actions += len(d.Actions)
			}
			evt := log.Info().Int("plugins", len(report.Diffs)).Int("actions", actions)
			if report.Policy != nil {
				evt = evt.Bool("allowed", report.Policy.Allowed)
			}
			evt.Msg("Diff calculated")

			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	return cmd
}
