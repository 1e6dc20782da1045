package commands

import (
	"github.com/spf13/cobra"
)

func newQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [plugin]",
		Short: "Show the current state reported by the plugins",
		Long: `Query the live state of one plugin, or of every enabled plugin.

The output has the same shape as the plugins section of a desired-state
document, so it can be used as a starting point for one.`,
		Example: `  # Current state of every plugin
  netstate query

  # Interfaces only
  netstate query net`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			var name string
			if len(args) > 0 {
				name = args[0]
			}

			a, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer closeWith(&err, a)

			state, err := a.Query(cmd.Context(), name)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		},
	}

	return cmd
}
