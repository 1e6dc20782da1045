package commands

import (
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [file]",
		Short: "Apply a desired-state document and re-apply whenever it changes",
		Long: `Apply the desired state once, then watch the file and run a new cycle
after each change settles (watch.debounce in the agent config).

While watching, the Prometheus endpoint is served when metrics are enabled
and policy files are reloaded when policy.watch is set. Failed cycles are
logged and recorded; watching continues until interrupted.`,
		Example: `  # Watch the configured desired state
  netstate watch

  # Watch a CUE package directory
  netstate watch ./desired/`,
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

			return a.Watch(cmd.Context(), path)
		},
	}

	return cmd
}
