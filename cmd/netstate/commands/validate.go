package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/netstate/netstate/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var configOnly bool

	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a desired-state document",
		Long: `Validate a desired-state document against the built-in CUE schemas.

YAML, JSON and CUE files are accepted, as well as a directory holding a
CUE package. Sections naming a plugin that is not enabled are reported;
a cycle skips them.`,
		Example: `  # Validate the configured desired state
  netstate validate

  # Validate a CUE package
  netstate validate ./desired/

  # Check the agent config only
  netstate validate --config-only -c /etc/netstate/config.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if configOnly {
				if _, err := loadConfig(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "agent config is valid")
				return nil
			}

			var path string
			if len(args) > 0 {
				path = args[0]
			}

			a, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer closeWith(&err, a)

			desired, unknown, err := a.Validate(cmd.Context(), path)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					_ = printJSON(cmd.OutOrStdout(), verrs)
				}
				return err
			}
			for _, name := range unknown {
				log.Warn().Str("plugin", name).Msg("Section names no enabled plugin and will be skipped")
			}

			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"valid":   true,
				"version": desired.Version,
				"plugins": desired.PluginNames(),
				"skipped": unknown,
			})
		},
	}

	cmd.Flags().BoolVar(&configOnly, "config-only", false, "validate the agent config and exit")

	return cmd
}
