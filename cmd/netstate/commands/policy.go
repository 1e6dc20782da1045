package commands

import (
	"github.com/spf13/cobra"

	"github.com/netstate/netstate/pkg/engine"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the policy gate",
	}
	cmd.AddCommand(newPolicyListCommand())
	return cmd
}

type policySummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity"`
	Enabled     bool   `json:"enabled"`
	Builtin     bool   `json:"builtin"`
	Source      string `json:"source,omitempty"`
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the policies evaluated before every apply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer closeWith(&err, a)

			if a.Policies() == nil {
				return engine.NewConfigError("policy gate is disabled; set [policy] enabled = true", nil)
			}
			list := []policySummary{}
			for _, p := range a.Policies().ListPolicies() {
				list = append(list, policySummary{
					Name:        p.Name,
					Description: p.Description,
					Severity:    string(p.Severity),
					Enabled:     p.Enabled,
					Builtin:     p.Builtin,
					Source:      p.Source,
				})
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
}
