package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/netstate/netstate/pkg/ledger"
)

func newLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the audit ledger",
		Long: `Inspect the append-only, hash-chained audit ledger.

Every apply and rollback performed by a cycle is recorded with the hash of
the previous record, so any edit to the file breaks the chain.`,
	}

	cmd.AddCommand(newLedgerVerifyCommand())
	cmd.AddCommand(newLedgerShowCommand())
	cmd.AddCommand(newLedgerStatsCommand())

	return cmd
}

// openLedger opens the ledger named by the agent config.
func openLedger() (*ledger.Ledger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return ledger.Open(cfg.Agent.LedgerPath)
}

func newLedgerVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute every hash and link in the ledger",
		Example: `  # Verify the chain; exits non-zero when it is broken
  netstate ledger verify`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			l, err := openLedger()
			if err != nil {
				return err
			}
			defer closeWith(&err, l)

			report, verr := l.Verify()
			if report != nil {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			if verr != nil {
				return verr
			}
			if !report.Valid {
				return fmt.Errorf("%w: %s", ledger.ErrChainBroken, report.Reason)
			}

			log.Info().Int("records", report.Records).Msg("Ledger chain is intact")
			return nil
		},
	}

	return cmd
}

func newLedgerShowCommand() *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print ledger records",
		Example: `  # Last 20 records
  netstate ledger show

  # Every record
  netstate ledger show --tail 0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			l, err := openLedger()
			if err != nil {
				return err
			}
			defer closeWith(&err, l)

			var records []ledger.Record
			if tail > 0 {
				records, err = l.Tail(tail)
			} else {
				records, err = l.Records()
			}
			if err != nil {
				return err
			}
			if records == nil {
				records = []ledger.Record{}
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().IntVarP(&tail, "tail", "n", 20, "number of most recent records to show (0 for all)")

	return cmd
}

func newLedgerStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize ledger records per action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			l, err := openLedger()
			if err != nil {
				return err
			}
			defer closeWith(&err, l)

			stats, err := l.Stats()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}

	return cmd
}
