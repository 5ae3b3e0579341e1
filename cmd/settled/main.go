// Command settled runs the wager settlement engine: a daemon that tracks
// settlement proposals against their threshold-signature vault on the
// ledger, heals drift in the local records, and drives authorized proposals
// through execution. One-shot subcommands cover the operator surface:
// reconciling and executing single matches, reviewing and resolving drift
// findings, and adopting orphaned proposals after review.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "settled:", err)
		os.Exit(1)
	}
}

// rootOptions holds the global flags shared by every subcommand.
type rootOptions struct {
	ConfigPath string
	Debug      string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "settled",
		Short: "Settlement engine for vault-held wagers",
		Long: `settled keeps local settlement records honest against the ledger and
executes proposals once their vault threshold is met. The ledger is
authoritative throughout: local rows are a cache, drift is healed toward
the ledger, and anything that cannot be safely mapped is parked as a
finding for an operator instead of guessed at.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config (defaults and STAKESETTLE_* env apply without it)")
	cmd.PersistentFlags().StringVar(&opts.Debug, "debug", "", "log level override (trace|debug|info|warn|error)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newExecuteCommand(opts))
	cmd.AddCommand(newReportCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))
	cmd.AddCommand(newAdoptCommand(opts))
	cmd.AddCommand(newTrackCommand(opts))
	cmd.AddCommand(newRegisterMatchCommand(opts))
	cmd.AddCommand(newRecordOutcomeCommand(opts))
	cmd.AddCommand(newRegisterVaultCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newHookTokenCommand(opts))

	return cmd
}
