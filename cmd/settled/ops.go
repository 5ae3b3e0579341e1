package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stakesettle/proposal"
	"stakesettle/reconcile"
)

func newReconcileCommand(root *rootOptions) *cobra.Command {
	var (
		all   bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "reconcile [match-id]",
		Short: "Heal tracked proposals against the ledger",
		Long: `Reconcile one match, or with --all every sweepable proposal, against
ledger truth. A single match is always forced past the per-proposal rate
limit; that is how an operator retries a parked row after fixing the
underlying cause.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("settled: pass a match id or --all")
			}
			if len(args) == 1 && all {
				return fmt.Errorf("settled: --all does not take a match id")
			}

			ctx := commandContext(cmd)
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 1 {
				out, err := a.recon.Reconcile(ctx, args[0], true)
				if err != nil {
					return err
				}
				printOutcome(out)
				return nil
			}

			report, err := a.recon.ReconcileAll(ctx, limit)
			if err != nil {
				return err
			}
			for _, out := range report.Outcomes {
				printOutcome(out)
			}
			for _, o := range report.Orphans {
				fmt.Printf("orphan: %s on vault %s index %d (%s)\n", o.Ref, o.Multisig, o.TransactionIndex, o.Status)
			}
			for _, me := range report.Errors {
				fmt.Printf("failed: %s: %v\n", me.MatchID, me.Err)
			}
			fmt.Printf("%d reconciled, %d orphans, %d failed\n", len(report.Outcomes), len(report.Orphans), len(report.Errors))
			if n := len(report.Errors); n > 0 {
				return fmt.Errorf("settled: %d match(es) failed to reconcile", n)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "reconcile every sweepable proposal and walk vaults for orphans")
	cmd.Flags().IntVar(&limit, "limit", 200, "max proposals per --all pass")

	return cmd
}

func newExecuteCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <match-id>",
		Short: "Execute the match's authorized proposal",
		Long: `Drive the match's proposal through execution: take the lease, force a
reconcile against the ledger, and broadcast if the row is still
authorized. Exits nonzero when the match did not end up settled, with the
result naming why.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.Close()

			coord, err := a.coordinator()
			if err != nil {
				return err
			}
			out, err := coord.TryExecute(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%s: %s", out.MatchID, out.Result)
			if out.Signature != "" {
				fmt.Printf(" signature %s slot %d", out.Signature, out.Slot)
			}
			if out.Attempts > 0 {
				fmt.Printf(" after %d attempt(s)", out.Attempts)
			}
			if out.Reason != "" {
				fmt.Printf(" (%s)", out.Reason)
			}
			fmt.Println()

			if !out.Settled() {
				return fmt.Errorf("settled: match %s not settled: %s", out.MatchID, out.Result)
			}
			return nil
		},
	}
	return cmd
}

func newReportCommand(root *rootOptions) *cobra.Command {
	var (
		kind  string
		limit int
	)

	cmd := &cobra.Command{
		Use:           "report",
		Short:         "Show proposal counts and open drift findings",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.Close()

			counts, err := a.store.CountByStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Println("proposals:")
			for _, st := range []proposal.Status{
				proposal.StatusPending,
				proposal.StatusActive,
				proposal.StatusReadyToExecute,
				proposal.StatusExecuting,
				proposal.StatusExecuted,
				proposal.StatusRejected,
				proposal.StatusCancelled,
				proposal.StatusDriftUnresolved,
			} {
				if n := counts[st]; n > 0 {
					fmt.Printf("  %-18s %d\n", st, n)
				}
			}

			findings, err := a.recon.Findings().ListOpen(ctx, reconcile.FindingKind(strings.ToUpper(kind)), limit)
			if err != nil {
				return err
			}
			fmt.Printf("open findings: %d\n", len(findings))
			for _, f := range findings {
				scope := "-"
				switch {
				case f.MatchID != nil:
					scope = "match " + *f.MatchID
				case f.ProposalID != nil:
					scope = "proposal " + *f.ProposalID
				}
				age := time.Since(f.CreatedAt).Round(time.Second)
				fmt.Printf("  %s  %-24s %-9s %s: %s\n", f.ID, f.Kind, age, scope, f.Detail)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "filter findings by kind")
	cmd.Flags().IntVar(&limit, "limit", 100, "max findings to list")

	return cmd
}

func newResolveCommand(root *rootOptions) *cobra.Command {
	var (
		by     string
		note   string
		reopen bool
	)

	cmd := &cobra.Command{
		Use:   "resolve <finding-id>",
		Short: "Close a drift finding",
		Long: `Close a finding after reviewing it. --reopen additionally returns the
parked proposal to PENDING so the next sweep re-reconciles it from
scratch; use it once the underlying cause is fixed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := a.recon.Findings().Resolve(ctx, args[0], by, note, reopen)
			if err != nil {
				return err
			}
			fmt.Printf("resolved %s (%s)\n", f.ID, f.Kind)
			if reopen && f.ProposalID != nil {
				fmt.Printf("proposal %s returned to the sweep set\n", *f.ProposalID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "operator identity recorded on the finding")
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	cmd.Flags().BoolVar(&reopen, "reopen", false, "return the parked proposal to the sweep set")
	_ = cmd.MarkFlagRequired("by")

	return cmd
}

func newAdoptCommand(root *rootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "adopt <match-id> <proposal-ref>",
		Short: "Track an orphaned ledger proposal against a match",
		Long: `Adopt a proposal the orphan walk reported. The pairing of proposal to
match cannot be derived, so it is asserted by you and verified as far as
the ledger allows: the proposal must exist and must live on the match's
vault. The open orphan finding is closed and the match reconciled
immediately.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.recon.Adopt(ctx, reconcile.AdoptParams{
				MatchID:     args[0],
				ProposalRef: args[1],
				Kind:        proposal.Kind(strings.ToUpper(kind)),
			})
			if err != nil {
				return err
			}
			printOutcome(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(proposal.KindPayout), "proposal kind (PAYOUT|REFUND)")

	return cmd
}

func printOutcome(o reconcile.Outcome) {
	fmt.Printf("%s: %s", o.MatchID, o.Classification)
	if o.Prior != o.New {
		fmt.Printf(" %s -> %s", o.Prior, o.New)
	} else {
		fmt.Printf(" %s", o.New)
	}
	if n := len(o.AddedSigners); n > 0 {
		fmt.Printf(" +%d signer(s)", n)
	}
	if n := len(o.PurgedSigners); n > 0 {
		fmt.Printf(" -%d signer(s)", n)
	}
	if o.RecoveredReceipt != nil {
		fmt.Printf(" receipt %s", o.RecoveredReceipt.Signature)
	}
	if o.Note != "" {
		fmt.Printf(" (%s)", o.Note)
	}
	fmt.Println()
}
