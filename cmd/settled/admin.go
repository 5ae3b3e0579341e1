package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	"stakesettle/config"
	"stakesettle/db"
	"stakesettle/match"
	"stakesettle/migrations"
	"stakesettle/proposal"
	"stakesettle/squads"
	"stakesettle/sweep"
	"stakesettle/vault"
)

func newTrackCommand(root *rootOptions) *cobra.Command {
	var (
		index uint64
		kind  string
	)

	cmd := &cobra.Command{
		Use:   "track <match-id> <proposal-ref>",
		Short: "Place a settlement proposal under tracking",
		Long: `Track a proposal the upstream flow created on the match's vault. The
webhook does this automatically; the command exists for catching up after
an outage. The multisig comes from the match record, never from the
caller.`,
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

			m, err := a.matches.GetByID(ctx, args[0])
			if err != nil {
				return err
			}
			rec, err := a.svc.Track(ctx, proposal.TrackRequest{
				MatchID:          m.ID,
				Multisig:         m.Multisig,
				ProposalRef:      args[1],
				TransactionIndex: index,
				Kind:             proposal.Kind(strings.ToUpper(kind)),
			})
			if err != nil {
				return err
			}
			fmt.Printf("tracking %s as %s (%s)\n", rec.ProposalRef, rec.ID, rec.Status)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&index, "index", 0, "vault transaction index of the proposal")
	cmd.Flags().StringVar(&kind, "kind", string(proposal.KindPayout), "proposal kind (PAYOUT|REFUND)")
	_ = cmd.MarkFlagRequired("index")

	return cmd
}

func newRegisterMatchCommand(root *rootOptions) *cobra.Command {
	var (
		multisig string
		stake    uint64
		playerA  string
		playerB  string
	)

	cmd := &cobra.Command{
		Use:           "register-match <match-id>",
		Short:         "Register a wager for settlement tracking",
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

			m, err := a.matches.Register(ctx, match.RegisterParams{
				ID:            args[0],
				Multisig:      multisig,
				StakeLamports: stake,
				PlayerA:       playerA,
				PlayerB:       playerB,
			})
			if err != nil {
				return err
			}
			fmt.Printf("registered %s on vault %s, stake %d lamports per player\n", m.ID, m.Multisig, m.StakeLamports)
			return nil
		},
	}

	cmd.Flags().StringVar(&multisig, "multisig", "", "multisig address the stake is held by")
	cmd.Flags().Uint64Var(&stake, "stake", 0, "entry stake in lamports, per player")
	cmd.Flags().StringVar(&playerA, "player-a", "", "first player wallet")
	cmd.Flags().StringVar(&playerB, "player-b", "", "second player wallet")
	_ = cmd.MarkFlagRequired("multisig")
	_ = cmd.MarkFlagRequired("stake")
	_ = cmd.MarkFlagRequired("player-a")
	_ = cmd.MarkFlagRequired("player-b")

	return cmd
}

func newRecordOutcomeCommand(root *rootOptions) *cobra.Command {
	var winner string

	cmd := &cobra.Command{
		Use:   "record-outcome <match-id> <outcome>",
		Short: "Record how a match ended",
		Long: `Record the match outcome (WIN, TIMEOUT, DRAW_PARTIAL_REFUND,
DRAW_FULL_REFUND, NO_PLAY). The outcome decides which disbursements a
well-formed proposal must carry, so bundle verification only starts once
this is set. Recording the same outcome twice is a no-op; recording a
different one is refused.`,
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

			m, err := a.matches.RecordOutcome(ctx, args[0], match.Outcome(strings.ToUpper(args[1])), winner)
			if err != nil {
				return err
			}
			if m.Winner != nil {
				fmt.Printf("%s: %s, winner %s\n", m.ID, *m.Outcome, *m.Winner)
			} else {
				fmt.Printf("%s: %s\n", m.ID, *m.Outcome)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&winner, "winner", "", "winning player wallet (required for WIN and TIMEOUT)")

	return cmd
}

func newRegisterVaultCommand(root *rootOptions) *cobra.Command {
	var (
		vaultAddr  string
		vaultIndex uint8
		threshold  int
		members    []string
		label      string
	)

	cmd := &cobra.Command{
		Use:   "register-vault <multisig>",
		Short: "Add a vault to the registry",
		Long: `Register a multisig so the orphan walk covers it. The vault address is
derived from the multisig and vault index when not given explicitly;
threshold and members are refreshed from the ledger on every walk, so
they only need to be roughly right here.`,
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

			ms, err := solana.PublicKeyFromBase58(args[0])
			if err != nil {
				return fmt.Errorf("settled: parse multisig: %w", err)
			}
			if vaultAddr == "" {
				derived, _, err := squads.VaultPDA(a.program, ms, vaultIndex)
				if err != nil {
					return fmt.Errorf("settled: derive vault address: %w", err)
				}
				vaultAddr = derived.String()
			}

			v, err := a.vaults.Register(ctx, vault.RegisterParams{
				Multisig:     ms.String(),
				VaultIndex:   vaultIndex,
				VaultAddress: vaultAddr,
				Threshold:    threshold,
				Members:      members,
				Label:        label,
			})
			if err != nil {
				return err
			}
			fmt.Printf("registered vault %s (funds at %s, threshold %d)\n", v.Multisig, v.VaultAddress, v.Threshold)
			return nil
		},
	}

	cmd.Flags().StringVar(&vaultAddr, "vault-address", "", "funds account (derived from the multisig when empty)")
	cmd.Flags().Uint8Var(&vaultIndex, "index", 0, "vault index under the multisig")
	cmd.Flags().IntVar(&threshold, "threshold", 2, "approval threshold")
	cmd.Flags().StringArrayVar(&members, "member", nil, "vault member key, repeatable")
	cmd.Flags().StringVar(&label, "label", "", "operator label")

	return cmd
}

func newMigrateCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the database schema",
		Long:          `Apply the embedded schema to the configured database. Statements are idempotent, so running against an up-to-date database changes nothing.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(root.ConfigPath)
			if err != nil {
				return err
			}
			pool, err := db.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := migrations.Apply(ctx, pool); err != nil {
				return err
			}
			fmt.Println("schema applied")
			return nil
		},
	}
	return cmd
}

// newHookTokenCommand mints webhook bearer tokens. It only needs the
// configured secret, so it never connects to the database.
func newHookTokenCommand(root *rootOptions) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:           "hook-token",
		Short:         "Mint a bearer token for the webhook endpoints",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.ConfigPath)
			if err != nil {
				return err
			}
			if cfg.Sweep.WebhookSecret == "" {
				return fmt.Errorf("settled: sweep.webhook_secret is not configured")
			}
			tok, err := sweep.MintHookToken(cfg.Sweep.WebhookSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}
