package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"

	"stakesettle/execution"
	"stakesettle/ledger"
	"stakesettle/match"
	"stakesettle/payout"
	"stakesettle/proposal"
	"stakesettle/reconcile"
)

// LedgerSigner plays the vault members: it walks the open proposals and
// pushes approvals toward threshold, occasionally withdrawing one from an
// already-approved proposal or rejecting a proposal outright. Those are the
// regressions the reconciler has to absorb.
func LedgerSigner(ctx context.Context, fake *FakeLedger, members []solana.PublicKey, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		for _, p := range fake.Proposals() {
			if p.Status != ledger.NativeActive && p.Status != ledger.NativeApproved {
				continue
			}
			if p.Approvals < p.Threshold {
				fake.Approve(p.Multisig, p.Index, members[rand.Intn(len(members))])
			} else if rand.Intn(20) == 0 {
				fake.Purge(p.Multisig, p.Index, members[rand.Intn(len(members))])
			}
			if rand.Intn(100) == 0 {
				fake.RejectProposal(p.Multisig, p.Index)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Sweeper runs reconcile passes the way the daemon scheduler would, with an
// orphan walk every few rounds. Pass failures are expected while chaos is
// killing backends, so they are absorbed rather than propagated.
func Sweeper(ctx context.Context, recon *reconcile.Reconciler, stop <-chan struct{}) error {
	round := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		round++
		if round%8 == 0 {
			_, _ = recon.ReconcileAll(ctx, 50)
		} else if _, err := recon.SweepRecords(ctx, 50); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Executor picks up executable matches the way the sweep scheduler does and
// races the other executors for the match lease. EXECUTING rows are included
// so a claim released by a killed worker gets resumed.
func Executor(ctx context.Context, pool *pgxpool.Pool, coord *execution.Coordinator, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `
			SELECT DISTINCT match_id FROM settlement_proposals
			WHERE status IN ('READY_TO_EXECUTE','EXECUTING')`)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 8)
		for rows.Next() {
			var id string
			if rows.Scan(&id) == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()

		for _, id := range ids {
			if _, err := coord.TryExecute(ctx, id); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Operator works the findings queue: rejected executions are cleared back
// into the sweep set, recovered-receipt follow-ups are acknowledged, and
// orphan reports whose ref got tracked in the meantime are closed.
func Operator(ctx context.Context, pool *pgxpool.Pool, findings *reconcile.FindingStore, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		open, err := findings.ListOpen(ctx, "", 25)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		for _, f := range open {
			switch f.Kind {
			case reconcile.FindingExecutionRejected:
				_, _ = findings.Resolve(ctx, f.ID, "stress-operator", "cleared for retry", true)
			case reconcile.FindingReceiptUnknown:
				_, _ = findings.Resolve(ctx, f.ID, "stress-operator", "history reviewed", false)
			case reconcile.FindingOrphanedProposal:
				ref, _ := f.Context["ref"].(string)
				if ref == "" {
					continue
				}
				var tracked bool
				if err := pool.QueryRow(ctx,
					`SELECT EXISTS (SELECT 1 FROM settlement_proposals WHERE proposal_ref=$1)`,
					ref).Scan(&tracked); err == nil && tracked {
					_, _ = findings.Resolve(ctx, f.ID, "stress-operator", "tracked meanwhile", false)
				}
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// Cycler drives complete settlements end to end: register a match, record
// its outcome, open the proposal with its transfer bundle on the fake chain,
// track it, then wait for the engine to land it. A rejected proposal gets a
// replacement at the next index, which is the refund-after-rejection flow.
type Cycler struct {
	Pool      *pgxpool.Pool
	Fake      *FakeLedger
	Matches   match.Repository
	Tracker   *proposal.Service
	Multisig  solana.PublicKey
	FeeWallet string
	Prefix    string

	seq int
}

func (c *Cycler) Run(ctx context.Context, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := c.cycle(ctx, stop); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Mid-cycle failures happen while chaos is active. The
			// abandoned match just sits there, like any crashed writer's
			// would, and the next cycle starts fresh.
			time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
		}
	}
}

func (c *Cycler) cycle(ctx context.Context, stop <-chan struct{}) error {
	c.seq++
	id := fmt.Sprintf("%s-%04d", c.Prefix, c.seq)

	m, err := c.Matches.Register(ctx, match.RegisterParams{
		ID:            id,
		Multisig:      c.Multisig.String(),
		StakeLamports: uint64(1_000_000 * (1 + rand.Intn(50))),
		PlayerA:       c.Fake.NewKey().String(),
		PlayerB:       c.Fake.NewKey().String(),
	})
	if errors.Is(err, match.ErrDuplicate) {
		m, err = c.Matches.GetByID(ctx, id)
	}
	if err != nil {
		return err
	}

	outcome, winner := pickOutcome(m)
	m, err = c.Matches.RecordOutcome(ctx, id, outcome, winner)
	if errors.Is(err, match.ErrOutcomeConflict) {
		m, err = c.Matches.GetByID(ctx, id)
	}
	if err != nil {
		return err
	}

	if err := c.propose(ctx, m); err != nil {
		return err
	}
	return c.await(ctx, stop, m)
}

// propose opens the next proposal on the fake chain with the transfer set
// the recorded outcome implies, then brings it under local tracking. The
// idempotency key is derived from the ref so a track retried through a
// killed connection replays instead of double-inserting.
func (c *Cycler) propose(ctx context.Context, m match.Match) error {
	plan, err := payout.Build(m, c.FeeWallet)
	if err != nil {
		return err
	}
	transfers := make([]ledger.Transfer, 0, len(plan.Disbursement))
	for _, d := range plan.Disbursement {
		to, err := solana.PublicKeyFromBase58(d.To)
		if err != nil {
			return err
		}
		transfers = append(transfers, ledger.Transfer{To: to, Lamports: d.Lamports})
	}

	ref, index, err := c.Fake.OpenProposal(c.Multisig)
	if err != nil {
		return err
	}
	c.Fake.SetBundle(c.Multisig, index, transfers)

	req := proposal.TrackRequest{
		MatchID:          m.ID,
		Multisig:         c.Multisig.String(),
		ProposalRef:      ref.String(),
		TransactionIndex: index,
		Kind:             plan.Kind,
		IdempotencyKey:   "cycle:" + ref.String(),
	}
	for attempt := 0; attempt < 5; attempt++ {
		_, err = c.Tracker.Track(ctx, req)
		if err == nil || errors.Is(err, proposal.ErrOpenProposalExists) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
	return err
}

// await polls until the match settles. Terminal proposals that did not land
// get a successor; parked ones are the operator's problem, so the wait just
// continues until the resolve-and-reopen loop frees them.
func (c *Cycler) await(ctx context.Context, stop <-chan struct{}, m match.Match) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var state string
		if err := c.Pool.QueryRow(ctx, `SELECT state FROM matches WHERE id=$1`, m.ID).Scan(&state); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if match.State(state) == match.StateSettled {
			return nil
		}

		var status string
		err := c.Pool.QueryRow(ctx, `
			SELECT status FROM settlement_proposals
			WHERE match_id=$1 ORDER BY created_at DESC LIMIT 1`, m.ID).Scan(&status)
		if err == nil {
			switch proposal.Status(status) {
			case proposal.StatusRejected, proposal.StatusCancelled:
				if err := c.propose(ctx, m); err != nil && ctx.Err() != nil {
					return ctx.Err()
				}
			}
		}
		time.Sleep(time.Duration(80+rand.Intn(80)) * time.Millisecond)
	}
}

func pickOutcome(m match.Match) (match.Outcome, string) {
	switch rand.Intn(10) {
	case 0:
		return match.OutcomeTimeout, m.PlayerA
	case 1:
		return match.OutcomeDrawPartialRefund, ""
	case 2:
		return match.OutcomeDrawFullRefund, ""
	case 3:
		return match.OutcomeNoPlay, ""
	default:
		if rand.Intn(2) == 0 {
			return match.OutcomeWin, m.PlayerA
		}
		return match.OutcomeWin, m.PlayerB
	}
}
