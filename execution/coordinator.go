package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"

	"stakesettle/ledger"
	"stakesettle/lock"
	"stakesettle/match"
	"stakesettle/proposal"
	"stakesettle/reconcile"
)

// Deps bundles the coordinator's collaborators. Interface fields exist for
// test injection; nil Repo falls back to the concrete repository.
type Deps struct {
	Pool       TxBeginner
	Store      ProposalStore
	Repo       ReceiptRepository
	Matches    MatchSettler
	Findings   FindingWriter
	Reconciler Reconciler
	Ledger     LedgerClient
	Locker     lock.Locker

	// Signer holds the execution member keypair. Its public key must be a
	// vault member or every simulate will refuse the transaction.
	Signer solana.PrivateKey

	Log slog.Logger
}

// Coordinator serializes the irreversible half of settlement: claim, build,
// broadcast, persist. One instance is safe for concurrent use across
// matches; the lease lock serializes work on any single match.
type Coordinator struct {
	pool    TxBeginner
	store   ProposalStore
	repo    ReceiptRepository
	matches MatchSettler
	finds   FindingWriter
	recon   Reconciler
	client  LedgerClient
	locker  lock.Locker
	signer  solana.PrivateKey
	cfg     Config
	log     slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	if deps.Repo == nil {
		deps.Repo = proposal.NewRepository()
	}
	if deps.Log == nil {
		deps.Log = slog.Disabled
	}
	return &Coordinator{
		pool:    deps.Pool,
		store:   deps.Store,
		repo:    deps.Repo,
		matches: deps.Matches,
		finds:   deps.Findings,
		recon:   deps.Reconciler,
		client:  deps.Ledger,
		locker:  deps.Locker,
		signer:  deps.Signer,
		cfg:     cfg.withDefaults(),
		log:     deps.Log,
		sleep:   sleepCtx,
	}
}

func lockKey(matchID string) string { return "match:" + matchID }

// TryExecute attempts to settle one match. Preconditions fail fast with a
// typed result and no ledger traffic; once past the claim, the call owns the
// broadcast critical section until it persists an outcome or hands the row
// back.
func (c *Coordinator) TryExecute(ctx context.Context, matchID string) (Outcome, error) {
	out := Outcome{MatchID: matchID}
	if matchID == "" {
		return out, fmt.Errorf("execution: missing match id")
	}

	rec, err := c.store.GetOpenByMatch(ctx, matchID)
	if errors.Is(err, proposal.ErrNotFound) {
		return c.noOpenRow(ctx, out)
	}
	if err != nil {
		return out, err
	}
	out.ProposalID = rec.ID

	switch rec.Status {
	case proposal.StatusReadyToExecute, proposal.StatusExecuting:
	default:
		out.Result = ResultNotEligible
		out.Reason = fmt.Sprintf("status %s", rec.Status)
		return out, nil
	}

	lease, err := c.locker.Acquire(ctx, lockKey(matchID), c.cfg.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		out.Result = ResultAlreadyInProgress
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("execution: acquire match lock: %w", err)
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			c.log.Warnf("execute: release lock for match %s: %v", matchID, rerr)
		}
	}()

	// Fresh ledger truth before anything irreversible. This is also the
	// resume path for a row stuck EXECUTING by a crashed worker: the sync
	// returns it to READY_TO_EXECUTE when the ledger still allows execution,
	// or straight to EXECUTED when someone else already landed it.
	rout, err := c.recon.Reconcile(ctx, matchID, true)
	if err != nil {
		return out, fmt.Errorf("execution: pre-flight reconcile: %w", err)
	}
	switch {
	case rout.New == proposal.StatusExecuted:
		out.Result = ResultAlreadyExecuted
		if rout.RecoveredReceipt != nil {
			out.Signature = rout.RecoveredReceipt.Signature
			out.Slot = rout.RecoveredReceipt.Slot
		}
		return out, nil
	case rout.New == proposal.StatusExecuting:
		// The ledger itself reports an execution mid-flight somewhere else.
		out.Result = ResultAlreadyInProgress
		out.Reason = "ledger reports execution in progress"
		return out, nil
	case rout.New != proposal.StatusReadyToExecute:
		out.Result = ResultNoLongerEligible
		out.Reason = fmt.Sprintf("reconciled to %s", rout.New)
		if rout.Note != "" {
			out.Reason += ": " + rout.Note
		}
		return out, nil
	}

	if err := c.store.ClaimExecution(ctx, rec.ID); err != nil {
		if errors.Is(err, proposal.ErrNotClaimable) {
			out.Result = ResultAlreadyInProgress
			return out, nil
		}
		return out, err
	}

	return c.execute(ctx, out, rec)
}

// noOpenRow distinguishes a settled match from an untracked one once the
// open-row lookup comes back empty.
func (c *Coordinator) noOpenRow(ctx context.Context, out Outcome) (Outcome, error) {
	records, err := c.store.ListByMatch(ctx, out.MatchID)
	if err != nil {
		return out, err
	}
	for _, rec := range records {
		if rec.Status == proposal.StatusExecuted {
			out.Result = ResultAlreadyExecuted
			out.ProposalID = rec.ID
			if rec.ExecutionSignature != nil {
				out.Signature = *rec.ExecutionSignature
			}
			if rec.ExecutedSlot != nil {
				out.Slot = uint64(*rec.ExecutedSlot)
			}
			return out, nil
		}
	}
	out.Result = ResultNotFound
	return out, nil
}

// execute runs the claimed critical section. The claim is released back to
// READY_TO_EXECUTE on every path that did not confirm or park.
func (c *Coordinator) execute(ctx context.Context, out Outcome, rec proposal.Record) (Outcome, error) {
	ms, err := solana.PublicKeyFromBase58(rec.Multisig)
	if err != nil {
		c.release(ctx, rec.ID)
		return out, fmt.Errorf("execution: multisig %q: %w", rec.Multisig, err)
	}
	member := c.signer.PublicKey()

	execIx, err := c.client.BuildExecute(ctx, ms, rec.TransactionIndex, member)
	if err != nil {
		c.release(ctx, rec.ID)
		if errors.Is(err, ledger.ErrNotFound) {
			// The bundle account is gone. The next reconcile pass will park
			// the row with its own finding; nothing to broadcast here.
			out.Result = ResultConstructionRejected
			out.Reason = "transaction bundle not found"
			return out, nil
		}
		return out, fmt.Errorf("execution: build execute instruction: %w", err)
	}

	tx, err := c.buildTransaction(ctx, execIx, c.unitPrice(0))
	if err != nil {
		c.release(ctx, rec.ID)
		return out, err
	}
	sim, err := c.client.Simulate(ctx, tx)
	if err != nil {
		c.release(ctx, rec.ID)
		return out, fmt.Errorf("execution: simulate: %w", err)
	}
	if !sim.Ok {
		// A simulation refusal costs nothing on-chain, so the row goes back
		// to READY_TO_EXECUTE rather than parking: signer or balance state
		// may change before the next sweep.
		c.release(ctx, rec.ID)
		out.Result = ResultConstructionRejected
		out.Reason = sim.Err
		c.log.Warnf("execute: match %s simulation rejected: %s", rec.MatchID, sim.Err)
		return out, nil
	}

	backoff := c.cfg.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, backoff); err != nil {
				c.release(ctx, rec.ID)
				return out, err
			}
			backoff *= 2
		}

		price := c.unitPrice(attempt - 1)
		tx, err := c.buildTransaction(ctx, execIx, price)
		if err != nil {
			if ledger.IsTransient(err) {
				lastErr = err
				continue
			}
			c.release(ctx, rec.ID)
			return out, err
		}

		if err := c.store.RecordAttempt(ctx, rec.ID); err != nil {
			// Attempt bookkeeping never blocks settlement.
			c.log.Warnf("execute: record attempt for %s: %v", rec.ID, err)
		}
		out.Attempts = attempt

		// Once broadcast, confirmation is never abandoned client-side. The
		// submit context survives caller cancellation and is bounded only by
		// the confirm timeout.
		submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ConfirmTimeout)
		rcpt, err := c.client.Submit(submitCtx, tx)
		cancel()
		if err == nil {
			return c.confirm(ctx, out, rec, rcpt)
		}

		var rej *ledger.SubmitRejectedError
		if errors.As(err, &rej) {
			return c.rejected(ctx, out, rec, rej)
		}

		lastErr = err
		c.log.Warnf("execute: match %s attempt %d/%d at unit price %d: %v",
			rec.MatchID, attempt, c.cfg.MaxAttempts, price, err)
	}

	c.release(ctx, rec.ID)
	out.Result = ResultExhaustedRetries
	if lastErr != nil {
		out.Reason = lastErr.Error()
	}
	c.log.Errorf("execute: match %s exhausted %d attempts: %v", rec.MatchID, c.cfg.MaxAttempts, lastErr)
	return out, nil
}

// unitPrice is the compute unit price bid after the given number of
// completed attempts; every retry raises the bid by one step.
func (c *Coordinator) unitPrice(escalation int) uint64 {
	return c.cfg.PriorityFeeBase + c.cfg.PriorityFeeStep*uint64(escalation)
}

// buildTransaction assembles and signs the execute transaction on a fresh
// blockhash at the given compute unit price.
func (c *Coordinator) buildTransaction(ctx context.Context, execIx solana.Instruction, price uint64) (*solana.Transaction, error) {
	hash, err := c.client.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	ixs := []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(c.cfg.ComputeLimit).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(price).Build(),
		execIx,
	}

	tx, err := solana.NewTransaction(ixs, hash, solana.TransactionPayer(c.signer.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("execution: assemble transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.signer.PublicKey()) {
			return &c.signer
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("execution: sign transaction: %w", err)
	}
	return tx, nil
}

// confirm persists the receipt, settles the match and records the audit
// event in one transaction. Detached from caller cancellation: a confirmed
// broadcast that goes unrecorded is exactly the drift this engine exists to
// prevent.
func (c *Coordinator) confirm(ctx context.Context, out Outcome, rec proposal.Record, rcpt *ledger.SubmitReceipt) (Outcome, error) {
	dbCtx := context.WithoutCancel(ctx)

	tx, err := c.pool.Begin(dbCtx)
	if err != nil {
		return out, fmt.Errorf("execution: begin receipt tx: %w", err)
	}
	defer tx.Rollback(dbCtx)

	receipt := proposal.Receipt{
		Signature:   rcpt.Signature.String(),
		Slot:        rcpt.Slot,
		ConfirmedAt: rcpt.ConfirmedAt,
	}
	if err := c.repo.RecordReceipt(dbCtx, tx, rec.ID, receipt); err != nil {
		if errors.Is(err, proposal.ErrReceiptRecorded) {
			// Another actor recorded a different signature even though our
			// broadcast confirmed. The ledger admits one execute, so theirs
			// is the canonical receipt; keep it and report settled.
			c.log.Warnf("execute: match %s receipt already recorded, ours was %s",
				rec.MatchID, receipt.Signature)
			out.Result = ResultAlreadyExecuted
			return out, nil
		}
		return out, err
	}

	if err := c.matches.MarkSettled(dbCtx, tx, rec.MatchID); err != nil {
		if errors.Is(err, match.ErrNotSettling) || errors.Is(err, match.ErrNotFound) {
			c.log.Warnf("execute: match %s not closable: %v", rec.MatchID, err)
		} else {
			return out, err
		}
	}

	if err := c.repo.AppendEvent(dbCtx, tx, rec.ID, "EXECUTION_CONFIRMED", map[string]any{
		"signature": receipt.Signature,
		"slot":      receipt.Slot,
		"attempts":  out.Attempts,
	}); err != nil {
		return out, err
	}

	if err := tx.Commit(dbCtx); err != nil {
		return out, fmt.Errorf("execution: commit receipt: %w", err)
	}

	out.Result = ResultExecuted
	out.Signature = receipt.Signature
	out.Slot = receipt.Slot
	c.log.Infof("execute: match %s settled by %s at slot %d (attempt %d)",
		rec.MatchID, receipt.Signature, receipt.Slot, out.Attempts)
	return out, nil
}

// rejected handles an on-ledger refusal: the chain evaluated the transaction
// and said no, so retrying the identical bundle is pointless. The row parks
// with a finding instead of bouncing back into the sweep set.
func (c *Coordinator) rejected(ctx context.Context, out Outcome, rec proposal.Record, rej *ledger.SubmitRejectedError) (Outcome, error) {
	dbCtx := context.WithoutCancel(ctx)

	tx, err := c.pool.Begin(dbCtx)
	if err != nil {
		return out, fmt.Errorf("execution: begin park tx: %w", err)
	}
	defer tx.Rollback(dbCtx)

	if err := c.repo.Park(dbCtx, tx, rec.ID); err != nil {
		return out, fmt.Errorf("execution: park rejected proposal: %w", err)
	}
	if _, err := c.finds.CreateTx(dbCtx, tx, reconcile.CreateParams{
		ProposalID: rec.ID,
		MatchID:    rec.MatchID,
		Kind:       reconcile.FindingExecutionRejected,
		Detail:     rej.Reason,
		Context: map[string]any{
			"proposal_ref":      rec.ProposalRef,
			"transaction_index": rec.TransactionIndex,
			"logs":              tail(rej.Logs, 10),
		},
	}); err != nil {
		return out, err
	}
	if err := c.repo.AppendEvent(dbCtx, tx, rec.ID, "EXECUTION_REJECTED", map[string]any{
		"reason": rej.Reason,
	}); err != nil {
		return out, err
	}
	if err := tx.Commit(dbCtx); err != nil {
		return out, fmt.Errorf("execution: commit park: %w", err)
	}

	out.Result = ResultSubmitRejected
	out.Reason = rej.Reason
	c.log.Errorf("execute: match %s rejected by ledger: %s", rec.MatchID, rej.Reason)
	return out, nil
}

// release hands a claimed row back to the sweep set. Failures are logged,
// not returned: the row self-heals on the next reconcile pass because the
// forced sync flips stale EXECUTING back to READY_TO_EXECUTE.
func (c *Coordinator) release(ctx context.Context, id string) {
	if err := c.store.ReleaseExecution(context.WithoutCancel(ctx), id, proposal.StatusReadyToExecute); err != nil {
		c.log.Warnf("execute: release claim %s: %v", id, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func tail(logs []string, n int) []string {
	if len(logs) <= n {
		return logs
	}
	return logs[len(logs)-n:]
}
