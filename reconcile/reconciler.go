package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"

	"stakesettle/ledger"
	"stakesettle/match"
	"stakesettle/payout"
	"stakesettle/proposal"
	"stakesettle/squads"
	"stakesettle/vault"
)

const (
	defaultNotFoundGrace    = 2 * time.Minute
	defaultMinInterval      = 30 * time.Second
	defaultActivityLookback = 50
	defaultOrphanScanSpan   = 32
)

// Config tunes the drift policies. Zero values fall back to defaults; an
// empty FeeWallet disables bundle verification since the expected transfer
// set cannot be rebuilt without it.
type Config struct {
	// NotFoundGrace is how long after local creation a missing ledger
	// account is read as visibility lag rather than genuine absence.
	NotFoundGrace time.Duration

	// MinInterval rate-limits per-proposal ledger reads. A forced
	// reconcile bypasses it.
	MinInterval time.Duration

	// ActivityLookback caps the signature history scanned while
	// recovering an execution receipt.
	ActivityLookback int

	// OrphanScanSpan is how many trailing transaction indices per vault
	// the orphan walk inspects.
	OrphanScanSpan uint64

	// FeeWallet receives the rake. Bundle verification rebuilds the
	// expected transfer set from it.
	FeeWallet string
}

func (c Config) withDefaults() Config {
	if c.NotFoundGrace <= 0 {
		c.NotFoundGrace = defaultNotFoundGrace
	}
	if c.MinInterval <= 0 {
		c.MinInterval = defaultMinInterval
	}
	if c.ActivityLookback <= 0 {
		c.ActivityLookback = defaultActivityLookback
	}
	if c.OrphanScanSpan == 0 {
		c.OrphanScanSpan = defaultOrphanScanSpan
	}
	return c
}

// Reconciler heals drift between local proposal rows and the ledger. The
// ledger is authoritative: local state is only ever rewritten to agree with
// it, and anything that cannot be safely mapped is parked with a finding
// instead of guessed at.
type Reconciler struct {
	pool     *pgxpool.Pool
	repo     *proposal.Repository
	store    *proposal.Store
	matches  match.Repository
	vaults   *vault.Repository
	findings *FindingStore
	client   ledger.Client
	cfg      Config
	log      slog.Logger

	now func() time.Time
}

func New(pool *pgxpool.Pool, client ledger.Client, matches match.Repository, vaults *vault.Repository, cfg Config, log slog.Logger) *Reconciler {
	return &Reconciler{
		pool:     pool,
		repo:     proposal.NewRepository(),
		store:    proposal.NewStore(pool),
		matches:  matches,
		vaults:   vaults,
		findings: NewFindingStore(pool),
		client:   client,
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
	}
}

// Findings exposes the finding store so callers share one instance.
func (r *Reconciler) Findings() *FindingStore { return r.findings }

// Reconcile refreshes the open proposal for one match against the ledger.
// force bypasses the per-proposal rate limit, which is how an operator
// retries a parked row after fixing the underlying cause.
func (r *Reconciler) Reconcile(ctx context.Context, matchID string, force bool) (Outcome, error) {
	rec, err := r.store.GetOpenByMatch(ctx, matchID)
	if err != nil {
		return Outcome{MatchID: matchID}, err
	}
	return r.reconcileRecord(ctx, rec, force)
}

func (r *Reconciler) reconcileRecord(ctx context.Context, rec proposal.Record, force bool) (Outcome, error) {
	out := Outcome{
		MatchID:        rec.MatchID,
		ProposalID:     rec.ID,
		Prior:          rec.Status,
		New:            rec.Status,
		Classification: ClassInSync,
	}

	// Terminal rows are immutable, so the local record answers without an
	// RPC call.
	if rec.Status.Terminal() {
		return out, nil
	}
	if !force && rec.LastSyncedAt != nil && r.now().Sub(*rec.LastSyncedAt) < r.cfg.MinInterval {
		return out, nil
	}

	ref, err := solana.PublicKeyFromBase58(rec.ProposalRef)
	if err != nil {
		return r.park(ctx, out, rec, FindingFatalMissing, ClassFatalMissing,
			fmt.Sprintf("stored proposal ref %q is not a valid address", rec.ProposalRef), nil)
	}

	snap, err := r.client.FetchProposal(ctx, ref)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return r.handleMissing(ctx, out, rec)
	case errors.Is(err, squads.ErrWrongAccountType):
		return r.park(ctx, out, rec, FindingUnmappedStatus, ClassDriftUnresolved,
			fmt.Sprintf("account %s exists but is not a proposal", rec.ProposalRef), nil)
	case ledger.IsTransient(err):
		out.Classification = ClassRetryable
		out.Note = "ledger read failed, will retry"
		return out, err
	case err != nil:
		return out, fmt.Errorf("reconcile: fetch proposal %s: %w", rec.ProposalRef, err)
	}

	norm := Normalize(snap)
	if !norm.Known {
		return r.park(ctx, out, rec, FindingUnmappedStatus, ClassDriftUnresolved,
			fmt.Sprintf("ledger status %q (threshold %d) has no local mapping", snap.Status, snap.Threshold),
			map[string]any{
				"ledger_status": string(snap.Status),
				"threshold":     snap.Threshold,
				"slot":          snap.Slot,
			})
	}

	out.AddedSigners, out.PurgedSigners = diffSigners(rec.Signers, norm.Signers)
	out.New = norm.Status
	out.Outstanding = norm.Outstanding

	if norm.Status == proposal.StatusExecuted {
		return r.settleExecuted(ctx, out, rec)
	}

	if norm.Eligible && r.cfg.FeeWallet != "" {
		missing, mismatch, err := r.checkBundle(ctx, rec)
		switch {
		case ledger.IsTransient(err):
			out.Classification = ClassRetryable
			out.Note = "bundle read failed, will retry"
			return out, err
		case err != nil:
			return out, err
		case missing:
			return r.park(ctx, out, rec, FindingFatalMissing, ClassFatalMissing,
				"transaction bundle account missing for an execute-ready proposal", nil)
		case mismatch != "":
			return r.park(ctx, out, rec, FindingBundleMismatch, ClassDriftUnresolved, mismatch, nil)
		}
	}

	return r.applySync(ctx, out, rec, norm, snap.Threshold)
}

// handleMissing resolves a NotFound against the record's age. Inside the
// grace window nothing is written, so the creation clock is never reset by
// the retry itself.
func (r *Reconciler) handleMissing(ctx context.Context, out Outcome, rec proposal.Record) (Outcome, error) {
	age := rec.Age(r.now())
	if age < r.cfg.NotFoundGrace {
		out.Classification = ClassRetryable
		out.Note = fmt.Sprintf("not visible on ledger yet (age %s)", age.Round(time.Second))
		return out, nil
	}
	return r.park(ctx, out, rec, FindingFatalMissing, ClassFatalMissing,
		fmt.Sprintf("proposal %s still missing from ledger %s after creation", rec.ProposalRef, age.Round(time.Second)), nil)
}

// settleExecuted lands an execution observed on the ledger that the local
// row does not yet reflect. The confirming signature is recovered from the
// transaction account's history when possible; otherwise the row is marked
// executed anyway and a finding carries the follow-up.
func (r *Reconciler) settleExecuted(ctx context.Context, out Outcome, rec proposal.Record) (Outcome, error) {
	rcpt, err := r.recoverReceipt(ctx, rec)
	if err != nil {
		if ledger.IsTransient(err) {
			// Defer the whole write; the next pass retries with the
			// signature history intact.
			out.Classification = ClassRetryable
			out.Note = "receipt recovery interrupted, will retry"
			return out, err
		}
		return out, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("reconcile: begin settle tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if rcpt != nil {
		err := r.repo.RecordReceipt(ctx, tx, rec.ID, *rcpt)
		switch {
		case errors.Is(err, proposal.ErrReceiptRecorded):
			// Another writer already attached a different signature. Theirs
			// stays; the recovered one is only logged.
			r.log.Warnf("reconcile: proposal %s already has a receipt, recovered %s discarded", rec.ID, rcpt.Signature)
			rcpt = nil
		case err != nil:
			return out, err
		default:
			out.RecoveredReceipt = rcpt
			if err := r.repo.AppendEvent(ctx, tx, rec.ID, "EXECUTION_OBSERVED", map[string]any{
				"signature": rcpt.Signature,
				"slot":      rcpt.Slot,
			}); err != nil {
				return out, err
			}
		}
	}
	if rcpt == nil {
		if err := r.repo.MarkExecuted(ctx, tx, rec.ID); err != nil {
			if errors.Is(err, proposal.ErrTerminal) {
				out.Note = "row reached a terminal state mid-sync"
				return out, nil
			}
			return out, err
		}
		if _, err := r.findings.CreateTx(ctx, tx, CreateParams{
			ProposalID: rec.ID,
			MatchID:    rec.MatchID,
			Kind:       FindingReceiptUnknown,
			Detail:     fmt.Sprintf("executed on ledger but no confirming signature in the last %d history entries", r.cfg.ActivityLookback),
		}); err != nil {
			return out, err
		}
		out.Note = "executed on ledger, receipt unknown"
	}

	if err := r.matches.MarkSettled(ctx, tx, rec.MatchID); err != nil {
		if errors.Is(err, match.ErrNotSettling) || errors.Is(err, match.ErrNotFound) {
			// The outcome may not have been recorded locally yet. The
			// proposal row, not the match row, is the execution record.
			r.log.Warnf("reconcile: match %s left unsettled: %v", rec.MatchID, err)
		} else {
			return out, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return out, fmt.Errorf("reconcile: commit settle: %w", err)
	}

	out.New = proposal.StatusExecuted
	out.Classification = ClassHealed
	r.log.Infof("reconcile: proposal %s healed to EXECUTED (match %s)", rec.ID, rec.MatchID)
	return out, nil
}

// recoverReceipt scans the transaction account's signature history for the
// execution. Creation precedes execution and both are that account's only
// writers, so the newest successful entry is the execution.
func (r *Reconciler) recoverReceipt(ctx context.Context, rec proposal.Record) (*proposal.Receipt, error) {
	ms, err := solana.PublicKeyFromBase58(rec.Multisig)
	if err != nil {
		return nil, fmt.Errorf("reconcile: parse multisig %q: %w", rec.Multisig, err)
	}
	txRef, err := r.client.TransactionRef(ms, rec.TransactionIndex)
	if err != nil {
		return nil, err
	}
	history, err := r.client.RecentActivity(ctx, txRef, r.cfg.ActivityLookback)
	if err != nil {
		return nil, err
	}
	for _, entry := range history {
		if entry.Failed {
			continue
		}
		rcpt := &proposal.Receipt{
			Signature:   entry.Signature.String(),
			Slot:        entry.Slot,
			ConfirmedAt: r.now().UTC(),
		}
		if entry.BlockTime != nil {
			rcpt.ConfirmedAt = entry.BlockTime.UTC()
		}
		return rcpt, nil
	}
	return nil, nil
}

// checkBundle compares the on-ledger transfer set of an execute-ready
// proposal against the payout rebuilt from the match outcome. Returns
// whether the bundle account is missing and, if present, a non-empty
// mismatch description when the sets disagree.
func (r *Reconciler) checkBundle(ctx context.Context, rec proposal.Record) (missing bool, mismatch string, err error) {
	m, err := r.matches.GetByID(ctx, rec.MatchID)
	if err != nil {
		return false, "", fmt.Errorf("reconcile: load match %s: %w", rec.MatchID, err)
	}
	if m.Outcome == nil {
		// Without a recorded outcome there is no expected transfer set.
		// The executor re-reconciles before acting, so nothing is lost by
		// skipping here.
		return false, "", nil
	}
	plan, err := payout.Build(m, r.cfg.FeeWallet)
	if err != nil {
		return false, "", fmt.Errorf("reconcile: rebuild payout for match %s: %w", rec.MatchID, err)
	}

	ms, err := solana.PublicKeyFromBase58(rec.Multisig)
	if err != nil {
		return false, "", fmt.Errorf("reconcile: parse multisig %q: %w", rec.Multisig, err)
	}
	bundle, err := r.client.FetchBundle(ctx, ms, rec.TransactionIndex)
	if errors.Is(err, ledger.ErrNotFound) {
		return true, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return false, diffTransfers(plan, bundle.Transfers), nil
}

// applySync writes the normalized state through the guarded update and
// appends the audit events that describe what moved.
func (r *Reconciler) applySync(ctx context.Context, out Outcome, rec proposal.Record, norm Normalized, threshold int) (Outcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("reconcile: begin sync tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := r.repo.ApplySync(ctx, tx, rec.ID, proposal.SyncUpdate{
		Status:    norm.Status,
		Signers:   norm.Signers,
		Threshold: threshold,
	}); err != nil {
		if errors.Is(err, proposal.ErrTerminal) {
			// A concurrent writer finished the row between our read and
			// this write. Their version is newer; keep it.
			out.New = out.Prior
			out.Note = "row reached a terminal state mid-sync"
			return out, nil
		}
		return out, err
	}

	if len(out.PurgedSigners) > 0 {
		// The ledger-confirmed set wins. A purge usually means signer
		// rotation on the vault; it is logged and audited, never escalated
		// to a finding.
		r.log.Warnf("reconcile: proposal %s: dropping signers %v the ledger does not confirm", rec.ID, out.PurgedSigners)
		if err := r.repo.AppendEvent(ctx, tx, rec.ID, "SIGNERS_PURGED", map[string]any{
			"purged": out.PurgedSigners,
		}); err != nil {
			return out, err
		}
	}
	if out.Prior != out.New {
		if err := r.repo.AppendEvent(ctx, tx, rec.ID, "STATUS_SYNCED", map[string]any{
			"from": string(out.Prior),
			"to":   string(out.New),
		}); err != nil {
			return out, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return out, fmt.Errorf("reconcile: commit sync: %w", err)
	}

	if out.Changed() {
		out.Classification = ClassHealed
		r.log.Debugf("reconcile: proposal %s %s -> %s (+%d/-%d signers)",
			rec.ID, out.Prior, out.New, len(out.AddedSigners), len(out.PurgedSigners))
	}
	return out, nil
}

// park freezes the row in DRIFT_UNRESOLVED and files the finding in the
// same transaction, so an operator never sees one without the other. A row
// already parked keeps its original finding rather than accumulating one
// per sweep.
func (r *Reconciler) park(ctx context.Context, out Outcome, rec proposal.Record, kind FindingKind, class Classification, detail string, extra map[string]any) (Outcome, error) {
	alreadyParked := rec.Status == proposal.StatusDriftUnresolved

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("reconcile: begin park tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.repo.Park(ctx, tx, rec.ID); err != nil {
		if errors.Is(err, proposal.ErrTerminal) {
			out.Note = "row reached a terminal state before parking"
			return out, nil
		}
		return out, err
	}
	if !alreadyParked {
		f, err := r.findings.CreateTx(ctx, tx, CreateParams{
			ProposalID: rec.ID,
			MatchID:    rec.MatchID,
			Kind:       kind,
			Detail:     detail,
			Context:    extra,
		})
		if err != nil {
			return out, err
		}
		if err := r.repo.AppendEvent(ctx, tx, rec.ID, "PARKED", map[string]any{
			"finding_id": f.ID,
			"kind":       string(kind),
		}); err != nil {
			return out, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return out, fmt.Errorf("reconcile: commit park: %w", err)
	}

	out.New = proposal.StatusDriftUnresolved
	out.Classification = class
	out.Note = detail
	r.log.Warnf("reconcile: parked proposal %s (match %s): %s", rec.ID, rec.MatchID, detail)
	return out, nil
}

// ReconcileAll sweeps open proposals oldest-synced first, then walks each
// registered vault's transaction indices for ledger proposals with no local
// row. One failing proposal never aborts the batch; failures come back in
// the report's error list alongside the outcomes that did land.
func (r *Reconciler) ReconcileAll(ctx context.Context, limit int) (BatchReport, error) {
	report, err := r.SweepRecords(ctx, limit)
	if err != nil {
		return report, err
	}
	orphans, errs := r.ScanOrphans(ctx)
	report.Orphans = orphans
	report.Errors = append(report.Errors, errs...)
	return report, nil
}

// SweepRecords runs the record half of a batch without the orphan walk. The
// sweeper calls it on the fast cadence and schedules ScanOrphans separately.
func (r *Reconciler) SweepRecords(ctx context.Context, limit int) (BatchReport, error) {
	var report BatchReport

	records, err := r.store.ListSweepable(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("reconcile: list sweepable: %w", err)
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out, err := r.reconcileRecord(ctx, rec, false)
		if err != nil {
			r.log.Warnf("reconcile: match %s: %v", rec.MatchID, err)
			report.Errors = append(report.Errors, MatchError{MatchID: rec.MatchID, Err: err})
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	return report, nil
}

// ScanOrphans reports ledger proposals that no local record references.
// Orphans are logged and filed for an operator, never adopted
// automatically.
func (r *Reconciler) ScanOrphans(ctx context.Context) ([]Orphan, []MatchError) {
	var (
		orphans []Orphan
		errs    []MatchError
	)
	vaults, err := r.vaults.List(ctx, 0)
	if err != nil {
		return nil, []MatchError{{MatchID: "orphan-scan", Err: err}}
	}
	for _, v := range vaults {
		if ctx.Err() != nil {
			return orphans, errs
		}
		found, verrs := r.scanVault(ctx, v)
		orphans = append(orphans, found...)
		errs = append(errs, verrs...)
	}
	return orphans, errs
}

func (r *Reconciler) scanVault(ctx context.Context, v vault.Record) ([]Orphan, []MatchError) {
	tag := "vault " + v.Multisig

	ms, err := solana.PublicKeyFromBase58(v.Multisig)
	if err != nil {
		return nil, []MatchError{{MatchID: tag, Err: err}}
	}
	state, err := r.client.FetchVaultState(ctx, ms)
	if err != nil {
		return nil, []MatchError{{MatchID: tag, Err: err}}
	}

	// Refresh the registry's cached threshold and member set while the
	// account is in hand.
	members := make([]string, 0, len(state.Members))
	for _, m := range state.Members {
		members = append(members, m.String())
	}
	if err := r.vaults.SyncLedgerState(ctx, v.Multisig, state.Threshold, members); err != nil {
		r.log.Warnf("reconcile: refresh vault %s: %v", v.Multisig, err)
	}

	known, err := r.store.RefsByMultisig(ctx, v.Multisig)
	if err != nil {
		return nil, []MatchError{{MatchID: tag, Err: err}}
	}

	var (
		orphans []Orphan
		errs    []MatchError
	)
	lo := uint64(1)
	if state.TransactionIndex > r.cfg.OrphanScanSpan {
		lo = state.TransactionIndex - r.cfg.OrphanScanSpan + 1
	}
	for idx := lo; idx <= state.TransactionIndex; idx++ {
		if ctx.Err() != nil {
			break
		}
		ref, err := r.client.ProposalRef(ms, idx)
		if err != nil {
			errs = append(errs, MatchError{MatchID: tag, Err: err})
			continue
		}
		if known[ref.String()] {
			continue
		}
		snap, err := r.client.FetchProposal(ctx, ref)
		if errors.Is(err, ledger.ErrNotFound) {
			// Indices are consumed for config transactions too; a gap is
			// normal.
			continue
		}
		if err != nil {
			errs = append(errs, MatchError{MatchID: tag, Err: err})
			if ledger.IsTransient(err) {
				// A struggling node will fail the rest of the walk too.
				break
			}
			continue
		}
		o := Orphan{
			Multisig:         v.Multisig,
			TransactionIndex: idx,
			Ref:              ref.String(),
			Status:           snap.Status,
		}
		orphans = append(orphans, o)
		created, err := r.findings.ReportOrphan(ctx, o)
		if err != nil {
			errs = append(errs, MatchError{MatchID: tag, Err: err})
			continue
		}
		if created {
			r.log.Warnf("reconcile: orphaned proposal %s on %s at index %d (ledger status %s)",
				o.Ref, o.Multisig, idx, o.Status)
		}
	}
	return orphans, errs
}

// diffSigners splits the delta between the locally recorded signer set and
// the ledger-confirmed one. Both slices come back sorted so outcomes are
// deterministic.
func diffSigners(local, confirmed []string) (added, purged []string) {
	onLedger := make(map[string]bool, len(confirmed))
	for _, s := range confirmed {
		onLedger[s] = true
	}
	seen := make(map[string]bool, len(local))
	for _, s := range local {
		seen[s] = true
		if !onLedger[s] {
			purged = append(purged, s)
		}
	}
	for _, s := range confirmed {
		if !seen[s] {
			added = append(added, s)
		}
	}
	sort.Strings(added)
	sort.Strings(purged)
	return added, purged
}

// diffTransfers compares the on-ledger transfer set against the locally
// rebuilt plan, aggregating by recipient. Empty string means they agree.
func diffTransfers(plan payout.Plan, got []ledger.Transfer) string {
	want := map[string]uint64{}
	for _, d := range plan.Disbursement {
		want[d.To] += d.Lamports
	}
	have := map[string]uint64{}
	for _, t := range got {
		have[t.To.String()] += t.Lamports
	}

	var diffs []string
	for to, lamports := range want {
		if have[to] != lamports {
			diffs = append(diffs, fmt.Sprintf("%s want %d got %d", to, lamports, have[to]))
		}
	}
	for to, lamports := range have {
		if _, ok := want[to]; !ok {
			diffs = append(diffs, fmt.Sprintf("%s want 0 got %d", to, lamports))
		}
	}
	if len(diffs) == 0 {
		return ""
	}
	sort.Strings(diffs)
	return "bundle transfers disagree with expected payout: " + strings.Join(diffs, "; ")
}
