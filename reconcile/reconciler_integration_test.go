package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"

	"stakesettle/ledger"
	"stakesettle/logging"
	"stakesettle/match"
	"stakesettle/proposal"
	"stakesettle/vault"
)

// TestReconciler_Integration walks the drift scenarios against a live
// PostgreSQL (DATABASE_URL) with an in-memory ledger: signer sync and
// regression, the not-found grace window, receipt recovery, bundle
// verification, and the orphan walk.
func TestReconciler_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var schemaOK bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema='public' AND table_name='drift_findings')`).Scan(&schemaOK); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !schemaOK {
		t.Skip("database schema missing; apply migrations first")
	}

	nonce := time.Now().UnixNano()
	ms := testKey(0x51)
	feeWallet := testKey(0x52)
	playerA := testKey(0x53)
	playerB := testKey(0x54)
	signer1 := testKey(0x61).String()
	signer2 := testKey(0x62).String()

	fl := newFakeLedger()
	matches := match.NewRepository(pool)
	vaults := vault.NewRepository(pool)
	svc := proposal.NewService(pool, nil)
	store := proposal.NewStore(pool)

	rc := New(pool, fl, matches, vaults, Config{
		NotFoundGrace:    2 * time.Minute,
		MinInterval:      30 * time.Second,
		ActivityLookback: 10,
		OrphanScanSpan:   8,
		FeeWallet:        feeWallet.String(),
	}, logging.Disabled())

	if _, err := vaults.Register(ctx, vault.RegisterParams{
		Multisig:     ms.String(),
		VaultAddress: testKey(0x55).String(),
		Threshold:    2,
		Members:      []string{signer1, signer2, testKey(0x63).String()},
		Label:        fmt.Sprintf("rcn-itest-%d", nonce),
	}); err != nil {
		t.Fatalf("register vault: %v", err)
	}

	var matchIDs []string
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		for _, id := range matchIDs {
			pool.Exec(ctx2, `DELETE FROM drift_findings WHERE proposal_id IN (SELECT id FROM settlement_proposals WHERE match_id = $1)`, id)
			pool.Exec(ctx2, `DELETE FROM settlement_events WHERE proposal_id IN (SELECT id FROM settlement_proposals WHERE match_id = $1)`, id)
			pool.Exec(ctx2, `DELETE FROM settlement_proposals WHERE match_id = $1`, id)
			pool.Exec(ctx2, `DELETE FROM matches WHERE id = $1`, id)
		}
		pool.Exec(ctx2, `DELETE FROM drift_findings WHERE kind = 'ORPHANED_PROPOSAL' AND context->>'multisig' = $1`, ms.String())
		pool.Exec(ctx2, `DELETE FROM vaults WHERE multisig = $1`, ms.String())
		pool.Exec(ctx2, `DELETE FROM idempotency WHERE key LIKE 'rcn-itest-%'`)
	})

	nextIndex := uint64(1)
	newTracked := func(t *testing.T, scenario string) (string, proposal.Record, solana.PublicKey) {
		t.Helper()
		idx := nextIndex
		nextIndex++
		matchID := fmt.Sprintf("rcn-itest-%s-%d", scenario, nonce)
		matchIDs = append(matchIDs, matchID)
		if _, err := matches.Register(ctx, match.RegisterParams{
			ID:            matchID,
			Multisig:      ms.String(),
			StakeLamports: 1_000_000_000,
			PlayerA:       playerA.String(),
			PlayerB:       playerB.String(),
		}); err != nil {
			t.Fatalf("register match: %v", err)
		}
		ref, err := fl.ProposalRef(ms, idx)
		if err != nil {
			t.Fatalf("derive ref: %v", err)
		}
		rec, err := svc.Track(ctx, proposal.TrackRequest{
			MatchID:          matchID,
			Multisig:         ms.String(),
			ProposalRef:      ref.String(),
			TransactionIndex: idx,
			Kind:             proposal.KindPayout,
			IdempotencyKey:   fmt.Sprintf("rcn-itest-%s-%d", scenario, nonce),
		})
		if err != nil {
			t.Fatalf("track: %v", err)
		}
		return matchID, rec, ref
	}

	countEvents := func(t *testing.T, proposalID, eventType string) int {
		t.Helper()
		var n int
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM settlement_events WHERE proposal_id=$1 AND type=$2`, proposalID, eventType).Scan(&n); err != nil {
			t.Fatalf("count events: %v", err)
		}
		return n
	}
	countFindings := func(t *testing.T, proposalID string, kind FindingKind) int {
		t.Helper()
		var n int
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM drift_findings WHERE proposal_id=$1 AND kind=$2 AND status='OPEN'`, proposalID, string(kind)).Scan(&n); err != nil {
			t.Fatalf("count findings: %v", err)
		}
		return n
	}

	t.Run("heals status and signer drift both directions", func(t *testing.T) {
		matchID, rec, ref := newTracked(t, "drift")

		fl.setProposal(ledger.ProposalSnapshot{
			Ref:       ref,
			Multisig:  ms,
			Status:    ledger.NativeActive,
			Approvals: []solana.PublicKey{solana.MustPublicKeyFromBase58(signer1)},
			Threshold: 2,
		})
		out, err := rc.Reconcile(ctx, matchID, true)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if out.Classification != ClassHealed || out.New != proposal.StatusActive || len(out.AddedSigners) != 1 {
			t.Fatalf("expected heal to ACTIVE with one added signer, got %+v", out)
		}

		// Both players approve; the pass promotes. No outcome is recorded
		// yet, so bundle verification stays out of the way.
		fl.setProposal(ledger.ProposalSnapshot{
			Ref:       ref,
			Multisig:  ms,
			Status:    ledger.NativeApproved,
			Approvals: []solana.PublicKey{solana.MustPublicKeyFromBase58(signer1), solana.MustPublicKeyFromBase58(signer2)},
			Threshold: 2,
		})
		out, err = rc.Reconcile(ctx, matchID, true)
		if err != nil {
			t.Fatalf("promote: %v", err)
		}
		if out.New != proposal.StatusReadyToExecute || out.Classification != ClassHealed {
			t.Fatalf("expected promotion to READY_TO_EXECUTE, got %+v", out)
		}

		// Outcome lands and the on-ledger bundle agrees with the rebuilt
		// payout, so the ready state survives verification.
		if _, err := matches.RecordOutcome(ctx, matchID, match.OutcomeWin, playerA.String()); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
		fl.setBundle(ms, rec.TransactionIndex, []ledger.Transfer{
			{To: playerA, Lamports: 1_900_000_000},
			{To: feeWallet, Lamports: 100_000_000},
		})
		out, err = rc.Reconcile(ctx, matchID, true)
		if err != nil {
			t.Fatalf("verify bundle: %v", err)
		}
		if out.Classification != ClassInSync || out.New != proposal.StatusReadyToExecute {
			t.Fatalf("expected verified READY_TO_EXECUTE to stay in sync, got %+v", out)
		}

		// A signer is removed on the vault. The ledger-confirmed set wins
		// and the row regresses without a finding.
		fl.setProposal(ledger.ProposalSnapshot{
			Ref:       ref,
			Multisig:  ms,
			Status:    ledger.NativeApproved,
			Approvals: []solana.PublicKey{solana.MustPublicKeyFromBase58(signer1)},
			Threshold: 2,
		})
		out, err = rc.Reconcile(ctx, matchID, true)
		if err != nil {
			t.Fatalf("regress: %v", err)
		}
		if out.New != proposal.StatusActive || len(out.PurgedSigners) != 1 {
			t.Fatalf("expected regression to ACTIVE with one purged signer, got %+v", out)
		}
		if n := countEvents(t, rec.ID, "SIGNERS_PURGED"); n != 1 {
			t.Fatalf("expected one SIGNERS_PURGED event, got %d", n)
		}
		if n := countFindings(t, rec.ID, FindingBundleMismatch); n != 0 {
			t.Fatalf("signer purge must not create findings, got %d", n)
		}

		got, err := store.GetByID(ctx, rec.ID)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if got.Status != proposal.StatusActive || len(got.Signers) != 1 || got.Signers[0] != signer1 {
			t.Fatalf("row does not mirror the ledger: %+v", got)
		}
		if got.LastSyncedAt == nil {
			t.Fatal("expected the sync watermark to advance")
		}
	})

	t.Run("parks missing proposal after grace then heals on resolve", func(t *testing.T) {
		matchID, rec, ref := newTracked(t, "missing")

		// Freshly tracked and absent from the ledger: inside the grace
		// window nothing is written.
		out, err := rc.Reconcile(ctx, matchID, true)
		if err != nil {
			t.Fatalf("young miss: %v", err)
		}
		if out.Classification != ClassRetryable {
			t.Fatalf("expected RETRYABLE inside grace window, got %+v", out)
		}
		if got, _ := store.GetByID(ctx, rec.ID); got.LastSyncedAt != nil || got.Status != proposal.StatusPending {
			t.Fatalf("retryable pass must not write, got %+v", got)
		}

		// Same miss past the grace window parks with a finding.
		rc.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
		defer func() { rc.now = time.Now }()

		out, err = rc.Reconcile(ctx, matchID, true)
		if err != nil {
			t.Fatalf("aged miss: %v", err)
		}
		if out.Classification != ClassFatalMissing || out.New != proposal.StatusDriftUnresolved {
			t.Fatalf("expected FATAL_MISSING park, got %+v", out)
		}
		if n := countFindings(t, rec.ID, FindingFatalMissing); n != 1 {
			t.Fatalf("expected one open finding, got %d", n)
		}

		// Re-reconciling a parked row does not pile up findings.
		if _, err := rc.Reconcile(ctx, matchID, true); err != nil {
			t.Fatalf("re-reconcile parked: %v", err)
		}
		if n := countFindings(t, rec.ID, FindingFatalMissing); n != 1 {
			t.Fatalf("expected finding count to stay at one, got %d", n)
		}

		// Operator resolves with reopen; the proposal turns up on the
		// ledger and the next pass heals it.
		var findingID string
		if err := pool.QueryRow(ctx, `SELECT id FROM drift_findings WHERE proposal_id=$1 AND status='OPEN'`, rec.ID).Scan(&findingID); err != nil {
			t.Fatalf("load finding id: %v", err)
		}
		if _, err := rc.Findings().Resolve(ctx, findingID, "ops", "vault indexer caught up", true); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got, _ := store.GetByID(ctx, rec.ID); got.Status != proposal.StatusPending {
			t.Fatalf("resolve with reopen should return the row to PENDING, got %s", got.Status)
		}

		fl.setProposal(ledger.ProposalSnapshot{
			Ref:       ref,
			Multisig:  ms,
			Status:    ledger.NativeActive,
			Threshold: 2,
		})
		out, err = rc.Reconcile(ctx, matchID, true)
		if err != nil {
			t.Fatalf("heal after resolve: %v", err)
		}
		if out.Classification != ClassHealed || out.New != proposal.StatusActive {
			t.Fatalf("expected heal to ACTIVE after resolve, got %+v", out)
		}
	})

	t.Run("recovers receipt for execution observed on ledger", func(t *testing.T) {
		matchID, rec, ref := newTracked(t, "receipt")

		if _, err := matches.RecordOutcome(ctx, matchID, match.OutcomeWin, playerB.String()); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
		fl.setProposal(ledger.ProposalSnapshot{
			Ref:       ref,
			Multisig:  ms,
			Status:    ledger.NativeExecuted,
			Approvals: []solana.PublicKey{solana.MustPublicKeyFromBase58(signer1), solana.MustPublicKeyFromBase58(signer2)},
			Threshold: 2,
		})

		txRef, err := fl.TransactionRef(ms, rec.TransactionIndex)
		if err != nil {
			t.Fatalf("derive tx ref: %v", err)
		}
		var execSig, createSig, failSig [64]byte
		execSig[0], createSig[0], failSig[0] = 0xE1, 0xC1, 0xF1
		confirmedAt := time.Now().Add(-time.Minute).Truncate(time.Second)
		fl.setActivity(txRef, []ledger.ActivityRecord{
			{Signature: solana.SignatureFromBytes(failSig[:]), Slot: 903, Failed: true},
			{Signature: solana.SignatureFromBytes(execSig[:]), Slot: 902, BlockTime: &confirmedAt},
			{Signature: solana.SignatureFromBytes(createSig[:]), Slot: 880},
		})

		out, err := rc.Reconcile(ctx, matchID, true)
		if err != nil {
			t.Fatalf("reconcile executed: %v", err)
		}
		if out.Classification != ClassHealed || out.New != proposal.StatusExecuted {
			t.Fatalf("expected heal to EXECUTED, got %+v", out)
		}
		wantSig := solana.SignatureFromBytes(execSig[:]).String()
		if out.RecoveredReceipt == nil || out.RecoveredReceipt.Signature != wantSig {
			t.Fatalf("expected recovered receipt %s, got %+v", wantSig, out.RecoveredReceipt)
		}

		got, err := store.GetByID(ctx, rec.ID)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if got.Status != proposal.StatusExecuted || got.ExecutionSignature == nil || *got.ExecutionSignature != wantSig {
			t.Fatalf("receipt not persisted: %+v", got)
		}
		if got.ExecutedSlot == nil || *got.ExecutedSlot != 902 {
			t.Fatalf("expected executed slot 902, got %+v", got.ExecutedSlot)
		}
		m, err := matches.GetByID(ctx, matchID)
		if err != nil {
			t.Fatalf("load match: %v", err)
		}
		if m.State != match.StateSettled {
			t.Fatalf("expected match SETTLED, got %s", m.State)
		}
		if n := countEvents(t, rec.ID, "EXECUTION_OBSERVED"); n != 1 {
			t.Fatalf("expected one EXECUTION_OBSERVED event, got %d", n)
		}
	})

	t.Run("marks executed with finding when no receipt is recoverable", func(t *testing.T) {
		matchID, rec, ref := newTracked(t, "noreceipt")

		fl.setProposal(ledger.ProposalSnapshot{
			Ref:       ref,
			Multisig:  ms,
			Status:    ledger.NativeExecuted,
			Threshold: 2,
		})
		// No activity for the transaction account: history already aged
		// out of the node's index.

		out, err := rc.Reconcile(ctx, matchID, true)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if out.New != proposal.StatusExecuted || out.RecoveredReceipt != nil {
			t.Fatalf("expected EXECUTED without receipt, got %+v", out)
		}
		got, err := store.GetByID(ctx, rec.ID)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if got.Status != proposal.StatusExecuted || got.ExecutionSignature != nil {
			t.Fatalf("expected executed row with null signature, got %+v", got)
		}
		if n := countFindings(t, rec.ID, FindingReceiptUnknown); n != 1 {
			t.Fatalf("expected EXECUTED_RECEIPT_UNKNOWN finding, got %d", n)
		}
	})

	t.Run("parks bundle mismatch before execution", func(t *testing.T) {
		matchID, rec, ref := newTracked(t, "mismatch")

		if _, err := matches.RecordOutcome(ctx, matchID, match.OutcomeWin, playerA.String()); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
		fl.setProposal(ledger.ProposalSnapshot{
			Ref:       ref,
			Multisig:  ms,
			Status:    ledger.NativeApproved,
			Approvals: []solana.PublicKey{solana.MustPublicKeyFromBase58(signer1), solana.MustPublicKeyFromBase58(signer2)},
			Threshold: 2,
		})
		// The bundle routes the whole pot to the losing player.
		fl.setBundle(ms, rec.TransactionIndex, []ledger.Transfer{
			{To: playerB, Lamports: 2_000_000_000},
		})

		out, err := rc.Reconcile(ctx, matchID, true)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if out.Classification != ClassDriftUnresolved || out.New != proposal.StatusDriftUnresolved {
			t.Fatalf("expected BUNDLE_MISMATCH park, got %+v", out)
		}
		if n := countFindings(t, rec.ID, FindingBundleMismatch); n != 1 {
			t.Fatalf("expected bundle mismatch finding, got %d", n)
		}
		got, err := store.GetByID(ctx, rec.ID)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if got.Status != proposal.StatusDriftUnresolved {
			t.Fatalf("row must be parked, got %s", got.Status)
		}
	})

	t.Run("parks when execute-ready bundle is gone", func(t *testing.T) {
		matchID, rec, ref := newTracked(t, "nobundle")

		if _, err := matches.RecordOutcome(ctx, matchID, match.OutcomeTimeout, playerA.String()); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
		fl.setProposal(ledger.ProposalSnapshot{
			Ref:       ref,
			Multisig:  ms,
			Status:    ledger.NativeExecuteReady,
			Approvals: []solana.PublicKey{solana.MustPublicKeyFromBase58(signer1), solana.MustPublicKeyFromBase58(signer2)},
			Threshold: 2,
		})

		out, err := rc.Reconcile(ctx, matchID, true)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if out.Classification != ClassFatalMissing {
			t.Fatalf("expected FATAL_MISSING for vanished bundle, got %+v", out)
		}
		if n := countFindings(t, rec.ID, FindingFatalMissing); n != 1 {
			t.Fatalf("expected fatal finding, got %d", n)
		}
	})

	t.Run("orphan walk reports unknown proposals once", func(t *testing.T) {
		orphanIdx := nextIndex
		nextIndex++
		orphanRef, err := fl.ProposalRef(ms, orphanIdx)
		if err != nil {
			t.Fatalf("derive orphan ref: %v", err)
		}
		fl.setProposal(ledger.ProposalSnapshot{
			Ref:       orphanRef,
			Multisig:  ms,
			Status:    ledger.NativeActive,
			Threshold: 2,
		})
		fl.setVault(ledger.VaultState{
			Multisig:         ms,
			Threshold:        2,
			TransactionIndex: orphanIdx,
			Members: []solana.PublicKey{
				solana.MustPublicKeyFromBase58(signer1),
				solana.MustPublicKeyFromBase58(signer2),
			},
		})

		orphans, errs := rc.ScanOrphans(ctx)
		if len(errs) != 0 {
			t.Fatalf("unexpected scan errors: %v", errs)
		}
		found := false
		for _, o := range orphans {
			if o.Ref == orphanRef.String() {
				found = true
				if o.TransactionIndex != orphanIdx || o.Status != ledger.NativeActive {
					t.Fatalf("orphan details wrong: %+v", o)
				}
			}
		}
		if !found {
			t.Fatalf("orphan %s not reported in %+v", orphanRef, orphans)
		}

		var n int
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM drift_findings WHERE kind='ORPHANED_PROPOSAL' AND status='OPEN' AND context->>'ref'=$1`, orphanRef.String()).Scan(&n); err != nil {
			t.Fatalf("count orphan findings: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected one orphan finding, got %d", n)
		}

		// A second walk sees the same orphan but files nothing new.
		if _, errs := rc.ScanOrphans(ctx); len(errs) != 0 {
			t.Fatalf("second scan errors: %v", errs)
		}
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM drift_findings WHERE kind='ORPHANED_PROPOSAL' AND status='OPEN' AND context->>'ref'=$1`, orphanRef.String()).Scan(&n); err != nil {
			t.Fatalf("recount orphan findings: %v", err)
		}
		if n != 1 {
			t.Fatalf("orphan finding duplicated: %d", n)
		}

		// The vault registry cache picked up the ledger's threshold and
		// member set during the walk.
		v, err := vaults.GetByMultisig(ctx, ms.String())
		if err != nil {
			t.Fatalf("load vault: %v", err)
		}
		if v.Threshold != 2 || len(v.Members) != 2 {
			t.Fatalf("vault cache not refreshed: %+v", v)
		}
	})

	t.Run("adopt tracks a reviewed orphan and closes its finding", func(t *testing.T) {
		orphanIdx := nextIndex
		nextIndex++
		orphanRef, err := fl.ProposalRef(ms, orphanIdx)
		if err != nil {
			t.Fatalf("derive orphan ref: %v", err)
		}
		fl.setProposal(ledger.ProposalSnapshot{
			Ref:              orphanRef,
			Multisig:         ms,
			TransactionIndex: orphanIdx,
			Status:           ledger.NativeActive,
			Approvals:        []solana.PublicKey{solana.MustPublicKeyFromBase58(signer1)},
			Threshold:        2,
		})
		fl.setVault(ledger.VaultState{
			Multisig:         ms,
			Threshold:        2,
			TransactionIndex: orphanIdx,
			Members: []solana.PublicKey{
				solana.MustPublicKeyFromBase58(signer1),
				solana.MustPublicKeyFromBase58(signer2),
			},
		})

		matchID := fmt.Sprintf("rcn-itest-adopt-%d", nonce)
		matchIDs = append(matchIDs, matchID)
		if _, err := matches.Register(ctx, match.RegisterParams{
			ID:            matchID,
			Multisig:      ms.String(),
			StakeLamports: 1_000_000_000,
			PlayerA:       playerA.String(),
			PlayerB:       playerB.String(),
		}); err != nil {
			t.Fatalf("register match: %v", err)
		}
		t.Cleanup(func() {
			pool.Exec(context.Background(), `DELETE FROM idempotency WHERE key = $1`, "adopt:"+orphanRef.String())
		})

		if _, errs := rc.ScanOrphans(ctx); len(errs) != 0 {
			t.Fatalf("scan errors: %v", errs)
		}
		var n int
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM drift_findings WHERE kind='ORPHANED_PROPOSAL' AND status='OPEN' AND context->>'ref'=$1`, orphanRef.String()).Scan(&n); err != nil {
			t.Fatalf("count orphan findings: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected the walk to file one orphan finding, got %d", n)
		}

		// A proposal on a different vault must be refused no matter what
		// the operator claims.
		foreign := ledger.ProposalSnapshot{
			Ref:       testKey(0x7A),
			Multisig:  testKey(0x7B),
			Status:    ledger.NativeActive,
			Threshold: 2,
		}
		fl.setProposal(foreign)
		if _, err := rc.Adopt(ctx, AdoptParams{MatchID: matchID, ProposalRef: foreign.Ref.String(), Kind: proposal.KindPayout}); err == nil {
			t.Fatal("expected adopt to refuse a proposal from another vault")
		}

		out, err := rc.Adopt(ctx, AdoptParams{MatchID: matchID, ProposalRef: orphanRef.String(), Kind: proposal.KindRefund})
		if err != nil {
			t.Fatalf("adopt: %v", err)
		}
		if out.New != proposal.StatusActive || len(out.AddedSigners) != 1 {
			t.Fatalf("expected adopted row synced to ACTIVE with the ledger signer, got %+v", out)
		}

		rec, err := store.GetOpenByMatch(ctx, matchID)
		if err != nil {
			t.Fatalf("load adopted row: %v", err)
		}
		if rec.TransactionIndex != orphanIdx || rec.Kind != proposal.KindRefund {
			t.Fatalf("adopted row wrong: %+v", rec)
		}

		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM drift_findings WHERE kind='ORPHANED_PROPOSAL' AND status='OPEN' AND context->>'ref'=$1`, orphanRef.String()).Scan(&n); err != nil {
			t.Fatalf("recount orphan findings: %v", err)
		}
		if n != 0 {
			t.Fatalf("orphan finding still open after adopt: %d", n)
		}

		// Now tracked, the ref drops out of the walk entirely.
		orphans, errs := rc.ScanOrphans(ctx)
		if len(errs) != 0 {
			t.Fatalf("post-adopt scan errors: %v", errs)
		}
		for _, o := range orphans {
			if o.Ref == orphanRef.String() {
				t.Fatalf("adopted proposal still reported as orphan: %+v", o)
			}
		}
	})

	t.Run("batch reports partial failures without aborting", func(t *testing.T) {
		matchID, _, ref := newTracked(t, "batch")
		fl.failRef(ref, &ledger.TransientError{Op: "fetch proposal", Err: errors.New("node lagging")})
		defer fl.failRef(ref, nil)

		report, err := rc.ReconcileAll(ctx, 200)
		if err != nil {
			t.Fatalf("reconcile all: %v", err)
		}
		var sawFailure bool
		for _, me := range report.Errors {
			if me.MatchID == matchID && ledger.IsTransient(me.Err) {
				sawFailure = true
			}
		}
		if !sawFailure {
			t.Fatalf("expected %s in the error list, got %+v", matchID, report.Errors)
		}
		var sawOutcome bool
		for _, out := range report.Outcomes {
			if out.MatchID == matchID && out.Classification == ClassRetryable {
				sawOutcome = true
			}
		}
		if !sawOutcome {
			t.Fatal("expected a retryable outcome for the failing match")
		}
	})
}
