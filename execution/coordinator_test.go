package execution

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"stakesettle/ledger"
	"stakesettle/lock"
	"stakesettle/proposal"
	"stakesettle/reconcile"
)

func testKey(fill byte) solana.PublicKey {
	var b [32]byte
	for i := range b {
		b[i] = fill
	}
	return solana.PublicKeyFromBytes(b[:])
}

func testSignature(fill byte) solana.Signature {
	var b [64]byte
	for i := range b {
		b[i] = fill
	}
	return solana.SignatureFromBytes(b[:])
}

func readyRecord(matchID string) proposal.Record {
	return proposal.Record{
		ID:               "prop-" + matchID,
		MatchID:          matchID,
		Multisig:         testKey(0x11).String(),
		ProposalRef:      testKey(0x22).String(),
		TransactionIndex: 7,
		Kind:             proposal.KindPayout,
		Status:           proposal.StatusReadyToExecute,
		Signers:          []string{testKey(0x31).String(), testKey(0x32).String()},
		Threshold:        2,
		CreatedAt:        time.Now().Add(-time.Minute),
	}
}

type stubStore struct {
	mu       sync.Mutex
	records  map[string]proposal.Record
	claims   []string
	releases []string
	attempts int
}

func newStubStore(recs ...proposal.Record) *stubStore {
	s := &stubStore{records: map[string]proposal.Record{}}
	for _, r := range recs {
		s.records[r.MatchID] = r
	}
	return s
}

func (s *stubStore) GetOpenByMatch(ctx context.Context, matchID string) (proposal.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[matchID]
	if !ok || rec.Status.Terminal() {
		return proposal.Record{}, proposal.ErrNotFound
	}
	return rec, nil
}

func (s *stubStore) ListByMatch(ctx context.Context, matchID string) ([]proposal.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[matchID]; ok {
		return []proposal.Record{rec}, nil
	}
	return nil, nil
}

func (s *stubStore) ClaimExecution(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for matchID, rec := range s.records {
		if rec.ID != id {
			continue
		}
		if rec.Status != proposal.StatusReadyToExecute {
			return proposal.ErrNotClaimable
		}
		rec.Status = proposal.StatusExecuting
		s.records[matchID] = rec
		s.claims = append(s.claims, id)
		return nil
	}
	return proposal.ErrNotClaimable
}

func (s *stubStore) ReleaseExecution(ctx context.Context, id string, to proposal.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for matchID, rec := range s.records {
		if rec.ID != id {
			continue
		}
		if rec.Status != proposal.StatusExecuting {
			return proposal.ErrNotClaimable
		}
		rec.Status = to
		s.records[matchID] = rec
		s.releases = append(s.releases, id)
		return nil
	}
	return proposal.ErrNotClaimable
}

func (s *stubStore) RecordAttempt(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return nil
}

func (s *stubStore) setStatus(matchID string, st proposal.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[matchID]
	rec.Status = st
	s.records[matchID] = rec
}

type stubRecon struct {
	mu     sync.Mutex
	out    reconcile.Outcome
	err    error
	calls  int
	onCall func()
}

func (r *stubRecon) Reconcile(ctx context.Context, matchID string, force bool) (reconcile.Outcome, error) {
	r.mu.Lock()
	r.calls++
	fn := r.onCall
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
	return r.out, r.err
}

type submitResult struct {
	rcpt *ledger.SubmitReceipt
	err  error
}

type stubLedger struct {
	mu      sync.Mutex
	simOut  *ledger.SimulationResult
	simErr  error
	queue   []submitResult
	submits []*solana.Transaction
	hashes  int

	// gate, when set, blocks Submit until closed; started is closed once
	// the first Submit begins. Used to script interleavings.
	gate    chan struct{}
	started chan struct{}
}

func newStubLedger(results ...submitResult) *stubLedger {
	return &stubLedger{
		simOut: &ledger.SimulationResult{Ok: true},
		queue:  results,
	}
}

func (l *stubLedger) BuildExecute(ctx context.Context, multisig solana.PublicKey, index uint64, member solana.PublicKey) (solana.Instruction, error) {
	accounts := solana.AccountMetaSlice{
		solana.Meta(multisig),
		solana.Meta(member).SIGNER(),
	}
	return solana.NewInstruction(testKey(0x77), accounts, []byte{0x01}), nil
}

func (l *stubLedger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hashes++
	var h solana.Hash
	h[0] = byte(l.hashes)
	return h, nil
}

func (l *stubLedger) Simulate(ctx context.Context, tx *solana.Transaction) (*ledger.SimulationResult, error) {
	return l.simOut, l.simErr
}

func (l *stubLedger) Submit(ctx context.Context, tx *solana.Transaction) (*ledger.SubmitReceipt, error) {
	l.mu.Lock()
	if l.started != nil {
		close(l.started)
		l.started = nil
	}
	gate := l.gate
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits = append(l.submits, tx)
	if len(l.queue) == 0 {
		return nil, fmt.Errorf("stubLedger: no scripted submit result")
	}
	res := l.queue[0]
	l.queue = l.queue[1:]
	return res.rcpt, res.err
}

type stubReceipts struct {
	mu        sync.Mutex
	recordErr error
	receipts  map[string]proposal.Receipt
	parked    []string
	events    []string
}

func newStubReceipts() *stubReceipts {
	return &stubReceipts{receipts: map[string]proposal.Receipt{}}
}

func (r *stubReceipts) RecordReceipt(ctx context.Context, tx pgx.Tx, id string, rcpt proposal.Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recordErr != nil {
		return r.recordErr
	}
	r.receipts[id] = rcpt
	return nil
}

func (r *stubReceipts) Park(ctx context.Context, tx pgx.Tx, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parked = append(r.parked, id)
	return nil
}

func (r *stubReceipts) AppendEvent(ctx context.Context, tx pgx.Tx, proposalID, eventType string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return nil
}

type stubSettler struct {
	mu      sync.Mutex
	settled []string
	err     error
}

func (s *stubSettler) MarkSettled(ctx context.Context, tx pgx.Tx, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.settled = append(s.settled, matchID)
	return nil
}

type stubFindings struct {
	mu      sync.Mutex
	created []reconcile.CreateParams
}

func (f *stubFindings) CreateTx(ctx context.Context, tx pgx.Tx, params reconcile.CreateParams) (reconcile.Finding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, params)
	return reconcile.Finding{ID: "finding-1", Kind: params.Kind}, nil
}

type fakePool struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) committed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tx := range f.txs {
		if tx.committed {
			n++
		}
	}
	return n
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type fixture struct {
	store    *stubStore
	recon    *stubRecon
	ld       *stubLedger
	receipts *stubReceipts
	settler  *stubSettler
	finds    *stubFindings
	pool     *fakePool
	locker   *lock.MemoryLocker
	coord    *Coordinator

	mu     sync.Mutex
	sleeps []time.Duration
}

func newFixture(cfg Config, rec proposal.Record, ld *stubLedger) *fixture {
	f := &fixture{
		store:    newStubStore(rec),
		recon:    &stubRecon{},
		ld:       ld,
		receipts: newStubReceipts(),
		settler:  &stubSettler{},
		finds:    &stubFindings{},
		pool:     &fakePool{},
		locker:   lock.NewMemoryLocker(),
	}
	f.recon.out = reconcile.Outcome{
		MatchID:        rec.MatchID,
		ProposalID:     rec.ID,
		Prior:          rec.Status,
		New:            proposal.StatusReadyToExecute,
		Classification: reconcile.ClassInSync,
	}

	signer, _ := solana.NewRandomPrivateKey()
	f.coord = NewCoordinator(Deps{
		Pool:       f.pool,
		Store:      f.store,
		Repo:       f.receipts,
		Matches:    f.settler,
		Findings:   f.finds,
		Reconciler: f.recon,
		Ledger:     f.ld,
		Locker:     f.locker,
		Signer:     signer,
	}, cfg)
	f.coord.sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return nil
	}
	return f
}

// unitPrice digs the compute unit price out of a submitted transaction so
// escalation can be asserted per attempt.
func unitPrice(t *testing.T, tx *solana.Transaction) uint64 {
	t.Helper()
	for _, ix := range tx.Message.Instructions {
		prog, err := tx.Message.Program(ix.ProgramIDIndex)
		if err != nil || !prog.Equals(computebudget.ProgramID) {
			continue
		}
		if len(ix.Data) == 9 && ix.Data[0] == byte(computebudget.Instruction_SetComputeUnitPrice) {
			return binary.LittleEndian.Uint64(ix.Data[1:])
		}
	}
	t.Fatalf("no compute unit price instruction in transaction")
	return 0
}

func TestTryExecute_ConfirmsFirstAttempt(t *testing.T) {
	rec := readyRecord("m-first")
	confirmed := time.Now()
	ld := newStubLedger(submitResult{rcpt: &ledger.SubmitReceipt{
		Signature:   testSignature(0xAA),
		Slot:        4242,
		ConfirmedAt: confirmed,
	}})
	f := newFixture(Config{}, rec, ld)

	out, err := f.coord.TryExecute(context.Background(), rec.MatchID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Result != ResultExecuted {
		t.Fatalf("expected EXECUTED, got %s (%s)", out.Result, out.Reason)
	}
	if out.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", out.Attempts)
	}
	if out.Signature != testSignature(0xAA).String() || out.Slot != 4242 {
		t.Errorf("unexpected receipt on outcome: %s @ %d", out.Signature, out.Slot)
	}
	rcpt, ok := f.receipts.receipts[rec.ID]
	if !ok || rcpt.Slot != 4242 {
		t.Errorf("expected recorded receipt at slot 4242, got %+v", rcpt)
	}
	if len(f.settler.settled) != 1 || f.settler.settled[0] != rec.MatchID {
		t.Errorf("expected match marked settled, got %v", f.settler.settled)
	}
	if len(f.receipts.events) != 1 || f.receipts.events[0] != "EXECUTION_CONFIRMED" {
		t.Errorf("expected EXECUTION_CONFIRMED event, got %v", f.receipts.events)
	}
	if f.pool.committed() != 1 {
		t.Errorf("expected exactly one committed tx, got %d", f.pool.committed())
	}
	if len(f.store.claims) != 1 || len(f.store.releases) != 0 {
		t.Errorf("expected a retained claim, got claims=%v releases=%v", f.store.claims, f.store.releases)
	}
}

func TestTryExecute_EscalatesFeesAcrossRetries(t *testing.T) {
	rec := readyRecord("m-retry")
	transient := &ledger.TransientError{Op: "submit", Err: errors.New("node behind")}
	ld := newStubLedger(
		submitResult{err: transient},
		submitResult{err: transient},
		submitResult{rcpt: &ledger.SubmitReceipt{Signature: testSignature(0xBB), Slot: 99, ConfirmedAt: time.Now()}},
	)
	cfg := Config{MaxAttempts: 3, BackoffBase: 10 * time.Millisecond, PriorityFeeBase: 1000, PriorityFeeStep: 500}
	f := newFixture(cfg, rec, ld)

	out, err := f.coord.TryExecute(context.Background(), rec.MatchID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Result != ResultExecuted || out.Attempts != 3 {
		t.Fatalf("expected EXECUTED after 3 attempts, got %s after %d", out.Result, out.Attempts)
	}
	if len(ld.submits) != 3 {
		t.Fatalf("expected 3 broadcasts, got %d", len(ld.submits))
	}
	for i, want := range []uint64{1000, 1500, 2000} {
		if got := unitPrice(t, ld.submits[i]); got != want {
			t.Errorf("attempt %d: expected unit price %d, got %d", i+1, want, got)
		}
	}
	if len(f.sleeps) != 2 || f.sleeps[0] != 10*time.Millisecond || f.sleeps[1] != 20*time.Millisecond {
		t.Errorf("expected doubling backoff [10ms 20ms], got %v", f.sleeps)
	}
	if f.store.attempts != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", f.store.attempts)
	}
}

func TestTryExecute_LockContention(t *testing.T) {
	rec := readyRecord("m-locked")
	f := newFixture(Config{}, rec, newStubLedger())

	held, err := f.locker.Acquire(context.Background(), lockKey(rec.MatchID), time.Minute)
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer held.Release(context.Background())

	out, err := f.coord.TryExecute(context.Background(), rec.MatchID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Result != ResultAlreadyInProgress {
		t.Fatalf("expected ALREADY_IN_PROGRESS, got %s", out.Result)
	}
	if f.recon.calls != 0 {
		t.Errorf("expected no reconcile behind a held lock, got %d calls", f.recon.calls)
	}
	if len(f.ld.submits) != 0 {
		t.Errorf("expected no broadcasts, got %d", len(f.ld.submits))
	}
}

func TestTryExecute_DetectsConcurrentExecution(t *testing.T) {
	rec := readyRecord("m-raced")
	f := newFixture(Config{}, rec, newStubLedger())
	f.recon.out = reconcile.Outcome{
		MatchID:    rec.MatchID,
		ProposalID: rec.ID,
		Prior:      proposal.StatusReadyToExecute,
		New:        proposal.StatusExecuted,
		RecoveredReceipt: &proposal.Receipt{
			Signature: testSignature(0xCC).String(),
			Slot:      777,
		},
		Classification: reconcile.ClassHealed,
	}

	out, err := f.coord.TryExecute(context.Background(), rec.MatchID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Result != ResultAlreadyExecuted {
		t.Fatalf("expected ALREADY_EXECUTED, got %s", out.Result)
	}
	if out.Signature != testSignature(0xCC).String() || out.Slot != 777 {
		t.Errorf("expected recovered receipt on outcome, got %s @ %d", out.Signature, out.Slot)
	}
	if len(f.store.claims) != 0 || len(f.ld.submits) != 0 {
		t.Errorf("expected no claim and no broadcast, got claims=%v submits=%d", f.store.claims, len(f.ld.submits))
	}
}

func TestTryExecute_RegressionAbortsBeforeClaim(t *testing.T) {
	rec := readyRecord("m-regressed")
	f := newFixture(Config{}, rec, newStubLedger())
	f.recon.out = reconcile.Outcome{
		MatchID:        rec.MatchID,
		ProposalID:     rec.ID,
		Prior:          proposal.StatusReadyToExecute,
		New:            proposal.StatusActive,
		PurgedSigners:  []string{testKey(0x31).String()},
		Classification: reconcile.ClassHealed,
		Note:           "1 signer purged",
	}

	out, err := f.coord.TryExecute(context.Background(), rec.MatchID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Result != ResultNoLongerEligible {
		t.Fatalf("expected NO_LONGER_ELIGIBLE, got %s", out.Result)
	}
	if !strings.Contains(out.Reason, "ACTIVE") {
		t.Errorf("expected reason to carry the demoted status, got %q", out.Reason)
	}
	if len(f.store.claims) != 0 {
		t.Errorf("expected no claim after regression, got %v", f.store.claims)
	}
}

func TestTryExecute_SimulationRejection(t *testing.T) {
	rec := readyRecord("m-sim")
	ld := newStubLedger()
	ld.simOut = &ledger.SimulationResult{Ok: false, Err: "custom program error: 0x1771"}
	f := newFixture(Config{}, rec, ld)

	out, err := f.coord.TryExecute(context.Background(), rec.MatchID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Result != ResultConstructionRejected {
		t.Fatalf("expected CONSTRUCTION_REJECTED, got %s", out.Result)
	}
	if out.Reason != "custom program error: 0x1771" {
		t.Errorf("expected the simulator error as reason, got %q", out.Reason)
	}
	if len(ld.submits) != 0 {
		t.Errorf("expected no broadcast after failed simulation, got %d", len(ld.submits))
	}
	if len(f.store.releases) != 1 {
		t.Errorf("expected claim released back to READY_TO_EXECUTE, got %v", f.store.releases)
	}
	if len(f.receipts.parked) != 0 {
		t.Errorf("expected no park on simulation failure, got %v", f.receipts.parked)
	}
	if f.store.attempts != 0 {
		t.Errorf("simulation must not consume broadcast attempts, counted %d", f.store.attempts)
	}
}

func TestTryExecute_SubmitRejectionParks(t *testing.T) {
	rec := readyRecord("m-rejected")
	ld := newStubLedger(submitResult{err: &ledger.SubmitRejectedError{
		Reason: "Error processing Instruction 2",
		Logs:   []string{"Program log: not execute ready"},
	}})
	f := newFixture(Config{MaxAttempts: 3}, rec, ld)

	out, err := f.coord.TryExecute(context.Background(), rec.MatchID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Result != ResultSubmitRejected {
		t.Fatalf("expected SUBMIT_REJECTED, got %s", out.Result)
	}
	if len(ld.submits) != 1 {
		t.Errorf("on-ledger rejection must not retry, got %d broadcasts", len(ld.submits))
	}
	if len(f.receipts.parked) != 1 || f.receipts.parked[0] != rec.ID {
		t.Errorf("expected row parked, got %v", f.receipts.parked)
	}
	if len(f.finds.created) != 1 || f.finds.created[0].Kind != reconcile.FindingExecutionRejected {
		t.Fatalf("expected EXECUTION_REJECTED finding, got %+v", f.finds.created)
	}
	if f.finds.created[0].Detail != "Error processing Instruction 2" {
		t.Errorf("expected rejection reason as finding detail, got %q", f.finds.created[0].Detail)
	}
	if len(f.receipts.events) != 1 || f.receipts.events[0] != "EXECUTION_REJECTED" {
		t.Errorf("expected EXECUTION_REJECTED event, got %v", f.receipts.events)
	}
	if len(f.store.releases) != 0 {
		t.Errorf("parked row must not be released to READY, got %v", f.store.releases)
	}
	if f.pool.committed() != 1 {
		t.Errorf("expected the park committed, got %d commits", f.pool.committed())
	}
}

func TestTryExecute_ExhaustsRetries(t *testing.T) {
	rec := readyRecord("m-exhausted")
	transient := &ledger.TransientError{Op: "submit", Err: errors.New("rate limited")}
	ld := newStubLedger(submitResult{err: transient}, submitResult{err: transient})
	f := newFixture(Config{MaxAttempts: 2, BackoffBase: time.Millisecond}, rec, ld)

	out, err := f.coord.TryExecute(context.Background(), rec.MatchID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Result != ResultExhaustedRetries {
		t.Fatalf("expected EXHAUSTED_RETRIES, got %s", out.Result)
	}
	if out.Attempts != 2 || len(ld.submits) != 2 {
		t.Errorf("expected 2 broadcasts, got attempts=%d submits=%d", out.Attempts, len(ld.submits))
	}
	if out.Reason == "" {
		t.Errorf("expected the last error surfaced as reason")
	}
	if len(f.store.releases) != 1 {
		t.Errorf("expected claim released for a later sweep, got %v", f.store.releases)
	}
	rec2, err := f.store.GetOpenByMatch(context.Background(), rec.MatchID)
	if err != nil || rec2.Status != proposal.StatusReadyToExecute {
		t.Errorf("expected row back at READY_TO_EXECUTE, got %s err=%v", rec2.Status, err)
	}
}

func TestTryExecute_NotEligible(t *testing.T) {
	rec := readyRecord("m-active")
	rec.Status = proposal.StatusActive
	f := newFixture(Config{}, rec, newStubLedger())

	out, err := f.coord.TryExecute(context.Background(), rec.MatchID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Result != ResultNotEligible {
		t.Fatalf("expected NOT_ELIGIBLE, got %s", out.Result)
	}
	if f.recon.calls != 0 {
		t.Errorf("status gate must precede any ledger traffic, reconcile ran %d times", f.recon.calls)
	}
}

func TestTryExecute_NoOpenProposal(t *testing.T) {
	f := newFixture(Config{}, readyRecord("m-other"), newStubLedger())

	out, err := f.coord.TryExecute(context.Background(), "m-unknown")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Result != ResultNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", out.Result)
	}
}

func TestTryExecute_SettledMatchReportsAlreadyExecuted(t *testing.T) {
	rec := readyRecord("m-done")
	rec.Status = proposal.StatusExecuted
	sig := testSignature(0xDD).String()
	slot := int64(1234)
	rec.ExecutionSignature = &sig
	rec.ExecutedSlot = &slot
	f := newFixture(Config{}, rec, newStubLedger())

	out, err := f.coord.TryExecute(context.Background(), rec.MatchID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Result != ResultAlreadyExecuted {
		t.Fatalf("expected ALREADY_EXECUTED, got %s", out.Result)
	}
	if out.Signature != sig || out.Slot != 1234 {
		t.Errorf("expected stored receipt surfaced, got %s @ %d", out.Signature, out.Slot)
	}
}

func TestTryExecute_ReceiptRaceYieldsAlreadyExecuted(t *testing.T) {
	rec := readyRecord("m-receipt-race")
	ld := newStubLedger(submitResult{rcpt: &ledger.SubmitReceipt{
		Signature: testSignature(0xEE), Slot: 55, ConfirmedAt: time.Now(),
	}})
	f := newFixture(Config{}, rec, ld)
	f.receipts.recordErr = proposal.ErrReceiptRecorded

	out, err := f.coord.TryExecute(context.Background(), rec.MatchID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Result != ResultAlreadyExecuted {
		t.Fatalf("expected ALREADY_EXECUTED on receipt race, got %s", out.Result)
	}
	if f.pool.committed() != 0 {
		t.Errorf("losing receipt write must roll back, got %d commits", f.pool.committed())
	}
}

func TestTryExecute_ResumesInterruptedClaim(t *testing.T) {
	rec := readyRecord("m-stuck")
	rec.Status = proposal.StatusExecuting
	ld := newStubLedger(submitResult{rcpt: &ledger.SubmitReceipt{
		Signature: testSignature(0xAB), Slot: 61, ConfirmedAt: time.Now(),
	}})
	f := newFixture(Config{}, rec, ld)
	// The forced sync is what returns a crashed worker's EXECUTING row to
	// READY_TO_EXECUTE when the ledger still allows execution.
	f.recon.onCall = func() { f.store.setStatus(rec.MatchID, proposal.StatusReadyToExecute) }
	f.recon.out.Prior = proposal.StatusExecuting
	f.recon.out.Classification = reconcile.ClassHealed

	out, err := f.coord.TryExecute(context.Background(), rec.MatchID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Result != ResultExecuted {
		t.Fatalf("expected EXECUTED after resume, got %s (%s)", out.Result, out.Reason)
	}
	if len(f.store.claims) != 1 {
		t.Errorf("expected a fresh claim after the sync released the row, got %v", f.store.claims)
	}
}

func TestTryExecute_AtMostOnceUnderContention(t *testing.T) {
	rec := readyRecord("m-contended")
	ld := newStubLedger(submitResult{rcpt: &ledger.SubmitReceipt{
		Signature: testSignature(0xF0), Slot: 88, ConfirmedAt: time.Now(),
	}})
	gate := make(chan struct{})
	started := make(chan struct{})
	ld.gate, ld.started = gate, started
	f := newFixture(Config{}, rec, ld)

	var winner Outcome
	var winnerErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		winner, winnerErr = f.coord.TryExecute(context.Background(), rec.MatchID)
	}()

	<-started
	loser, err := f.coord.TryExecute(context.Background(), rec.MatchID)
	if err != nil {
		t.Fatalf("contender: expected nil error, got %v", err)
	}
	close(gate)
	<-done

	if winnerErr != nil {
		t.Fatalf("winner: expected nil error, got %v", winnerErr)
	}
	if winner.Result != ResultExecuted {
		t.Errorf("expected winner EXECUTED, got %s", winner.Result)
	}
	if loser.Result != ResultAlreadyInProgress {
		t.Errorf("expected loser ALREADY_IN_PROGRESS, got %s", loser.Result)
	}
	if len(ld.submits) != 1 {
		t.Errorf("expected exactly one broadcast, got %d", len(ld.submits))
	}
}
