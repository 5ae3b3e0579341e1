package actors

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"stakesettle/execution"
	"stakesettle/ledger"
)

// executeTag prefixes the instruction data FakeLedger.BuildExecute emits, so
// Submit can recover which proposal a broadcast transaction targets.
const executeTag = "exec"

// FakeLedger is the in-memory chain shared by every actor in a stress run.
// It models the parts that matter under contention: approvals accumulate
// until a threshold, execution happens at most once per proposal, and the
// transaction history behind receipt recovery is written on execute. Fault
// rates inject the transport noise a real RPC endpoint produces.
type FakeLedger struct {
	// Fault probabilities, rolled per call. Set before the run starts;
	// they are read without locking.
	SubmitTransientRate float64
	SubmitRejectRate    float64
	ReadFaultRate       float64

	// DropActivityRate is the chance an execute lands without leaving a
	// signature in the account history, which forces the receipt-unknown
	// path when the confirming write is lost.
	DropActivityRate float64

	program solana.PublicKey

	mu           sync.Mutex
	rng          *rand.Rand
	proposals    map[string]*ledger.ProposalSnapshot
	bundles      map[string]*ledger.BundleSnapshot
	vaults       map[string]*ledger.VaultState
	activity     map[string][]ledger.ActivityRecord
	executed     map[string]bool
	approvedEver map[string]map[string]bool
	slot         uint64
	hashes       uint64
	sigs         uint64
}

var (
	_ ledger.Client          = (*FakeLedger)(nil)
	_ execution.LedgerClient = (*FakeLedger)(nil)
)

func NewFakeLedger(seed int64) *FakeLedger {
	return &FakeLedger{
		program:      synthKey("stress", "program"),
		rng:          rand.New(rand.NewSource(seed)),
		proposals:    map[string]*ledger.ProposalSnapshot{},
		bundles:      map[string]*ledger.BundleSnapshot{},
		vaults:       map[string]*ledger.VaultState{},
		activity:     map[string][]ledger.ActivityRecord{},
		executed:     map[string]bool{},
		approvedEver: map[string]map[string]bool{},
		slot:         1000,
	}
}

func synthKey(parts ...string) solana.PublicKey {
	sum := sha256.Sum256([]byte(strings.Join(parts, "/")))
	return solana.PublicKeyFromBytes(sum[:])
}

func proposalKey(multisig solana.PublicKey, index uint64) solana.PublicKey {
	return synthKey("proposal", multisig.String(), strconv.FormatUint(index, 10))
}

func transactionKey(multisig solana.PublicKey, index uint64) solana.PublicKey {
	return synthKey("transaction", multisig.String(), strconv.FormatUint(index, 10))
}

func bundleKey(multisig solana.PublicKey, index uint64) string {
	return multisig.String() + "/" + strconv.FormatUint(index, 10)
}

// NewKey returns a fresh address from the seeded stream, for players, vault
// members and fee wallets.
func (l *FakeLedger) NewKey() solana.PublicKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b [32]byte
	l.rng.Read(b[:])
	return solana.PublicKeyFromBytes(b[:])
}

// RegisterVault creates the multisig account the run settles through.
func (l *FakeLedger) RegisterVault(multisig solana.PublicKey, threshold int, members []solana.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.vaults[multisig.String()] = &ledger.VaultState{
		Multisig:  multisig,
		Threshold: threshold,
		Members:   append([]solana.PublicKey(nil), members...),
		Slot:      l.slot,
	}
}

// OpenProposal appends a proposal at the vault's next transaction index and
// returns its ref. The bundle is registered separately via SetBundle.
func (l *FakeLedger) OpenProposal(multisig solana.PublicKey) (solana.PublicKey, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.vaults[multisig.String()]
	if !ok {
		return solana.PublicKey{}, 0, fmt.Errorf("actors: vault %s not registered", multisig)
	}
	v.TransactionIndex++
	index := v.TransactionIndex
	ref := proposalKey(multisig, index)
	l.slot++
	l.proposals[ref.String()] = &ledger.ProposalSnapshot{
		Ref:              ref,
		Multisig:         multisig,
		TransactionIndex: index,
		Status:           ledger.NativeActive,
		Threshold:        v.Threshold,
		Slot:             l.slot,
	}
	return ref, index, nil
}

// SetBundle attaches the transfer set a proposal would replay on execution.
func (l *FakeLedger) SetBundle(multisig solana.PublicKey, index uint64, transfers []ledger.Transfer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slot++
	l.bundles[bundleKey(multisig, index)] = &ledger.BundleSnapshot{
		Ref:       transactionKey(multisig, index),
		Multisig:  multisig,
		Index:     index,
		Transfers: append([]ledger.Transfer(nil), transfers...),
		Slot:      l.slot,
	}
}

// Approve records one member approval. Reports false when the proposal is
// past voting or the member already signed.
func (l *FakeLedger) Approve(multisig solana.PublicKey, index uint64, member solana.PublicKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap, ok := l.proposals[proposalKey(multisig, index).String()]
	if !ok || !voting(snap.Status) {
		return false
	}
	for _, a := range snap.Approvals {
		if a.Equals(member) {
			return false
		}
	}
	snap.Approvals = append(snap.Approvals, member)
	key := bundleKey(multisig, index)
	if l.approvedEver[key] == nil {
		l.approvedEver[key] = map[string]bool{}
	}
	l.approvedEver[key][member.String()] = true
	if len(snap.Approvals) >= snap.Threshold {
		snap.Status = ledger.NativeApproved
	}
	l.slot++
	snap.Slot = l.slot
	return true
}

// Purge withdraws a member's approval, demoting an approved proposal back
// below threshold. Models signer rotation on the vault.
func (l *FakeLedger) Purge(multisig solana.PublicKey, index uint64, member solana.PublicKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap, ok := l.proposals[proposalKey(multisig, index).String()]
	if !ok || !voting(snap.Status) {
		return false
	}
	kept := snap.Approvals[:0]
	removed := false
	for _, a := range snap.Approvals {
		if a.Equals(member) {
			removed = true
			continue
		}
		kept = append(kept, a)
	}
	if !removed {
		return false
	}
	snap.Approvals = kept
	if snap.Status == ledger.NativeApproved && len(snap.Approvals) < snap.Threshold {
		snap.Status = ledger.NativeActive
	}
	l.slot++
	snap.Slot = l.slot
	return true
}

// RejectProposal flips a still-voting proposal to rejected.
func (l *FakeLedger) RejectProposal(multisig solana.PublicKey, index uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap, ok := l.proposals[proposalKey(multisig, index).String()]
	if !ok || !voting(snap.Status) {
		return false
	}
	snap.Status = ledger.NativeRejected
	l.slot++
	snap.Slot = l.slot
	return true
}

func voting(st ledger.NativeStatus) bool {
	return st == ledger.NativeActive || st == ledger.NativeApproved
}

// ProposalState is the slice of chain state the signer actor works from.
type ProposalState struct {
	Multisig  solana.PublicKey
	Index     uint64
	Status    ledger.NativeStatus
	Approvals int
	Threshold int
}

// Proposals lists every proposal ordered by vault and index.
func (l *FakeLedger) Proposals() []ProposalState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ProposalState, 0, len(l.proposals))
	for _, snap := range l.proposals {
		out = append(out, ProposalState{
			Multisig:  snap.Multisig,
			Index:     snap.TransactionIndex,
			Status:    snap.Status,
			Approvals: len(snap.Approvals),
			Threshold: snap.Threshold,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Multisig.Equals(out[j].Multisig) {
			return out[i].Multisig.String() < out[j].Multisig.String()
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// Executed reports whether the proposal at (multisig, index) has landed.
func (l *FakeLedger) Executed(multisig solana.PublicKey, index uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.executed[bundleKey(multisig, index)]
}

// EverApproved reports whether addr signed the proposal at (multisig,
// index) at any point. Approvals can be withdrawn again, so the
// cumulative set is what separates a stale local signer from an
// invented one.
func (l *FakeLedger) EverApproved(multisig solana.PublicKey, index uint64, addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.approvedEver[bundleKey(multisig, index)][addr]
}

func (l *FakeLedger) maybeReadFault(op string) error {
	if l.ReadFaultRate > 0 && l.rng.Float64() < l.ReadFaultRate {
		return &ledger.TransientError{Op: op, Err: errors.New("injected fault")}
	}
	return nil
}

func (l *FakeLedger) FetchProposal(ctx context.Context, ref solana.PublicKey) (*ledger.ProposalSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.maybeReadFault("getAccountInfo"); err != nil {
		return nil, err
	}
	snap, ok := l.proposals[ref.String()]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", ref, ledger.ErrNotFound)
	}
	cp := *snap
	cp.Approvals = append([]solana.PublicKey(nil), snap.Approvals...)
	cp.Rejections = append([]solana.PublicKey(nil), snap.Rejections...)
	cp.FetchedAt = time.Now()
	return &cp, nil
}

func (l *FakeLedger) FetchBundle(ctx context.Context, multisig solana.PublicKey, index uint64) (*ledger.BundleSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.maybeReadFault("getAccountInfo"); err != nil {
		return nil, err
	}
	b, ok := l.bundles[bundleKey(multisig, index)]
	if !ok {
		return nil, fmt.Errorf("bundle %s/%d: %w", multisig, index, ledger.ErrNotFound)
	}
	cp := *b
	cp.Transfers = append([]ledger.Transfer(nil), b.Transfers...)
	return &cp, nil
}

func (l *FakeLedger) FetchVaultState(ctx context.Context, multisig solana.PublicKey) (*ledger.VaultState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.maybeReadFault("getAccountInfo"); err != nil {
		return nil, err
	}
	v, ok := l.vaults[multisig.String()]
	if !ok {
		return nil, fmt.Errorf("multisig %s: %w", multisig, ledger.ErrNotFound)
	}
	cp := *v
	cp.Members = append([]solana.PublicKey(nil), v.Members...)
	return &cp, nil
}

func (l *FakeLedger) Simulate(ctx context.Context, tx *solana.Transaction) (*ledger.SimulationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.maybeReadFault("simulateTransaction"); err != nil {
		return nil, err
	}
	return &ledger.SimulationResult{Ok: true, UnitsConsumed: 5000}, nil
}

// Submit executes the targeted proposal at most once. A second broadcast for
// the same proposal is refused the way the chain refuses a replayed message,
// approvals below threshold are refused the way the program would refuse
// them, and the configured rates layer transport noise on top.
func (l *FakeLedger) Submit(ctx context.Context, tx *solana.Transaction) (*ledger.SubmitReceipt, error) {
	ms, index, err := l.decodeExecute(tx)
	if err != nil {
		return nil, &ledger.SubmitRejectedError{Reason: err.Error()}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.SubmitTransientRate > 0 && l.rng.Float64() < l.SubmitTransientRate {
		return nil, &ledger.TransientError{Op: "sendTransaction", Err: errors.New("injected timeout")}
	}

	snap, ok := l.proposals[proposalKey(ms, index).String()]
	if !ok {
		return nil, &ledger.SubmitRejectedError{Reason: fmt.Sprintf("unknown proposal %s/%d", ms, index)}
	}
	if l.executed[bundleKey(ms, index)] {
		return nil, &ledger.SubmitRejectedError{Reason: "transaction already processed"}
	}
	switch snap.Status {
	case ledger.NativeRejected, ledger.NativeCancelled:
		return nil, &ledger.SubmitRejectedError{Reason: fmt.Sprintf("proposal is %s", snap.Status)}
	}
	if len(snap.Approvals) < snap.Threshold {
		return nil, &ledger.SubmitRejectedError{Reason: "approval threshold not met"}
	}
	if l.SubmitRejectRate > 0 && l.rng.Float64() < l.SubmitRejectRate {
		return nil, &ledger.SubmitRejectedError{
			Reason: "injected program error",
			Logs:   []string{"Program log: stress rejection"},
		}
	}

	l.executed[bundleKey(ms, index)] = true
	l.slot++
	snap.Status = ledger.NativeExecuted
	snap.Slot = l.slot

	l.sigs++
	var sig solana.Signature
	binary.LittleEndian.PutUint64(sig[:8], l.sigs)
	now := time.Now()

	if !(l.DropActivityRate > 0 && l.rng.Float64() < l.DropActivityRate) {
		txRef := transactionKey(ms, index).String()
		l.activity[txRef] = append([]ledger.ActivityRecord{{
			Signature: sig,
			Slot:      l.slot,
			BlockTime: &now,
		}}, l.activity[txRef]...)
	}
	return &ledger.SubmitReceipt{Signature: sig, Slot: l.slot, ConfirmedAt: now}, nil
}

func (l *FakeLedger) RecentActivity(ctx context.Context, account solana.PublicKey, limit int) ([]ledger.ActivityRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.maybeReadFault("getSignaturesForAddress"); err != nil {
		return nil, err
	}
	history := l.activity[account.String()]
	if limit > 0 && limit < len(history) {
		history = history[:limit]
	}
	return append([]ledger.ActivityRecord(nil), history...), nil
}

func (l *FakeLedger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hashes++
	var h solana.Hash
	binary.LittleEndian.PutUint64(h[:8], l.hashes)
	return h, nil
}

func (l *FakeLedger) ProposalRef(multisig solana.PublicKey, index uint64) (solana.PublicKey, error) {
	return proposalKey(multisig, index), nil
}

func (l *FakeLedger) TransactionRef(multisig solana.PublicKey, index uint64) (solana.PublicKey, error) {
	return transactionKey(multisig, index), nil
}

// BuildExecute returns a synthetic execute instruction whose data names the
// proposal, so Submit can map the signed transaction back to chain state.
func (l *FakeLedger) BuildExecute(ctx context.Context, multisig solana.PublicKey, index uint64, member solana.PublicKey) (solana.Instruction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.bundles[bundleKey(multisig, index)]; !ok {
		return nil, fmt.Errorf("bundle %s/%d: %w", multisig, index, ledger.ErrNotFound)
	}
	data := make([]byte, 0, len(executeTag)+32+8)
	data = append(data, executeTag...)
	data = append(data, multisig.Bytes()...)
	data = binary.LittleEndian.AppendUint64(data, index)

	accounts := solana.AccountMetaSlice{
		solana.Meta(multisig),
		solana.Meta(proposalKey(multisig, index)).WRITE(),
		solana.Meta(member).SIGNER(),
	}
	return solana.NewInstruction(l.program, accounts, data), nil
}

func (l *FakeLedger) decodeExecute(tx *solana.Transaction) (solana.PublicKey, uint64, error) {
	keys := tx.Message.AccountKeys
	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) || !keys[ix.ProgramIDIndex].Equals(l.program) {
			continue
		}
		data := []byte(ix.Data)
		if len(data) != len(executeTag)+32+8 || string(data[:len(executeTag)]) != executeTag {
			continue
		}
		ms := solana.PublicKeyFromBytes(data[len(executeTag) : len(executeTag)+32])
		index := binary.LittleEndian.Uint64(data[len(executeTag)+32:])
		return ms, index, nil
	}
	return solana.PublicKey{}, 0, errors.New("no execute instruction in transaction")
}
