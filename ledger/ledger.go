// Package ledger is the engine's only network boundary: a read-mostly client
// for the external chain holding the multisig vaults. Everything above it
// (reconciler, execution coordinator) consumes the snapshot types defined
// here and never touches RPC wire types directly.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
)

// NativeStatus is the proposal state vocabulary as the chain reports it,
// before normalization into the local lifecycle enum. Unknown values are
// preserved verbatim so the normalizer can refuse them explicitly.
type NativeStatus string

const (
	NativeDraft        NativeStatus = "draft"
	NativeActive       NativeStatus = "active"
	NativeApproved     NativeStatus = "approved"
	NativeExecuteReady NativeStatus = "executeReady"
	NativeExecuting    NativeStatus = "executing"
	NativeExecuted     NativeStatus = "executed"
	NativeRejected     NativeStatus = "rejected"
	NativeCancelled    NativeStatus = "cancelled"
)

// ProposalSnapshot is the chain's current view of one payout/refund proposal.
type ProposalSnapshot struct {
	Ref              solana.PublicKey
	Multisig         solana.PublicKey
	TransactionIndex uint64
	Status           NativeStatus
	// Approvals is the ledger-confirmed signer set. This is authoritative:
	// the reconciler purges any locally recorded signer missing from it.
	Approvals  []solana.PublicKey
	Rejections []solana.PublicKey
	Threshold  int
	Slot       uint64
	FetchedAt  time.Time
}

// Transfer is one lamport movement decoded from a proposal's instruction
// bundle. Used to verify the bundle pays out what the match outcome implies.
type Transfer struct {
	To       solana.PublicKey
	Lamports uint64
}

// BundleSnapshot is the chain's view of the transaction bundle underlying a
// proposal. A proposal whose bundle has vanished can never execute.
type BundleSnapshot struct {
	Ref         solana.PublicKey
	Multisig    solana.PublicKey
	Index       uint64
	VaultIndex  uint8
	AccountKeys []solana.PublicKey
	Transfers   []Transfer
	Slot        uint64
}

// VaultState is the multisig account summary used by the orphan walk and by
// threshold-sensitive normalization.
type VaultState struct {
	Multisig         solana.PublicKey
	Threshold        int
	TransactionIndex uint64
	Members          []solana.PublicKey
	Slot             uint64
}

// SimulationResult reports a dry run of the execution transaction.
type SimulationResult struct {
	Ok            bool
	Err           string
	Logs          []string
	UnitsConsumed uint64
}

// SubmitReceipt is returned once a broadcast transaction reaches the
// configured commitment level.
type SubmitReceipt struct {
	Signature   solana.Signature
	Slot        uint64
	ConfirmedAt time.Time
}

// ActivityRecord is one historical signature touching an account, used only
// for forensic receipt recovery.
type ActivityRecord struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime *time.Time
	Failed    bool
}

// Client is the boundary contract. Implementations are read-only except
// Submit. All calls honor ctx deadlines; a deadline hit surfaces as a
// transient error, never as NotFound.
type Client interface {
	// FetchProposal loads the proposal account at ref plus its multisig's
	// threshold. Returns ErrNotFound when the account does not exist at the
	// queried commitment; the caller disambiguates visibility lag from
	// genuine absence using the record's age.
	FetchProposal(ctx context.Context, ref solana.PublicKey) (*ProposalSnapshot, error)

	// FetchBundle loads the transaction bundle for (multisig, index).
	FetchBundle(ctx context.Context, multisig solana.PublicKey, index uint64) (*BundleSnapshot, error)

	// FetchVaultState loads the multisig account itself.
	FetchVaultState(ctx context.Context, multisig solana.PublicKey) (*VaultState, error)

	// Simulate dry-runs tx without broadcasting. A program-level rejection
	// comes back as SimulationResult.Ok == false, not as an error; errors are
	// reserved for transport failures.
	Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error)

	// Submit broadcasts tx and waits for confirmation at the configured
	// commitment. Once broadcast it is never cancelled client-side; callers
	// get either a receipt, a *SubmitRejectedError (the chain refused it), or
	// a transient transport error.
	Submit(ctx context.Context, tx *solana.Transaction) (*SubmitReceipt, error)

	// RecentActivity lists up to limit recent signatures touching account,
	// newest first.
	RecentActivity(ctx context.Context, account solana.PublicKey, limit int) ([]ActivityRecord, error)

	// LatestBlockhash returns a fresh blockhash for transaction building.
	LatestBlockhash(ctx context.Context) (solana.Hash, error)

	// ProposalRef derives the proposal account address for a vault and
	// transaction index. Pure computation, no network.
	ProposalRef(multisig solana.PublicKey, index uint64) (solana.PublicKey, error)

	// TransactionRef derives the transaction bundle account address for a
	// vault and transaction index. Pure computation, no network.
	TransactionRef(multisig solana.PublicKey, index uint64) (solana.PublicKey, error)
}

// ErrNotFound reports that the queried account does not exist at the
// requested commitment. Under eventual consistency this can mean "not yet
// visible", so callers must apply their own grace-window policy.
var ErrNotFound = errors.New("ledger: not found")

// TransientError wraps transport-level failures (timeouts, rate limits, node
// lag) that are safe to retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return "ledger: transient " + e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable at the RPC boundary.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// SubmitRejectedError reports that the chain itself refused the transaction
// (program error, expired or already-processed message). It is terminal for
// the attempt loop: retrying the identical transaction cannot succeed.
type SubmitRejectedError struct {
	Reason string
	Logs   []string
}

func (e *SubmitRejectedError) Error() string { return "ledger: submit rejected: " + e.Reason }
