// Package execution drives authorized proposals through the irreversible
// step: building, simulating and broadcasting the ledger execute transaction,
// then persisting the receipt exactly once. Every entry point re-reconciles
// against the ledger before acting; cached local status is never trusted for
// a broadcast.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"

	"stakesettle/ledger"
	"stakesettle/proposal"
	"stakesettle/reconcile"
)

// Result is the typed verdict of one TryExecute call. Every path out of the
// coordinator maps to exactly one of these; errors are reserved for
// infrastructure failure.
type Result string

const (
	// ResultExecuted means this call broadcast the transaction and confirmed
	// it at the configured commitment.
	ResultExecuted Result = "EXECUTED"
	// ResultAlreadyExecuted means the ledger (or a concurrent actor) got
	// there first. Not a failure; the match is settled.
	ResultAlreadyExecuted Result = "ALREADY_EXECUTED"
	// ResultAlreadyInProgress means another worker holds the match lock or
	// the claim, and this call backed off without touching the ledger.
	ResultAlreadyInProgress Result = "ALREADY_IN_PROGRESS"
	// ResultNotEligible means the local record is not in an executable
	// status. Nothing was checked against the ledger.
	ResultNotEligible Result = "NOT_ELIGIBLE"
	// ResultNoLongerEligible means the pre-flight reconcile demoted the
	// proposal (signer purge, rejection, drift park) before any broadcast.
	ResultNoLongerEligible Result = "NO_LONGER_ELIGIBLE"
	// ResultConstructionRejected means simulation refused the transaction.
	// No broadcast attempt was consumed; the row returns to READY_TO_EXECUTE.
	ResultConstructionRejected Result = "CONSTRUCTION_REJECTED"
	// ResultSubmitRejected means the chain itself refused the broadcast. The
	// row is parked with a finding; retrying the identical bundle cannot
	// succeed.
	ResultSubmitRejected Result = "SUBMIT_REJECTED"
	// ResultExhaustedRetries means every attempt failed on transport. The
	// row returns to READY_TO_EXECUTE for a later sweep.
	ResultExhaustedRetries Result = "EXHAUSTED_RETRIES"
	// ResultNotFound means no open proposal is tracked for the match.
	ResultNotFound Result = "NOT_FOUND"
)

// Outcome reports what one TryExecute call did.
type Outcome struct {
	MatchID    string
	ProposalID string
	Result     Result

	// Signature and Slot are set when the call confirmed the execution or
	// observed a receipt some other actor already landed.
	Signature string
	Slot      uint64

	// Attempts counts broadcasts made by this call, not lifetime attempts.
	Attempts int

	Reason string
}

// Settled reports whether the match needs no further execution work.
func (o Outcome) Settled() bool {
	return o.Result == ResultExecuted || o.Result == ResultAlreadyExecuted
}

// Config bounds the broadcast critical section.
type Config struct {
	// MaxAttempts is the broadcast budget per TryExecute call.
	MaxAttempts int
	// ConfirmTimeout bounds a single submit-and-confirm round trip. The
	// submit context is detached from the caller so a cancelled sweep never
	// abandons an in-flight broadcast.
	ConfirmTimeout time.Duration
	// BackoffBase is the first inter-attempt delay; it doubles per attempt.
	BackoffBase time.Duration

	// PriorityFeeBase is the compute unit price (micro-lamports) on the
	// first attempt; each retry adds PriorityFeeStep so a stuck transaction
	// bids its way through congestion.
	PriorityFeeBase uint64
	PriorityFeeStep uint64
	// ComputeLimit caps compute units requested for the execute transaction.
	ComputeLimit uint32

	// LockTTL is the match lease duration. Config validation guarantees it
	// exceeds the worst-case attempt budget.
	LockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 45 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.PriorityFeeBase == 0 {
		c.PriorityFeeBase = 1000
	}
	if c.PriorityFeeStep == 0 {
		c.PriorityFeeStep = 5000
	}
	if c.ComputeLimit == 0 {
		c.ComputeLimit = 400_000
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	return c
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ProposalStore is the pool-backed record access the coordinator needs.
type ProposalStore interface {
	GetOpenByMatch(ctx context.Context, matchID string) (proposal.Record, error)
	ListByMatch(ctx context.Context, matchID string) ([]proposal.Record, error)
	ClaimExecution(ctx context.Context, id string) error
	ReleaseExecution(ctx context.Context, id string, to proposal.Status) error
	RecordAttempt(ctx context.Context, id string) error
}

// ReceiptRepository is the transactional write surface for the success and
// rejection paths.
type ReceiptRepository interface {
	RecordReceipt(ctx context.Context, tx pgx.Tx, id string, rcpt proposal.Receipt) error
	Park(ctx context.Context, tx pgx.Tx, id string) error
	AppendEvent(ctx context.Context, tx pgx.Tx, proposalID, eventType string, payload map[string]any) error
}

// MatchSettler closes the match row alongside the receipt.
type MatchSettler interface {
	MarkSettled(ctx context.Context, tx pgx.Tx, matchID string) error
}

// FindingWriter files the operator finding when the chain rejects an execute.
type FindingWriter interface {
	CreateTx(ctx context.Context, tx pgx.Tx, params reconcile.CreateParams) (reconcile.Finding, error)
}

// Reconciler is the pre-flight truth check run under the lock.
type Reconciler interface {
	Reconcile(ctx context.Context, matchID string, force bool) (reconcile.Outcome, error)
}

// LedgerClient is the slice of the ledger boundary the coordinator drives.
// *ledger.RPCClient satisfies it.
type LedgerClient interface {
	BuildExecute(ctx context.Context, multisig solana.PublicKey, index uint64, member solana.PublicKey) (solana.Instruction, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	Simulate(ctx context.Context, tx *solana.Transaction) (*ledger.SimulationResult, error)
	Submit(ctx context.Context, tx *solana.Transaction) (*ledger.SubmitReceipt, error)
}

// LoadSigner reads the execution keypair from a solana-keygen JSON file.
func LoadSigner(path string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("execution: load signer %s: %w", path, err)
	}
	return key, nil
}
