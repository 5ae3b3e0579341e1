// Package proposal owns the local view of settlement proposals: the lifecycle
// vocabulary, the persisted record, and the Postgres store the reconciler and
// execution coordinator read and write. The local row is a cache of ledger
// truth plus execution bookkeeping; it never outranks the ledger.
package proposal

import "time"

// Status is the local lifecycle of a tracked proposal.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusActive         Status = "ACTIVE"
	StatusReadyToExecute Status = "READY_TO_EXECUTE"
	StatusExecuting      Status = "EXECUTING"
	StatusExecuted       Status = "EXECUTED"
	StatusRejected       Status = "REJECTED"
	StatusCancelled      Status = "CANCELLED"
	// StatusDriftUnresolved parks a proposal whose ledger state cannot be
	// mapped, or whose bundle does not match the expected payout. Parked
	// rows are skipped by the sweeper until an operator resolves the
	// finding that parked them.
	StatusDriftUnresolved Status = "DRIFT_UNRESOLVED"
)

// Terminal reports whether s can never change again. DRIFT_UNRESOLVED is
// deliberately non-terminal: resolving the finding returns the row to the
// sweep set.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Executable reports whether the coordinator may claim s.
func (s Status) Executable() bool { return s == StatusReadyToExecute }

// CanTransition reports whether moving between two statuses is legal.
// Terminal states absorb; among the rest the ledger decides, including
// regressions such as READY_TO_EXECUTE back to ACTIVE after a signer purge.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return !from.Terminal()
}

// Kind says which way the stake moves when the proposal executes.
type Kind string

const (
	KindPayout Kind = "PAYOUT"
	KindRefund Kind = "REFUND"
)

// Record is one tracked proposal. Multisig and ProposalRef are base58
// ledger addresses; parsing happens at the ledger boundary.
type Record struct {
	ID               string
	MatchID          string
	Multisig         string
	ProposalRef      string
	TransactionIndex uint64
	Kind             Kind
	Status           Status

	// Signers is the approval set as last confirmed against the ledger.
	Signers   []string
	Threshold int

	SubmitAttempts     int
	ExecutionSignature *string
	ExecutedAt         *time.Time
	ExecutedSlot       *int64

	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Age reports how long the proposal has been tracked. The reconciler uses
// it for the not-found grace window.
func (r Record) Age(now time.Time) time.Duration { return now.Sub(r.CreatedAt) }

// RequiredSignatures is the approvals still outstanding. Derived, never
// stored: it can only shrink as signers accumulate, and a threshold change
// on the ledger flows through on the next sync.
func (r Record) RequiredSignatures() int {
	if d := r.Threshold - len(r.Signers); d > 0 {
		return d
	}
	return 0
}

// Receipt is the confirmed execution outcome written exactly once.
type Receipt struct {
	Signature   string
	Slot        uint64
	ConfirmedAt time.Time
}
