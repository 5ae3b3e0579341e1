// Package reconcile keeps the local proposal store in agreement with the
// ledger. The ledger always wins on conflict: local rows are corrected,
// never defended, and anything that cannot be corrected is parked with a
// finding for an operator.
package reconcile

import (
	"fmt"

	"stakesettle/ledger"
	"stakesettle/proposal"
)

// Classification is the operator-facing verdict of one reconciliation pass.
type Classification string

const (
	// ClassInSync means no corrective write was needed.
	ClassInSync Classification = "IN_SYNC"
	// ClassHealed means local state was corrected to ledger truth.
	ClassHealed Classification = "HEALED"
	// ClassRetryable means the ledger could not answer authoritatively yet
	// (visibility lag or transport trouble); nothing was written.
	ClassRetryable Classification = "RETRYABLE"
	// ClassFatalMissing means the proposal ref vanished past the grace
	// window; the row was parked.
	ClassFatalMissing Classification = "FATAL_MISSING"
	// ClassDriftUnresolved means ledger state could not be mapped or the
	// bundle failed verification; the row was parked.
	ClassDriftUnresolved Classification = "DRIFT_UNRESOLVED"
)

// Outcome reports what one pass did to one proposal.
type Outcome struct {
	MatchID    string
	ProposalID string
	Prior      proposal.Status
	New        proposal.Status

	// AddedSigners came from the ledger and were missing locally;
	// PurgedSigners were recorded locally but the ledger does not confirm
	// them.
	AddedSigners  []string
	PurgedSigners []string

	Outstanding    int
	Classification Classification

	// RecoveredReceipt is set when forensic recovery found the execution
	// signature for a proposal the ledger reports executed.
	RecoveredReceipt *proposal.Receipt

	Note string
}

// Changed reports whether the pass mutated the local record.
func (o Outcome) Changed() bool {
	return o.Prior != o.New || len(o.AddedSigners) > 0 || len(o.PurgedSigners) > 0 || o.RecoveredReceipt != nil
}

// Orphan is a ledger-resident proposal with no local record. Reported,
// never auto-adopted.
type Orphan struct {
	Multisig         string
	TransactionIndex uint64
	Ref              string
	Status           ledger.NativeStatus
}

// MatchError pairs a failed match with its cause so a batch can report
// partial failure without aborting.
type MatchError struct {
	MatchID string
	Err     error
}

func (e MatchError) Error() string {
	return fmt.Sprintf("reconcile: match %s: %v", e.MatchID, e.Err)
}

func (e MatchError) Unwrap() error { return e.Err }

// BatchReport is the result of a full sweep.
type BatchReport struct {
	Outcomes []Outcome
	Orphans  []Orphan
	Errors   []MatchError
}

// Counts summarizes the batch per classification for logging.
func (r BatchReport) Counts() map[Classification]int {
	counts := map[Classification]int{}
	for _, o := range r.Outcomes {
		counts[o.Classification]++
	}
	return counts
}
