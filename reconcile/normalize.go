package reconcile

import (
	"stakesettle/ledger"
	"stakesettle/proposal"
)

// Normalized is the canonical reading of a ledger proposal snapshot.
type Normalized struct {
	Status      proposal.Status
	Signers     []string
	Outstanding int
	Eligible    bool
	// Known is false when the ledger-native status had no mapping. Unknown
	// states are parked, never treated as safe to execute.
	Known bool
}

// Normalize maps a ledger snapshot onto the local lifecycle. The mapping is
// a fixed table; the only computed case is approved, which promotes to
// READY_TO_EXECUTE exactly when the ledger-confirmed approval count meets
// the threshold.
func Normalize(snap *ledger.ProposalSnapshot) Normalized {
	n := Normalized{Known: true}
	for _, s := range snap.Approvals {
		n.Signers = append(n.Signers, s.String())
	}

	if snap.Threshold <= 0 {
		// A proposal without a positive threshold cannot be reasoned
		// about; refuse to map rather than guess.
		n.Known = false
		n.Status = proposal.StatusDriftUnresolved
		return n
	}

	switch snap.Status {
	case ledger.NativeDraft:
		n.Status = proposal.StatusPending
	case ledger.NativeActive:
		n.Status = proposal.StatusActive
	case ledger.NativeApproved:
		if len(n.Signers) >= snap.Threshold {
			n.Status = proposal.StatusReadyToExecute
		} else {
			n.Status = proposal.StatusActive
		}
	case ledger.NativeExecuteReady:
		n.Status = proposal.StatusReadyToExecute
	case ledger.NativeExecuting:
		n.Status = proposal.StatusExecuting
	case ledger.NativeExecuted:
		n.Status = proposal.StatusExecuted
	case ledger.NativeRejected:
		n.Status = proposal.StatusRejected
	case ledger.NativeCancelled:
		n.Status = proposal.StatusCancelled
	default:
		n.Known = false
		n.Status = proposal.StatusDriftUnresolved
		return n
	}

	switch n.Status {
	case proposal.StatusPending, proposal.StatusActive:
		if d := snap.Threshold - len(n.Signers); d > 0 {
			n.Outstanding = d
		}
	}
	n.Eligible = n.Status == proposal.StatusReadyToExecute
	return n
}
