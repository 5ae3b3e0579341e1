// Package payout computes the disbursement set a settlement proposal is
// expected to carry for a given match outcome. The reconciler compares the
// on-ledger bundle against this plan before the proposal may execute.
package payout

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"stakesettle/match"
	"stakesettle/proposal"
)

// Fee schedule in basis points of the amount being moved. Wins and timeouts
// charge the pot; refund outcomes charge each player's stake separately.
const (
	bpsDenominator int64 = 10_000

	feeBpsWin         int64 = 500
	feeBpsTimeout     int64 = 500
	feeBpsDrawPartial int64 = 500
	feeBpsDrawFull    int64 = 0
	feeBpsNoPlay      int64 = 1_000
)

var (
	ErrNoOutcome       = errors.New("payout: match has no recorded outcome")
	ErrNoWinner        = errors.New("payout: outcome requires a winner")
	ErrNoFeeWallet     = errors.New("payout: fee wallet required")
	ErrUnknownSchedule = errors.New("payout: no fee schedule for outcome")
)

// Disbursement is one expected transfer out of the vault.
type Disbursement struct {
	To       string
	Lamports uint64
}

// Plan is the full expected outflow settling one match.
type Plan struct {
	Kind         proposal.Kind
	Disbursement []Disbursement
	FeeLamports  uint64
}

// Total is the number of lamports leaving the vault under this plan.
func (p Plan) Total() uint64 {
	var sum uint64
	for _, d := range p.Disbursement {
		sum += d.Lamports
	}
	return sum
}

// FeeBps returns the schedule entry for the outcome.
func FeeBps(outcome match.Outcome) (int64, error) {
	switch outcome {
	case match.OutcomeWin:
		return feeBpsWin, nil
	case match.OutcomeTimeout:
		return feeBpsTimeout, nil
	case match.OutcomeDrawPartialRefund:
		return feeBpsDrawPartial, nil
	case match.OutcomeDrawFullRefund:
		return feeBpsDrawFull, nil
	case match.OutcomeNoPlay:
		return feeBpsNoPlay, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownSchedule, outcome)
}

// KindFor maps an outcome to the proposal kind that settles it.
func KindFor(outcome match.Outcome) proposal.Kind {
	if outcome.HasWinner() {
		return proposal.KindPayout
	}
	return proposal.KindRefund
}

// Build computes the expected disbursements for a match whose outcome is
// recorded. Fees are floored, so rounding dust always stays with the
// recipient and every lamport of the stake is accounted for.
func Build(m match.Match, feeWallet string) (Plan, error) {
	if m.Outcome == nil {
		return Plan{}, ErrNoOutcome
	}
	if feeWallet == "" {
		return Plan{}, ErrNoFeeWallet
	}
	outcome := *m.Outcome

	bps, err := FeeBps(outcome)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{Kind: KindFor(outcome)}

	if outcome.HasWinner() {
		if m.Winner == nil || *m.Winner == "" {
			return Plan{}, ErrNoWinner
		}
		pot := m.StakeLamports * 2
		fee := feeOf(pot, bps)
		plan.FeeLamports = fee
		plan.Disbursement = append(plan.Disbursement, Disbursement{To: *m.Winner, Lamports: pot - fee})
		if fee > 0 {
			plan.Disbursement = append(plan.Disbursement, Disbursement{To: feeWallet, Lamports: fee})
		}
		return plan, nil
	}

	perPlayerFee := feeOf(m.StakeLamports, bps)
	refund := m.StakeLamports - perPlayerFee
	plan.FeeLamports = perPlayerFee * 2
	plan.Disbursement = append(plan.Disbursement,
		Disbursement{To: m.PlayerA, Lamports: refund},
		Disbursement{To: m.PlayerB, Lamports: refund},
	)
	if plan.FeeLamports > 0 {
		plan.Disbursement = append(plan.Disbursement, Disbursement{To: feeWallet, Lamports: plan.FeeLamports})
	}
	return plan, nil
}

// feeOf floors amount * bps / 10000. Lamport amounts stay far inside the
// 96-bit headroom decimal gives us, so the conversion back is exact.
func feeOf(amount uint64, bps int64) uint64 {
	if bps == 0 {
		return 0
	}
	fee := decimal.NewFromUint64(amount).
		Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(bpsDenominator)).
		Floor()
	return uint64(fee.IntPart())
}
