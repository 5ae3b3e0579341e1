package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"stakesettle/ledger"
	"stakesettle/proposal"
)

// AdoptParams identifies an on-ledger proposal an operator wants tracked
// against an existing match. Kind cannot be read off the ledger, so the
// operator states it.
type AdoptParams struct {
	MatchID     string
	ProposalRef string
	Kind        proposal.Kind
}

// Adopt places an orphaned ledger proposal under local tracking after
// verifying it actually belongs to the match's vault. Orphans are never
// adopted automatically because a proposal on the right vault can still
// settle the wrong match; a human asserts the pairing and Adopt checks the
// part that is checkable. On success the match is reconciled immediately so
// the new row starts from ledger truth instead of sitting at PENDING until
// the next sweep.
func (r *Reconciler) Adopt(ctx context.Context, params AdoptParams) (Outcome, error) {
	if params.Kind != proposal.KindPayout && params.Kind != proposal.KindRefund {
		return Outcome{}, fmt.Errorf("reconcile: adopt: unknown proposal kind %q", params.Kind)
	}

	m, err := r.matches.GetByID(ctx, params.MatchID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: adopt: %w", err)
	}

	ref, err := solana.PublicKeyFromBase58(params.ProposalRef)
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: adopt: parse proposal ref: %w", err)
	}

	snap, err := r.client.FetchProposal(ctx, ref)
	if errors.Is(err, ledger.ErrNotFound) {
		return Outcome{}, fmt.Errorf("reconcile: adopt: proposal %s not found on ledger", params.ProposalRef)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: adopt: fetch proposal: %w", err)
	}
	if got := snap.Multisig.String(); got != m.Multisig {
		return Outcome{}, fmt.Errorf("reconcile: adopt: proposal %s belongs to vault %s, match %s settles through %s",
			params.ProposalRef, got, m.ID, m.Multisig)
	}

	svc := proposal.NewService(r.pool, r.repo)
	rec, err := svc.Track(ctx, proposal.TrackRequest{
		MatchID:          m.ID,
		Multisig:         m.Multisig,
		ProposalRef:      ref.String(),
		TransactionIndex: snap.TransactionIndex,
		Kind:             params.Kind,
		IdempotencyKey:   "adopt:" + ref.String(),
	})
	if err != nil {
		return Outcome{}, err
	}
	if rec.ID == "" {
		r.log.Debugf("reconcile: adopt replay for %s, syncing anyway", params.ProposalRef)
	}

	if closed, err := r.findings.CloseOrphan(ctx, ref.String(), "adopt", "adopted into match "+m.ID); err != nil {
		r.log.Warnf("reconcile: close orphan finding for %s: %v", params.ProposalRef, err)
	} else if closed {
		r.log.Infof("reconcile: adopted %s into match %s, orphan finding closed", params.ProposalRef, m.ID)
	}

	return r.Reconcile(ctx, m.ID, true)
}
