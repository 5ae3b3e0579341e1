package proposal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TrackRequest captures an intake call normalized for the service. The
// idempotency key is optional for operator-initiated tracking and required
// on the webhook path.
type TrackRequest struct {
	MatchID          string
	Multisig         string
	ProposalRef      string
	TransactionIndex uint64
	Kind             Kind
	IdempotencyKey   string
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TrackRepository defines the data access required by the service.
type TrackRepository interface {
	ReserveIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	Insert(ctx context.Context, tx pgx.Tx, params TrackParams) (Record, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, proposalID, eventType string, payload map[string]any) error
}

type Service struct {
	pool TxBeginner
	repo TrackRepository
}

func NewService(pool TxBeginner, repo TrackRepository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool: pool,
		repo: repo,
	}
}

// Track places a proposal under local tracking. A replayed idempotency key
// returns the zero Record with no error; a second open proposal for the
// match returns ErrOpenProposalExists.
func (s *Service) Track(ctx context.Context, req TrackRequest) (Record, error) {
	if req.MatchID == "" {
		return Record{}, fmt.Errorf("proposal: missing match id")
	}
	if req.ProposalRef == "" {
		return Record{}, fmt.Errorf("proposal: missing proposal ref")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("proposal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if req.IdempotencyKey != "" {
		if err := s.repo.ReserveIdempotencyKey(ctx, tx, req.IdempotencyKey); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				return Record{}, nil
			}
			return Record{}, err
		}
	}

	rec, err := s.repo.Insert(ctx, tx, TrackParams{
		MatchID:          req.MatchID,
		Multisig:         req.Multisig,
		ProposalRef:      req.ProposalRef,
		TransactionIndex: req.TransactionIndex,
		Kind:             req.Kind,
	})
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"match_id":          rec.MatchID,
		"proposal_ref":      rec.ProposalRef,
		"transaction_index": rec.TransactionIndex,
		"kind":              rec.Kind,
	}
	if err := s.repo.AppendEvent(ctx, tx, rec.ID, "PROPOSAL_TRACKED", payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("proposal: commit tx: %w", err)
	}

	return rec, nil
}
