// Package match tracks the wagers being settled: who played, what was
// staked, and how the match ended. The outcome drives which disbursements
// the settlement proposal must carry.
package match

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type State string

const (
	StateOpen     State = "OPEN"
	StateSettling State = "SETTLING"
	StateSettled  State = "SETTLED"
	StateVoid     State = "VOID"
)

// Outcome is how the match ended. It selects the fee schedule and the
// disbursement split.
type Outcome string

const (
	OutcomeWin               Outcome = "WIN"
	OutcomeTimeout           Outcome = "TIMEOUT"
	OutcomeDrawPartialRefund Outcome = "DRAW_PARTIAL_REFUND"
	OutcomeDrawFullRefund    Outcome = "DRAW_FULL_REFUND"
	OutcomeNoPlay            Outcome = "NO_PLAY"
)

// HasWinner reports whether the outcome pays a single winner rather than
// refunding both players.
func (o Outcome) HasWinner() bool {
	return o == OutcomeWin || o == OutcomeTimeout
}

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeWin, OutcomeTimeout, OutcomeDrawPartialRefund, OutcomeDrawFullRefund, OutcomeNoPlay:
		return true
	}
	return false
}

// Match is one wager. Player addresses are base58 wallet keys; the stake is
// the per-player deposit, so the vault holds twice this amount.
type Match struct {
	ID            string
	Multisig      string
	StakeLamports uint64
	PlayerA       string
	PlayerB       string
	Winner        *string
	Outcome       *Outcome
	State         State
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RegisterParams enumerates the required fields to start tracking a match.
type RegisterParams struct {
	ID            string
	Multisig      string
	StakeLamports uint64
	PlayerA       string
	PlayerB       string
}

type Repository interface {
	Register(ctx context.Context, params RegisterParams) (Match, error)
	GetByID(ctx context.Context, matchID string) (Match, error)
	RecordOutcome(ctx context.Context, matchID string, outcome Outcome, winner string) (Match, error)
	MarkSettled(ctx context.Context, tx pgx.Tx, matchID string) error
	ListByState(ctx context.Context, state State, limit int) ([]Match, error)
}

var (
	ErrNotFound          = errors.New("match: not found")
	ErrDuplicate         = errors.New("match: already registered")
	ErrInvalidOutcome    = errors.New("match: invalid outcome")
	ErrInvalidWinner     = errors.New("match: winner is not a player")
	ErrOutcomeConflict   = errors.New("match: conflicting outcome already recorded")
	ErrAlreadySettled    = errors.New("match: already settled")
	ErrNotSettling       = errors.New("match: not in settling state")
	ErrPlayersMandatory  = errors.New("match: both player addresses required")
	ErrMultisigMandatory = errors.New("match: multisig address required")
)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const matchColumns = `id, multisig, stake_lamports, player_a, player_b, winner, outcome, state, created_at, updated_at`

func (r *PGRepository) Register(ctx context.Context, params RegisterParams) (Match, error) {
	if params.ID == "" {
		return Match{}, fmt.Errorf("match: id required")
	}
	if params.Multisig == "" {
		return Match{}, ErrMultisigMandatory
	}
	if params.PlayerA == "" || params.PlayerB == "" {
		return Match{}, ErrPlayersMandatory
	}
	if params.StakeLamports == 0 {
		return Match{}, fmt.Errorf("match: zero stake")
	}

	const query = `
		INSERT INTO matches (id, multisig, stake_lamports, player_a, player_b, state)
		VALUES ($1, $2, $3, $4, $5, 'OPEN')
		RETURNING ` + matchColumns

	row := r.pool.QueryRow(ctx, query,
		params.ID,
		params.Multisig,
		int64(params.StakeLamports),
		params.PlayerA,
		params.PlayerB,
	)
	m, err := scanMatch(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Match{}, ErrDuplicate
		}
		return Match{}, fmt.Errorf("match: register: %w", err)
	}
	return m, nil
}

func (r *PGRepository) GetByID(ctx context.Context, matchID string) (Match, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE id=$1`, matchID)
	m, err := scanMatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Match{}, ErrNotFound
		}
		return Match{}, fmt.Errorf("match: get: %w", err)
	}
	return m, nil
}

// RecordOutcome stores how the match ended and moves it to SETTLING. The
// row is locked so concurrent reports cannot interleave; a replay with the
// identical outcome is accepted, a conflicting one is refused.
func (r *PGRepository) RecordOutcome(ctx context.Context, matchID string, outcome Outcome, winner string) (Match, error) {
	if !outcome.Valid() {
		return Match{}, ErrInvalidOutcome
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Match{}, fmt.Errorf("match: begin outcome tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanMatch(tx.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE id=$1 FOR UPDATE`, matchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Match{}, ErrNotFound
		}
		return Match{}, fmt.Errorf("match: lock for outcome: %w", err)
	}

	if outcome.HasWinner() {
		if winner != current.PlayerA && winner != current.PlayerB {
			return Match{}, ErrInvalidWinner
		}
	} else if winner != "" {
		return Match{}, fmt.Errorf("match: outcome %s does not take a winner", outcome)
	}

	switch current.State {
	case StateSettled, StateVoid:
		return Match{}, ErrAlreadySettled
	case StateSettling:
		if current.Outcome != nil && *current.Outcome == outcome && sameWinner(current.Winner, winner) {
			return current, nil
		}
		return Match{}, ErrOutcomeConflict
	}

	var winnerArg any
	if winner != "" {
		winnerArg = winner
	}
	updated, err := scanMatch(tx.QueryRow(ctx, `
		UPDATE matches
		SET outcome = $2, winner = $3, state = 'SETTLING', updated_at = now()
		WHERE id = $1
		RETURNING `+matchColumns, matchID, string(outcome), winnerArg))
	if err != nil {
		return Match{}, fmt.Errorf("match: record outcome: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Match{}, fmt.Errorf("match: commit outcome: %w", err)
	}
	return updated, nil
}

// MarkSettled finalizes the match inside the caller's transaction, so the
// flip rides the same commit as the proposal receipt.
func (r *PGRepository) MarkSettled(ctx context.Context, tx pgx.Tx, matchID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE matches
		SET state = 'SETTLED', updated_at = now()
		WHERE id = $1 AND state = 'SETTLING'`, matchID)
	if err != nil {
		return fmt.Errorf("match: mark settled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var state string
		if err := tx.QueryRow(ctx, `SELECT state FROM matches WHERE id=$1`, matchID).Scan(&state); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("match: inspect state: %w", err)
		}
		if State(state) == StateSettled {
			return nil
		}
		return fmt.Errorf("%w (state %s)", ErrNotSettling, state)
	}
	return nil
}

func (r *PGRepository) ListByState(ctx context.Context, state State, limit int) ([]Match, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE state=$1 ORDER BY updated_at ASC LIMIT $2`,
		string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("match: list by state: %w", err)
	}
	defer rows.Close()

	out := make([]Match, 0, 8)
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("match: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("match: iterate: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (Match, error) {
	var (
		m       Match
		stake   int64
		winner  sql.NullString
		outcome sql.NullString
		state   string
	)
	err := row.Scan(&m.ID, &m.Multisig, &stake, &m.PlayerA, &m.PlayerB,
		&winner, &outcome, &state, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return Match{}, err
	}
	m.StakeLamports = uint64(stake)
	m.State = State(state)
	if winner.Valid {
		m.Winner = &winner.String
	}
	if outcome.Valid {
		o := Outcome(outcome.String)
		m.Outcome = &o
	}
	return m, nil
}

func sameWinner(have *string, want string) bool {
	if have == nil {
		return want == ""
	}
	return *have == want
}
