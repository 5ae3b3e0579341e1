package proposal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotClaimable is returned when an execution claim or release finds the
// row in a state other than the one the compare-and-set expects.
var ErrNotClaimable = errors.New("proposal: not claimable")

// Store provides direct reads and single-statement state claims over the
// proposal table. Multi-statement flows live on Service.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetByID(ctx context.Context, id string) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM settlement_proposals WHERE id=$1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("proposal: get %s: %w", id, err)
	}
	return rec, nil
}

// GetOpenByMatch returns the match's single non-terminal proposal.
func (s *Store) GetOpenByMatch(ctx context.Context, matchID string) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM settlement_proposals WHERE match_id=$1 AND status NOT IN `+terminalSet,
		matchID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("proposal: get open for match %s: %w", matchID, err)
	}
	return rec, nil
}

// ListByMatch returns every proposal ever tracked for the match, newest first.
func (s *Store) ListByMatch(ctx context.Context, matchID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM settlement_proposals WHERE match_id=$1 ORDER BY created_at DESC`,
		matchID)
	if err != nil {
		return nil, fmt.Errorf("proposal: list for match %s: %w", matchID, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListSweepable returns proposals the sweeper should reconcile, oldest
// sync first. Parked and terminal rows are excluded.
func (s *Store) ListSweepable(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
        SELECT `+recordColumns+`
        FROM settlement_proposals
        WHERE status NOT IN `+terminalSet+` AND status <> 'DRIFT_UNRESOLVED'
        ORDER BY last_synced_at ASC NULLS FIRST, created_at ASC
        LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("proposal: list sweepable: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListByStatus returns proposals in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM settlement_proposals WHERE status=$1 ORDER BY updated_at ASC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("proposal: list by status: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ClaimExecution flips READY_TO_EXECUTE to EXECUTING. The compare-and-set
// is the local half of the at-most-once guarantee; the match lease lock is
// the other half.
func (s *Store) ClaimExecution(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE settlement_proposals
        SET status = 'EXECUTING', updated_at = now()
        WHERE id = $1 AND status = 'READY_TO_EXECUTE'`, id)
	if err != nil {
		return fmt.Errorf("proposal: claim execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimable
	}
	return nil
}

// ReleaseExecution returns a claimed row to the given status after a failed
// run. Only EXECUTING rows can be released.
func (s *Store) ReleaseExecution(ctx context.Context, id string, to Status) error {
	if to.Terminal() || to == StatusExecuting {
		return fmt.Errorf("proposal: cannot release to %s", to)
	}
	tag, err := s.pool.Exec(ctx, `
        UPDATE settlement_proposals
        SET status = $2, updated_at = now()
        WHERE id = $1 AND status = 'EXECUTING'`, id, string(to))
	if err != nil {
		return fmt.Errorf("proposal: release execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimable
	}
	return nil
}

// RecordAttempt bumps the lifetime submit counter.
func (s *Store) RecordAttempt(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `
        UPDATE settlement_proposals
        SET submit_attempts = submit_attempts + 1, updated_at = now()
        WHERE id = $1`, id); err != nil {
		return fmt.Errorf("proposal: record attempt: %w", err)
	}
	return nil
}

// RefsByMultisig returns every proposal ref ever tracked for a vault. The
// orphan walk uses it to tell tracked ledger proposals from untracked ones.
func (s *Store) RefsByMultisig(ctx context.Context, multisig string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT proposal_ref FROM settlement_proposals WHERE multisig=$1`, multisig)
	if err != nil {
		return nil, fmt.Errorf("proposal: refs by multisig: %w", err)
	}
	defer rows.Close()

	refs := map[string]bool{}
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs[ref] = true
	}
	return refs, rows.Err()
}

// CountByStatus reports the proposal population per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM settlement_proposals GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("proposal: count by status: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
