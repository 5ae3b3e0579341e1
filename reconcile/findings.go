package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrFindingNotFound = errors.New("reconcile: finding not found")
	ErrFindingResolved = errors.New("reconcile: finding already resolved")
)

// FindingKind names the families of drift an operator can be asked to act on.
type FindingKind string

const (
	FindingFatalMissing      FindingKind = "FATAL_MISSING"
	FindingUnmappedStatus    FindingKind = "UNMAPPED_STATUS"
	FindingBundleMismatch    FindingKind = "BUNDLE_MISMATCH"
	FindingReceiptUnknown    FindingKind = "EXECUTED_RECEIPT_UNKNOWN"
	FindingOrphanedProposal  FindingKind = "ORPHANED_PROPOSAL"
	FindingExecutionRejected FindingKind = "EXECUTION_REJECTED"
)

type FindingStatus string

const (
	FindingOpen         FindingStatus = "OPEN"
	FindingStatusClosed FindingStatus = "RESOLVED"
)

// Finding is one drift condition surfaced for operator intervention.
type Finding struct {
	ID             string
	ProposalID     *string
	MatchID        *string
	Kind           FindingKind
	Detail         string
	Context        map[string]any
	Status         FindingStatus
	ResolvedBy     *string
	ResolutionNote *string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// FindingStore persists drift findings.
type FindingStore struct {
	pool *pgxpool.Pool
}

func NewFindingStore(pool *pgxpool.Pool) *FindingStore {
	return &FindingStore{pool: pool}
}

// CreateParams enumerates a new finding. ProposalID and MatchID are
// optional: orphan findings have neither.
type CreateParams struct {
	ProposalID string
	MatchID    string
	Kind       FindingKind
	Detail     string
	Context    map[string]any
}

const findingColumns = `id, proposal_id, match_id, kind, detail, context, status, resolved_by, resolution_note, created_at, resolved_at`

// CreateTx inserts inside the caller's transaction so a finding commits
// atomically with the park that caused it.
func (s *FindingStore) CreateTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Finding, error) {
	if params.Kind == "" || params.Detail == "" {
		return Finding{}, fmt.Errorf("reconcile: finding kind and detail required")
	}
	payload := params.Context
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Finding{}, fmt.Errorf("reconcile: marshal finding context: %w", err)
	}

	var proposalID, matchID any
	if params.ProposalID != "" {
		proposalID = params.ProposalID
	}
	if params.MatchID != "" {
		matchID = params.MatchID
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO drift_findings (proposal_id, match_id, kind, detail, context, status)
		VALUES ($1, $2, $3, $4, $5::jsonb, 'OPEN')
		RETURNING `+findingColumns,
		proposalID, matchID, string(params.Kind), params.Detail, string(b))
	return scanFinding(row)
}

// Create inserts in its own short transaction.
func (s *FindingStore) Create(ctx context.Context, params CreateParams) (Finding, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Finding{}, fmt.Errorf("reconcile: begin finding tx: %w", err)
	}
	defer tx.Rollback(ctx)

	f, err := s.CreateTx(ctx, tx, params)
	if err != nil {
		return Finding{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Finding{}, fmt.Errorf("reconcile: commit finding: %w", err)
	}
	return f, nil
}

// ReportOrphan records a ledger proposal that no local row references.
// Repeated sweeps see the same orphan every pass, so the insert is
// suppressed while an open finding for the same ref exists. Returns
// whether a new finding was created.
func (s *FindingStore) ReportOrphan(ctx context.Context, o Orphan) (bool, error) {
	payload, err := json.Marshal(map[string]any{
		"multisig":          o.Multisig,
		"transaction_index": o.TransactionIndex,
		"ref":               o.Ref,
		"ledger_status":     string(o.Status),
	})
	if err != nil {
		return false, fmt.Errorf("reconcile: marshal orphan context: %w", err)
	}
	detail := fmt.Sprintf("ledger proposal %s (multisig %s index %d) has no local record", o.Ref, o.Multisig, o.TransactionIndex)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO drift_findings (kind, detail, context, status)
		SELECT 'ORPHANED_PROPOSAL', $2, $3::jsonb, 'OPEN'
		WHERE NOT EXISTS (
			SELECT 1 FROM drift_findings
			WHERE kind = 'ORPHANED_PROPOSAL' AND status = 'OPEN' AND context->>'ref' = $1
		)`, o.Ref, detail, string(payload))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("reconcile: report orphan: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CloseOrphan resolves the open orphan finding for ref, if one exists.
// Adoption makes the finding moot, so the adopting caller closes it in
// passing rather than leaving a second manual step.
func (s *FindingStore) CloseOrphan(ctx context.Context, ref, resolvedBy, note string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE drift_findings
		SET status = 'RESOLVED', resolved_by = $2, resolution_note = $3, resolved_at = now()
		WHERE kind = 'ORPHANED_PROPOSAL' AND status = 'OPEN' AND context->>'ref' = $1`,
		ref, resolvedBy, note)
	if err != nil {
		return false, fmt.Errorf("reconcile: close orphan finding: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListOpen returns unresolved findings, oldest first, optionally filtered
// by kind.
func (s *FindingStore) ListOpen(ctx context.Context, kind FindingKind, limit int) ([]Finding, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + findingColumns + ` FROM drift_findings WHERE status = 'OPEN'`
	args := []any{}
	if kind != "" {
		query += ` AND kind = $1`
		args = append(args, string(kind))
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list findings: %w", err)
	}
	defer rows.Close()

	out := make([]Finding, 0, 8)
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("reconcile: scan finding: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconcile: iterate findings: %w", err)
	}
	return out, nil
}

// Resolve closes a finding. When the finding parked a proposal and
// reopenProposal is set, the row is returned to PENDING so the next sweep
// re-reconciles it from scratch.
func (s *FindingStore) Resolve(ctx context.Context, findingID, resolvedBy, note string, reopenProposal bool) (Finding, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Finding{}, fmt.Errorf("reconcile: begin resolve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE drift_findings
		SET status = 'RESOLVED', resolved_by = $2, resolution_note = $3, resolved_at = now()
		WHERE id = $1 AND status = 'OPEN'
		RETURNING `+findingColumns,
		findingID, resolvedBy, note)
	f, err := scanFinding(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Finding{}, s.classifyResolveMiss(ctx, findingID)
		}
		return Finding{}, fmt.Errorf("reconcile: resolve finding: %w", err)
	}

	if reopenProposal && f.ProposalID != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE settlement_proposals
			SET status = 'PENDING', updated_at = now()
			WHERE id = $1 AND status = 'DRIFT_UNRESOLVED'`, *f.ProposalID); err != nil {
			return Finding{}, fmt.Errorf("reconcile: reopen proposal: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Finding{}, fmt.Errorf("reconcile: commit resolve: %w", err)
	}
	return f, nil
}

func (s *FindingStore) classifyResolveMiss(ctx context.Context, findingID string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM drift_findings WHERE id=$1`, findingID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrFindingNotFound
	}
	if err != nil {
		return fmt.Errorf("reconcile: inspect finding: %w", err)
	}
	return ErrFindingResolved
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFinding(row rowScanner) (Finding, error) {
	var (
		f          Finding
		proposalID sql.NullString
		matchID    sql.NullString
		kind       string
		contextRaw []byte
		status     string
		resolvedBy sql.NullString
		note       sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&f.ID, &proposalID, &matchID, &kind, &f.Detail, &contextRaw,
		&status, &resolvedBy, &note, &f.CreatedAt, &resolvedAt)
	if err != nil {
		return Finding{}, err
	}
	f.Kind = FindingKind(kind)
	f.Status = FindingStatus(status)
	if proposalID.Valid {
		f.ProposalID = &proposalID.String
	}
	if matchID.Valid {
		f.MatchID = &matchID.String
	}
	if resolvedBy.Valid {
		f.ResolvedBy = &resolvedBy.String
	}
	if note.Valid {
		f.ResolutionNote = &note.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		f.ResolvedAt = &t
	}
	if len(contextRaw) > 0 {
		if err := json.Unmarshal(contextRaw, &f.Context); err != nil {
			return Finding{}, fmt.Errorf("decode finding context: %w", err)
		}
	}
	return f, nil
}
