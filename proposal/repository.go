package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateIdempotencyKey signals the idempotency insert hit the
	// existing key guardrail.
	ErrDuplicateIdempotencyKey = errors.New("proposal: duplicate idempotency key")
	// ErrNotFound is returned when no proposal row exists for the identifier.
	ErrNotFound = errors.New("proposal: not found")
	// ErrOpenProposalExists is returned when a match already tracks a
	// non-terminal proposal. The partial unique index enforces it.
	ErrOpenProposalExists = errors.New("proposal: open proposal already tracked for match")
	// ErrTerminal is returned when an update is refused because the row
	// already reached a terminal status.
	ErrTerminal = errors.New("proposal: already terminal")
	// ErrReceiptRecorded is returned when an execution receipt write finds
	// a different signature already present.
	ErrReceiptRecorded = errors.New("proposal: execution receipt already recorded")
)

// terminalSet mirrors Status.Terminal for SQL guards.
const terminalSet = `('EXECUTED','REJECTED','CANCELLED')`

const recordColumns = `id, match_id, multisig, proposal_ref, transaction_index, kind, status,
	signers, threshold, submit_attempts, execution_signature, executed_at, executed_slot,
	last_synced_at, created_at, updated_at`

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// TrackParams describes a proposal entering local tracking.
type TrackParams struct {
	MatchID          string
	Multisig         string
	ProposalRef      string
	TransactionIndex uint64
	Kind             Kind
}

// SyncUpdate is the ledger-confirmed state the reconciler writes back.
type SyncUpdate struct {
	Status    Status
	Signers   []string
	Threshold int
}

// ReserveIdempotencyKey attempts to reserve the key inside the active transaction.
func (r *Repository) ReserveIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("proposal: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("proposal: insert idempotency key: %w", err)
	}

	return nil
}

// Insert creates the tracking row in PENDING. The partial unique index
// rejects a second non-terminal proposal for the same match.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params TrackParams) (Record, error) {
	if params.MatchID == "" {
		return Record{}, fmt.Errorf("proposal: match id required")
	}
	if params.Multisig == "" || params.ProposalRef == "" {
		return Record{}, fmt.Errorf("proposal: ledger addresses required")
	}
	if params.Kind != KindPayout && params.Kind != KindRefund {
		return Record{}, fmt.Errorf("proposal: invalid kind %q", params.Kind)
	}

	insertSQL := `
        INSERT INTO settlement_proposals (match_id, multisig, proposal_ref, transaction_index, kind, status)
        VALUES ($1,$2,$3,$4,$5,'PENDING')
        RETURNING ` + recordColumns

	row := tx.QueryRow(ctx, insertSQL,
		params.MatchID,
		params.Multisig,
		params.ProposalRef,
		int64(params.TransactionIndex),
		string(params.Kind),
	)
	rec, err := scanRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrOpenProposalExists
		}
		return Record{}, fmt.Errorf("proposal: insert: %w", err)
	}

	return rec, nil
}

// ApplySync writes ledger-confirmed status, signer set, and threshold.
// Terminal rows are never overwritten; reconciliation of a row that turned
// terminal under us reports ErrTerminal so the caller can log and move on.
func (r *Repository) ApplySync(ctx context.Context, tx pgx.Tx, id string, sync SyncUpdate) (Record, error) {
	updateSQL := `
        UPDATE settlement_proposals
        SET status = $2,
            signers = $3::jsonb,
            threshold = $4,
            last_synced_at = now(),
            updated_at = now()
        WHERE id = $1 AND status NOT IN ` + terminalSet + `
        RETURNING ` + recordColumns

	signers := sync.Signers
	if signers == nil {
		signers = []string{}
	}
	row := tx.QueryRow(ctx, updateSQL, id, string(sync.Status), mustJSON(signers), sync.Threshold)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, r.classifyMiss(ctx, tx, id)
		}
		return Record{}, fmt.Errorf("proposal: apply sync: %w", err)
	}

	return rec, nil
}

// Park moves the row to DRIFT_UNRESOLVED so the sweeper stops touching it.
func (r *Repository) Park(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `
        UPDATE settlement_proposals
        SET status = 'DRIFT_UNRESOLVED', updated_at = now()
        WHERE id = $1 AND status NOT IN `+terminalSet, id)
	if err != nil {
		return fmt.Errorf("proposal: park: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, tx, id)
	}
	return nil
}

// RecordReceipt marks the proposal EXECUTED with its confirmed signature.
// The signature column is written at most once; replaying the same receipt
// is a no-op, a different signature is refused.
func (r *Repository) RecordReceipt(ctx context.Context, tx pgx.Tx, id string, rcpt Receipt) error {
	if rcpt.Signature == "" {
		return fmt.Errorf("proposal: empty execution signature")
	}

	tag, err := tx.Exec(ctx, `
        UPDATE settlement_proposals
        SET status = 'EXECUTED',
            execution_signature = $2,
            executed_at = $3,
            executed_slot = $4,
            updated_at = now()
        WHERE id = $1 AND execution_signature IS NULL`,
		id, rcpt.Signature, rcpt.ConfirmedAt.UTC(), int64(rcpt.Slot))
	if err != nil {
		return fmt.Errorf("proposal: record receipt: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var existing sql.NullString
	err = tx.QueryRow(ctx, `SELECT execution_signature FROM settlement_proposals WHERE id=$1`, id).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("proposal: record receipt: %w", err)
	}
	if existing.Valid && existing.String == rcpt.Signature {
		return nil
	}
	return ErrReceiptRecorded
}

// MarkExecuted sets EXECUTED without a receipt. The reconciler uses it when
// the ledger shows execution but the signature could not be recovered from
// recent activity; the paired finding carries the follow-up.
func (r *Repository) MarkExecuted(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `
        UPDATE settlement_proposals
        SET status = 'EXECUTED',
            executed_at = COALESCE(executed_at, now()),
            last_synced_at = now(),
            updated_at = now()
        WHERE id = $1 AND status NOT IN `+terminalSet, id)
	if err != nil {
		return fmt.Errorf("proposal: mark executed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyMiss(ctx, tx, id)
	}
	return nil
}

// AppendEvent adds an audit entry for the proposal.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, proposalID, eventType string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO settlement_events (proposal_id, type, payload) VALUES ($1,$2,$3::jsonb)`,
		proposalID, eventType, mustJSON(payload)); err != nil {
		return fmt.Errorf("proposal: insert event: %w", err)
	}
	return nil
}

// classifyMiss distinguishes a missing row from a terminal one after a
// guarded update matched nothing.
func (r *Repository) classifyMiss(ctx context.Context, tx pgx.Tx, id string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM settlement_proposals WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("proposal: inspect row %s: %w", id, err)
	}
	if Status(status).Terminal() {
		return ErrTerminal
	}
	return fmt.Errorf("proposal: row %s in unexpected status %s", id, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec        Record
		txIndex    int64
		kind       string
		status     string
		signersRaw []byte
		execSig    sql.NullString
		execAt     sql.NullTime
		execSlot   sql.NullInt64
		syncedAt   sql.NullTime
	)

	err := row.Scan(
		&rec.ID, &rec.MatchID, &rec.Multisig, &rec.ProposalRef, &txIndex, &kind, &status,
		&signersRaw, &rec.Threshold, &rec.SubmitAttempts, &execSig, &execAt, &execSlot,
		&syncedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}

	rec.TransactionIndex = uint64(txIndex)
	rec.Kind = Kind(kind)
	rec.Status = Status(status)
	if len(signersRaw) > 0 {
		if err := json.Unmarshal(signersRaw, &rec.Signers); err != nil {
			return Record{}, fmt.Errorf("decode signers: %w", err)
		}
	}
	if execSig.Valid {
		rec.ExecutionSignature = &execSig.String
	}
	if execAt.Valid {
		t := execAt.Time
		rec.ExecutedAt = &t
	}
	if execSlot.Valid {
		n := execSlot.Int64
		rec.ExecutedSlot = &n
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		rec.LastSyncedAt = &t
	}

	return rec, nil
}

func mustJSON(v any) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
