// Package vault is the registry of threshold-signature vaults the engine
// settles through. Rows cache ledger-confirmed membership and thresholds
// so reports and sanity checks do not need an RPC round trip.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested vault is not registered.
	ErrNotFound = errors.New("vault: not found")
	// ErrDuplicate signals the multisig address is already registered.
	ErrDuplicate = errors.New("vault: already registered")
)

// Record is one registered vault. Multisig is the config account address;
// VaultAddress is the derived account actually holding stakes.
type Record struct {
	Multisig     string
	VaultIndex   uint8
	VaultAddress string
	Threshold    int
	Members      []string
	Label        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Repository provides access to registered vaults.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RegisterParams enumerates the fields to register a vault.
type RegisterParams struct {
	Multisig     string
	VaultIndex   uint8
	VaultAddress string
	Threshold    int
	Members      []string
	Label        string
}

const vaultColumns = `multisig, vault_index, vault_address, threshold, members, label, created_at, updated_at`

// Register adds a vault to the registry.
func (r *Repository) Register(ctx context.Context, params RegisterParams) (Record, error) {
	if params.Multisig == "" || params.VaultAddress == "" {
		return Record{}, fmt.Errorf("vault: multisig and vault addresses required")
	}
	if params.Threshold <= 0 {
		return Record{}, fmt.Errorf("vault: threshold must be positive")
	}
	if len(params.Members) < params.Threshold {
		return Record{}, fmt.Errorf("vault: %d members cannot meet threshold %d", len(params.Members), params.Threshold)
	}

	const query = `
		INSERT INTO vaults (multisig, vault_index, vault_address, threshold, members, label)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		RETURNING ` + vaultColumns

	row := r.pool.QueryRow(ctx, query,
		params.Multisig,
		int16(params.VaultIndex),
		params.VaultAddress,
		params.Threshold,
		mustJSON(params.Members),
		params.Label,
	)
	rec, err := scanVault(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("vault: register: %w", err)
	}
	return rec, nil
}

// GetByMultisig fetches a vault by its config account address.
func (r *Repository) GetByMultisig(ctx context.Context, multisig string) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+vaultColumns+` FROM vaults WHERE multisig = $1`, multisig)
	rec, err := scanVault(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("vault: query by multisig: %w", err)
	}
	return rec, nil
}

// List fetches up to limit vaults ordered by label.
func (r *Repository) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `SELECT `+vaultColumns+` FROM vaults ORDER BY label ASC, multisig ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("vault: list: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanVault(rows)
		if err != nil {
			return nil, fmt.Errorf("vault: scan: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault: iterate: %w", err)
	}
	return records, nil
}

// SyncLedgerState refreshes threshold and membership from a ledger read.
// The reconciler calls it whenever the vault config account is fetched.
func (r *Repository) SyncLedgerState(ctx context.Context, multisig string, threshold int, members []string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE vaults
		SET threshold = $2, members = $3::jsonb, updated_at = now()
		WHERE multisig = $1`, multisig, threshold, mustJSON(members))
	if err != nil {
		return fmt.Errorf("vault: sync ledger state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVault(row rowScanner) (Record, error) {
	var (
		rec        Record
		vaultIndex int16
		membersRaw []byte
	)
	err := row.Scan(&rec.Multisig, &vaultIndex, &rec.VaultAddress, &rec.Threshold,
		&membersRaw, &rec.Label, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.VaultIndex = uint8(vaultIndex)
	if len(membersRaw) > 0 {
		if err := json.Unmarshal(membersRaw, &rec.Members); err != nil {
			return Record{}, fmt.Errorf("decode members: %w", err)
		}
	}
	return rec, nil
}

func mustJSON(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
