package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is one invariant checked as a query that must return zero rows.
type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant set checked throughout a stress run. Each query
// selects violations, so any row is a failure.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_open_proposal_per_match",
			SQL: `SELECT match_id, COUNT(*) FROM settlement_proposals
                  WHERE status NOT IN ('EXECUTED','REJECTED','CANCELLED')
                  GROUP BY match_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_receipt_only_on_executed",
			SQL: `SELECT id, status FROM settlement_proposals
                  WHERE execution_signature IS NOT NULL AND status <> 'EXECUTED'`,
		},
		{
			Name: "O3_match_paid_at_most_once",
			SQL: `SELECT match_id, COUNT(*) FROM settlement_proposals
                  WHERE status = 'EXECUTED'
                  GROUP BY match_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_settled_match_backed_by_execution",
			SQL: `SELECT m.id FROM matches m
                  WHERE m.state = 'SETTLED' AND NOT EXISTS (
                      SELECT 1 FROM settlement_proposals p
                      WHERE p.match_id = m.id AND p.status = 'EXECUTED')`,
		},
		{
			Name: "O5_missing_receipt_accounted",
			SQL: `SELECT p.id FROM settlement_proposals p
                  WHERE p.status = 'EXECUTED' AND p.execution_signature IS NULL
                    AND NOT EXISTS (
                      SELECT 1 FROM drift_findings f
                      WHERE f.proposal_id = p.id AND f.kind = 'EXECUTED_RECEIPT_UNKNOWN')`,
		},
		{
			Name: "O6_every_proposal_has_intake_event",
			SQL: `SELECT p.id FROM settlement_proposals p
                  WHERE NOT EXISTS (
                      SELECT 1 FROM settlement_events e
                      WHERE e.proposal_id = p.id AND e.type = 'PROPOSAL_TRACKED')`,
		},
		{
			Name: "O7_parked_row_has_finding",
			SQL: `SELECT p.id FROM settlement_proposals p
                  WHERE p.status = 'DRIFT_UNRESOLVED' AND NOT EXISTS (
                      SELECT 1 FROM drift_findings f WHERE f.proposal_id = p.id)`,
		},
		{
			Name: "O8_open_orphan_report_unique",
			SQL: `SELECT context->>'ref', COUNT(*) FROM drift_findings
                  WHERE kind = 'ORPHANED_PROPOSAL' AND status = 'OPEN'
                  GROUP BY context->>'ref' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_no_impossible_findings",
			SQL: `SELECT id, kind, detail FROM drift_findings
                  WHERE kind IN ('BUNDLE_MISMATCH','UNMAPPED_STATUS','FATAL_MISSING')`,
		},
	}
}

// Run executes every oracle and returns the first violation (oracle name and
// a sample row) or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
