// Package migrations embeds the schema and applies it in filename order.
// The daemon, the migrate subcommand, and the test harness all run the
// same files, so there is no drift between what ships and what tests see.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var files embed.FS

// Apply runs every embedded migration against the pool. Files execute
// through the simple protocol so one file can carry many statements; the
// statements themselves are idempotent, so re-applying is safe.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return fmt.Errorf("migrations: glob: %w", err)
	}
	if len(names) == 0 {
		return fmt.Errorf("migrations: no embedded files")
	}
	sort.Strings(names)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("migrations: acquire conn: %w", err)
	}
	defer conn.Release()
	pg := conn.Conn().PgConn()

	for _, name := range names {
		data, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", name, err)
		}
		res := pg.Exec(ctx, string(data))
		if _, err := res.ReadAll(); err != nil {
			return fmt.Errorf("migrations: apply %s: %w", name, err)
		}
	}
	return nil
}
