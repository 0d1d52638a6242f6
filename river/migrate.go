package river

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/aksrustagi/talos-sub002/event/pgstore"
)

// Migrate applies everything the runner needs in one database: River's
// queue tables, then the event store schema. Safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("migrate river queue: %w", err)
	}

	if _, err := pool.Exec(ctx, pgstore.Schema); err != nil {
		return fmt.Errorf("apply event store schema: %w", err)
	}
	return nil
}
