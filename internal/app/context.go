package app

import (
	"context"
	"database/sql"
	"fmt"

	"taskdesk/internal/config"
	"taskdesk/internal/db"
	"taskdesk/internal/engine"
	"taskdesk/internal/migrate"
)

// Bootstrap opens the workspace database, applies migrations and seeds
// the directory from taskdesk.yml (or the built-in defaults) when the
// user table is empty.
func Bootstrap(ctx context.Context, workspace string) (*sql.DB, engine.Engine, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, engine.Engine{}, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn)

	n, err := eng.Repo.CountUsers(ctx)
	if err != nil {
		conn.Close()
		return nil, engine.Engine{}, err
	}
	if n == 0 {
		cfg, err := config.LoadOptional(workspace)
		if err != nil {
			conn.Close()
			return nil, engine.Engine{}, err
		}
		if cfg == nil {
			cfg = config.Default()
		}
		if err := eng.Seed(ctx, cfg); err != nil {
			conn.Close()
			return nil, engine.Engine{}, fmt.Errorf("seed directory: %w", err)
		}
	}
	return conn, eng, nil
}
