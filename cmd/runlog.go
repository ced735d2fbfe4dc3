package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/nlgeodata/harvest-cli/internal/config"
	"github.com/nlgeodata/harvest-cli/internal/runlog"
)

// initRunlog opens the configured run-history backend. The "none" driver
// returns nil: the engine treats a nil store as "no run log".
func initRunlog(ctx context.Context, cfg config.RunlogConfig) (runlog.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return runlog.NewSQLite(cfg.Path)
	case "postgres":
		return runlog.NewPostgres(ctx, cfg.DatabaseURL)
	case "none":
		return nil, nil
	default:
		return nil, eris.Errorf("unknown runlog driver: %s", cfg.Driver)
	}
}
