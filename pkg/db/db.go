// Package db connects the gateway's optional Postgres-backed registry.
// Grounded on the teacher's pkg/db.MustConnect, narrowed to the one pool
// the registry needs — the Redis client the teacher also builds here has
// no component to serve in this module (see DESIGN.md) and was dropped.
package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kaylacar/agent-door/pkg/config"
)

// MustConnect connects to cfg.DatabaseURL, exiting the process on failure.
// Callers only reach this path once DatabaseURL is known to be non-empty.
func MustConnect(cfg config.Config, log *zap.SugaredLogger) *pgxpool.Pool {
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalw("pg connect", "err", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		log.Fatalw("pg ping", "err", err)
	}
	log.Infow("postgres ready", "host", redactDSN(cfg.DatabaseURL))
	return pool
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i > 0 {
		return "***@" + dsn[i+1:]
	}
	return dsn
}
