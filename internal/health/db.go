// Package health provides dependency probes for the readiness endpoint.
package health

import (
	"context"
	"database/sql"
)

// DBChecker probes the PostgreSQL connection.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
