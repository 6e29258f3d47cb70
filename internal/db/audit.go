package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog writes audit entries to Postgres.
type AuditLog struct {
	pool *pgxpool.Pool
}

// NewAuditLog creates an audit sink backed by the given pool.
func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

// Record stores one audit entry.
func (a *AuditLog) Record(ctx context.Context, action, entityID, actor string, metadata map[string]any) error {
	var meta []byte
	if metadata != nil {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}

	_, err := a.pool.Exec(ctx,
		`INSERT INTO audit_log (action, entity_id, actor, metadata) VALUES ($1, $2, $3, $4)`,
		action, entityID, actor, meta,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
