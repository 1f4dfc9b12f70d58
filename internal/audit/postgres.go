package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores audit entries in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds an audit repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Log appends one audit entry.
func (r *PostgresRepository) Log(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = r.db.Exec(ctx, `INSERT INTO audit_logs (id, actor_id, event_type, target_type, target_id, metadata, origin_ip, created_at)
        VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, NULLIF($7,''), $8)`,
		entry.ID, entry.ActorID, entry.EventType, entry.TargetType, entry.TargetID, meta, entry.OriginIP, entry.CreatedAt)
	return err
}

// List returns entries matching the query, newest first.
func (r *PostgresRepository) List(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT id, COALESCE(actor_id,''), event_type, target_type, target_id, metadata, COALESCE(origin_ip,''), created_at
        FROM audit_logs
        WHERE ($1 = '' OR event_type = $1)
          AND ($2 = '' OR target_type = $2)
          AND ($3 = '' OR target_id = $3)
        ORDER BY created_at DESC
        LIMIT $4 OFFSET $5`,
		q.EventType, q.TargetType, q.TargetID, limit, q.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.EventType, &e.TargetType, &e.TargetID, &meta, &e.OriginIP, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
