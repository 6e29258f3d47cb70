package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskRecord is one annotation task/response pair imported by an ingestion
// job. Embedding stays NULL until the vectorization phase fills it in.
type TaskRecord struct {
	ID          uuid.UUID
	ProjectID   string
	ExternalID  string
	Task        string
	Response    string
	Environment string
	ContentHash string
	Embedding   []float32
	EmbedError  *string
	Evaluation  *string
	CreatedAt   time.Time
}

// RecordStore persists annotation records.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore creates a record store backed by the given pool.
func NewRecordStore(pool *pgxpool.Pool) *RecordStore {
	return &RecordStore{pool: pool}
}

// Insert stores a record. Returns false when a record with the same
// (project, content hash) already exists; the row is left untouched.
func (s *RecordStore) Insert(ctx context.Context, rec TaskRecord) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO records (id, project_id, external_id, task, response, environment, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, content_hash) DO NOTHING`,
		rec.ID, rec.ProjectID, rec.ExternalID, rec.Task, rec.Response, rec.Environment, rec.ContentHash,
	)
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListUnembedded returns up to limit records of a project that have neither
// an embedding nor a recorded embedding error.
func (s *RecordStore) ListUnembedded(ctx context.Context, projectID string, limit int) ([]TaskRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, external_id, task, response, environment, content_hash, created_at
		FROM records
		WHERE project_id = $1 AND embedding IS NULL AND embed_error IS NULL
		ORDER BY created_at
		LIMIT $2`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unembedded: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListUnevaluated returns up to limit records of a project without an
// evaluation verdict.
func (s *RecordStore) ListUnevaluated(ctx context.Context, projectID string, limit int) ([]TaskRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, external_id, task, response, environment, content_hash, created_at
		FROM records
		WHERE project_id = $1 AND evaluation IS NULL
		ORDER BY created_at
		LIMIT $2`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unevaluated: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// SetEmbedding stores the vector for a record and clears any prior error.
func (s *RecordStore) SetEmbedding(ctx context.Context, id uuid.UUID, vec []float32) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE records SET embedding = $2, embed_error = NULL WHERE id = $1`,
		id, vec,
	)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	return nil
}

// MarkEmbedError records a per-record embedding failure so the record is
// not retried on the next vectorization pass.
func (s *RecordStore) MarkEmbedError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE records SET embed_error = $2 WHERE id = $1`,
		id, msg,
	)
	if err != nil {
		return fmt.Errorf("mark embed error: %w", err)
	}
	return nil
}

// SetEvaluation stores an evaluation verdict for a record.
func (s *RecordStore) SetEvaluation(ctx context.Context, id uuid.UUID, verdict string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE records SET evaluation = $2 WHERE id = $1`,
		id, verdict,
	)
	if err != nil {
		return fmt.Errorf("set evaluation: %w", err)
	}
	return nil
}

// CountByProject returns the number of stored records for a project.
func (s *RecordStore) CountByProject(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM records WHERE project_id = $1`, projectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func scanRecords(rows pgx.Rows) ([]TaskRecord, error) {
	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := rows.Scan(
			&rec.ID, &rec.ProjectID, &rec.ExternalID, &rec.Task,
			&rec.Response, &rec.Environment, &rec.ContentHash, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
