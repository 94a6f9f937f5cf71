package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"projectlens/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
}

// Postgres stores chunks in a pgvector column and ranks them by cosine distance.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Index = (*Postgres)(nil)

const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS chunks (
	id          text PRIMARY KEY,
	document_id text NOT NULL,
	content     text NOT NULL,
	metadata    jsonb NOT NULL DEFAULT '{}',
	embedding   vector NOT NULL
);
CREATE INDEX IF NOT EXISTS chunks_document_id_idx ON chunks (document_id);
CREATE INDEX IF NOT EXISTS chunks_metadata_idx ON chunks USING gin (metadata jsonb_path_ops);
`

// OpenPostgres connects, verifies the connection and creates the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	logger := slog.Default().With("component", "vectorstore")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "projectlens"

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(dctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create vector schema: %w", err)
	}
	logger.Info("vectorstore.postgres.ready")
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata %s: %w", r.ID, err)
		}
		batch.Queue(`
INSERT INTO chunks (id, document_id, content, metadata, embedding)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET document_id = EXCLUDED.document_id, content = EXCLUDED.content,
    metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`,
			r.ID, r.DocumentID, r.Content, meta, pgvector.NewVector(r.Vector))
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert chunks: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Query(ctx context.Context, vector []float32, topK int, filter domain.Filter) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	if filter == nil {
		filter = domain.Filter{}
	}
	cond, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
SELECT id, content, metadata, 1 - (embedding <=> $1) AS score
FROM chunks
WHERE metadata @> $2::jsonb
ORDER BY embedding <=> $1, id
LIMIT $3`, pgvector.NewVector(vector), string(cond), topK)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m    Match
			meta []byte
		)
		if err := rows.Scan(&m.ID, &m.Content, &meta, &m.Score); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", m.ID, err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortMatches(matches)
	return matches, nil
}

func (p *Postgres) DeleteByDocument(ctx context.Context, documentID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete chunks of %s: %w", documentID, err)
	}
	p.logger.Debug("vectorstore.delete.ok", "doc_id", documentID, "records", tag.RowsAffected())
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
