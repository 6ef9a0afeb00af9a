package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
	"github.com/kirillkom/scanmate-sync/internal/infrastructure/resilience"
)

// Backend is the cloud copy of document metadata, one row per
// (owner, local document id).
type Backend struct {
	db       *sql.DB
	executor *resilience.Executor
}

// NewBackend wraps db. executor may be nil, in which case calls are made once.
func NewBackend(db *sql.DB, executor *resilience.Executor) *Backend {
	return &Backend{db: db, executor: executor}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(15 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (b *Backend) EnsureSchema(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Several devices may start against a fresh database at once.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101601)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS remote_documents (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	local_id TEXT NOT NULL,
	title TEXT NOT NULL,
	local_path TEXT NOT NULL DEFAULT '',
	page_count INTEGER NOT NULL CHECK (page_count > 0),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (owner_id, local_id)
);

CREATE INDEX IF NOT EXISTS idx_remote_documents_owner_updated ON remote_documents(owner_id, updated_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// UpsertDocument creates or updates the row for (ownerID, record.ID) and
// returns its cloud id. Repeating the call never creates a second row.
func (b *Backend) UpsertDocument(ctx context.Context, record domain.DocumentRecord, ownerID string) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", domain.WrapError(domain.ErrUnauthorized, "upsert remote document", errors.New("empty owner id"))
	}

	cloudID, err := resilience.Call(ctx, b.executor, "remote.upsert", func(ctx context.Context) (string, error) {
		var id string
		err := b.db.QueryRowContext(ctx, `
INSERT INTO remote_documents (id, owner_id, local_id, title, local_path, page_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (owner_id, local_id) DO UPDATE
SET title = EXCLUDED.title,
	local_path = EXCLUDED.local_path,
	page_count = EXCLUDED.page_count,
	updated_at = EXCLUDED.updated_at
RETURNING id
`,
			uuid.NewString(), ownerID, record.ID, record.Title, record.LocalPath, record.Pages,
			record.CreatedAt.UTC(), record.UpdatedAt.UTC(),
		).Scan(&id)
		if err != nil {
			return "", fmt.Errorf("upsert remote document: %w", err)
		}
		return id, nil
	}, classifyPostgresError)
	if err != nil {
		return "", wrapTemporaryIfNeeded("upsert remote document", err)
	}
	return cloudID, nil
}

func (b *Backend) FetchDocument(ctx context.Context, cloudID string) (*domain.RemoteDocument, error) {
	doc, err := resilience.Call(ctx, b.executor, "remote.fetch", func(ctx context.Context) (*domain.RemoteDocument, error) {
		row := b.db.QueryRowContext(ctx, `
SELECT id, owner_id, local_id, title, local_path, page_count, created_at, updated_at
FROM remote_documents
WHERE id = $1
`, cloudID)
		doc, err := scanRemoteDocument(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domain.WrapError(domain.ErrDocumentNotFound, "fetch remote document", fmt.Errorf("cloud_id=%s", cloudID))
			}
			return nil, fmt.Errorf("scan remote document: %w", err)
		}
		return doc, nil
	}, classifyPostgresError)
	if err != nil {
		return nil, wrapTemporaryIfNeeded("fetch remote document", err)
	}
	return doc, nil
}

func (b *Backend) ListDocuments(ctx context.Context, ownerID string) ([]domain.RemoteDocument, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.WrapError(domain.ErrUnauthorized, "list remote documents", errors.New("empty owner id"))
	}

	docs, err := resilience.Call(ctx, b.executor, "remote.list", func(ctx context.Context) ([]domain.RemoteDocument, error) {
		rows, err := b.db.QueryContext(ctx, `
SELECT id, owner_id, local_id, title, local_path, page_count, created_at, updated_at
FROM remote_documents
WHERE owner_id = $1
ORDER BY updated_at DESC
`, ownerID)
		if err != nil {
			return nil, fmt.Errorf("query remote documents: %w", err)
		}
		defer rows.Close()

		out := make([]domain.RemoteDocument, 0)
		for rows.Next() {
			doc, err := scanRemoteDocument(rows)
			if err != nil {
				return nil, fmt.Errorf("scan remote document: %w", err)
			}
			out = append(out, *doc)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate remote documents: %w", err)
		}
		return out, nil
	}, classifyPostgresError)
	if err != nil {
		return nil, wrapTemporaryIfNeeded("list remote documents", err)
	}
	return docs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRemoteDocument(row rowScanner) (*domain.RemoteDocument, error) {
	var doc domain.RemoteDocument
	if err := row.Scan(
		&doc.CloudID, &doc.OwnerID, &doc.LocalID, &doc.Title, &doc.LocalPath,
		&doc.Pages, &doc.CreatedAt, &doc.LastModified,
	); err != nil {
		return nil, err
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.LastModified = doc.LastModified.UTC()
	return &doc, nil
}
