package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"docstore/internal/index"
	"docstore/internal/model"
)

// IndexPostgres is a durable implementation of index.Index on PostgreSQL.
// Tags, custom fields and aliases are stored as JSONB alongside the document
// row; alias uniqueness is enforced by a dedicated document_aliases table so
// a conflicting insert or patch fails at commit time with the same sentinel
// errors as the in-memory index. Updates take a row lock on the document, so
// concurrent patches on one key serialize.
type IndexPostgres struct {
	db *sql.DB
}

// NewIndexPostgres creates a new Postgres-backed metadata index.
func NewIndexPostgres(db *sql.DB) *IndexPostgres {
	return &IndexPostgres{db: db}
}

var _ index.Index = (*IndexPostgres)(nil)

const docColumns = `key, filename, content_type, size, created_at, updated_at, description, tags, custom_fields, aliases, storage_key`

func (r *IndexPostgres) Insert(ctx context.Context, doc *model.Document) error {
	stored := doc.Clone()
	stored.Metadata.Tags = model.DedupeTags(stored.Metadata.Tags)
	stored.Metadata.Aliases = model.DedupeAliases(stored.Metadata.Aliases)

	tags, fields, aliases, err := marshalMetadata(stored.Metadata)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO documents (` + docColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = tx.ExecContext(ctx, q,
		stored.Key,
		stored.Metadata.Filename,
		stored.Metadata.ContentType,
		stored.Metadata.Size,
		stored.Metadata.CreatedAt,
		stored.Metadata.UpdatedAt,
		stored.Metadata.Description,
		tags,
		fields,
		aliases,
		stored.StorageKey,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}

	if err := insertAliases(ctx, tx, stored.Key, stored.Metadata.Aliases); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *IndexPostgres) Get(ctx context.Context, key string) (*model.Document, error) {
	const q = `SELECT ` + docColumns + ` FROM documents WHERE key = $1`
	return scanDocument(r.db.QueryRowContext(ctx, q, key))
}

func (r *IndexPostgres) GetByAlias(ctx context.Context, alias string) (*model.Document, error) {
	const q = `
		SELECT ` + docColumns + `
		FROM documents
		WHERE key = (SELECT document_key FROM document_aliases WHERE alias = $1)
	`
	return scanDocument(r.db.QueryRowContext(ctx, q, alias))
}

func (r *IndexPostgres) Update(ctx context.Context, key string, patch index.MetadataPatch) (*model.Document, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	const qLock = `SELECT ` + docColumns + ` FROM documents WHERE key = $1 FOR UPDATE`
	doc, err := scanDocument(tx.QueryRowContext(ctx, qLock, key))
	if err != nil {
		return nil, err
	}

	if patch.Description != nil {
		doc.Metadata.Description = *patch.Description
	}
	if patch.Tags != nil {
		doc.Metadata.Tags = model.DedupeTags(patch.Tags)
	}
	if patch.CustomFields != nil {
		doc.Metadata.CustomFields = patch.CustomFields
	}
	if patch.Aliases != nil {
		doc.Metadata.Aliases = model.DedupeAliases(patch.Aliases)
	}
	now := time.Now().UTC()
	if now.Before(doc.Metadata.CreatedAt) {
		now = doc.Metadata.CreatedAt
	}
	doc.Metadata.UpdatedAt = now

	tags, fields, aliases, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return nil, err
	}

	const qUpdate = `
		UPDATE documents
		SET description = $2, tags = $3, custom_fields = $4, aliases = $5, updated_at = $6
		WHERE key = $1
	`
	if _, err := tx.ExecContext(ctx, qUpdate, key, doc.Metadata.Description, tags, fields, aliases, doc.Metadata.UpdatedAt); err != nil {
		return nil, err
	}

	if patch.Aliases != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_aliases WHERE document_key = $1`, key); err != nil {
			return nil, err
		}
		if err := insertAliases(ctx, tx, key, doc.Metadata.Aliases); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapUniqueViolation(err)
	}
	return doc, nil
}

func (r *IndexPostgres) List(ctx context.Context, prefix string, limit int) ([]model.Document, error) {
	q := `SELECT ` + docColumns + ` FROM documents WHERE starts_with(key, $1) ORDER BY key`
	args := []any{prefix}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return r.queryDocuments(ctx, q, args...)
}

func (r *IndexPostgres) ListByTag(ctx context.Context, tag string) ([]model.Document, error) {
	member, err := json.Marshal([]map[string]string{{"name": tag}})
	if err != nil {
		return nil, err
	}
	const q = `SELECT ` + docColumns + ` FROM documents WHERE tags @> $1 ORDER BY key`
	return r.queryDocuments(ctx, q, member)
}

func (r *IndexPostgres) Remove(ctx context.Context, key string) (*model.Document, error) {
	const q = `DELETE FROM documents WHERE key = $1 RETURNING ` + docColumns
	return scanDocument(r.db.QueryRowContext(ctx, q, key))
}

func (r *IndexPostgres) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM documents`)
	return err
}

func (r *IndexPostgres) queryDocuments(ctx context.Context, q string, args ...any) ([]model.Document, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]model.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func insertAliases(ctx context.Context, tx *sql.Tx, key string, aliases []string) error {
	const q = `INSERT INTO document_aliases (alias, document_key) VALUES ($1, $2)`
	for _, alias := range aliases {
		if _, err := tx.ExecContext(ctx, q, alias, key); err != nil {
			return mapUniqueViolation(err)
		}
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*model.Document, error) {
	var (
		doc     model.Document
		tags    []byte
		fields  []byte
		aliases []byte
	)
	err := row.Scan(
		&doc.Key,
		&doc.Metadata.Filename,
		&doc.Metadata.ContentType,
		&doc.Metadata.Size,
		&doc.Metadata.CreatedAt,
		&doc.Metadata.UpdatedAt,
		&doc.Metadata.Description,
		&tags,
		&fields,
		&aliases,
		&doc.StorageKey,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, index.ErrNotFound
		}
		return nil, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &doc.Metadata.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &doc.Metadata.CustomFields); err != nil {
			return nil, fmt.Errorf("decode custom fields: %w", err)
		}
	}
	if len(aliases) > 0 {
		if err := json.Unmarshal(aliases, &doc.Metadata.Aliases); err != nil {
			return nil, fmt.Errorf("decode aliases: %w", err)
		}
	}
	return &doc, nil
}

func marshalMetadata(meta model.DocumentMetadata) (tags, fields, aliases []byte, err error) {
	if tags, err = json.Marshal(meta.Tags); err != nil {
		return nil, nil, nil, fmt.Errorf("encode tags: %w", err)
	}
	if fields, err = json.Marshal(meta.CustomFields); err != nil {
		return nil, nil, nil, fmt.Errorf("encode custom fields: %w", err)
	}
	if aliases, err = json.Marshal(meta.Aliases); err != nil {
		return nil, nil, nil, fmt.Errorf("encode aliases: %w", err)
	}
	return tags, fields, aliases, nil
}

// mapUniqueViolation translates Postgres unique violations into the index
// sentinel errors so callers see one taxonomy over either implementation.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "document_aliases_pkey" {
			return index.ErrDuplicateAlias
		}
		return index.ErrDuplicateKey
	}
	return err
}
