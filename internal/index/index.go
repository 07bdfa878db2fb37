package index

import (
	"context"
	"errors"

	"docstore/internal/model"
)

// Package index contains the metadata index abstraction. The index is the
// single source of truth for document existence and aliasing; implementations
// can live in subpackages (e.g., postgres) inside this directory.

var (
	// ErrNotFound is returned when no document exists for the given key or alias.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicateKey is returned when inserting a document whose key is taken.
	ErrDuplicateKey = errors.New("document key already exists")
	// ErrDuplicateAlias is returned when an alias is already owned by another document.
	ErrDuplicateAlias = errors.New("alias already owned by another document")
)

// MetadataPatch is a partial metadata update. Nil fields are left unchanged;
// non-nil fields replace the current value wholesale. Alias changes are
// validated against the whole index before any field is applied.
type MetadataPatch struct {
	Description  *string
	Tags         []model.Tag
	CustomFields map[string]any
	Aliases      []string
}

// Index is the metadata store for documents. It owns the uniqueness
// invariants: at most one document per key, and an alias maps to at most one
// document. Implementations must serialize updates on the same key so
// concurrent patches apply one after the other, never interleaved.
type Index interface {
	// Insert adds a new document. Fails with ErrDuplicateKey if the key is
	// taken and ErrDuplicateAlias if any alias belongs to a different document.
	Insert(ctx context.Context, doc *model.Document) error

	// Get returns the document stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (*model.Document, error)

	// GetByAlias returns the document owning the alias, or ErrNotFound.
	GetByAlias(ctx context.Context, alias string) (*model.Document, error)

	// Update applies a partial metadata patch and refreshes UpdatedAt.
	// A conflicting alias rejects the entire patch, leaving the document
	// untouched.
	Update(ctx context.Context, key string, patch MetadataPatch) (*model.Document, error)

	// List returns documents whose key starts with prefix, in lexicographic
	// key order, truncated at limit (limit <= 0 means no truncation). The
	// result is a snapshot: concurrent mutations are never observed mid-list.
	List(ctx context.Context, prefix string, limit int) ([]model.Document, error)

	// ListByTag returns documents carrying the tag name, in lexicographic
	// key order.
	ListByTag(ctx context.Context, tag string) ([]model.Document, error)

	// Remove deletes the document and returns its last state, or ErrNotFound.
	Remove(ctx context.Context, key string) (*model.Document, error)

	// Clear drops every entry. It is idempotent and touches metadata only.
	Clear(ctx context.Context) error
}
