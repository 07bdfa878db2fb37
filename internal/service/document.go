package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"docstore/internal/config"
	"docstore/internal/index"
	"docstore/internal/model"
	"docstore/internal/storage"
)

var (
	// Index errors are re-exported so callers depend on one package.
	ErrNotFound    = index.ErrNotFound
	ErrKeyExists   = index.ErrDuplicateKey
	ErrAliasExists = index.ErrDuplicateAlias

	ErrReaderNil        = errors.New("reader is nil")
	ErrInvalidSize      = errors.New("size must be non-negative")
	ErrSizeMismatch     = errors.New("declared size does not match bytes written")
	ErrInvalidTTL       = errors.New("presign ttl must be positive")
	ErrKeyGenExhausted  = errors.New("document key generation retries exhausted")
	ErrFilenameRequired = errors.New("filename is required")
	ErrNotADirectory    = errors.New("path is not a directory")
)

const defaultMaxKeyAttempts = 5

// DocumentFields carries the caller-supplied fields for a new document.
// Key is optional; when empty a collision-checked key is generated.
type DocumentFields struct {
	Key          string
	Filename     string
	ContentType  string
	Size         int64
	Description  string
	Tags         []model.Tag
	CustomFields map[string]any
	Aliases      []string
}

// DocumentService coordinates blob writes against the storage backend with
// metadata commits into the index, so the two appear atomic to callers.
type DocumentService interface {
	// CreateDocument registers metadata only; it never touches storage. Use
	// it when the blob already exists or will be associated later.
	CreateDocument(ctx context.Context, fields DocumentFields) (*model.Document, error)

	// UploadFromFile stages the local file into storage and commits metadata
	// only once the write is confirmed. Size is read from the file.
	UploadFromFile(ctx context.Context, path string, fields DocumentFields) (*model.Document, error)

	// UploadFromStream is the streaming variant; size must match the bytes
	// actually written or the upload is rejected without committing metadata.
	UploadFromStream(ctx context.Context, r io.Reader, size int64, fields DocumentFields) (*model.Document, error)

	// GetDocument returns the document stored under key.
	GetDocument(ctx context.Context, key string) (*model.Document, error)

	// GetDocumentByAlias returns the document owning the alias.
	GetDocumentByAlias(ctx context.Context, alias string) (*model.Document, error)

	// GetContent returns the document's blob. A backend failure leaves the
	// metadata untouched.
	GetContent(ctx context.Context, key string) ([]byte, error)

	// DownloadToFile writes the blob to a local path, leaving no partial
	// file behind on failure.
	DownloadToFile(ctx context.Context, key, path string) error

	// UpdateMetadata applies a partial metadata patch; storage is not touched.
	UpdateMetadata(ctx context.Context, key string, patch index.MetadataPatch) (*model.Document, error)

	// PresignedURL returns a time-limited download URL for the blob.
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// DocumentExists reports whether a document is registered under key.
	DocumentExists(ctx context.Context, key string) (bool, error)

	// ListDocuments returns documents by key prefix in lexicographic order.
	ListDocuments(ctx context.Context, prefix string, limit int) ([]model.Document, error)

	// ListDocumentsByTag returns documents carrying the tag name.
	ListDocumentsByTag(ctx context.Context, tag string) ([]model.Document, error)

	// DeleteDocument removes both the blob and the index entry. The blob is
	// deleted first; if that fails the index entry is kept so the document
	// stays reachable.
	DeleteDocument(ctx context.Context, key string) error

	// Clear drops every index entry without touching storage. This is a
	// memory-only reset: blobs are NOT deleted.
	Clear(ctx context.Context) error
}

// documentService is a concrete implementation of DocumentService.
type documentService struct {
	store          storage.Storage
	idx            index.Index
	prefix         string
	maxKeyAttempts int
}

// NewDocumentService constructs a new DocumentService. The storage prefix is
// prepended to every document key to derive its object key.
func NewDocumentService(store storage.Storage, idx index.Index, cfg config.TransferConfig) DocumentService {
	prefix := strings.TrimSuffix(cfg.StoragePrefix, "/")
	if prefix == "" {
		prefix = "documents"
	}
	attempts := cfg.MaxKeyAttempts
	if attempts <= 0 {
		attempts = defaultMaxKeyAttempts
	}
	return &documentService{
		store:          store,
		idx:            idx,
		prefix:         prefix,
		maxKeyAttempts: attempts,
	}
}

// storageKey derives the object key for a document key. The derivation is
// deterministic, so storage key uniqueness follows from key uniqueness.
func (s *documentService) storageKey(key string) string {
	return s.prefix + "/" + key
}

// reserveKey picks a collision-free document key. The index is authoritative
// for existence; storage is never consulted.
func (s *documentService) reserveKey(ctx context.Context) (string, error) {
	for i := 0; i < s.maxKeyAttempts; i++ {
		key := uuid.NewString()
		_, err := s.idx.Get(ctx, key)
		if errors.Is(err, index.ErrNotFound) {
			return key, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", ErrKeyGenExhausted
}

func validateFields(fields DocumentFields) error {
	if fields.Filename == "" {
		return ErrFilenameRequired
	}
	if fields.Size < 0 {
		return ErrInvalidSize
	}
	return nil
}

// buildDocument assembles a document with normalized metadata and fresh
// timestamps.
func (s *documentService) buildDocument(key string, fields DocumentFields, size int64) *model.Document {
	now := time.Now().UTC()
	return &model.Document{
		Key: key,
		Metadata: model.DocumentMetadata{
			Filename:     fields.Filename,
			ContentType:  fields.ContentType,
			Size:         size,
			CreatedAt:    now,
			UpdatedAt:    now,
			Description:  fields.Description,
			Tags:         model.DedupeTags(fields.Tags),
			CustomFields: fields.CustomFields,
			Aliases:      model.DedupeAliases(fields.Aliases),
		},
		StorageKey: s.storageKey(key),
	}
}

// objectMetadata is attached to the stored blob so an object found in the
// backend can be traced back to its document without the index.
func objectMetadata(doc *model.Document) map[string]string {
	return map[string]string{
		"document-key": doc.Key,
		"filename":     doc.Metadata.Filename,
		"aliases":      strings.Join(doc.Metadata.Aliases, ","),
	}
}

func (s *documentService) CreateDocument(ctx context.Context, fields DocumentFields) (*model.Document, error) {
	if err := validateFields(fields); err != nil {
		return nil, err
	}

	if fields.Key != "" {
		doc := s.buildDocument(fields.Key, fields, fields.Size)
		if err := s.idx.Insert(ctx, doc); err != nil {
			return nil, err
		}
		return doc, nil
	}

	// Generated keys race against concurrent inserts: the insert is the
	// authoritative check, so retry with a fresh key on collision.
	for i := 0; i < s.maxKeyAttempts; i++ {
		doc := s.buildDocument(uuid.NewString(), fields, fields.Size)
		err := s.idx.Insert(ctx, doc)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, index.ErrDuplicateKey) {
			return nil, err
		}
	}
	return nil, ErrKeyGenExhausted
}

func (s *documentService) UploadFromFile(ctx context.Context, path string, fields DocumentFields) (*model.Document, error) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if fields.Filename == "" {
		fields.Filename = st.Name()
	}
	if err := validateFields(fields); err != nil {
		return nil, err
	}

	key := fields.Key
	if key == "" {
		if key, err = s.reserveKey(ctx); err != nil {
			return nil, err
		}
	}
	doc := s.buildDocument(key, fields, st.Size())

	staged := newStagedUpload(s.store, s.idx, doc.StorageKey)
	err = staged.writeBlob(func() error {
		_, putErr := s.store.FPut(ctx, doc.StorageKey, path, storage.PutObjectOptions{
			ContentType: fields.ContentType,
			Metadata:    objectMetadata(doc),
		})
		return putErr
	})
	if err != nil {
		return nil, fmt.Errorf("upload to storage: %w", err)
	}

	if err := staged.commit(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *documentService) UploadFromStream(ctx context.Context, r io.Reader, size int64, fields DocumentFields) (*model.Document, error) {
	if r == nil {
		return nil, ErrReaderNil
	}
	if size < 0 {
		return nil, ErrInvalidSize
	}
	if err := validateFields(fields); err != nil {
		return nil, err
	}

	key := fields.Key
	if key == "" {
		var err error
		if key, err = s.reserveKey(ctx); err != nil {
			return nil, err
		}
	}
	doc := s.buildDocument(key, fields, size)

	staged := newStagedUpload(s.store, s.idx, doc.StorageKey)
	var written int64
	err := staged.writeBlob(func() error {
		info, putErr := s.store.Put(ctx, doc.StorageKey, r, storage.PutObjectOptions{
			Size:        size,
			ContentType: fields.ContentType,
			Metadata:    objectMetadata(doc),
		})
		written = info.Size
		return putErr
	})
	if err != nil {
		return nil, fmt.Errorf("upload to storage: %w", err)
	}

	if written != size {
		// Metadata is never committed for a short or long write; the staged
		// blob is deleted so the rejected upload leaves nothing behind.
		return nil, staged.abort(ctx, fmt.Errorf("%w: declared %d, wrote %d", ErrSizeMismatch, size, written))
	}

	if err := staged.commit(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *documentService) GetDocument(ctx context.Context, key string) (*model.Document, error) {
	return s.idx.Get(ctx, key)
}

func (s *documentService) GetDocumentByAlias(ctx context.Context, alias string) (*model.Document, error) {
	return s.idx.GetByAlias(ctx, alias)
}

func (s *documentService) GetContent(ctx context.Context, key string) ([]byte, error) {
	doc, err := s.idx.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	rc, _, err := s.store.Get(ctx, doc.StorageKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	return content, nil
}

func (s *documentService) DownloadToFile(ctx context.Context, key, path string) error {
	doc, err := s.idx.Get(ctx, key)
	if err != nil {
		return err
	}
	return s.store.FGet(ctx, doc.StorageKey, path)
}

func (s *documentService) UpdateMetadata(ctx context.Context, key string, patch index.MetadataPatch) (*model.Document, error) {
	return s.idx.Update(ctx, key, patch)
}

func (s *documentService) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	doc, err := s.idx.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return s.store.PresignGet(ctx, doc.StorageKey, ttl)
}

func (s *documentService) DocumentExists(ctx context.Context, key string) (bool, error) {
	_, err := s.idx.Get(ctx, key)
	if errors.Is(err, index.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *documentService) ListDocuments(ctx context.Context, prefix string, limit int) ([]model.Document, error) {
	return s.idx.List(ctx, prefix, limit)
}

func (s *documentService) ListDocumentsByTag(ctx context.Context, tag string) ([]model.Document, error) {
	return s.idx.ListByTag(ctx, tag)
}

func (s *documentService) DeleteDocument(ctx context.Context, key string) error {
	doc, err := s.idx.Get(ctx, key)
	if err != nil {
		return err
	}
	// Delete the blob first; if this fails the index entry is kept so the
	// document is still reachable and the delete can be retried.
	if err := s.store.Delete(ctx, doc.StorageKey); err != nil {
		return fmt.Errorf("delete storage: %w", err)
	}
	if _, err := s.idx.Remove(ctx, key); err != nil && !errors.Is(err, index.ErrNotFound) {
		return err
	}
	return nil
}

func (s *documentService) Clear(ctx context.Context) error {
	return s.idx.Clear(ctx)
}
