package service

import (
	"context"
	"fmt"

	"docstore/internal/index"
	"docstore/internal/model"
	"docstore/internal/storage"
)

// uploadState tracks the staged write protocol that makes a blob write and a
// metadata insert appear atomic: the blob is written first, and the metadata
// commit either succeeds or triggers a compensating delete of the blob.
type uploadState int

const (
	statePending uploadState = iota
	stateBlobWritten
	stateCommitted
	stateRolledBack
	stateOrphaned
)

func (s uploadState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateBlobWritten:
		return "blob_written"
	case stateCommitted:
		return "committed"
	case stateRolledBack:
		return "rolled_back"
	case stateOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// OrphanedBlobError reports a blob left behind in storage because the
// metadata commit failed and the compensating delete failed too. It carries
// both failures so operators can reconcile manually; it must never be
// collapsed into a plain success or a plain failure.
type OrphanedBlobError struct {
	StorageKey string
	Cause      error // the metadata failure that triggered the rollback
	DeleteErr  error // why the compensating delete failed
}

func (e *OrphanedBlobError) Error() string {
	return fmt.Sprintf("orphaned blob at %q: %v (compensating delete failed: %v)",
		e.StorageKey, e.Cause, e.DeleteErr)
}

func (e *OrphanedBlobError) Unwrap() error { return e.Cause }

// stagedUpload drives one blob-then-metadata write.
//
// Valid transitions:
//
//	pending -> blob_written            (writeBlob)
//	blob_written -> committed          (commit, insert ok)
//	blob_written -> rolled_back        (commit, insert failed, delete ok)
//	blob_written -> orphaned           (commit, insert failed, delete failed)
type stagedUpload struct {
	store      storage.Storage
	idx        index.Index
	storageKey string
	state      uploadState
}

func newStagedUpload(store storage.Storage, idx index.Index, storageKey string) *stagedUpload {
	return &stagedUpload{store: store, idx: idx, storageKey: storageKey, state: statePending}
}

// writeBlob runs the storage write. A failure here leaves no partial state:
// nothing was committed to the index and the backend reported no object.
func (u *stagedUpload) writeBlob(write func() error) error {
	if u.state != statePending {
		return fmt.Errorf("staged upload in state %s, expected pending", u.state)
	}
	if err := write(); err != nil {
		return err
	}
	u.state = stateBlobWritten
	return nil
}

// commit registers the document in the index. If the insert fails, the blob
// written in the previous step is deleted so no orphan remains; if that
// delete fails as well, the returned error is an *OrphanedBlobError carrying
// both failures.
func (u *stagedUpload) commit(ctx context.Context, doc *model.Document) error {
	if u.state != stateBlobWritten {
		return fmt.Errorf("staged upload in state %s, expected blob_written", u.state)
	}
	insertErr := u.idx.Insert(ctx, doc)
	if insertErr == nil {
		u.state = stateCommitted
		return nil
	}
	if delErr := u.store.Delete(ctx, u.storageKey); delErr != nil {
		u.state = stateOrphaned
		return &OrphanedBlobError{StorageKey: u.storageKey, Cause: insertErr, DeleteErr: delErr}
	}
	u.state = stateRolledBack
	return insertErr
}

// abort deletes the staged blob without committing metadata. Used when a
// post-write validation (e.g. a size mismatch) rejects the upload.
func (u *stagedUpload) abort(ctx context.Context, cause error) error {
	if u.state != stateBlobWritten {
		return cause
	}
	if delErr := u.store.Delete(ctx, u.storageKey); delErr != nil {
		u.state = stateOrphaned
		return &OrphanedBlobError{StorageKey: u.storageKey, Cause: cause, DeleteErr: delErr}
	}
	u.state = stateRolledBack
	return cause
}
