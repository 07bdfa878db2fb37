package service

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"docstore/internal/model"
)

// Knowledge manages a knowledge base: a local directory tree of files
// (typically markdown split from larger documents, plus images) that is
// mirrored into a flat object-key namespace. It fans many single-file
// transfers out through the document service under a bounded concurrency
// cap and reports per-file outcomes instead of aborting whole batches.
type Knowledge struct {
	svc           DocumentService
	basePath      string
	maxConcurrent int

	files []FileEntry
}

// FileEntry is one scanned file. RelativePath always uses forward slashes,
// regardless of platform, because it doubles as the object-key suffix.
type FileEntry struct {
	RelativePath string
	AbsolutePath string
}

// FileError records one file that failed within a batch.
type FileError struct {
	RelativePath string
	Err          error
}

// BatchResult partitions a batch into succeeded and failed entries. Every
// input file appears in exactly one of the two lists.
type BatchResult struct {
	Succeeded []string
	Failed    []FileError
}

// TreeNode is a nested projection of the scanned directory hierarchy.
type TreeNode struct {
	Files       []string             `json:"files,omitempty"`
	Directories map[string]*TreeNode `json:"directories,omitempty"`
}

const defaultMaxConcurrent = 8

// NewKnowledge scans basePath and returns a manager for it. Fails with
// ErrNotFound if the path does not exist and ErrNotADirectory if it is not a
// directory.
func NewKnowledge(svc DocumentService, basePath string, maxConcurrent int) (*Knowledge, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	k := &Knowledge{svc: svc, basePath: abs, maxConcurrent: maxConcurrent}
	if err := k.Rescan(); err != nil {
		return nil, err
	}
	return k, nil
}

// Rescan walks the base directory again. The traversal is sorted by relative
// path, so repeated scans of an unchanged tree produce identical ordering.
func (k *Knowledge) Rescan() error {
	st, err := os.Stat(k.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, k.basePath)
		}
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotADirectory, k.basePath)
	}

	var files []FileEntry
	err = filepath.WalkDir(k.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(k.basePath, p)
		if err != nil {
			return err
		}
		files = append(files, FileEntry{
			RelativePath: filepath.ToSlash(rel),
			AbsolutePath: p,
		})
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].RelativePath < files[j].RelativePath
	})
	k.files = files
	return nil
}

// BasePath returns the absolute path of the knowledge base root.
func (k *Knowledge) BasePath() string { return k.basePath }

// Files returns the scanned entries in deterministic order.
func (k *Knowledge) Files() []FileEntry {
	return append([]FileEntry(nil), k.files...)
}

// CountFiles returns the number of scanned files.
func (k *Knowledge) CountFiles() int { return len(k.files) }

// Structure projects the scanned files into a nested directory tree. It is
// pure: no I/O happens here.
func (k *Knowledge) Structure() *TreeNode {
	root := &TreeNode{}
	for _, f := range k.files {
		node := root
		parts := strings.Split(f.RelativePath, "/")
		for _, dir := range parts[:len(parts)-1] {
			if node.Directories == nil {
				node.Directories = make(map[string]*TreeNode)
			}
			child, ok := node.Directories[dir]
			if !ok {
				child = &TreeNode{}
				node.Directories[dir] = child
			}
			node = child
		}
		node.Files = append(node.Files, parts[len(parts)-1])
	}
	return root
}

// FileListWithPrefix returns the relative paths whose prefix matches.
func (k *Knowledge) FileListWithPrefix(prefix string) []string {
	out := make([]string, 0, len(k.files))
	for _, f := range k.files {
		if strings.HasPrefix(f.RelativePath, prefix) {
			out = append(out, f.RelativePath)
		}
	}
	return out
}

// documentKey maps a relative path to a document key, optionally namespaced
// under prefix. Separators are forward slashes on every platform.
func documentKey(prefix, relativePath string) string {
	if prefix == "" {
		return relativePath
	}
	return path.Join(prefix, relativePath)
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// UploadAll uploads every scanned file, at most maxConcurrent in flight at a
// time. One file's failure never aborts the batch: the result always
// partitions the full input into succeeded document keys and failed files.
// Cancelling ctx marks the remaining files as failed with the context error.
func (k *Knowledge) UploadAll(ctx context.Context, prefix string) (*BatchResult, error) {
	var (
		mu  sync.Mutex
		res BatchResult
	)

	g := &errgroup.Group{}
	g.SetLimit(k.maxConcurrent)

	for _, f := range k.files {
		f := f
		if err := ctx.Err(); err != nil {
			mu.Lock()
			res.Failed = append(res.Failed, FileError{RelativePath: f.RelativePath, Err: err})
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				res.Failed = append(res.Failed, FileError{RelativePath: f.RelativePath, Err: err})
				mu.Unlock()
				return nil
			}
			doc, err := k.svc.UploadFromFile(ctx, f.AbsolutePath, DocumentFields{
				Key:         documentKey(prefix, f.RelativePath),
				Filename:    path.Base(f.RelativePath),
				ContentType: contentTypeFor(f.RelativePath),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, FileError{RelativePath: f.RelativePath, Err: err})
				return nil
			}
			res.Succeeded = append(res.Succeeded, doc.Key)
			return nil
		})
	}
	_ = g.Wait() // workers record outcomes instead of returning errors

	sortBatch(&res)
	return &res, nil
}

// UploadFile uploads a single file from the knowledge base. The path may be
// absolute or relative to the base directory.
func (k *Knowledge) UploadFile(ctx context.Context, filePath, prefix string) (*model.Document, error) {
	resolved := filePath
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(k.basePath, filePath)
	}
	if _, err := os.Stat(resolved); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filePath)
		}
		return nil, err
	}
	rel, err := filepath.Rel(k.basePath, resolved)
	if err != nil {
		return nil, err
	}
	relSlash := filepath.ToSlash(rel)

	return k.svc.UploadFromFile(ctx, resolved, DocumentFields{
		Key:         documentKey(prefix, relSlash),
		Filename:    path.Base(relSlash),
		ContentType: contentTypeFor(relSlash),
	})
}

// DownloadAll writes every document under prefix back to destination,
// recreating the relative path structure. Destination defaults to the
// original base path. The index is authoritative for which keys exist, so a
// lagging backend listing cannot drop files from the batch.
func (k *Knowledge) DownloadAll(ctx context.Context, prefix, destination string) (*BatchResult, error) {
	if destination == "" {
		destination = k.basePath
	}

	keyPrefix := ""
	if prefix != "" {
		keyPrefix = prefix + "/"
	}
	docs, err := k.svc.ListDocuments(ctx, keyPrefix, 0)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		res BatchResult
	)
	g := &errgroup.Group{}
	g.SetLimit(k.maxConcurrent)

	for _, doc := range docs {
		doc := doc
		rel := strings.TrimPrefix(doc.Key, keyPrefix)
		if err := ctx.Err(); err != nil {
			mu.Lock()
			res.Failed = append(res.Failed, FileError{RelativePath: rel, Err: err})
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			record := func(err error) {
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					res.Failed = append(res.Failed, FileError{RelativePath: rel, Err: err})
					return
				}
				res.Succeeded = append(res.Succeeded, rel)
			}
			if err := ctx.Err(); err != nil {
				record(err)
				return nil
			}
			local := filepath.Join(destination, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
				record(err)
				return nil
			}
			record(k.svc.DownloadToFile(ctx, doc.Key, local))
			return nil
		})
	}
	_ = g.Wait()

	sortBatch(&res)
	return &res, nil
}

// DownloadFile fetches a single document to a local path. Destination
// defaults to the document key's path under the base directory.
func (k *Knowledge) DownloadFile(ctx context.Context, key, destination string) error {
	if destination == "" {
		destination = filepath.Join(k.basePath, filepath.FromSlash(key))
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}
	return k.svc.DownloadToFile(ctx, key, destination)
}

// sortBatch orders both partitions so results are stable for callers even
// though transfer completion order is not.
func sortBatch(res *BatchResult) {
	sort.Strings(res.Succeeded)
	sort.Slice(res.Failed, func(i, j int) bool {
		return res.Failed[i].RelativePath < res.Failed[j].RelativePath
	})
}
