package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"docstore/internal/model"
)

// Memory is an in-memory Index. State lives for the process lifetime only:
// there is no persistence and nothing survives a restart. Callers that need
// durability should use the postgres implementation instead; the interface
// contract is identical.
//
// A single mutex guards all maps, which also serializes updates on the same
// key: the last committed patch wins, partial merges cannot occur. Documents
// are cloned on the way in and out so callers can never mutate indexed state.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]*model.Document
	aliases map[string]string              // alias -> document key
	tags    map[string]map[string]struct{} // tag name -> set of document keys
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[string]*model.Document),
		aliases: make(map[string]string),
		tags:    make(map[string]map[string]struct{}),
	}
}

var _ Index = (*Memory)(nil)

func (m *Memory) Insert(_ context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[doc.Key]; ok {
		return ErrDuplicateKey
	}
	for _, alias := range doc.Metadata.Aliases {
		if owner, ok := m.aliases[alias]; ok && owner != doc.Key {
			return ErrDuplicateAlias
		}
	}

	stored := doc.Clone()
	stored.Metadata.Tags = model.DedupeTags(stored.Metadata.Tags)
	stored.Metadata.Aliases = model.DedupeAliases(stored.Metadata.Aliases)

	m.docs[stored.Key] = &stored
	m.indexAliases(&stored)
	m.indexTags(&stored)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := doc.Clone()
	return &out, nil
}

func (m *Memory) GetByAlias(_ context.Context, alias string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.aliases[alias]
	if !ok {
		return nil, ErrNotFound
	}
	out := m.docs[key].Clone()
	return &out, nil
}

func (m *Memory) Update(_ context.Context, key string, patch MetadataPatch) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}

	next := doc.Clone()
	if patch.Description != nil {
		next.Metadata.Description = *patch.Description
	}
	if patch.Tags != nil {
		next.Metadata.Tags = model.DedupeTags(patch.Tags)
	}
	if patch.CustomFields != nil {
		next.Metadata.CustomFields = patch.CustomFields
	}
	if patch.Aliases != nil {
		aliases := model.DedupeAliases(patch.Aliases)
		// Validate before committing anything: one conflict rejects the patch.
		for _, alias := range aliases {
			if owner, ok := m.aliases[alias]; ok && owner != key {
				return nil, ErrDuplicateAlias
			}
		}
		next.Metadata.Aliases = aliases
	}

	now := time.Now().UTC()
	if now.Before(next.Metadata.CreatedAt) {
		now = next.Metadata.CreatedAt
	}
	next.Metadata.UpdatedAt = now

	m.unindexAliases(doc)
	m.unindexTags(doc)
	m.docs[key] = &next
	m.indexAliases(&next)
	m.indexTags(&next)

	out := next.Clone()
	return &out, nil
}

func (m *Memory) List(_ context.Context, prefix string, limit int) ([]model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.docs))
	for key := range m.docs {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]model.Document, 0, len(keys))
	for _, key := range keys {
		out = append(out, m.docs[key].Clone())
	}
	return out, nil
}

func (m *Memory) ListByTag(_ context.Context, tag string) ([]model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.tags[tag]
	keys := make([]string, 0, len(members))
	for key := range members {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]model.Document, 0, len(keys))
	for _, key := range keys {
		out = append(out, m.docs[key].Clone())
	}
	return out, nil
}

func (m *Memory) Remove(_ context.Context, key string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	m.unindexAliases(doc)
	m.unindexTags(doc)
	delete(m.docs, key)

	out := doc.Clone()
	return &out, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.docs = make(map[string]*model.Document)
	m.aliases = make(map[string]string)
	m.tags = make(map[string]map[string]struct{})
	return nil
}

func (m *Memory) indexAliases(doc *model.Document) {
	for _, alias := range doc.Metadata.Aliases {
		m.aliases[alias] = doc.Key
	}
}

func (m *Memory) unindexAliases(doc *model.Document) {
	for _, alias := range doc.Metadata.Aliases {
		delete(m.aliases, alias)
	}
}

func (m *Memory) indexTags(doc *model.Document) {
	for _, tag := range doc.Metadata.Tags {
		members, ok := m.tags[tag.Name]
		if !ok {
			members = make(map[string]struct{})
			m.tags[tag.Name] = members
		}
		members[doc.Key] = struct{}{}
	}
}

func (m *Memory) unindexTags(doc *model.Document) {
	for _, tag := range doc.Metadata.Tags {
		if members, ok := m.tags[tag.Name]; ok {
			delete(members, doc.Key)
			if len(members) == 0 {
				delete(m.tags, tag.Name)
			}
		}
	}
}
