package model

import "time"

// Package model contains the domain types for stored documents.
// These are pure data structures with no persistence or transport coupling,
// so they can be shared across the index, storage, service and HTTP layers.

// Tag is an immutable label attached to a document.
// Two tags are considered the same tag when their Name fields match.
type Tag struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// DocumentMetadata describes a document's file information and user-supplied
// fields. All timestamps are UTC and UpdatedAt is never before CreatedAt.
type DocumentMetadata struct {
	Filename     string         `json:"filename"`
	ContentType  string         `json:"content_type"`
	Size         int64          `json:"size"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Description  string         `json:"description,omitempty"`
	Tags         []Tag          `json:"tags,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
	Aliases      []string       `json:"aliases,omitempty"`
}

// Document is a unit of stored content: a unique key, its metadata, and the
// object key the blob lives under in the storage backend. Key and StorageKey
// are immutable once the document has been created.
type Document struct {
	Key        string           `json:"key"`
	Metadata   DocumentMetadata `json:"metadata"`
	StorageKey string           `json:"storage_key"`
}

// DedupeTags collapses duplicate tag names while preserving the order of
// first appearance.
func DedupeTags(tags []Tag) []Tag {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]Tag, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t.Name]; ok {
			continue
		}
		seen[t.Name] = struct{}{}
		out = append(out, t)
	}
	return out
}

// DedupeAliases removes duplicate and empty aliases, preserving order of
// first appearance.
func DedupeAliases(aliases []string) []string {
	if len(aliases) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(aliases))
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Clone returns a deep copy of the metadata. Slices and the custom field map
// are copied so callers can mutate the clone freely.
func (m DocumentMetadata) Clone() DocumentMetadata {
	out := m
	if m.Tags != nil {
		out.Tags = append([]Tag(nil), m.Tags...)
	}
	if m.Aliases != nil {
		out.Aliases = append([]string(nil), m.Aliases...)
	}
	if m.CustomFields != nil {
		out.CustomFields = make(map[string]any, len(m.CustomFields))
		for k, v := range m.CustomFields {
			out.CustomFields[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	return Document{
		Key:        d.Key,
		Metadata:   d.Metadata.Clone(),
		StorageKey: d.StorageKey,
	}
}

// HasAlias reports whether the document carries the given alias.
func (d Document) HasAlias(alias string) bool {
	for _, a := range d.Metadata.Aliases {
		if a == alias {
			return true
		}
	}
	return false
}
