package store

import (
	"errors"
	"time"
)

var (
	// ErrVersionConflict means a publish referenced a stale revision.
	ErrVersionConflict = errors.New("version conflict")
)

type AssetStatus string

const (
	AssetPending   AssetStatus = "pending"
	AssetProcessed AssetStatus = "processed"
	AssetPublished AssetStatus = "published"
)

type Asset struct {
	ID               string
	SourceURI        string
	Title            string
	FileName         string
	Status           AssetStatus
	Version          int
	PublishedVersion *int
	Files            []AssetFile
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AssetFile is the processed file of an asset for one locale.
type AssetFile struct {
	Locale      string
	ObjectKey   string
	URL         string
	ContentType string
	Size        int64
}

// File returns the processed file for locale, if any.
func (a Asset) File(locale string) (AssetFile, bool) {
	for _, f := range a.Files {
		if f.Locale == locale {
			return f, true
		}
	}
	return AssetFile{}, false
}

type EntryStatus string

const (
	EntryDraft     EntryStatus = "draft"
	EntryPublished EntryStatus = "published"
)

// Fields maps a field name to its per-locale values.
type Fields map[string]map[string]any

type Entry struct {
	ID               string
	SchemaID         string
	Fields           Fields
	Title            string
	BodyText         string
	Status           EntryStatus
	Version          int
	PublishedVersion *int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type ImportStatus string

const (
	ImportRunning   ImportStatus = "running"
	ImportCompleted ImportStatus = "completed"
	ImportFailed    ImportStatus = "failed"
)

type ImportRun struct {
	ID         string
	SchemaID   string
	Status     ImportStatus
	Total      int
	Completed  int
	Failed     int
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// CommitInfo describes a commit in the published-entry archive.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}
