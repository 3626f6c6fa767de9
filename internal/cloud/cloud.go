// Package cloud defines the CloudStorage seam spec.md §6 names as an
// alternative transport to internal/transport's peer-to-peer libp2p
// implementation, plus a local-filesystem implementation that exercises
// it without a real cloud SDK.
package cloud

import (
	"fmt"
	"time"
)

// Config mirrors the Rust original's CloudStorageConfig (sync folder name,
// poll cadence, per-file ceiling).
type Config struct {
	SyncFolder   string
	PollInterval time.Duration
	MaxFileSize  int64
}

// DefaultConfig matches original_source's defaults (50MiB files, 30s poll).
func DefaultConfig() Config {
	return Config{SyncFolder: "PrivStack/sync", PollInterval: 30 * time.Second, MaxFileSize: 50 * 1024 * 1024}
}

// File describes one object in cloud storage.
type File struct {
	ID          string
	Name        string
	Path        string
	Size        int64
	ModifiedAt  time.Time
	ContentHash string
}

// ChangeSet is the result of one GetChanges poll.
type ChangeSet struct {
	Changed    []File
	Deleted    []string
	NextCursor string
}

// Storage is the provider-agnostic cloud transport spec.md §6 names,
// grounded on original_source/core/privstack-sync/src/cloud/storage.rs's
// CloudStorage trait. ProviderName is kept; IsAuthenticated/Authenticate/
// CompleteAuth are omitted here: the local-fs implementation this module ships needs no
// OAuth dance, and a real provider (Drive/iCloud) would layer its own auth
// flow on top of this same interface rather than forcing one shape on it.
type Storage interface {
	ProviderName() string
	ListFiles() ([]File, error)
	GetChanges(cursor string) (ChangeSet, error)
	Upload(name string, content []byte) (File, error)
	Download(fileID string) ([]byte, error)
	Delete(fileID string) error
	EnsureSyncFolder() error
}

// ErrFileTooLarge is returned by Upload when content exceeds Config.MaxFileSize.
type ErrFileTooLarge struct {
	Size, Max int64
}

func (e ErrFileTooLarge) Error() string {
	return fmt.Sprintf("cloud: file of %d bytes exceeds %d byte ceiling", e.Size, e.Max)
}

// ErrNotFound is returned by Download/Delete for an unknown file id.
type ErrNotFound struct{ FileID string }

func (e ErrNotFound) Error() string { return fmt.Sprintf("cloud: file %s not found", e.FileID) }
