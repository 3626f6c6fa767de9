package cloud

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	gosync "sync"
	"time"
)

// LocalFS is a filesystem-backed Storage, standing in for a real provider
// (Google Drive, iCloud) the way internal/blob's content-addressed store
// stands in for a remote blob service: same interface, local disk underneath.
// Grounded on internal/blob/store.go's atomic write-then-rename pattern and
// original_source/core/privstack-sync/src/cloud/storage.rs's trait shape.
type LocalFS struct {
	root string
	cfg  Config

	mu      gosync.Mutex
	journal []journalEntry
	nextSeq int64
}

// journalEntry records one Upload or Delete so GetChanges can answer "what
// changed since cursor X" without scanning mtimes, which would miss deletes.
type journalEntry struct {
	Seq       int64     `json:"seq"`
	File      File      `json:"file,omitempty"`
	DeletedID string    `json:"deleted_id,omitempty"`
	At        time.Time `json:"at"`
}

// NewLocalFS creates (if needed) root/cfg.SyncFolder and loads its journal.
func NewLocalFS(root string, cfg Config) (*LocalFS, error) {
	if cfg.SyncFolder == "" {
		cfg = DefaultConfig()
	}
	fs := &LocalFS{root: root, cfg: cfg}
	if err := fs.EnsureSyncFolder(); err != nil {
		return nil, err
	}
	if err := fs.loadJournal(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *LocalFS) ProviderName() string { return "localfs" }

func (fs *LocalFS) syncDir() string { return filepath.Join(fs.root, fs.cfg.SyncFolder) }

func (fs *LocalFS) journalPath() string { return filepath.Join(fs.syncDir(), ".cloud-journal.json") }

func (fs *LocalFS) EnsureSyncFolder() error {
	if err := os.MkdirAll(fs.syncDir(), 0700); err != nil {
		return fmt.Errorf("cloud: create sync folder: %w", err)
	}
	return nil
}

func (fs *LocalFS) loadJournal() error {
	data, err := os.ReadFile(fs.journalPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cloud: read journal: %w", err)
	}
	var entries []journalEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("cloud: decode journal: %w", err)
	}
	fs.journal = entries
	for _, e := range entries {
		if e.Seq > fs.nextSeq {
			fs.nextSeq = e.Seq
		}
	}
	return nil
}

// saveJournal writes the journal atomically, matching blob.Store.Put's
// write-to-temp-then-rename pattern.
func (fs *LocalFS) saveJournal() error {
	data, err := json.Marshal(fs.journal)
	if err != nil {
		return fmt.Errorf("cloud: encode journal: %w", err)
	}
	tmp := fs.journalPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("cloud: write journal: %w", err)
	}
	if err := os.Rename(tmp, fs.journalPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cloud: finalize journal: %w", err)
	}
	return nil
}

func (fs *LocalFS) ListFiles() ([]File, error) {
	entries, err := os.ReadDir(fs.syncDir())
	if err != nil {
		return nil, fmt.Errorf("cloud: list sync folder: %w", err)
	}
	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" || e.Name() == ".cloud-journal.json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, File{
			ID: e.Name(), Name: e.Name(), Path: filepath.Join(fs.cfg.SyncFolder, e.Name()),
			Size: info.Size(), ModifiedAt: info.ModTime(),
		})
	}
	return files, nil
}

func (fs *LocalFS) GetChanges(cursor string) (ChangeSet, error) {
	var after int64
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return ChangeSet{}, fmt.Errorf("cloud: invalid cursor %q: %w", cursor, err)
		}
		after = n
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	var cs ChangeSet
	cs.NextCursor = cursor
	for _, e := range fs.journal {
		if e.Seq <= after {
			continue
		}
		if e.DeletedID != "" {
			cs.Deleted = append(cs.Deleted, e.DeletedID)
		} else {
			cs.Changed = append(cs.Changed, e.File)
		}
		cs.NextCursor = strconv.FormatInt(e.Seq, 10)
	}
	return cs, nil
}

func (fs *LocalFS) Upload(name string, content []byte) (File, error) {
	if fs.cfg.MaxFileSize > 0 && int64(len(content)) > fs.cfg.MaxFileSize {
		return File{}, ErrFileTooLarge{Size: int64(len(content)), Max: fs.cfg.MaxFileSize}
	}

	path := filepath.Join(fs.syncDir(), name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return File{}, fmt.Errorf("cloud: write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return File{}, fmt.Errorf("cloud: finalize file: %w", err)
	}

	hash := sha256.Sum256(content)
	file := File{
		ID: name, Name: name, Path: filepath.Join(fs.cfg.SyncFolder, name),
		Size: int64(len(content)), ModifiedAt: time.Now(), ContentHash: hex.EncodeToString(hash[:]),
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextSeq++
	fs.journal = append(fs.journal, journalEntry{Seq: fs.nextSeq, File: file, At: file.ModifiedAt})
	if err := fs.saveJournal(); err != nil {
		return File{}, err
	}
	return file, nil
}

func (fs *LocalFS) Download(fileID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(fs.syncDir(), fileID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound{FileID: fileID}
	}
	if err != nil {
		return nil, fmt.Errorf("cloud: read file: %w", err)
	}
	return data, nil
}

func (fs *LocalFS) Delete(fileID string) error {
	path := filepath.Join(fs.syncDir(), fileID)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound{FileID: fileID}
		}
		return fmt.Errorf("cloud: delete file: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextSeq++
	fs.journal = append(fs.journal, journalEntry{Seq: fs.nextSeq, DeletedID: fileID, At: time.Now()})
	return fs.saveJournal()
}

var _ Storage = (*LocalFS)(nil)
