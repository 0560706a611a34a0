package gramdb

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// BackupConfig configures backup operations.
type BackupConfig struct {
	// Backend receives backup archives and the manifest, e.g. an S3Backend.
	Backend StorageBackend

	// Prefix namespaces backup keys inside Backend.
	// Default: "backups/".
	Prefix string

	// Compression enables gzip compression for archives.
	Compression bool

	// RetentionCount is the number of backups to retain.
	// Default: 10.
	RetentionCount int
}

// BackupManager writes point-in-time archives of every collection and the
// side store to a StorageBackend.
type BackupManager struct {
	db     *DB
	config BackupConfig
	mu     sync.Mutex
}

// BackupManifest tracks backup history.
type BackupManifest struct {
	Backups []BackupRecord `json:"backups"`
}

// BackupRecord describes one archive.
type BackupRecord struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Timestamp  time.Time `json:"timestamp"`
	Size       int64     `json:"size"`
	Entries    int       `json:"entries"`
	Compressed bool      `json:"compressed"`
}

// backupArchive is the archive body: raw storage entries by key.
type backupArchive struct {
	CreatedAt int64             `json:"createdAt"`
	Entries   map[string][]byte `json:"entries"`
}

// NewBackupManager creates a backup manager.
func NewBackupManager(db *DB, config BackupConfig) (*BackupManager, error) {
	if config.Backend == nil {
		return nil, errors.New("backup backend required")
	}
	if config.Prefix == "" {
		config.Prefix = "backups/"
	}
	if config.RetentionCount <= 0 {
		config.RetentionCount = 10
	}
	return &BackupManager{db: db, config: config}, nil
}

// Backup archives the current state. Each collection is read under its
// lock so every document in the archive is a committed version.
func (bm *BackupManager) Backup(ctx context.Context) (*BackupRecord, error) {
	if err := bm.db.checkOpen(); err != nil {
		return nil, err
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()

	start := bm.db.now()
	archive := backupArchive{CreatedAt: start.UnixMilli(), Entries: make(map[string][]byte)}
	for _, name := range Collections() {
		if err := bm.captureCollection(ctx, bm.db.collections[name], archive.Entries); err != nil {
			return nil, err
		}
	}
	if err := bm.capturePrefix(ctx, sidePrefix, archive.Entries); err != nil {
		return nil, err
	}

	data, err := bm.encode(archive)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("full_%d", start.UnixNano())
	record := BackupRecord{
		ID:         id,
		Key:        bm.config.Prefix + id + ".json",
		Timestamp:  start,
		Size:       int64(len(data)),
		Entries:    len(archive.Entries),
		Compressed: bm.config.Compression,
	}
	if record.Compressed {
		record.Key += ".gz"
	}
	if err := bm.config.Backend.Write(ctx, record.Key, data); err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}

	manifest, err := bm.loadManifest(ctx)
	if err != nil {
		return nil, err
	}
	manifest.Backups = append(manifest.Backups, record)
	bm.enforceRetention(ctx, manifest)
	if err := bm.saveManifest(ctx, manifest); err != nil {
		return nil, err
	}
	bm.db.logger.Info("backup written", "id", id, "entries", record.Entries, "bytes", record.Size)
	return &record, nil
}

func (bm *BackupManager) captureCollection(ctx context.Context, c *Collection, out map[string][]byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return bm.capturePrefix(ctx, c.name+"/", out)
}

func (bm *BackupManager) capturePrefix(ctx context.Context, prefix string, out map[string][]byte) error {
	keys, err := bm.db.backend.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list %s: %w", prefix, err)
	}
	for _, k := range keys {
		data, err := bm.db.backend.Read(ctx, k)
		if IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", k, err)
		}
		out[k] = data
	}
	return nil
}

// ListBackups returns all backup records, oldest first.
func (bm *BackupManager) ListBackups(ctx context.Context) ([]BackupRecord, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	m, err := bm.loadManifest(ctx)
	if err != nil {
		return nil, err
	}
	return m.Backups, nil
}

// RestoreBackup replaces the contents of dst with the archive id found in
// src. dst must not be in use by an open database; open it afterwards and
// documents migrate as usual.
func RestoreBackup(ctx context.Context, src StorageBackend, prefix, id string, dst StorageBackend) error {
	if prefix == "" {
		prefix = "backups/"
	}
	data, err := src.Read(ctx, prefix+"manifest.json")
	if err != nil {
		return fmt.Errorf("read backup manifest: %w", err)
	}
	var manifest BackupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("decode backup manifest: %w", err)
	}

	var record *BackupRecord
	for i := range manifest.Backups {
		if manifest.Backups[i].ID == id {
			record = &manifest.Backups[i]
			break
		}
	}
	if record == nil {
		return fmt.Errorf("backup not found: %s", id)
	}

	raw, err := src.Read(ctx, record.Key)
	if err != nil {
		return fmt.Errorf("read backup %s: %w", id, err)
	}
	archive, err := decodeArchive(raw, record.Compressed)
	if err != nil {
		return fmt.Errorf("decode backup %s: %w", id, err)
	}

	if err := Destroy(ctx, dst); err != nil {
		return err
	}
	keys := make([]string, 0, len(archive.Entries))
	for k := range archive.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := dst.Write(ctx, k, archive.Entries[k]); err != nil {
			return fmt.Errorf("restore %s: %w", k, err)
		}
	}
	return nil
}

func (bm *BackupManager) encode(archive backupArchive) ([]byte, error) {
	data, err := json.Marshal(archive)
	if err != nil {
		return nil, fmt.Errorf("encode backup: %w", err)
	}
	if !bm.config.Compression {
		return data, nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("compress backup: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress backup: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeArchive(data []byte, compressed bool) (backupArchive, error) {
	var archive backupArchive
	if compressed {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return archive, err
		}
		defer func() { _ = gz.Close() }()
		if data, err = io.ReadAll(gz); err != nil {
			return archive, err
		}
	}
	err := json.Unmarshal(data, &archive)
	return archive, err
}

func (bm *BackupManager) loadManifest(ctx context.Context) (*BackupManifest, error) {
	m := &BackupManifest{Backups: make([]BackupRecord, 0)}
	data, err := bm.config.Backend.Read(ctx, bm.config.Prefix+"manifest.json")
	if IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup manifest: %w", err)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode backup manifest: %w", err)
	}
	return m, nil
}

func (bm *BackupManager) saveManifest(ctx context.Context, m *BackupManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return bm.config.Backend.Write(ctx, bm.config.Prefix+"manifest.json", data)
}

func (bm *BackupManager) enforceRetention(ctx context.Context, m *BackupManifest) {
	for len(m.Backups) > bm.config.RetentionCount {
		old := m.Backups[0]
		if err := bm.config.Backend.Delete(ctx, old.Key); err != nil {
			bm.db.logger.Warn("failed to delete expired backup", "id", old.ID, "err", err)
		}
		m.Backups = m.Backups[1:]
	}
}
