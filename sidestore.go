package gramdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Side store keys live outside the collections under this prefix.
const sidePrefix = "local/"

const (
	keyActiveUser     = sidePrefix + "active_user"
	keyRemoteEndpoint = sidePrefix + "remote_endpoint"
	keyActivityLog    = sidePrefix + "activity_log"
	keyAttendance     = sidePrefix + "attendance"
	keyCheckpoints    = sidePrefix + "checkpoints/"
	keyPending        = sidePrefix + "pending/"
)

// MaxActivityEntries bounds the activity log.
const MaxActivityEntries = 20

// ActivityEntry records one successful payload import.
type ActivityEntry struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Type    string `json:"type"`
	Date    string `json:"date"`
	Teacher string `json:"teacher"`
	Phone   string `json:"phone"`
}

// Checkpoint is the persisted replication state of one collection.
type Checkpoint struct {
	Synced      bool   `json:"synced"`
	LastSuccess int64  `json:"lastSuccess,omitempty"`
	LastAttempt int64  `json:"lastAttempt,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// SideStore holds device-local state that is not part of any collection:
// the active user, the remote endpoint, the activity log, the attendance
// ledger and per-collection replication bookkeeping.
type SideStore struct {
	backend StorageBackend
	mu      sync.Mutex
}

// NewSideStore wraps a backend.
func NewSideStore(backend StorageBackend) *SideStore {
	return &SideStore{backend: backend}
}

func (s *SideStore) readJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.backend.Read(ctx, key)
	if IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *SideStore) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.backend.Write(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// ActiveUser returns the id of the logged-in user, or "".
func (s *SideStore) ActiveUser(ctx context.Context) (string, error) {
	var id string
	_, err := s.readJSON(ctx, keyActiveUser, &id)
	return id, err
}

// SetActiveUser records the logged-in user; "" clears it.
func (s *SideStore) SetActiveUser(ctx context.Context, id string) error {
	if id == "" {
		return s.backend.Delete(ctx, keyActiveUser)
	}
	return s.writeJSON(ctx, keyActiveUser, id)
}

// RemoteEndpoint returns the stored class server base URL, or "".
func (s *SideStore) RemoteEndpoint(ctx context.Context) (string, error) {
	var endpoint string
	_, err := s.readJSON(ctx, keyRemoteEndpoint, &endpoint)
	return endpoint, err
}

// SetRemoteEndpoint stores the class server base URL.
func (s *SideStore) SetRemoteEndpoint(ctx context.Context, endpoint string) error {
	return s.writeJSON(ctx, keyRemoteEndpoint, strings.TrimRight(endpoint, "/"))
}

// ActivityLog returns the import history, most recent first.
func (s *SideStore) ActivityLog(ctx context.Context) ([]ActivityEntry, error) {
	var entries []ActivityEntry
	_, err := s.readJSON(ctx, keyActivityLog, &entries)
	return entries, err
}

// AppendActivity prepends e and trims the log to MaxActivityEntries.
func (s *SideStore) AppendActivity(ctx context.Context, e ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.ActivityLog(ctx)
	if err != nil {
		return err
	}
	entries = append([]ActivityEntry{e}, entries...)
	if len(entries) > MaxActivityEntries {
		entries = entries[:MaxActivityEntries]
	}
	return s.writeJSON(ctx, keyActivityLog, entries)
}

// Attendance returns the ISO dates (YYYY-MM-DD) marked present, ascending.
func (s *SideStore) Attendance(ctx context.Context) ([]string, error) {
	var dates []string
	_, err := s.readJSON(ctx, keyAttendance, &dates)
	return dates, err
}

// MarkAttendance adds the date of t to the ledger. It reports whether the
// date was new.
func (s *SideStore) MarkAttendance(ctx context.Context, t time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := t.Format(time.DateOnly)
	dates, err := s.Attendance(ctx)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(dates, day)
	if i < len(dates) && dates[i] == day {
		return false, nil
	}
	dates = append(dates, "")
	copy(dates[i+1:], dates[i:])
	dates[i] = day
	return true, s.writeJSON(ctx, keyAttendance, dates)
}

// Checkpoint returns the replication checkpoint of a collection.
func (s *SideStore) Checkpoint(ctx context.Context, collection string) (Checkpoint, error) {
	var cp Checkpoint
	_, err := s.readJSON(ctx, keyCheckpoints+collection, &cp)
	return cp, err
}

// SaveCheckpoint persists a collection's replication checkpoint.
func (s *SideStore) SaveCheckpoint(ctx context.Context, collection string, cp Checkpoint) error {
	return s.writeJSON(ctx, keyCheckpoints+collection, cp)
}

func pendingKey(collection, id string) string {
	return keyPending + collection + "/" + url.PathEscape(id)
}

// MarkPending queues a locally changed document for the next push.
func (s *SideStore) MarkPending(ctx context.Context, collection, id string) error {
	return s.backend.Write(ctx, pendingKey(collection, id), []byte("1"))
}

// ClearPending removes a document from the push queue.
func (s *SideStore) ClearPending(ctx context.Context, collection, id string) error {
	return s.backend.Delete(ctx, pendingKey(collection, id))
}

// PendingIDs lists the queued document ids of a collection.
func (s *SideStore) PendingIDs(ctx context.Context, collection string) ([]string, error) {
	prefix := keyPending + collection + "/"
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id, err := url.PathUnescape(strings.TrimPrefix(k, prefix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Keys lists every side store key, for backups.
func (s *SideStore) Keys(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx, sidePrefix)
}
