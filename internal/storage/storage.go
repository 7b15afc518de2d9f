// Package storage implements the per-node key-value engine: an
// authoritative primary store for keys this node is responsible for, and
// a backup store (bucketed by primary node id) for replicas this node
// holds on behalf of other nodes.
//
// Writes are persisted to disk one file per key, written to a temp
// file and atomically renamed into place so a crashed write never
// leaves a truncated record behind. Persistence is best-effort: this
// package never calls fsync.
package storage

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"chordkv/internal/vclock"

	"github.com/bytedance/sonic"
)

// ErrNotFound is returned by callers that need an error rather than a
// bool to report a missing key (e.g. the node runtime's GET path).
var ErrNotFound = errors.New("storage: key not found")

// VersionedValue pairs an opaque payload with the vector clock version
// that produced it.
type VersionedValue struct {
	Value   []byte       `json:"value"`
	Version vclock.Clock `json:"version"`
}

// record is the on-disk / wire shape for one key.
type record struct {
	Key     string       `json:"key"`
	Value   []byte       `json:"value"`
	Version vclock.Clock `json:"version"`
	Role    string       `json:"role"`
}

const (
	roleVersionPrimary = "primary"
	roleVersionBackup  = "backup"
)

// Store is the primary+backup dual store for one node. Safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	selfID  int
	primary map[string]VersionedValue
	backup  map[int]map[string]VersionedValue
	baseDir string // empty disables persistence
	nodeDir string
}

// Open creates a Store for selfID. If baseDir is non-empty, persisted
// records under <baseDir>/node_<selfID>/ are loaded into memory and
// subsequent writes are persisted there.
func Open(selfID int, baseDir string) (*Store, error) {
	s := &Store{
		selfID:  selfID,
		primary: make(map[string]VersionedValue),
		backup:  make(map[int]map[string]VersionedValue),
	}
	if baseDir == "" {
		return s, nil
	}
	s.baseDir = baseDir
	s.nodeDir = filepath.Join(baseDir, fmt.Sprintf("node_%d", selfID))
	if err := os.MkdirAll(s.primaryDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create primary dir: %w", err)
	}
	if err := os.MkdirAll(s.backupRootDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	if err := s.loadAll(); err != nil {
		return nil, fmt.Errorf("load persisted records: %w", err)
	}
	return s, nil
}

func (s *Store) primaryDir() string {
	return filepath.Join(s.nodeDir, "primary")
}

func (s *Store) backupRootDir() string {
	return filepath.Join(s.nodeDir, "backup")
}

func (s *Store) backupDir(primaryID int) string {
	return filepath.Join(s.backupRootDir(), fmt.Sprintf("node_%d", primaryID))
}

// Put stores key with value under the given version. If version is nil,
// the version is derived by copying the existing primary version for
// key (or an empty clock) and incrementing this node's counter.
func (s *Store) Put(key string, value []byte, version vclock.Clock) (vclock.Clock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version == nil {
		if existing, ok := s.primary[key]; ok {
			version = existing.Version.Copy()
		} else {
			version = vclock.New()
		}
		version.Increment(s.selfID)
	}

	vv := VersionedValue{Value: value, Version: version}
	if err := s.persist(key, vv, roleVersionPrimary, 0); err != nil {
		return nil, err
	}
	s.primary[key] = vv
	return version, nil
}

// Get returns the current primary value for key.
func (s *Store) Get(key string) (VersionedValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vv, ok := s.primary[key]
	return vv, ok
}

// PutBackup stores a backup copy of key on behalf of primaryID. The
// stored version is the elementwise-max of any existing backup version
// and the incoming version, followed by incrementing this node's own
// counter — this guarantees the stored version strictly dominates the
// incoming one, as required when accepting a replica write.
func (s *Store) PutBackup(key string, value []byte, version vclock.Clock, primaryID int) (vclock.Clock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.backup[primaryID]
	base := vclock.New()
	if bucket != nil {
		if existing, ok := bucket[key]; ok {
			base = existing.Version
		}
	}
	merged := base.Merge(version, s.selfID)

	vv := VersionedValue{Value: value, Version: merged}
	if err := s.persist(key, vv, roleVersionBackup, primaryID); err != nil {
		return nil, err
	}
	if bucket == nil {
		bucket = make(map[string]VersionedValue)
		s.backup[primaryID] = bucket
	}
	bucket[key] = vv
	return merged, nil
}

// SetBackup stores a backup copy of key under primaryID with the
// version taken as-is, keeping the existing entry when it is not
// strictly dominated by the incoming one. Unlike PutBackup it adds no
// local increment: it accepts an authoritative, already-reconciled
// version that must compare equal on later reconciliation rounds.
func (s *Store) SetBackup(key string, value []byte, version vclock.Clock, primaryID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.backup[primaryID]
	if bucket != nil {
		if existing, ok := bucket[key]; ok && !existing.Version.HappensBefore(version) {
			return nil
		}
	}

	vv := VersionedValue{Value: value, Version: version}
	if err := s.persist(key, vv, roleVersionBackup, primaryID); err != nil {
		return err
	}
	if bucket == nil {
		bucket = make(map[string]VersionedValue)
		s.backup[primaryID] = bucket
	}
	bucket[key] = vv
	return nil
}

// GetBackup returns the backup copy of key held on behalf of primaryID.
func (s *Store) GetBackup(key string, primaryID int) (VersionedValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.backup[primaryID]
	if !ok {
		return VersionedValue{}, false
	}
	vv, ok := bucket[key]
	return vv, ok
}

// Delete removes key from the primary store, memory and disk both.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.primary, key)
	return s.removeFile(s.primaryDir(), key)
}

// DeleteBackup removes key from the backup bucket held for primaryID.
func (s *Store) DeleteBackup(key string, primaryID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.backup[primaryID]; ok {
		delete(bucket, key)
	}
	return s.removeFile(s.backupDir(primaryID), key)
}

// AllPrimaryKeys returns every key this node holds as primary.
func (s *Store) AllPrimaryKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.primary))
	for k := range s.primary {
		keys = append(keys, k)
	}
	return keys
}

// AllBackupsFor returns a copy of every backup record held on behalf of
// primaryID.
func (s *Store) AllBackupsFor(primaryID int) map[string]VersionedValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.backup[primaryID]
	out := make(map[string]VersionedValue, len(bucket))
	for k, v := range bucket {
		out[k] = v
	}
	return out
}

// BackupPrimaries returns the primary node ids this node currently
// holds backup buckets for.
func (s *Store) BackupPrimaries() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.backup))
	for id := range s.backup {
		ids = append(ids, id)
	}
	return ids
}

// PromoteBackups moves every backup held under primaryID into the
// primary store, keeping the newer version on conflict, then purges the
// entire backup bucket for primaryID, not just the keys actually
// promoted. Returns the number of keys promoted into the primary store.
func (s *Store) PromoteBackups(primaryID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.backup[primaryID]
	promoted := 0
	for key, incoming := range bucket {
		existing, ok := s.primary[key]
		if !ok || existing.Version.HappensBefore(incoming.Version) {
			if err := s.persist(key, incoming, roleVersionPrimary, 0); err == nil {
				s.primary[key] = incoming
				promoted++
			}
		}
	}
	delete(s.backup, primaryID)
	_ = os.RemoveAll(s.backupDir(primaryID))
	return promoted
}

func (s *Store) persist(key string, vv VersionedValue, role string, primaryID int) error {
	if s.baseDir == "" {
		return nil
	}
	dir := s.primaryDir()
	if role == roleVersionBackup {
		dir = s.backupDir(primaryID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create backup bucket dir: %w", err)
		}
	}

	rec := record{Key: key, Value: vv.Value, Version: vv.Version, Role: role}
	data, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	path := filepath.Join(dir, url.PathEscape(key))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

func (s *Store) removeFile(dir, key string) error {
	if s.baseDir == "" {
		return nil
	}
	path := filepath.Join(dir, url.PathEscape(key))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

func (s *Store) loadAll() error {
	if err := s.loadDir(s.primaryDir()); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.backupRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var primaryID int
		if _, err := fmt.Sscanf(e.Name(), "node_%d", &primaryID); err != nil {
			continue
		}
		if err := s.loadDir(filepath.Join(s.backupRootDir(), e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".tmp" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		var rec record
		if err := sonic.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode record %s: %w", name, err)
		}
		vv := VersionedValue{Value: rec.Value, Version: rec.Version}
		switch rec.Role {
		case roleVersionPrimary:
			s.primary[rec.Key] = vv
		case roleVersionBackup:
			var primaryID int
			if _, err := fmt.Sscanf(filepath.Base(dir), "node_%d", &primaryID); err != nil {
				continue
			}
			bucket := s.backup[primaryID]
			if bucket == nil {
				bucket = make(map[string]VersionedValue)
				s.backup[primaryID] = bucket
			}
			bucket[rec.Key] = vv
		}
	}
	return nil
}
