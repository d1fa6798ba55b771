package snapshot

// ============================================================================
// State snapshot persistence
// Responsibilities:
// 1. Serialize the canonical StateSnapshot to a JSON file
// 2. Write atomically (fsynced temp file + rename) so a crash never leaves a
//    torn file
// 3. Check the schema version on load
// 4. Optionally keep rotated backups and fall back to them on load
// 5. Give the orchestrator a warm start after a restart
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/ChuLiYu/dashsync/pkg/types"
)

// SchemaVersion is the only version Load accepts.
const SchemaVersion = 1

// backupLayout sorts lexically in time order.
const backupLayout = "20060102T150405.000000000"

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager reads and writes one snapshot file.
type Manager struct {
	path  string
	clock clock.Clock
	keep  int
	mu    sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackups keeps the previous n snapshot files next to the current one.
// Zero disables backups.
func WithBackups(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.keep = n
		}
	}
}

// NewManager creates a manager for path. A nil clock uses the wall clock.
func NewManager(path string, clk clock.Clock, opts ...Option) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	m := &Manager{path: path, clock: clk}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Write atomically replaces the snapshot file.
//
// Steps:
//  1. with backups enabled, move the current file to <path>.<timestamp>
//  2. write and fsync <path>.tmp
//  3. rename it over <path>
//  4. prune backups beyond the configured count
//
// SchemaVer is forced to SchemaVersion and TakenAt is stamped when unset.
func (m *Manager) Write(snap types.StateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keep > 0 {
		if _, err := os.Stat(m.path); err == nil {
			backupPath := m.path + "." + m.clock.Now().UTC().Format(backupLayout)
			if err := os.Rename(m.path, backupPath); err != nil {
				return errors.Wrap(err, "back up old snapshot")
			}
		}
	}
	if err := m.writeLocked(snap); err != nil {
		return err
	}
	if m.keep > 0 {
		return m.pruneBackups(m.keep)
	}
	return nil
}

func (m *Manager) writeLocked(snap types.StateSnapshot) error {
	snap.SchemaVer = SchemaVersion
	if snap.TakenAt.IsZero() {
		snap.TakenAt = m.clock.Now()
	}
	if snap.Domains == nil {
		snap.Domains = make(map[types.Domain]types.DomainState)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create snapshot directory %s", dir)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename snapshot")
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create temp snapshot")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "write temp snapshot")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sync temp snapshot")
	}
	return errors.Wrap(f.Close(), "close temp snapshot")
}

// Load reads the snapshot.
//
// Behavior:
//   - missing file: empty snapshot, no error (first start)
//   - unparsable file: ErrCorruptedSnapshot
//   - other schema version: ErrIncompatibleVersion
//
// With backups enabled, a missing or corrupted file falls back to the newest
// backup that loads.
func (m *Manager) Load() (types.StateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := loadFile(m.path)
	if m.keep == 0 {
		if os.IsNotExist(errors.Cause(err)) {
			return types.NewStateSnapshot(), nil
		}
		return snap, err
	}
	if err == nil || !(os.IsNotExist(errors.Cause(err)) || errors.Is(err, ErrCorruptedSnapshot)) {
		return snap, err
	}

	backups, listErr := m.backupsLocked()
	if listErr != nil {
		return types.StateSnapshot{}, listErr
	}
	for i := len(backups) - 1; i >= 0; i-- {
		if restored, berr := loadFile(backups[i]); berr == nil {
			return restored, nil
		}
	}
	if os.IsNotExist(errors.Cause(err)) {
		return types.NewStateSnapshot(), nil
	}
	return types.StateSnapshot{}, err
}

func loadFile(path string) (types.StateSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.StateSnapshot{}, err
		}
		return types.StateSnapshot{}, errors.Wrap(err, "read snapshot")
	}

	var snap types.StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return types.StateSnapshot{}, errors.Wrapf(ErrCorruptedSnapshot, "%v", err)
	}
	if snap.SchemaVer != SchemaVersion {
		return types.StateSnapshot{}, errors.Wrapf(ErrIncompatibleVersion, "got %d, want %d", snap.SchemaVer, SchemaVersion)
	}
	if snap.Domains == nil {
		snap.Domains = make(map[types.Domain]types.DomainState)
	}
	return snap, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the snapshot file path.
func (m *Manager) Path() string {
	return m.path
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backupsLocked()
}

func (m *Manager) backupsLocked() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, errors.Wrap(err, "list backups")
	}
	out := matches[:0]
	for _, p := range matches {
		if !strings.HasSuffix(p, ".tmp") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) pruneBackups(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.backupsLocked()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return errors.Wrap(err, "remove old backup")
		}
		backups = backups[1:]
	}
	return nil
}
