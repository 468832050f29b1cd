package inventory

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/keglevelmonitor/development-sub000/internal/logging"
)

// currentVersion 1 had no version field, no total_dispensed_pulses and no
// calculated_starting_volume_liters.
const currentVersion = 2

// ErrKegNotFound is returned for an unknown keg id.
var ErrKegNotFound = errors.New("keg not found")

// ErrInvalidTap is returned for a tap index outside the configured range.
var ErrInvalidTap = errors.New("invalid tap index")

type envelope struct {
	Version int               `json:"version"`
	Kegs    []json.RawMessage `json:"kegs"`
	Taps    []TapSetting      `json:"taps"`
}

type outEnvelope struct {
	Version int          `json:"version"`
	Kegs    []Keg        `json:"kegs"`
	Taps    []TapSetting `json:"taps"`
}

// LoadReport summarizes what Load had to repair.
type LoadReport struct {
	Kegs     int
	Migrated []string // keg ids with back-filled fields
	Corrupt  []string // placeholder ids for unreadable records
	// Reset is set when the whole file was unreadable and was moved aside.
	Reset bool
}

// Store is the file-backed keg inventory. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	path     string
	taps     int
	defaultK float64
	kegs     map[string]Keg
	settings []TapSetting
	lastSum  [sha256.Size]byte
	external bool // an external edit was merged since the last Load
	logger   *slog.Logger
}

// NewStore creates a store for taps taps. It holds no data until Load.
func NewStore(path string, taps int, defaultK float64, logger *slog.Logger) *Store {
	logger = logging.Default(logger)
	s := &Store{
		path:     path,
		taps:     taps,
		defaultK: defaultK,
		kegs:     make(map[string]Keg),
		logger:   logger.With("component", "inventory", "path", path),
	}
	s.settings = s.normalizeSettings(nil)
	return s
}

// Path returns the inventory file path.
func (s *Store) Path() string {
	return s.path
}

// Load replaces the in-memory inventory with the file contents.
// A missing file yields an empty inventory. Unreadable records become
// flagged placeholders; an unreadable file is moved to <path>.corrupt.
func (s *Store) Load() (LoadReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report LoadReport
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.kegs = make(map[string]Keg)
			s.settings = s.normalizeSettings(nil)
			s.lastSum = [sha256.Size]byte{}
			s.external = false
			return report, nil
		}
		return report, fmt.Errorf("read inventory: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		backup := s.path + ".corrupt"
		if werr := os.WriteFile(backup, data, 0644); werr != nil {
			s.logger.Error("failed to back up unreadable inventory", "error", werr)
		}
		s.logger.Error("inventory unreadable, starting empty", "error", err, "backup", backup)
		s.kegs = make(map[string]Keg)
		s.settings = s.normalizeSettings(nil)
		s.lastSum = sha256.Sum256(data)
		s.external = false
		report.Reset = true
		return report, nil
	}
	if env.Version > currentVersion {
		return report, fmt.Errorf("inventory version %d is newer than supported version %d", env.Version, currentVersion)
	}

	s.kegs, report = s.decodeKegs(env.Kegs)
	s.settings = s.normalizeSettings(env.Taps)
	s.lastSum = sha256.Sum256(data)
	s.external = false

	if len(report.Migrated) > 0 {
		s.logger.Info("inventory migrated", "from_version", env.Version, "kegs", len(report.Migrated))
	}
	return report, nil
}

func (s *Store) decodeKegs(raws []json.RawMessage) (map[string]Keg, LoadReport) {
	var report LoadReport
	kegs := make(map[string]Keg, len(raws))
	for i, raw := range raws {
		k, migrated, err := decodeKeg(raw, s.defaultK)
		if err != nil {
			k = corruptPlaceholder(i)
			s.logger.Warn("keg record unreadable, replaced with placeholder", "index", i, "id", k.ID, "error", err)
			report.Corrupt = append(report.Corrupt, k.ID)
		} else if migrated {
			report.Migrated = append(report.Migrated, k.ID)
		}
		kegs[k.ID] = k
	}
	report.Kegs = len(kegs)
	return kegs, report
}

// syncLocked adopts an edit made to the file by another process since this
// store last read or wrote it. Mutations call it first, so their flush
// carries the edit forward instead of overwriting it. An unreadable file is
// left to the next flush to replace.
func (s *Store) syncLocked() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	sum := sha256.Sum256(data)
	if sum == s.lastSum {
		return
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Version > currentVersion {
		s.logger.Warn("external inventory edit unreadable, keeping memory copy", "error", err)
		return
	}
	s.kegs, _ = s.decodeKegs(env.Kegs)
	s.settings = s.normalizeSettings(env.Taps)
	s.lastSum = sum
	s.external = true
	s.logger.Info("merged external inventory edit")
}

// normalizeSettings pads or trims to the tap count and fills bad k-factors.
func (s *Store) normalizeSettings(in []TapSetting) []TapSetting {
	out := make([]TapSetting, s.taps)
	for i := range out {
		if i < len(in) {
			out[i] = in[i]
		}
		if out[i].KFactor <= 0 {
			out[i].KFactor = s.defaultK
		}
	}
	return out
}

// Save inserts or replaces kegs and flushes the inventory.
// In-memory state is updated even when the flush fails.
func (s *Store) Save(kegs ...Keg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()
	for _, k := range kegs {
		s.kegs[k.ID] = k
	}
	return s.flushLocked()
}

// Get returns a copy of keg id.
func (s *Store) Get(id string) (Keg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kegs[id]
	return k, ok
}

// List returns all kegs sorted by id.
func (s *Store) List() []Keg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Keg, 0, len(s.kegs))
	for _, k := range s.kegs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateDispensed sets the cumulative dispensed volume of keg id and adds
// pulsesDelta to its pulse total.
func (s *Store) UpdateDispensed(id string, totalLiters float64, pulsesDelta uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()
	k, ok := s.kegs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKegNotFound, id)
	}
	k.DispensedLiters = totalLiters
	k.DispensedPulses += pulsesDelta
	s.kegs[id] = k
	return s.flushLocked()
}

// Assignments returns the keg id per tap (Unassigned for offline taps).
func (s *Store) Assignments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.settings))
	for i, t := range s.settings {
		out[i] = t.KegID
	}
	return out
}

// Assign binds keg id to tap. Unassigned takes the tap offline.
func (s *Store) Assign(tap int, kegID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()
	if tap < 0 || tap >= len(s.settings) {
		return fmt.Errorf("%w: %d", ErrInvalidTap, tap)
	}
	if kegID != Unassigned {
		if _, ok := s.kegs[kegID]; !ok {
			return fmt.Errorf("%w: %s", ErrKegNotFound, kegID)
		}
	}
	s.settings[tap].KegID = kegID
	return s.flushLocked()
}

// KFactors returns the pulses-per-liter calibration per tap.
func (s *Store) KFactors() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.settings))
	for i, t := range s.settings {
		out[i] = t.KFactor
	}
	return out
}

// WriteKFactors replaces the calibration of every tap and flushes.
func (s *Store) WriteKFactors(k []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(k) != len(s.settings) {
		return fmt.Errorf("got %d k-factors for %d taps", len(k), len(s.settings))
	}
	for i, v := range k {
		if v <= 0 {
			return fmt.Errorf("tap %d: k-factor must be positive, got %v", i, v)
		}
	}
	s.syncLocked()
	for i, v := range k {
		s.settings[i].KFactor = v
	}
	return s.flushLocked()
}

// MergedExternal reports whether a write since the last Load carried an
// external edit forward, and clears the flag. Callers holding copies of
// store data must then reload them.
func (s *Store) MergedExternal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := s.external
	s.external = false
	return merged
}

// ChangedOnDisk reports whether the file differs from what this store last
// read or wrote. Used to tell external edits from our own writes.
func (s *Store) ChangedOnDisk() bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	return sum != s.lastSum
}

// flushLocked writes the inventory atomically: temp file, fsync, read-back
// validation, rename.
func (s *Store) flushLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create inventory directory: %w", err)
	}

	env := outEnvelope{Version: currentVersion, Kegs: make([]Keg, 0, len(s.kegs)), Taps: s.settings}
	for _, k := range s.kegs {
		env.Kegs = append(env.Kegs, k)
	}
	sort.Slice(env.Kegs, func(i, j int) bool { return env.Kegs[i].ID < env.Kegs[j].ID })

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal inventory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	check, err := os.ReadFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("read-back temp file: %w", err)
	}
	if !bytes.Equal(check, data) {
		os.Remove(tmpPath)
		return errors.New("read-back validation failed: temp file differs")
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename inventory: %w", err)
	}
	s.lastSum = sha256.Sum256(data)
	return nil
}
