package configstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnknownFile is returned for a config tag or name that does not exist.
	ErrUnknownFile = errors.New("configstore: unknown config file")

	// ErrVersionNotFound is returned when a numbered config file is missing.
	ErrVersionNotFound = errors.New("configstore: version not found")

	// ErrChecksum is returned when content does not match its checksum.
	ErrChecksum = errors.New("configstore: checksum mismatch")

	// ErrCorrupt is returned when config content cannot be parsed.
	ErrCorrupt = errors.New("configstore: corrupt config")
)

const (
	// PrivateFileMode grants owner to read/write a file.
	PrivateFileMode = 0o600

	// PrivateDirMode grants owner to make/remove files inside the directory.
	PrivateDirMode = 0o700

	wipedInfix = ".wiped."
	tmpSuffix  = ".tmp"
	linkSuffix = ".link"
)

// Store keeps versioned config files on stable storage.
//
// Every version of a config lives in its own file "<name>.<version>"; the
// symlink "<name>" points at the active version so activation is a single
// atomic rename. Deliberate deletions leave a "<name>.wiped.<version>" marker.
//
// Operations on one config file are serialized; different files proceed
// independently.
type Store struct {
	now   func() time.Time
	locks map[ConfigFile]*sync.Mutex
	dir   string
	keep  int
}

// New opens (creating if needed) the config directory. keep is the number of
// numbered versions Purge retains per config.
func New(dir string, keep int) (*Store, error) {
	if err := os.MkdirAll(dir, PrivateDirMode); err != nil {
		return nil, fmt.Errorf("configstore: create %s: %w", dir, err)
	}
	if keep < 1 {
		keep = 1
	}
	s := &Store{
		dir:   dir,
		keep:  keep,
		now:   time.Now,
		locks: make(map[ConfigFile]*sync.Mutex, len(files)),
	}
	for _, f := range files {
		s.locks[f] = &sync.Mutex{}
	}
	return s, nil
}

// Dir returns the config directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the path of the symlink naming the active version.
func (s *Store) Path(cfg ConfigFile) string {
	return filepath.Join(s.dir, cfg.FileName())
}

func (s *Store) versionPath(cfg ConfigFile, version int64) string {
	return s.Path(cfg) + "." + strconv.FormatInt(version, 10)
}

func (s *Store) wipedPath(cfg ConfigFile, version int64) string {
	return s.Path(cfg) + wipedInfix + strconv.FormatInt(version, 10)
}

func (s *Store) lock(cfg ConfigFile) (func(), error) {
	mu, ok := s.locks[cfg]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFile, cfg)
	}
	mu.Lock()
	return mu.Unlock, nil
}

// Version returns the active version of cfg, or 0 when none is active.
func (s *Store) Version(cfg ConfigFile) (int64, error) {
	if !cfg.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownFile, cfg)
	}
	return s.activeVersion(cfg)
}

func (s *Store) activeVersion(cfg ConfigFile) (int64, error) {
	target, err := os.Readlink(s.Path(cfg))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("configstore: read link %s: %w", s.Path(cfg), err)
	}
	prefix := cfg.FileName() + "."
	base := filepath.Base(target)
	if !strings.HasPrefix(base, prefix) {
		return 0, fmt.Errorf("%w: link %s points at %s", ErrCorrupt, s.Path(cfg), target)
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(base, prefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: link %s points at %s", ErrCorrupt, s.Path(cfg), target)
	}
	return v, nil
}

// Versions returns every numbered version of cfg present on disk, ascending.
func (s *Store) Versions(cfg ConfigFile) ([]int64, error) {
	versions, _, err := s.scan(cfg)
	return versions, err
}

// scan lists numbered versions and wipe markers, both ascending.
func (s *Store) scan(cfg ConfigFile) ([]int64, []int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("configstore: read dir %s: %w", s.dir, err)
	}
	prefix := cfg.FileName() + "."
	var versions, wiped []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if strings.HasPrefix(rest, "wiped.") {
			if v, err := strconv.ParseInt(strings.TrimPrefix(rest, "wiped."), 10, 64); err == nil {
				wiped = append(wiped, v)
			}
			continue
		}
		if v, err := strconv.ParseInt(rest, 10, 64); err == nil {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	sort.Slice(wiped, func(i, j int) bool { return wiped[i] < wiped[j] })
	return versions, wiped, nil
}

// Wiped returns the most recent wipe version of cfg, if any.
func (s *Store) Wiped(cfg ConfigFile) (int64, bool, error) {
	_, wiped, err := s.scan(cfg)
	if err != nil || len(wiped) == 0 {
		return 0, false, err
	}
	return wiped[len(wiped)-1], true, nil
}

// Read returns the content of a numbered version.
func (s *Store) Read(cfg ConfigFile, version int64) ([]byte, error) {
	if !cfg.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFile, cfg)
	}
	data, err := os.ReadFile(s.versionPath(cfg, version))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s.%d", ErrVersionNotFound, cfg, version)
		}
		return nil, err
	}
	return data, nil
}

// Properties returns the parsed content of the active version, or an empty
// map when nothing is active.
func (s *Store) Properties(cfg ConfigFile) (Properties, error) {
	v, err := s.Version(cfg)
	if err != nil {
		return nil, err
	}
	if v == 0 {
		return Properties{}, nil
	}
	data, err := s.Read(cfg, v)
	if err != nil {
		return nil, err
	}
	return ParseProperties(data)
}

// CreateFile merges props over the active content, stamps a new version and
// writes it. The version is the current time in milliseconds, bumped until it
// is strictly greater than every version and wipe marker on disk.
func (s *Store) CreateFile(cfg ConfigFile, props Properties) (int64, error) {
	unlock, err := s.lock(cfg)
	if err != nil {
		return 0, err
	}
	defer unlock()

	current, err := s.Properties(cfg)
	if err != nil {
		return 0, err
	}
	data, err := current.Merge(props).Marshal()
	if err != nil {
		return 0, err
	}

	versions, wiped, err := s.scan(cfg)
	if err != nil {
		return 0, err
	}
	version := s.now().UnixMilli()
	for _, list := range [][]int64{versions, wiped} {
		if n := len(list); n > 0 && list[n-1] >= version {
			version = list[n-1] + 1
		}
	}
	for exists(s.versionPath(cfg, version)) || exists(s.wipedPath(cfg, version)) {
		version++
	}

	if err := writeFileSync(s.versionPath(cfg, version), data); err != nil {
		return 0, err
	}
	return version, nil
}

// Write persists content received inline in a protocol message.
func (s *Store) Write(cfg ConfigFile, version int64, data []byte) error {
	unlock, err := s.lock(cfg)
	if err != nil {
		return err
	}
	defer unlock()
	return writeFileSync(s.versionPath(cfg, version), data)
}

// Verify checks that a numbered version matches checksum.
func (s *Store) Verify(cfg ConfigFile, version int64, checksum string) error {
	data, err := s.Read(cfg, version)
	if err != nil {
		return err
	}
	if !checksumEqual(Checksum(data), checksum) {
		return fmt.Errorf("%w: %s.%d", ErrChecksum, cfg, version)
	}
	return nil
}

// Activate atomically repoints the symlink at version. Activating the
// already-active version is a no-op.
func (s *Store) Activate(cfg ConfigFile, version int64) error {
	unlock, err := s.lock(cfg)
	if err != nil {
		return err
	}
	defer unlock()
	return s.activateLocked(cfg, version)
}

func (s *Store) activateLocked(cfg ConfigFile, version int64) error {
	if cur, err := s.activeVersion(cfg); err == nil && cur == version {
		return nil
	}
	target := s.versionPath(cfg, version)
	if !exists(target) {
		return fmt.Errorf("%w: %s.%d", ErrVersionNotFound, cfg, version)
	}

	link := s.Path(cfg) + linkSuffix
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Symlink(filepath.Base(target), link); err != nil {
		return fmt.Errorf("configstore: symlink %s: %w", link, err)
	}
	if err := os.Rename(link, s.Path(cfg)); err != nil {
		os.Remove(link)
		return fmt.Errorf("configstore: activate %s.%d: %w", cfg, version, err)
	}
	return nil
}

// Wipe deletes every numbered version and the symlink of cfg and records a
// marker meaning "this config no longer exists as of version".
func (s *Store) Wipe(cfg ConfigFile, version int64) error {
	unlock, err := s.lock(cfg)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.Path(cfg)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	versions, _, err := s.scan(cfg)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if err := os.Remove(s.versionPath(cfg, v)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return writeFileSync(s.wipedPath(cfg, version), []byte(strconv.FormatInt(version, 10)+"\n"))
}

// Purge keeps the newest versions of cfg, up to the configured count, and
// removes the rest. The active version is never removed. It returns the number
// of files deleted.
func (s *Store) Purge(cfg ConfigFile) (int, error) {
	unlock, err := s.lock(cfg)
	if err != nil {
		return 0, err
	}
	defer unlock()

	active, err := s.activeVersion(cfg)
	if err != nil {
		return 0, err
	}
	versions, _, err := s.scan(cfg)
	if err != nil {
		return 0, err
	}

	removed := 0
	for i := len(versions) - 1 - s.keep; i >= 0; i-- {
		if versions[i] == active {
			continue
		}
		if err := os.Remove(s.versionPath(cfg, versions[i])); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Recover activates the highest version on disk when no valid symlink exists,
// healing a crash in the middle of an update. It returns the active version.
func (s *Store) Recover(cfg ConfigFile) (int64, error) {
	unlock, err := s.lock(cfg)
	if err != nil {
		return 0, err
	}
	defer unlock()

	cur, err := s.activeVersion(cfg)
	if err == nil && cur != 0 && exists(s.versionPath(cfg, cur)) {
		return cur, nil
	}
	// Dangling or corrupt link.
	if err != nil || cur != 0 {
		if rmErr := os.Remove(s.Path(cfg)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return 0, rmErr
		}
	}
	os.Remove(s.Path(cfg) + linkSuffix)

	versions, _, err := s.scan(cfg)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	latest := versions[len(versions)-1]
	if err := s.activateLocked(cfg, latest); err != nil {
		return 0, err
	}
	return latest, nil
}

// RecoverAll runs Recover over every config file.
func (s *Store) RecoverAll() (map[ConfigFile]int64, error) {
	out := make(map[ConfigFile]int64, len(files))
	for _, f := range files {
		v, err := s.Recover(f)
		if err != nil {
			return out, err
		}
		out[f] = v
	}
	return out, nil
}

// Snapshot returns the active version of every config file. Unreadable links
// report version 0.
func (s *Store) Snapshot() map[ConfigFile]int64 {
	out := make(map[ConfigFile]int64, len(files))
	for _, f := range files {
		v, _ := s.Version(f)
		out[f] = v
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// writeFileSync writes data to a temp file, fsyncs it and renames it into
// place so readers never observe a partial file.
func writeFileSync(path string, data []byte) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, PrivateFileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
