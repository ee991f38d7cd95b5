// Package savedstate implements the on-disk saved-state marker of
// spec.md §6/§3: the last committed GTID, whether the node may
// bootstrap a new primary component from that position, and a
// SAFE/UNSAFE crash marker recording whether the file was last written
// by a clean shutdown.
package savedstate

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/pelletier/go-toml"

	"github.com/zhukovaskychina/repcore/gtid"
)

// Marker is the crash-safety tag carried alongside the GTID.
type Marker string

const (
	// Unsafe means the file may not reflect a consistent commit
	// position — either never written, or the node is currently
	// running (every open rewrites Unsafe until MarkSafe on a clean
	// shutdown).
	Unsafe Marker = "UNSAFE"
	// Safe means the node shut down cleanly at this exact position and
	// it may be used to bootstrap a new primary component.
	Safe Marker = "SAFE"
)

type onDisk struct {
	GroupUUID       string `toml:"group_uuid"`
	Seqno           int64  `toml:"seqno"`
	SafeToBootstrap bool   `toml:"safe_to_bootstrap"`
	Marker          string `toml:"marker"`
}

// State is the in-memory, mutex-guarded view of the saved-state file,
// rewritten atomically (temp file + fsync + rename) on every update —
// the same write discipline gcache.FileStore.SeqnoAssign uses for its
// per-record files.
type State struct {
	mu sync.Mutex

	path            string
	gtidVal         gtid.GTID
	safeToBootstrap bool
	marker          Marker
}

// Open loads path if it exists, or initializes a fresh UNSAFE/undefined
// marker file there. Either way the file is immediately rewritten as
// UNSAFE with safe_to_bootstrap cleared, so a crash from here on leaves
// nothing to bootstrap from; the returned State's SafeToBootstrap keeps
// the value loaded from disk, so a start after a clean MarkSafe may
// bootstrap.
func Open(path string) (*State, error) {
	s := &State{path: path, gtidVal: gtid.Undefined, marker: Unsafe}

	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Annotatef(err, "savedstate: stat %s", path)
	}
	loadedSafe := s.safeToBootstrap

	if err := s.MarkUnsafe(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.safeToBootstrap = loadedSafe
	s.mu.Unlock()
	return s, nil
}

func (s *State) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Annotatef(err, "savedstate: read %s", s.path)
	}

	var d onDisk
	if err := toml.Unmarshal(data, &d); err != nil {
		return errors.Annotatef(err, "savedstate: parse %s", s.path)
	}

	g := gtid.Undefined
	if d.GroupUUID != "" {
		group, err := uuid.Parse(d.GroupUUID)
		if err != nil {
			return errors.Annotatef(err, "savedstate: group_uuid %q", d.GroupUUID)
		}
		g = gtid.New(group, d.Seqno)
	}

	s.mu.Lock()
	s.gtidVal = g
	s.safeToBootstrap = d.SafeToBootstrap
	s.marker = Marker(d.Marker)
	if s.marker == "" {
		s.marker = Unsafe
	}
	s.mu.Unlock()
	return nil
}

// MarkUnsafe records that the position on disk must not be trusted for
// bootstrap until a later clean shutdown, without discarding the GTID
// itself (still useful for IST/SST negotiation on rejoin).
func (s *State) MarkUnsafe() error {
	s.mu.Lock()
	s.marker = Unsafe
	s.safeToBootstrap = false
	err := s.writeLocked()
	s.mu.Unlock()
	return err
}

// Update persists a newly committed position without changing the
// safety marker (called off the service thread as commits advance; see
// [[service]]).
func (s *State) Update(g gtid.GTID) error {
	s.mu.Lock()
	s.gtidVal = g
	err := s.writeLocked()
	s.mu.Unlock()
	return err
}

// MarkSafe records a clean shutdown at the current position: the file
// now asserts it is safe to bootstrap a new primary component from.
func (s *State) MarkSafe() error {
	s.mu.Lock()
	s.marker = Safe
	s.safeToBootstrap = true
	err := s.writeLocked()
	s.mu.Unlock()
	return err
}

// GTID returns the last persisted position.
func (s *State) GTID() gtid.GTID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gtidVal
}

// SafeToBootstrap reports whether the persisted position was marked
// safe to bootstrap from.
func (s *State) SafeToBootstrap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.safeToBootstrap
}

// CurrentMarker returns the SAFE/UNSAFE marker currently on disk.
func (s *State) CurrentMarker() Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marker
}

func (s *State) writeLocked() error {
	d := onDisk{
		Seqno:           s.gtidVal.Seqno,
		SafeToBootstrap: s.safeToBootstrap,
		Marker:          string(s.marker),
	}
	if s.gtidVal.Group != uuid.Nil {
		d.GroupUUID = s.gtidVal.Group.String()
	}

	data, err := toml.Marshal(d)
	if err != nil {
		return errors.Annotate(err, "savedstate: marshal")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Annotatef(err, "savedstate: mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".grastate-*.tmp")
	if err != nil {
		return errors.Annotate(err, "savedstate: create temp")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Annotate(err, "savedstate: write temp")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Annotate(err, "savedstate: fsync temp")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Annotate(err, "savedstate: close temp")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Annotate(err, "savedstate: rename")
	}
	return nil
}
