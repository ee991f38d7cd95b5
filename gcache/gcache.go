// Package gcache implements the GCache collaborator contract of spec.md
// §6: an append-only, ordered, on-disk cache of write-sets keyed by
// global_seqno, used by the IST subsystem to stream historical write-sets
// to a joining peer. The concrete on-disk format is an implementation
// detail left to this package (spec.md §1 places "on-disk write-set
// caching" out of scope as a concrete protocol, but the Store contract
// itself is named in §6).
package gcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/repcore/gcs"
	"github.com/zhukovaskychina/repcore/gtid"
)

// Record is one cached write-set.
type Record struct {
	Seqno   int64
	Type    gcs.ActionType
	IsDummy bool
	Data    []byte
}

// Store is the GCache collaborator contract of spec.md §6.
type Store interface {
	SeqnoAssign(data []byte, seqno int64, actType gcs.ActionType, isDummy bool) error
	SeqnoRelease(seqno int64) error
	SeqnoReset(g gtid.GTID) error
	FirstSeqno() int64
	Range(first, last int64) ([]Record, error)
}

type meta struct {
	actType gcs.ActionType
	isDummy bool
}

// FileStore is a file-backed Store: one lz4-compressed file per record
// under dir, named by zero-padded seqno for sorted directory listings;
// an in-memory index tracks which seqnos are present so FirstSeqno and
// release don't require a directory scan on the hot path.
type FileStore struct {
	mu         sync.Mutex
	dir        string
	index      map[int64]meta
	firstSeqno int64
}

// NewFileStore opens (creating if absent) a file-backed store rooted at
// dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "gcache: create dir")
	}
	return &FileStore{
		dir:        dir,
		index:      make(map[int64]meta),
		firstSeqno: gtid.UndefinedSeqno,
	}, nil
}

func (s *FileStore) path(seqno int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%020d.gcache", seqno))
}

// SeqnoAssign compresses and persists data under seqno, written
// atomically via temp file + rename.
func (s *FileStore) SeqnoAssign(data []byte, seqno int64, actType gcs.ActionType, isDummy bool) error {
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, compressed)
	if err != nil {
		return errors.Wrap(err, "gcache: lz4 compress")
	}
	compressed = compressed[:n]

	tmp := s.path(seqno) + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return errors.Wrap(err, "gcache: write temp")
	}
	if err := os.Rename(tmp, s.path(seqno)); err != nil {
		return errors.Wrap(err, "gcache: rename")
	}

	s.mu.Lock()
	s.index[seqno] = meta{actType: actType, isDummy: isDummy}
	if s.firstSeqno == gtid.UndefinedSeqno || seqno < s.firstSeqno {
		s.firstSeqno = seqno
	}
	s.mu.Unlock()
	return nil
}

// SeqnoRelease erases the record at seqno, once certification/service
// have determined it is safe to discard.
func (s *FileStore) SeqnoRelease(seqno int64) error {
	s.mu.Lock()
	delete(s.index, seqno)
	if seqno == s.firstSeqno {
		s.firstSeqno = s.minIndexLocked()
	}
	s.mu.Unlock()

	if err := os.Remove(s.path(seqno)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "gcache: release seqno %d", seqno)
	}
	return nil
}

func (s *FileStore) minIndexLocked() int64 {
	min := gtid.UndefinedSeqno
	for seqno := range s.index {
		if min == gtid.UndefinedSeqno || seqno < min {
			min = seqno
		}
	}
	return min
}

// SeqnoReset wipes the store, re-baselining it at g (called after a full
// state snapshot transfer).
func (s *FileStore) SeqnoReset(g gtid.GTID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for seqno := range s.index {
		_ = os.Remove(s.path(seqno))
	}
	s.index = make(map[int64]meta)
	s.firstSeqno = gtid.UndefinedSeqno
	return nil
}

// FirstSeqno returns the lowest seqno still cached, or
// gtid.UndefinedSeqno if the store is empty.
func (s *FileStore) FirstSeqno() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstSeqno
}

// Range reads every record in [first, last] present in the store, in
// ascending seqno order; a gap (a seqno in range but already released)
// is an error, since IST must stream a contiguous range.
func (s *FileStore) Range(first, last int64) ([]Record, error) {
	records := make([]Record, 0, last-first+1)
	for seqno := first; seqno <= last; seqno++ {
		s.mu.Lock()
		m, ok := s.index[seqno]
		s.mu.Unlock()
		if !ok {
			return nil, errors.Errorf("gcache: seqno %d missing from range [%d,%d]", seqno, first, last)
		}

		compressed, err := os.ReadFile(s.path(seqno))
		if err != nil {
			return nil, errors.Wrapf(err, "gcache: read seqno %d", seqno)
		}
		data, err := decompress(compressed)
		if err != nil {
			return nil, errors.Wrapf(err, "gcache: decompress seqno %d", seqno)
		}
		records = append(records, Record{Seqno: seqno, Type: m.actType, IsDummy: m.isDummy, Data: data})
	}
	return records, nil
}

func decompress(compressed []byte) ([]byte, error) {
	// lz4 block format carries no uncompressed-size header of its own
	// here, so grow the destination buffer until it fits, matching the
	// retry-on-ErrInvalidSourceShortBuffer pattern the lz4 package expects.
	size := len(compressed) * 4
	if size < 256 {
		size = 256
	}
	for {
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(compressed, dst)
		if err == nil {
			return dst[:n], nil
		}
		if err == lz4.ErrInvalidSourceShortBuffer {
			size *= 2
			continue
		}
		return nil, err
	}
}
