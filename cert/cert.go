// Package cert implements the certification index of spec.md §4.2: the
// concurrent map from key fingerprint to last-writer seqno that decides
// conflict between concurrently originated write-sets, derives
// depends_seqno, and tracks the safe-to-discard watermark.
package cert

import (
	"container/heap"
	"sync"

	"github.com/google/uuid"

	"github.com/zhukovaskychina/repcore/gtid"
	"github.com/zhukovaskychina/repcore/trx"
)

// numShards is the fan-out of the fingerprint-keyed lock table, grounded
// on the same fine-grained-bucket-locking shape as the teacher's
// lock_manager.go lockTable, sized for typical applier-thread counts.
const numShards = 16

type keyEntry struct {
	lastWriterSeqno int64
	mode            trx.KeyMode
	refs            int32 // live reference count for shared-mode keys
}

type shard struct {
	mu sync.Mutex
	m  map[uint64]keyEntry
}

// Result is the outcome of append_trx/test (spec.md §4.2).
type Result int

const (
	TestOK Result = iota
	TestFailed
)

func (r Result) String() string {
	if r == TestOK {
		return "TEST_OK"
	}
	return "TEST_FAILED"
}

// toiSentinel is the fingerprint a TOI trx occupies to conflict with
// every concurrent non-TOI trx (spec.md §4.2 TOI handling).
const toiSentinel uint64 = 0

// Index is the certification index. append_trx is expected to be called
// by a single caller at a time, in global_seqno order (the replicator's
// local monitor enforces this upstream); test/position may be called
// concurrently with that caller, and with each other.
type Index struct {
	shards [numShards]*shard

	mu            sync.Mutex
	group         uuid.UUID
	maxVersion    uint8
	position_     int64
	lastCommitted int64
	uncommitted   map[int64]struct{}
	pending       minHeap // lazily-validated min-heap of uncommitted seqnos
}

// New builds an empty certification index accepting write-sets up to
// maxVersion (the negotiated record-set version, spec.md §6).
func New(maxVersion uint8) *Index {
	idx := &Index{
		maxVersion:  maxVersion,
		position_:   gtid.UndefinedSeqno,
		uncommitted: make(map[int64]struct{}),
	}
	for i := range idx.shards {
		idx.shards[i] = &shard{m: make(map[uint64]keyEntry)}
	}
	return idx
}

func shardFor(fp uint64) uint64 { return fp % numShards }

// AppendTrx inserts t into the index, returning TEST_OK or TEST_FAILED
// per the algorithm of spec.md §4.2. On success it sets t.DependsSeqno
// and records t as uncommitted; on failure it sets DependsSeqno to -1.
func (idx *Index) AppendTrx(t *trx.Handle) (Result, error) {
	return idx.certify(t, true)
}

// Test certifies t without inserting it into the index (read-only probe).
func (idx *Index) Test(t *trx.Handle) (Result, error) {
	return idx.certify(t, false)
}

func (idx *Index) certify(t *trx.Handle, insert bool) (Result, error) {
	if t.WriteSet.Version > idx.maxVersion {
		t.DependsSeqno = gtid.UndefinedSeqno
		return TestFailed, nil
	}

	lastSeen := t.LastSeenSeqno
	depends := lastSeen

	toi := t.Flags.Has(trx.FlagIsolation)
	keys := t.WriteSet.Keys
	if toi {
		keys = append(append([]trx.Key{}, keys...), trx.Key{Fingerprint: toiSentinel, Mode: trx.KeyExclusive})
	}

	for _, k := range keys {
		sh := idx.shards[shardFor(k.Fingerprint)]
		sh.mu.Lock()
		e, exists := sh.m[k.Fingerprint]
		if exists {
			conflicting := e.mode == trx.KeyExclusive || k.Mode == trx.KeyExclusive
			if e.lastWriterSeqno > lastSeen && conflicting {
				sh.mu.Unlock()
				t.DependsSeqno = gtid.UndefinedSeqno
				return TestFailed, nil
			}
			if e.lastWriterSeqno > depends {
				depends = e.lastWriterSeqno
			}
		}
		sh.mu.Unlock()
	}

	// TOI trx with an empty key-set still conflicts with every concurrent
	// non-TOI trx whose last_seen_seqno is below its own global_seqno
	// (spec.md §8 boundary behavior): only TOI trx write the sentinel key
	// (insert pass below), and every non-TOI trx fails here if the
	// sentinel's last_writer is newer than what it has seen.
	if !toi {
		sh := idx.shards[shardFor(toiSentinel)]
		sh.mu.Lock()
		e, exists := sh.m[toiSentinel]
		sh.mu.Unlock()
		if exists && e.lastWriterSeqno > lastSeen {
			t.DependsSeqno = gtid.UndefinedSeqno
			return TestFailed, nil
		}
	}

	if insert {
		for _, k := range keys {
			sh := idx.shards[shardFor(k.Fingerprint)]
			sh.mu.Lock()
			e := sh.m[k.Fingerprint]
			if k.Mode == trx.KeyExclusive || k.Fingerprint == toiSentinel {
				if t.GlobalSeqno > e.lastWriterSeqno {
					e.lastWriterSeqno = t.GlobalSeqno
				}
				e.mode = trx.KeyExclusive
			} else {
				e.refs++
			}
			sh.m[k.Fingerprint] = e
			sh.mu.Unlock()
		}

		idx.mu.Lock()
		if t.GlobalSeqno > idx.position_ {
			idx.position_ = t.GlobalSeqno
		}
		idx.uncommitted[t.GlobalSeqno] = struct{}{}
		heap.Push(&idx.pending, t.GlobalSeqno)
		idx.mu.Unlock()
	}

	t.DependsSeqno = depends
	return TestOK, nil
}

// SetTrxCommitted marks t committed in the index and returns the new
// safe-to-discard seqno: min(one below the index's lowest still-uncommitted
// seqno, last_committed). Idempotent for the same t (R3).
func (idx *Index) SetTrxCommitted(t *trx.Handle) int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.uncommitted[t.GlobalSeqno]; ok {
		delete(idx.uncommitted, t.GlobalSeqno)
	}
	if t.GlobalSeqno > idx.lastCommitted {
		idx.lastCommitted = t.GlobalSeqno
	}
	return idx.safeToDiscardLocked()
}

func (idx *Index) safeToDiscardLocked() int64 {
	for idx.pending.Len() > 0 {
		s := idx.pending[0]
		if _, ok := idx.uncommitted[s]; ok {
			return minSeqno(s-1, idx.lastCommitted)
		}
		heap.Pop(&idx.pending)
	}
	return idx.lastCommitted
}

func minSeqno(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// PurgeTrxsUpto erases index entries whose last_writer_seqno < seqno,
// refusing to purge past any uncommitted seqno. handleGcache, if non-nil,
// is invoked with the watermark actually reached, so gcache can release
// the corresponding range.
func (idx *Index) PurgeTrxsUpto(seqno int64, handleGcache func(int64)) error {
	idx.mu.Lock()
	safe := idx.safeToDiscardLocked()
	idx.mu.Unlock()

	if seqno > safe {
		seqno = safe
	}
	if seqno <= 0 {
		return nil
	}

	for i := range idx.shards {
		sh := idx.shards[i]
		sh.mu.Lock()
		for fp, e := range sh.m {
			if e.lastWriterSeqno < seqno {
				delete(sh.m, fp)
			}
		}
		sh.mu.Unlock()
	}

	if handleGcache != nil {
		handleGcache(seqno)
	}
	return nil
}

// AssignInitialPosition wipes the index and resets it to (gtidPos, version).
func (idx *Index) AssignInitialPosition(g gtid.GTID, trxVersion uint8) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i := range idx.shards {
		idx.shards[i] = &shard{m: make(map[uint64]keyEntry)}
	}
	idx.group = g.Group
	idx.maxVersion = trxVersion
	idx.position_ = g.Seqno
	idx.lastCommitted = g.Seqno
	idx.uncommitted = make(map[int64]struct{})
	idx.pending = nil
}

// Position returns the highest global_seqno appended so far.
func (idx *Index) Position() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.position_
}

// minHeap is a lazily-validated min-heap of int64 seqnos used to track
// the lowest still-uncommitted seqno without a full scan per commit.
type minHeap []int64

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(int64)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
