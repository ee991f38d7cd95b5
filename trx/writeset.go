package trx

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// KeyMode is the conflict mode under which a key was touched (spec.md §3).
type KeyMode uint8

const (
	KeyShared KeyMode = iota
	KeyExclusive
	KeyReference
)

// Key is one entry of a write-set's key set: a fingerprint of the touched
// row/table plus the mode it was touched under.
type Key struct {
	Fingerprint uint64
	Mode        KeyMode
}

// Conflicts reports whether a and b, touching the same fingerprint, must be
// treated as conflicting: any exclusive mode on either side conflicts
// (spec.md §4.2 step 2).
func (a Key) Conflicts(b Key) bool {
	return a.Mode == KeyExclusive || b.Mode == KeyExclusive
}

// FingerprintOf hashes a key-format-versioned key tuple into the uint64
// fingerprint the certification index compares, using xxhash as the
// teacher's stack does for its own checksum needs.
func FingerprintOf(keyFormat int, parts ...[]byte) uint64 {
	h := xxhash.New64()
	var versionByte [1]byte
	versionByte[0] = byte(keyFormat)
	h.Write(versionByte[:])
	for _, p := range parts {
		var lenPrefix [4]byte
		binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(p)))
		h.Write(lenPrefix[:])
		h.Write(p)
	}
	return h.Sum64()
}

// snappyThreshold is the payload size above which WriteSet.Marshal
// compresses the data blob with snappy (SPEC_FULL.md §4).
const snappyThreshold = 512

// WriteSet is the serialized form of a transaction's changes: an ordered
// key set plus an opaque data blob (spec.md §3). Version is the
// record-set version of the negotiated protocol (spec.md §6's rs_ver
// column); certification rejects a write-set whose Version exceeds what
// the node's negotiated protocol allows.
type WriteSet struct {
	Version uint8
	Keys    []Key
	Data    []byte
}

const (
	wireMagic      uint32 = 0x57535001 // "WSP" + format 01
	flagDataSnappy uint8  = 1 << 0
)

// Marshal encodes the write-set into its wire form: a magic number,
// record-set version, key count, the keys (fingerprint+mode), and the
// data blob, snappy-compressed above snappyThreshold bytes.
func (w *WriteSet) Marshal() ([]byte, error) {
	buf := make([]byte, 0, 17+len(w.Keys)*9+len(w.Data))
	buf = appendUint32(buf, wireMagic)
	buf = append(buf, w.Version)
	buf = appendUint32(buf, uint32(len(w.Keys)))
	for _, k := range w.Keys {
		buf = appendUint64(buf, k.Fingerprint)
		buf = append(buf, byte(k.Mode))
	}

	data := w.Data
	var flags uint8
	if len(data) > snappyThreshold {
		data = snappy.Encode(nil, w.Data)
		flags |= flagDataSnappy
	}
	buf = append(buf, flags)
	buf = appendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	return buf, nil
}

// Unmarshal decodes a write-set previously produced by Marshal.
func (w *WriteSet) Unmarshal(buf []byte) error {
	if len(buf) < 9 {
		return errors.New("writeset: buffer too short")
	}
	magic, buf := readUint32(buf)
	if magic != wireMagic {
		return errors.Errorf("writeset: bad magic %#x", magic)
	}
	version := buf[0]
	buf = buf[1:]

	var count uint32
	count, buf = readUint32(buf)
	keys := make([]Key, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 9 {
			return errors.New("writeset: truncated key list")
		}
		var fp uint64
		fp, buf = readUint64(buf)
		mode := KeyMode(buf[0])
		buf = buf[1:]
		keys = append(keys, Key{Fingerprint: fp, Mode: mode})
	}

	if len(buf) < 5 {
		return errors.New("writeset: truncated data header")
	}
	flags := buf[0]
	buf = buf[1:]
	var dataLen uint32
	dataLen, buf = readUint32(buf)
	if uint32(len(buf)) < dataLen {
		return errors.New("writeset: truncated data")
	}
	data := buf[:dataLen]

	if flags&flagDataSnappy != 0 {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return errors.Wrap(err, "writeset: snappy decode")
		}
		data = decoded
	} else {
		// copy out: buf is a shared slice owned by the caller.
		owned := make([]byte, len(data))
		copy(owned, data)
		data = owned
	}

	w.Version = version
	w.Keys = keys
	w.Data = data
	return nil
}

// Size returns the wire size of the write-set before snappy compression
// of its data, used against
// max_write_set_size before replicate() hands it to the GCS.
func (w *WriteSet) Size() int64 {
	return int64(14 + len(w.Keys)*9 + len(w.Data))
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func readUint32(buf []byte) (uint32, []byte) {
	return binary.LittleEndian.Uint32(buf), buf[4:]
}

func readUint64(buf []byte) (uint64, []byte) {
	return binary.LittleEndian.Uint64(buf), buf[8:]
}
