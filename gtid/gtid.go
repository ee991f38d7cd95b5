// Package gtid implements the (group UUID, seqno) identifier that names a
// write-set globally, per spec.md §3.
package gtid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// UndefinedSeqno is the sentinel meaning "no position".
const UndefinedSeqno int64 = -1

// GTID identifies a write-set uniquely across the whole cluster. Seqno is
// monotonic per Group and resets whenever Group changes (spec.md §3).
type GTID struct {
	Group uuid.UUID
	Seqno int64
}

// Undefined is the GTID carried by a node that has never joined a group.
var Undefined = GTID{Seqno: UndefinedSeqno}

// New returns a GTID in group with the given seqno.
func New(group uuid.UUID, seqno int64) GTID {
	return GTID{Group: group, Seqno: seqno}
}

// IsUndefined reports whether g carries the UNDEFINED sentinel seqno.
func (g GTID) IsUndefined() bool {
	return g.Seqno == UndefinedSeqno
}

// SameGroup reports whether g and other name positions in the same group.
func (g GTID) SameGroup(other GTID) bool {
	return g.Group == other.Group
}

// Before reports whether g precedes other in the same group's total order.
// Two GTIDs from different groups are not ordered; Before returns false.
func (g GTID) Before(other GTID) bool {
	return g.SameGroup(other) && g.Seqno < other.Seqno
}

func (g GTID) String() string {
	if g.IsUndefined() {
		return fmt.Sprintf("%s:-1", g.Group)
	}
	return fmt.Sprintf("%s:%d", g.Group, g.Seqno)
}

// Parse parses the "<uuid>:<seqno>" wire/text form produced by String.
func Parse(s string) (GTID, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return GTID{}, fmt.Errorf("gtid: malformed %q", s)
	}
	g, err := uuid.Parse(s[:idx])
	if err != nil {
		return GTID{}, fmt.Errorf("gtid: malformed group uuid in %q: %w", s, err)
	}
	seqno, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return GTID{}, fmt.Errorf("gtid: malformed seqno in %q: %w", s, err)
	}
	return GTID{Group: g, Seqno: seqno}, nil
}
