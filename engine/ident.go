package engine

import (
	"sync"
	"time"
)

// Ident allocates 64-bit monotonically unique execution IDs: a millisecond
// timestamp, a node discriminator and a per-millisecond sequence. IDs from
// distinct nodes never collide; IDs from one node are strictly increasing.
type Ident struct {
	mu   sync.Mutex
	node int64
	last int64
	seq  int64
	now  func() time.Time
}

const (
	identNodeBits = 10
	identSeqBits  = 12
	identNodeMax  = 1<<identNodeBits - 1
	identSeqMax   = 1<<identSeqBits - 1
)

// identEpoch keeps the timestamp component small. 2024-01-01T00:00:00Z.
var identEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// NewIdent returns an allocator for the given node. Node values above the
// 10-bit range are masked.
func NewIdent(node int64) *Ident {
	return &Ident{node: node & identNodeMax, now: time.Now}
}

// Next returns the next execution ID.
func (i *Ident) Next() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()

	ms := i.now().UnixMilli() - identEpoch
	if ms < i.last {
		ms = i.last
	}
	if ms == i.last {
		i.seq++
		if i.seq > identSeqMax {
			// Sequence exhausted within the millisecond; borrow the next one.
			ms++
			i.seq = 0
		}
	} else {
		i.seq = 0
	}
	i.last = ms
	return ms<<(identNodeBits+identSeqBits) | i.node<<identSeqBits | i.seq
}
