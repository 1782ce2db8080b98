// Package progress tracks the highest processed offset per partition.
package progress

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrOutOfOrderOffset is returned by Advance when an offset is behind the partition's mark.
var ErrOutOfOrderOffset = errors.New("out of order offset")

// none marks an unset offset.
const none int64 = -1

// Partition identifies one topic partition.
type Partition struct {
	Topic string
	ID    int32
}

func (p Partition) String() string {
	return fmt.Sprintf("%s[%d]", p.Topic, p.ID)
}

// mark is the per-partition state. Marks never move backwards.
type mark struct {
	offset    atomic.Int64
	committed atomic.Int64
}

func newMark() *mark {
	m := &mark{}
	m.offset.Store(none)
	m.committed.Store(none)
	return m
}

// raise moves v up to target and reports the value it held before.
func raise(v *atomic.Int64, target int64) int64 {
	for {
		cur := v.Load()
		if target <= cur || v.CompareAndSwap(cur, target) {
			return cur
		}
	}
}

// Tracker holds one independent mark per partition. Operations on different
// partitions never contend with each other.
type Tracker struct {
	marks sync.Map // Partition -> *mark
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{}
}

func (t *Tracker) mark(p Partition) *mark {
	if v, ok := t.marks.Load(p); ok {
		return v.(*mark)
	}
	v, _ := t.marks.LoadOrStore(p, newMark())
	return v.(*mark)
}

// Advance records offset as processed for p. An offset behind the current mark
// leaves the mark untouched and returns ErrOutOfOrderOffset; repeating the
// current mark is a no-op.
func (t *Tracker) Advance(p Partition, offset int64) error {
	if offset < 0 {
		return fmt.Errorf("partition %s: invalid offset %d", p, offset)
	}
	if prev := raise(&t.mark(p).offset, offset); offset < prev {
		return fmt.Errorf("%w: partition %s offset %d is behind mark %d", ErrOutOfOrderOffset, p, offset, prev)
	}
	return nil
}

// CommitPoint returns the offset of the last processed message on p.
func (t *Tracker) CommitPoint(p Partition) (int64, bool) {
	v, ok := t.marks.Load(p)
	if !ok {
		return 0, false
	}
	off := v.(*mark).offset.Load()
	return off, off != none
}

// Uncommitted returns the commit points that moved since they were last passed to MarkCommitted.
func (t *Tracker) Uncommitted() map[Partition]int64 {
	out := make(map[Partition]int64)
	t.marks.Range(func(k, v any) bool {
		m := v.(*mark)
		if off := m.offset.Load(); off > m.committed.Load() {
			out[k.(Partition)] = off
		}
		return true
	})
	return out
}

// MarkCommitted records that points were durably committed.
func (t *Tracker) MarkCommitted(points map[Partition]int64) {
	for p, off := range points {
		raise(&t.mark(p).committed, off)
	}
}

// Snapshot returns every partition's commit point.
func (t *Tracker) Snapshot() map[Partition]int64 {
	out := make(map[Partition]int64)
	t.marks.Range(func(k, v any) bool {
		if off := v.(*mark).offset.Load(); off != none {
			out[k.(Partition)] = off
		}
		return true
	})
	return out
}

// Forget drops the marks of partitions this consumer no longer owns.
func (t *Tracker) Forget(ps ...Partition) {
	for _, p := range ps {
		t.marks.Delete(p)
	}
}
