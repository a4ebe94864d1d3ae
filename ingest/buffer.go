package ingest

import (
	"sync"
	"time"

	"github.com/skillsenselab/scribe/store"
)

// SegmentBuffer is the per-session ordered holding area for segments not yet
// persisted. It is exclusively owned by its session's ingestion and flush
// paths; every access runs under a short in-memory critical section that
// never touches I/O.
type SegmentBuffer struct {
	mu sync.Mutex

	// anchorMS is the session_start_ms offsets are computed against.
	anchorMS int64

	segments  []store.Segment
	seq       int
	lastFlush time.Time
	failures  int
}

func newSegmentBuffer(anchorMS int64, now time.Time) *SegmentBuffer {
	return &SegmentBuffer{
		anchorMS:  anchorMS,
		lastFlush: now,
	}
}

// AnchorMS returns the session's timestamp anchor.
func (b *SegmentBuffer) AnchorMS() int64 { return b.anchorMS }

// NextSeq returns the zero-based position of the next audio unit.
func (b *SegmentBuffer) NextSeq() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	seq := b.seq
	b.seq++
	return seq
}

// Append adds a segment at the tail and returns the buffered count.
func (b *SegmentBuffer) Append(seg store.Segment) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.segments = append(b.segments, seg)
	return len(b.segments)
}

// Len returns the number of buffered segments.
func (b *SegmentBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.segments)
}

// Swap atomically takes the entire buffered sequence, leaving the buffer
// empty, and stamps the flush time. The buffer is never partially drained.
func (b *SegmentBuffer) Swap(now time.Time) []store.Segment {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.segments
	b.segments = nil
	b.lastFlush = now
	return batch
}

// Requeue puts a failed batch back at the head of the buffer, ahead of any
// segments appended since the swap, and returns the consecutive failure
// count including this one.
func (b *SegmentBuffer) Requeue(batch []store.Segment) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.segments = append(batch, b.segments...)
	b.failures++
	return b.failures
}

// Failures returns the consecutive flush failure count.
func (b *SegmentBuffer) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// ResetFailures clears the failure count after a successful flush or an
// acknowledged loss.
func (b *SegmentBuffer) ResetFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// Stale reports whether the time-based flush trigger applies: there is
// buffered data and either the interval elapsed or a failed batch awaits
// retry.
func (b *SegmentBuffer) Stale(now time.Time, interval time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.segments) == 0 {
		return false
	}
	return b.failures > 0 || now.Sub(b.lastFlush) >= interval
}

// bufferTable maps session ids to their owned buffers. Operations are scoped
// to a single session id; there is no table-wide lock on the hot path.
type bufferTable struct {
	m sync.Map // session id (string) -> *SegmentBuffer
}

func (t *bufferTable) create(sessionID string, buf *SegmentBuffer) {
	t.m.Store(sessionID, buf)
}

func (t *bufferTable) get(sessionID string) (*SegmentBuffer, bool) {
	v, ok := t.m.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*SegmentBuffer), true
}

// remove deletes the entry and reports whether it existed.
func (t *bufferTable) remove(sessionID string) bool {
	_, loaded := t.m.LoadAndDelete(sessionID)
	return loaded
}

func (t *bufferTable) forEach(fn func(sessionID string, buf *SegmentBuffer)) {
	t.m.Range(func(k, v any) bool {
		fn(k.(string), v.(*SegmentBuffer))
		return true
	})
}
