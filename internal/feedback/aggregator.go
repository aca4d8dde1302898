package feedback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// #region window
type entry struct {
	score     float64
	violation bool
	ts        time.Time
}

// window is a fixed-capacity ring buffer kept in timestamp order, with
// running sums. The head is always the oldest retained timestamp. All fields
// are guarded by mu.
type window struct {
	mu         sync.Mutex
	buf        []entry
	head       int // index of the oldest retained entry
	size       int
	sum        float64
	sumSq      float64
	violations int
	newest     time.Time
	dropped    int64
	total      int64 // accepted records since the window was created
}

func newWindow(capacity int) *window {
	return &window{buf: make([]entry, capacity)}
}

func (w *window) at(i int) *entry {
	return &w.buf[(w.head+i)%len(w.buf)]
}

func (w *window) oldest() entry {
	return w.buf[w.head]
}

func (w *window) evictHead() {
	e := w.buf[w.head]
	w.sum -= e.score
	w.sumSq -= e.score * e.score
	if e.violation {
		w.violations--
	}
	w.buf[w.head] = entry{}
	w.head = (w.head + 1) % len(w.buf)
	w.size--
	if w.size == 0 {
		w.sum, w.sumSq = 0, 0
	}
}

// push inserts e at its timestamp position. A full window whose oldest entry
// is newer than e keeps its entries; e is not among the most recent records.
func (w *window) push(e entry) {
	w.total++
	if e.ts.After(w.newest) {
		w.newest = e.ts
	}
	if w.size == len(w.buf) {
		if e.ts.Before(w.oldest().ts) {
			return
		}
		w.evictHead()
	}
	i := w.size
	for i > 0 && w.at(i-1).ts.After(e.ts) {
		*w.at(i) = *w.at(i - 1)
		i--
	}
	*w.at(i) = e
	w.size++
	w.sum += e.score
	w.sumSq += e.score * e.score
	if e.violation {
		w.violations++
	}
}

func (w *window) expire(maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	cutoff := w.newest.Add(-maxAge)
	for w.size > 0 && w.oldest().ts.Before(cutoff) {
		w.evictHead()
	}
}

// #endregion window

// #region aggregator
// Aggregator keeps a rolling window per (tag, version) and a stagnation
// counter per tag. Ingest is safe for concurrent use; writers only contend
// on the same key.
type Aggregator struct {
	cfg      Config
	recorder Recorder

	windows    sync.Map // key -> *window
	stagnation sync.Map // tag -> *atomic.Int64
}

type key struct {
	tag       string
	versionID int64
}

// NewAggregator creates an aggregator. recorder may be nil.
func NewAggregator(cfg Config, recorder Recorder) *Aggregator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	return &Aggregator{cfg: cfg, recorder: recorder}
}

func (a *Aggregator) window(k key) *window {
	if w, ok := a.windows.Load(k); ok {
		return w.(*window)
	}
	w, _ := a.windows.LoadOrStore(k, newWindow(a.cfg.WindowSize))
	return w.(*window)
}

// #endregion aggregator

// #region ingest
// Ingest adds a record to its window. It returns false when the record is
// older than the window's oldest retained timestamp by more than the
// lateness bound; such records are counted, not stored.
func (a *Aggregator) Ingest(r Record) bool {
	w := a.window(key{r.Tag, r.VersionID})

	w.mu.Lock()
	if w.size > 0 && r.Timestamp.Before(w.oldest().ts.Add(-a.cfg.Lateness)) {
		w.dropped++
		w.mu.Unlock()
		if a.recorder != nil {
			a.recorder.FeedbackDroppedLate(r.Tag)
		}
		return false
	}
	w.push(entry{score: r.Composite, violation: r.SafetyViolation, ts: r.Timestamp})
	w.expire(a.cfg.MaxAge)
	w.mu.Unlock()

	if a.recorder != nil {
		a.recorder.FeedbackIngested(r.Tag)
	}
	return true
}

// #endregion ingest

// #region snapshot
// Snapshot returns the rolling statistics for one version. Unknown keys yield
// a zero-count snapshot.
func (a *Aggregator) Snapshot(tag string, versionID int64) Snapshot {
	s := Snapshot{Tag: tag, VersionID: versionID, Stagnation: a.Stagnation(tag)}

	v, ok := a.windows.Load(key{tag, versionID})
	if !ok {
		return s
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.expire(a.cfg.MaxAge)
	s.Count = w.size
	s.Total = w.total
	s.SafetyViolations = w.violations
	s.DroppedLate = w.dropped
	if w.size > 0 {
		n := float64(w.size)
		s.Mean = w.sum / n
		s.Variance = w.sumSq/n - s.Mean*s.Mean
		if s.Variance < 0 {
			s.Variance = 0
		}
	}
	return s
}

// Snapshots returns snapshots for several versions of a tag in the given order.
func (a *Aggregator) Snapshots(tag string, versionIDs []int64) []Snapshot {
	out := make([]Snapshot, len(versionIDs))
	for i, id := range versionIDs {
		out[i] = a.Snapshot(tag, id)
	}
	return out
}

// Versions lists the version ids of a tag that have a window.
func (a *Aggregator) Versions(tag string) []int64 {
	var ids []int64
	a.windows.Range(func(k, _ any) bool {
		if kk := k.(key); kk.tag == tag {
			ids = append(ids, kk.versionID)
		}
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// #endregion snapshot

// #region stagnation
// CloseCycle ends one optimization cycle for a tag. The counter resets when
// the cycle produced a qualifying improvement and increments otherwise.
func (a *Aggregator) CloseCycle(tag string, improved bool) int {
	c := a.counter(tag)
	if improved {
		c.Store(0)
		return 0
	}
	return int(c.Add(1))
}

// Stagnation returns the number of consecutive cycles without improvement.
func (a *Aggregator) Stagnation(tag string) int {
	v, ok := a.stagnation.Load(tag)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int64).Load())
}

// ResetStagnation clears the counter, e.g. after a promotion changes the baseline.
func (a *Aggregator) ResetStagnation(tag string) {
	a.counter(tag).Store(0)
}

func (a *Aggregator) counter(tag string) *atomic.Int64 {
	v, _ := a.stagnation.LoadOrStore(tag, &atomic.Int64{})
	return v.(*atomic.Int64)
}

// #endregion stagnation

// #region warm
// Warm reloads the most recent records of each version from the durable log
// so windows survive a restart.
func (a *Aggregator) Warm(ctx context.Context, log Log, tag string, versionIDs []int64) error {
	for _, id := range versionIDs {
		recs, err := log.RecentVersion(ctx, tag, id, a.cfg.WindowSize)
		if err != nil {
			return fmt.Errorf("warm %s v%d: %w", tag, id, err)
		}
		for _, r := range recs {
			a.Ingest(r)
		}
	}
	return nil
}

// #endregion warm
