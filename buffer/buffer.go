// Package buffer keeps a bounded window of recent test and step snapshots per worker.
// Entries are snapshots handed out by the registry; the buffer never mutates them, it
// only decides which ones stay reachable for rendering and the final report.
package buffer

import (
	"cmp"
	"container/list"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/clock"
	"github.com/ethereum-optimism/infra/op-steplog/metrics"
	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/ethereum/go-ethereum/log"
)

const DefaultCapacity = 1000

// Heuristic costs used by MemoryEstimate
const (
	entryCost      = 512
	stepCost       = 256
	attachmentCost = 128
)

// Eviction policy labels
const (
	PolicyPassed = "passed"
	PolicyFIFO   = "fifo"
)

type Kind string

const (
	KindTest Kind = "test"
	KindStep Kind = "step"
)

// Entry wraps a read-only snapshot of a test or step record
type Entry struct {
	Kind       Kind
	Test       *types.TestRecord // Set when Kind == KindTest
	Step       *types.StepRecord // Set when Kind == KindStep
	Worker     string
	InsertedAt time.Time
	Seq        uint64
}

// TestEntry wraps a test snapshot
func TestEntry(test *types.TestRecord) Entry {
	return Entry{Kind: KindTest, Test: test}
}

// StepEntry wraps a step snapshot
func StepEntry(step *types.StepRecord) Entry {
	return Entry{Kind: KindStep, Step: step}
}

// ID returns the id of the wrapped record
func (e Entry) ID() string {
	switch e.Kind {
	case KindTest:
		if e.Test != nil {
			return e.Test.ID
		}
	case KindStep:
		if e.Step != nil {
			return e.Step.ID
		}
	}
	return ""
}

// Status returns the status of the wrapped record
func (e Entry) Status() types.Status {
	switch e.Kind {
	case KindTest:
		if e.Test != nil {
			return e.Test.Status
		}
	case KindStep:
		if e.Step != nil {
			return e.Step.Status
		}
	}
	return types.StatusPending
}

// Config contains buffer configuration
type Config struct {
	Capacity int // Per-worker entry limit
	Clock    clock.Clock
	OnEvict  func(Entry) // Called after an entry has been dropped, outside any buffer lock
	Log      log.Logger
}

// Stats summarises the buffer contents
type Stats struct {
	TotalEntries  int            `json:"totalEntries"`
	TotalTests    int            `json:"totalTests"`
	TotalSteps    int            `json:"totalSteps"`
	WorkerCount   int            `json:"workerCount"`
	PerWorkerSize map[string]int `json:"perWorkerSize"`
}

type entryKey struct {
	kind Kind
	id   string
}

// partition keeps entries in insertion order with an index for in-place refresh.
// passed counts passed entries so FIFO eviction skips the scan when there are none.
type partition struct {
	mu     sync.Mutex
	order  *list.List // of *Entry
	index  map[entryKey]*list.Element
	passed int
}

func newPartition() *partition {
	return &partition{
		order: list.New(),
		index: make(map[entryKey]*list.Element),
	}
}

func (p *partition) push(e *Entry) {
	p.index[entryKey{e.Kind, e.ID()}] = p.order.PushBack(e)
	if e.Status() == types.StatusPassed {
		p.passed++
	}
}

func (p *partition) remove(el *list.Element) Entry {
	e := p.order.Remove(el).(*Entry)
	delete(p.index, entryKey{e.Kind, e.ID()})
	if e.Status() == types.StatusPassed {
		p.passed--
	}
	return *e
}

// victim picks the oldest passed entry, falling back to the oldest entry
func (p *partition) victim() (*list.Element, string) {
	if p.passed > 0 {
		for el := p.order.Front(); el != nil; el = el.Next() {
			if el.Value.(*Entry).Status() == types.StatusPassed {
				return el, PolicyPassed
			}
		}
	}
	return p.order.Front(), PolicyFIFO
}

func (p *partition) snapshot() []Entry {
	out := make([]Entry, 0, p.order.Len())
	for el := p.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Entry))
	}
	return out
}

// Buffer holds one bounded partition per worker. Workers never contend with each
// other; the map lock is only taken for writing when a partition is created.
type Buffer struct {
	capacity int
	clock    clock.Clock
	onEvict  func(Entry)
	log      log.Logger

	mu      sync.RWMutex
	workers map[string]*partition
	seq     atomic.Uint64
	size    atomic.Int64
}

// New creates a new buffer
func New(cfg Config) *Buffer {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock
	}
	if cfg.Capacity <= 0 {
		cfg.Log.Warn("Invalid buffer capacity, using default", "capacity", cfg.Capacity, "default", DefaultCapacity)
		cfg.Capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: cfg.Capacity,
		clock:    cfg.Clock,
		onEvict:  cfg.OnEvict,
		log:      cfg.Log,
		workers:  make(map[string]*partition),
	}
}

// Capacity returns the per-worker entry limit
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Add stores an entry in the worker's partition. An entry for the same record is
// refreshed in place. Otherwise, when the partition is full, the oldest passed entry
// is evicted, falling back to the oldest entry of any status.
func (b *Buffer) Add(worker string, entry Entry) {
	id := entry.ID()
	if id == "" {
		b.log.Warn("Dropping buffer entry without a record", "worker", worker, "kind", entry.Kind)
		return
	}

	p := b.partition(worker)
	p.mu.Lock()

	if el, ok := p.index[entryKey{entry.Kind, id}]; ok {
		existing := el.Value.(*Entry)
		if existing.Status() == types.StatusPassed {
			p.passed--
		}
		existing.Test = entry.Test
		existing.Step = entry.Step
		if existing.Status() == types.StatusPassed {
			p.passed++
		}
		p.mu.Unlock()
		return
	}

	var (
		evicted Entry
		policy  string
	)
	if p.order.Len() >= b.capacity {
		var victim *list.Element
		victim, policy = p.victim()
		evicted = p.remove(victim)
	}

	entry.Worker = worker
	entry.InsertedAt = b.clock.Now()
	entry.Seq = b.seq.Add(1)
	p.push(&entry)
	p.mu.Unlock()

	if policy == "" {
		b.size.Add(1)
	}
	metrics.SetBufferEntries(int(b.size.Load()), b.workerCount())
	if policy != "" {
		metrics.RecordEviction(policy)
		b.log.Trace("Evicted buffer entry", "worker", worker, "policy", policy, "kind", evicted.Kind, "id", evicted.ID())
		if b.onEvict != nil {
			b.onEvict(evicted)
		}
	}
}

// Entries returns a copy of the worker's partition in insertion order
func (b *Buffer) Entries(worker string) []Entry {
	p := b.lookup(worker)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

// Tests returns the buffered test snapshots of one worker, or of all workers ordered by
// insertion when worker is empty.
func (b *Buffer) Tests(worker string) []*types.TestRecord {
	var entries []Entry
	if worker == "" {
		entries = b.all()
	} else {
		entries = b.Entries(worker)
	}
	return testsOf(entries, nil)
}

// FailedTests returns buffered tests that failed, across all workers
func (b *Buffer) FailedTests() []*types.TestRecord {
	return testsOf(b.all(), func(t *types.TestRecord) bool { return t.Status == types.StatusFailed })
}

// PassedTests returns buffered tests that passed, across all workers
func (b *Buffer) PassedTests() []*types.TestRecord {
	return testsOf(b.all(), func(t *types.TestRecord) bool { return t.Status == types.StatusPassed })
}

// Stats returns entry counts for the whole buffer
func (b *Buffer) Stats() Stats {
	stats := Stats{PerWorkerSize: make(map[string]int)}
	b.each(func(worker string, entries []Entry) {
		stats.WorkerCount++
		stats.PerWorkerSize[worker] = len(entries)
		stats.TotalEntries += len(entries)
		for _, e := range entries {
			switch e.Kind {
			case KindTest:
				stats.TotalTests++
			case KindStep:
				stats.TotalSteps++
			}
		}
	})
	return stats
}

// Merge flattens all partitions into one list of tests ordered by start time. Tests that
// started at the same instant keep their insertion order.
func (b *Buffer) Merge() []*types.TestRecord {
	tests := b.Tests("")
	sort.SliceStable(tests, func(i, j int) bool {
		return tests[i].StartTime.Before(tests[j].StartTime)
	})
	return tests
}

// MemoryEstimate returns a rough byte count for the buffered snapshots. It is a
// deterministic heuristic for diagnostics only.
func (b *Buffer) MemoryEstimate() int64 {
	var total int64
	b.each(func(_ string, entries []Entry) {
		for _, e := range entries {
			total += entryCost
			if e.Kind == KindTest && e.Test != nil {
				total += int64(len(e.Test.StepIDs)) * stepCost
				total += int64(len(e.Test.Attachments)) * attachmentCost
			}
		}
	})
	return total
}

func (b *Buffer) partition(worker string) *partition {
	if p := b.lookup(worker); p != nil {
		return p
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.workers[worker]
	if !ok {
		p = newPartition()
		b.workers[worker] = p
	}
	return p
}

func (b *Buffer) workerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.workers)
}

func (b *Buffer) lookup(worker string) *partition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.workers[worker]
}

// each calls fn with a copy of every partition, in worker order
func (b *Buffer) each(fn func(worker string, entries []Entry)) {
	b.mu.RLock()
	workers := make([]string, 0, len(b.workers))
	for w := range b.workers {
		workers = append(workers, w)
	}
	b.mu.RUnlock()
	slices.Sort(workers)

	for _, w := range workers {
		fn(w, b.Entries(w))
	}
}

// all returns every entry ordered by insertion sequence
func (b *Buffer) all() []Entry {
	var entries []Entry
	b.each(func(_ string, part []Entry) {
		entries = append(entries, part...)
	})
	slices.SortFunc(entries, func(a, b Entry) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return entries
}

func testsOf(entries []Entry, keep func(*types.TestRecord) bool) []*types.TestRecord {
	out := make([]*types.TestRecord, 0, len(entries))
	for _, e := range entries {
		if e.Kind != KindTest || e.Test == nil {
			continue
		}
		if keep == nil || keep(e.Test) {
			out = append(out, e.Test)
		}
	}
	return out
}
