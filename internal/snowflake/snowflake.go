package snowflake

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Custom epoch: January 1, 2025 00:00:00 UTC.
const epoch int64 = 1735689600000

// Bit layout.
const (
	workerIDBits  = 5
	processIDBits = 5
	sequenceBits  = 12

	maxWorkerID  = (1 << workerIDBits) - 1
	maxProcessID = (1 << processIDBits) - 1
	maxSequence  = (1 << sequenceBits) - 1

	workerIDShift  = sequenceBits + processIDBits
	processIDShift = sequenceBits
	timestampShift = sequenceBits + processIDBits + workerIDBits
)

// Generator produces unique, time-ordered ids.
type Generator struct {
	mu      sync.Mutex
	node    int64
	now     func() time.Time
	lastMS  int64
	counter int64
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// NewGenerator creates a generator with the given worker and process IDs.
// Both must be in the range [0, 31].
func NewGenerator(workerID, processID int64, opts ...Option) (*Generator, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("snowflake: workerID must be between 0 and %d", maxWorkerID)
	}
	if processID < 0 || processID > maxProcessID {
		return nil, fmt.Errorf("snowflake: processID must be between 0 and %d", maxProcessID)
	}
	g := &Generator{
		node: workerID<<workerIDShift | processID<<processIDShift,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Next returns the next id. Ids never decrease, even when the clock steps
// back; an exhausted sequence borrows the following millisecond.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli() - epoch
	switch {
	case ms > g.lastMS:
		g.counter = 0
	default:
		ms = g.lastMS
		g.counter = (g.counter + 1) & maxSequence
		if g.counter == 0 {
			ms++
		}
	}
	g.lastMS = ms

	return ms<<timestampShift | g.node | g.counter
}

// NextString returns the next id in its wire (decimal string) form.
func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

// Timestamp returns the wall-clock time embedded in an id.
func Timestamp(id int64) time.Time {
	return time.UnixMilli((id >> timestampShift) + epoch)
}

// Parse decodes a wire id. Temporary client ids and malformed strings
// report false.
func Parse(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// TimeOf returns the creation time embedded in a wire id.
func TimeOf(s string) (time.Time, bool) {
	n, ok := Parse(s)
	if !ok {
		return time.Time{}, false
	}
	return Timestamp(n), true
}
