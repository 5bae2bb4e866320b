// Package eventlog keeps a bounded, in-memory history of detection events.
package eventlog

import (
	"math"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

// TimestampLayout is the wire format of Entry.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"

// Entry is one logged detection. Entries are immutable once appended.
type Entry struct {
	ID         uint64              `json:"id"`
	Class      string              `json:"class"`
	Confidence float64             `json:"confidence"` // percent, two decimals
	Type       types.DetectionType `json:"type"`
	Time       time.Time           `json:"-"`
	Status     string              `json:"status"`
}

// MarshalJSON adds the formatted timestamp.
func (e Entry) MarshalJSON() ([]byte, error) {
	type alias Entry
	return json.Marshal(struct {
		alias
		Timestamp string `json:"timestamp"`
	}{alias(e), e.Time.Format(TimestampLayout)})
}

// NewEntry builds an entry from a detection. confidence is in [0,1].
func NewEntry(class string, confidence float64, typ types.DetectionType, at time.Time) Entry {
	return Entry{
		Class:      class,
		Confidence: Percent(confidence),
		Type:       typ,
		Time:       at,
		Status:     "success",
	}
}

// Percent converts a [0,1] score to a percentage rounded to two decimals.
func Percent(confidence float64) float64 {
	return math.Round(confidence*10000) / 100
}

// Log is a fixed-capacity FIFO. When full, Append evicts the oldest entry.
type Log struct {
	mu     sync.Mutex
	buf    []Entry
	start  int // index of the oldest entry
	n      int
	nextID uint64
}

// New returns an empty log holding at most capacity entries.
func New(capacity int) *Log {
	if capacity < 1 {
		capacity = 1
	}
	return &Log{buf: make([]Entry, capacity)}
}

// Append assigns the next sequence id and stores e. Ids keep increasing
// across Clear.
func (l *Log) Append(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	e.ID = l.nextID

	idx := (l.start + l.n) % len(l.buf)
	l.buf[idx] = e
	if l.n < len(l.buf) {
		l.n++
	} else {
		l.start = (l.start + 1) % len(l.buf)
	}
	return e
}

// Recent returns up to limit entries, oldest first and newest last.
// A non-positive limit returns everything.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > l.n {
		limit = l.n
	}
	out := make([]Entry, limit)
	skip := l.n - limit
	for i := range limit {
		out[i] = l.buf[(l.start+skip+i)%len(l.buf)]
	}
	return out
}

// Latest returns the newest entry, or false when the log is empty.
func (l *Log) Latest() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.n == 0 {
		return Entry{}, false
	}
	return l.buf[(l.start+l.n-1)%len(l.buf)], true
}

// Clear removes every entry.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.buf)
	l.start, l.n = 0, 0
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Cap returns the capacity.
func (l *Log) Cap() int {
	return len(l.buf)
}
