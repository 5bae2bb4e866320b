// Package throttle decides whether a detection class may alert now.
//
// Cooldown classes move between two states, evaluated lazily on each query:
//
//	ELIGIBLE     -> COOLING_DOWN  when an alert is recorded
//	COOLING_DOWN -> ELIGIBLE      when now - last >= cooldown
//
// Cooldown state is written through to a Ledger on every transition.
// Continuous classes are always eligible unless a continuous interval is set,
// in which case they are throttled in memory only.
package throttle

import (
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

// Decision is the outcome of Acquire.
type Decision struct {
	Granted bool
	// Remaining is the time until the class becomes eligible again. For a
	// granted cooldown alert it is the full cooldown.
	Remaining time.Duration

	class   string
	at      time.Time
	prev    time.Time
	hadPrev bool
}

// ClassState describes one class for status reporting.
type ClassState struct {
	Class     string        `json:"class"`
	Mode      string        `json:"mode"`
	LastAlert *time.Time    `json:"last_alert,omitempty"`
	Eligible  bool          `json:"eligible"`
	Remaining time.Duration `json:"-"`
}

// Throttle is safe for concurrent use. One mutex covers the eligibility
// check, the in-memory update, and the ledger write.
type Throttle struct {
	mu       sync.Mutex
	ledger   *Ledger
	modes    map[string]types.ClassMode
	cooldown time.Duration
	interval time.Duration // continuous classes; 0 = unthrottled
	last     map[string]time.Time
	lastCont map[string]time.Time
}

// New builds a Throttle and loads the ledger. An unreadable or corrupt
// ledger is logged and treated as empty.
func New(ledger *Ledger, modes map[string]types.ClassMode, cooldown, continuousInterval time.Duration) *Throttle {
	t := &Throttle{
		ledger:   ledger,
		modes:    maps.Clone(modes),
		cooldown: cooldown,
		interval: continuousInterval,
		last:     make(map[string]time.Time),
		lastCont: make(map[string]time.Time),
	}

	entries, err := ledger.Load()
	if err != nil {
		logger.Warn("Throttle", "alert ledger unusable, starting empty: %v", err)
	}
	for class, ts := range entries {
		if t.modes[class] != types.Cooldown {
			logger.Debug("Throttle", "ledger entry for non-cooldown class %q kept on disk only", class)
			continue
		}
		t.last[class] = ts
	}
	logger.Info("Throttle", "loaded %d ledger entries from %s", len(t.last), ledger.Path())
	return t
}

// MayAlert reports whether class may alert at now. Unknown classes never alert.
func (t *Throttle) MayAlert(class string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked(class, now) == 0 && t.known(class)
}

// TimeUntilEligible returns how long until class may alert, zero if it may now.
func (t *Throttle) TimeUntilEligible(class string, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked(class, now)
}

// RecordAlert marks class as alerted at now. Cooldown classes are persisted
// before returning; a write error is returned but the in-memory state keeps
// the new timestamp.
func (t *Throttle) RecordAlert(class string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordLocked(class, now)
}

// Acquire checks and records in one critical section, so concurrent callers
// for the same class get at most one grant per window.
func (t *Throttle) Acquire(class string, now time.Time) (Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.known(class) {
		return Decision{}, fmt.Errorf("throttle: unknown class %q", class)
	}
	if rem := t.remainingLocked(class, now); rem > 0 {
		return Decision{Granted: false, Remaining: rem}, nil
	}

	d := Decision{Granted: true, class: class, at: now}
	d.prev, d.hadPrev = t.entriesLocked(class)[class]
	if t.modes[class] == types.Cooldown {
		d.Remaining = t.cooldown
	} else {
		d.Remaining = t.interval
	}
	return d, t.recordLocked(class, now)
}

// Release undoes a granted decision whose alert was never dispatched,
// restoring the previous entry. It is a no-op when the entry has changed
// since the grant.
func (t *Throttle) Release(d Decision) error {
	if !d.Granted {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.entriesLocked(d.class)
	if cur, ok := entries[d.class]; !ok || !cur.Equal(d.at) {
		return nil
	}
	if d.hadPrev {
		entries[d.class] = d.prev
	} else {
		delete(entries, d.class)
	}
	if t.modes[d.class] != types.Cooldown {
		return nil
	}
	if err := t.ledger.Save(t.last); err != nil {
		return fmt.Errorf("roll back alert for %s: %w", d.class, err)
	}
	return nil
}

// Reset clears the ledger entry for class.
func (t *Throttle) Reset(class string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, class)
	delete(t.lastCont, class)
	return t.ledger.Save(t.last)
}

// ResetAll clears every entry.
func (t *Throttle) ResetAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.last)
	clear(t.lastCont)
	return t.ledger.Save(t.last)
}

// Snapshot returns a copy of the cooldown ledger.
func (t *Throttle) Snapshot() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.last)
}

// States reports every configured class, sorted by name.
func (t *Throttle) States(now time.Time) []ClassState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ClassState, 0, len(t.modes))
	for class, mode := range t.modes {
		st := ClassState{Class: class, Mode: string(mode)}
		src := t.lastCont
		if mode == types.Cooldown {
			src = t.last
		}
		if ts, ok := src[class]; ok {
			ts := ts
			st.LastAlert = &ts
		}
		st.Remaining = t.remainingLocked(class, now)
		st.Eligible = st.Remaining == 0
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

// Cooldown returns the configured cooldown window.
func (t *Throttle) Cooldown() time.Duration {
	return t.cooldown
}

func (t *Throttle) entriesLocked(class string) map[string]time.Time {
	if t.modes[class] == types.Cooldown {
		return t.last
	}
	return t.lastCont
}

func (t *Throttle) known(class string) bool {
	_, ok := t.modes[class]
	return ok
}

func (t *Throttle) remainingLocked(class string, now time.Time) time.Duration {
	var (
		last   time.Time
		ok     bool
		window time.Duration
	)
	switch t.modes[class] {
	case types.Cooldown:
		last, ok = t.last[class]
		window = t.cooldown
	case types.Continuous:
		if t.interval <= 0 {
			return 0
		}
		last, ok = t.lastCont[class]
		window = t.interval
	default:
		return 0
	}
	if !ok {
		return 0
	}
	if rem := last.Add(window).Sub(now); rem > 0 {
		return rem
	}
	return 0
}

func (t *Throttle) recordLocked(class string, now time.Time) error {
	switch t.modes[class] {
	case types.Cooldown:
		t.last[class] = now
		if err := t.ledger.Save(t.last); err != nil {
			return fmt.Errorf("persist alert for %s: %w", class, err)
		}
	case types.Continuous:
		t.lastCont[class] = now
	default:
		return fmt.Errorf("throttle: unknown class %q", class)
	}
	return nil
}

// DaysCeil rounds d up to whole days, for user-facing messages.
func DaysCeil(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}
