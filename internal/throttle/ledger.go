package throttle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
)

// legacyLayout is the naive local timestamp format found in older ledgers.
const legacyLayout = "2006-01-02T15:04:05.999999"

// Ledger persists the last alert time per cooldown class as an indented JSON
// object of class -> timestamp. The file may be hand-edited or deleted.
type Ledger struct {
	path string
}

// NewLedger returns a ledger stored at path.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// Load reads the ledger. A missing file yields an empty map and no error.
// Entries with unparseable timestamps are skipped.
func (l *Ledger) Load() (map[string]time.Time, error) {
	out := make(map[string]time.Time)

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("read ledger: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return out, fmt.Errorf("parse ledger %s: %w", l.path, err)
	}

	for class, ts := range raw {
		t, err := parseTimestamp(ts)
		if err != nil {
			logger.Warn("Throttle", "ignoring ledger entry %q=%q: %v", class, ts, err)
			continue
		}
		out[class] = t
	}
	return out, nil
}

// Save replaces the ledger file atomically (temp file + rename).
func (l *Ledger) Save(entries map[string]time.Time) error {
	raw := make(map[string]string, len(entries))
	for class, t := range entries {
		raw[class] = t.Format(time.RFC3339Nano)
	}
	data, err := json.MarshalIndent(raw, "", "    ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create ledger temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod ledger: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(legacyLayout, s, time.Local)
}
