package eventlog

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

func TestLogEvictsOldest(t *testing.T) {
	l := New(3)
	now := time.Now()
	for i := range 5 {
		l.Append(NewEntry("sale", float64(i)/10, types.OnDemand, now))
	}

	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
	got := l.Recent(0)
	if len(got) != 3 {
		t.Fatalf("Recent returned %d entries", len(got))
	}
	for i, want := range []uint64{3, 4, 5} {
		if got[i].ID != want {
			t.Errorf("entry %d id = %d, want %d", i, got[i].ID, want)
		}
	}

	last2 := l.Recent(2)
	if len(last2) != 2 || last2[0].ID != 4 || last2[1].ID != 5 {
		t.Fatalf("Recent(2) = %+v", last2)
	}
	if big := l.Recent(50); len(big) != 3 {
		t.Fatalf("Recent(50) returned %d entries", len(big))
	}
}

func TestLatestAndClear(t *testing.T) {
	l := New(100)
	if _, ok := l.Latest(); ok {
		t.Fatal("empty log must report no latest entry")
	}

	l.Append(NewEntry("mounting", 0.5, types.Realtime, time.Now()))
	e := l.Append(NewEntry("sale", 0.75, types.OnDemand, time.Now()))

	latest, ok := l.Latest()
	if !ok || latest.ID != e.ID || latest.Class != "sale" {
		t.Fatalf("Latest = %+v, %v", latest, ok)
	}

	l.Clear()
	l.Clear()
	if l.Len() != 0 || len(l.Recent(50)) != 0 {
		t.Fatal("log not empty after Clear")
	}
	if _, ok := l.Latest(); ok {
		t.Fatal("Latest after Clear should be absent")
	}
	if next := l.Append(NewEntry("sale", 0.8, types.OnDemand, time.Now())); next.ID != 3 {
		t.Fatalf("id after Clear = %d, want 3", next.ID)
	}
}

func TestEntryJSON(t *testing.T) {
	at := time.Date(2026, 4, 2, 9, 5, 7, 0, time.Local)
	e := New(10).Append(NewEntry("sale", 0.75123, types.OnDemand, at))

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["timestamp"] != "2026-04-02 09:05:07" {
		t.Errorf("timestamp = %v", m["timestamp"])
	}
	if m["confidence"] != 75.12 {
		t.Errorf("confidence = %v", m["confidence"])
	}
	if m["type"] != "ondemand" || m["status"] != "success" || m["class"] != "sale" || m["id"] != float64(1) {
		t.Errorf("unexpected fields: %s", data)
	}
	if strings.Contains(string(data), "Time") {
		t.Errorf("raw time leaked: %s", data)
	}
}

func TestConcurrentAppend(t *testing.T) {
	l := New(100)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				l.Append(NewEntry("mounting", 0.6, types.Realtime, time.Now()))
			}
		}()
	}
	wg.Wait()

	entries := l.Recent(0)
	if len(entries) != 100 {
		t.Fatalf("len = %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ID != entries[i-1].ID+1 {
			t.Fatalf("ids not contiguous at %d: %d after %d", i, entries[i].ID, entries[i-1].ID)
		}
	}
	if entries[len(entries)-1].ID != 400 {
		t.Fatalf("last id = %d, want 400", entries[len(entries)-1].ID)
	}
}
