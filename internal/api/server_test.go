package api

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/dj-oyu/herdwatch/detection-server/internal/coordinator"
	"github.com/dj-oyu/herdwatch/detection-server/internal/eventlog"
	"github.com/dj-oyu/herdwatch/detection-server/internal/events"
	"github.com/dj-oyu/herdwatch/detection-server/internal/metrics"
	"github.com/dj-oyu/herdwatch/detection-server/internal/throttle"
	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

type fakeDetector struct {
	results map[string]coordinator.Result
	err     error
	status  coordinator.Status
}

func (f *fakeDetector) OnDemand(_ context.Context, class string) (coordinator.Result, error) {
	if f.err != nil {
		return coordinator.Result{Class: class}, f.err
	}
	res, ok := f.results[class]
	if !ok {
		return coordinator.Result{Class: class}, coordinator.ErrUnknownClass
	}
	return res, nil
}

func (f *fakeDetector) Status() coordinator.Status { return f.status }

func (f *fakeDetector) ClassNames(mode types.ClassMode) []string {
	if mode == types.Continuous {
		return []string{"mounting"}
	}
	return []string{"impossibility", "sale"}
}

type fakeLedger struct{ states []throttle.ClassState }

func (f fakeLedger) States(time.Time) []throttle.ClassState { return f.states }

type testEnv struct {
	server *Server
	det    *fakeDetector
	log    *eventlog.Log
	events *events.Broadcaster
}

func newTestEnv() *testEnv {
	env := &testEnv{
		det: &fakeDetector{
			results: map[string]coordinator.Result{
				"sale": {Success: true, Class: "sale", Confidence: 75, Notified: true, CooldownRemaining: 30 * 24 * time.Hour, Message: "sale detected!"},
				"impossibility": {Class: "impossibility", Reason: coordinator.ReasonNotDetected,
					Message: "impossibility was not detected"},
			},
			status: coordinator.Status{CaptureRunning: true, FrameAvailable: true, FrameSeq: 42},
		},
		log:    eventlog.New(5),
		events: events.NewBroadcaster(metrics.New()),
	}
	last := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	env.server = NewServer(Config{DefaultLimit: 3, SSEKeepAlive: time.Hour}, Deps{
		Detector: env.det,
		Log:      env.log,
		Events:   env.events,
		Ledger: fakeLedger{states: []throttle.ClassState{
			{Class: "mounting", Mode: "continuous", Eligible: true},
			{Class: "sale", Mode: "cooldown", LastAlert: &last, Remaining: 90 * time.Second},
		}},
		Stream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		}),
	})
	return env
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, body
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv()
	h := env.server.Handler()
	env.log.Append(eventlog.NewEntry("mounting", 0.7, types.Realtime, time.Now()))

	rec, body := do(t, h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || body["status"] != "running" || body["total_messages"] != float64(1) {
		t.Fatalf("health = %d %v", rec.Code, body)
	}
	if got := body["ondemand_classes"].([]any); len(got) != 2 || got[1] != "sale" {
		t.Errorf("ondemand_classes = %v", got)
	}

	rec, body = do(t, h, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	for _, key := range []string{"capture_running", "camera_running", "frame_available"} {
		if body[key] != true {
			t.Errorf("%s = %v", key, body[key])
		}
	}
	if body["messages_count"] != float64(1) || body["event_count"] != float64(1) {
		t.Errorf("counts = %v / %v", body["messages_count"], body["event_count"])
	}
	if _, ok := body["capture_error"]; ok {
		t.Error("capture_error present without a fault")
	}
}

func TestDetectEndpoints(t *testing.T) {
	env := newTestEnv()
	h := env.server.Handler()

	tests := []struct {
		name     string
		path     string
		wantCode int
		check    func(t *testing.T, body map[string]any)
	}{
		{"success", "/detect/sale", http.StatusOK, func(t *testing.T, body map[string]any) {
			if body["success"] != true || body["confidence"] != 75.0 || body["type"] != "ondemand" ||
				body["notified"] != true || body["cooldown_remaining_days"] != float64(30) {
				t.Errorf("body = %v", body)
			}
		}},
		{"legacy alias", "/detect_sale", http.StatusOK, nil},
		{"not detected", "/detect_impossibility", http.StatusBadRequest, func(t *testing.T, body map[string]any) {
			if body["success"] != false || body["class"] != "impossibility" || body["reason"] != "not_detected" {
				t.Errorf("body = %v", body)
			}
			if _, ok := body["confidence"]; ok {
				t.Error("confidence present on failure")
			}
		}},
		{"unknown class", "/detect/mounting", http.StatusNotFound, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, h, http.MethodPost, tt.path)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}

	env.det.err = errors.New("circuit open")
	rec, body := do(t, h, http.MethodPost, "/detect/sale")
	if rec.Code != http.StatusBadGateway || body["success"] != false {
		t.Fatalf("inference error = %d %v", rec.Code, body)
	}
}

func TestDetectRateLimit(t *testing.T) {
	env := newTestEnv()
	h := NewServer(Config{OnDemandRateLimit: 2, OnDemandRateWindow: time.Minute}, Deps{
		Detector: env.det, Log: env.log,
	}).Handler()

	codes := make([]int, 0, 3)
	for range 3 {
		rec, _ := do(t, h, http.MethodPost, "/detect/sale")
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

func TestMessages(t *testing.T) {
	env := newTestEnv()
	h := env.server.Handler()

	rec, _ := do(t, h, http.MethodGet, "/get_latest_message")
	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Fatalf("empty latest = %d %q", rec.Code, rec.Body.String())
	}

	for i := range 7 {
		env.log.Append(eventlog.NewEntry("mounting", 0.5+float64(i)/100, types.Realtime, time.Now()))
	}

	_, body := do(t, h, http.MethodGet, "/get_messages")
	msgs := body["messages"].([]any)
	if body["total"] != float64(5) || len(msgs) != 3 {
		t.Fatalf("default listing total=%v len=%d", body["total"], len(msgs))
	}
	if last := msgs[2].(map[string]any); last["id"] != float64(7) {
		t.Errorf("newest entry should be last, got %v", last)
	}

	_, body = do(t, h, http.MethodGet, "/get_messages?limit=500")
	if len(body["messages"].([]any)) != 5 {
		t.Errorf("limit above capacity should clamp")
	}

	for _, bad := range []string{"0", "-1", "abc"} {
		rec, _ := do(t, h, http.MethodGet, "/get_messages?limit="+bad)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s code = %d", bad, rec.Code)
		}
	}

	rec, body = do(t, h, http.MethodGet, "/get_latest_message")
	if rec.Code != http.StatusOK || body["message"].(map[string]any)["id"] != float64(7) {
		t.Fatalf("latest = %d %v", rec.Code, body)
	}

	for range 2 {
		rec, body = do(t, h, http.MethodPost, "/clear_messages")
		if rec.Code != http.StatusOK || body["success"] != true {
			t.Fatalf("clear = %d %v", rec.Code, body)
		}
	}
	_, body = do(t, h, http.MethodGet, "/get_messages")
	if body["total"] != float64(0) || len(body["messages"].([]any)) != 0 {
		t.Fatalf("after clear = %v", body)
	}
}

func TestLedgerEndpoint(t *testing.T) {
	env := newTestEnv()
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ledger", nil))

	var entries []ledgerEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Class != "sale" || entries[0].RemainingSeconds != 90 ||
		entries[0].LastAlert == nil || *entries[0].LastAlert != "2026-07-01T10:00:00Z" {
		t.Fatalf("ledger = %+v", entries)
	}
}

func TestCORSAndVideoFeed(t *testing.T) {
	env := newTestEnv()
	h := env.server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://app.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("missing CORS header")
	}

	rec, _ = do(t, h, http.MethodGet, "/video_feed")
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "multipart/x-mixed-replace") {
		t.Errorf("video_feed Content-Type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv()
	server := httptest.NewServer(env.server.Handler())
	defer server.Close()

	for _, proto := range []bool{false, true} {
		ctx, cancel := context.WithCancel(context.Background())
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events/stream", nil)
		if proto {
			req.Header.Set("Accept", "application/x-protobuf")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for env.events.Clients() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		entry := env.log.Append(eventlog.NewEntry("sale", 0.8, types.OnDemand, time.Now()))
		env.events.Publish(entry)

		reader := bufio.NewReader(resp.Body)
		var data string
		for data == "" {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}

		wantFormat := "application/json"
		if proto {
			wantFormat = "application/protobuf"
		}
		if resp.Header.Get("X-Content-Format") != wantFormat {
			t.Errorf("X-Content-Format = %q", resp.Header.Get("X-Content-Format"))
		}
		if proto == strings.HasPrefix(data, "{") {
			t.Errorf("proto=%v data = %q", proto, data)
		}

		cancel()
		resp.Body.Close()
		deadline = time.Now().Add(2 * time.Second)
		for env.events.Clients() != 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestIndexPage(t *testing.T) {
	env := newTestEnv()
	rec, _ := do(t, env.server.Handler(), http.MethodGet, "/")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("index = %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	html := rec.Body.String()
	for _, needle := range []string{"<title>Herdwatch Monitor</title>", `src="/video_feed"`, `data-class="sale"`, "/events/stream"} {
		if !strings.Contains(html, needle) {
			t.Errorf("index missing %q", needle)
		}
	}
}
