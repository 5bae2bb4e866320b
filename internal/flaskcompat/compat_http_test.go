package flaskcompat

import (
	"fmt"
	"net/http"
	"testing"
)

func TestFlaskCompatHealth(t *testing.T) {
	client := newCompatClient(t)
	resp, body := client.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if status := requireString(t, payload["status"], "status"); status != "running" {
		t.Fatalf("status = %q", status)
	}
	requireSlice(t, payload["realtime_classes"], "realtime_classes")
	requireSlice(t, payload["ondemand_classes"], "ondemand_classes")
	requireNumber(t, payload["total_messages"], "total_messages")
}

func TestFlaskCompatStatus(t *testing.T) {
	client := newCompatClient(t)
	resp, body := client.get(t, "/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status status = %d", resp.StatusCode)
	}
	assertStatusPayload(t, decodeJSONMap(t, body))
}

func TestFlaskCompatGetMessages(t *testing.T) {
	client := newCompatClient(t)
	resp, body := client.get(t, "/get_messages?limit=5")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /get_messages status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	requireBool(t, payload["success"], "success")
	requireNumber(t, payload["total"], "total")
	messages := requireSlice(t, payload["messages"], "messages")
	if len(messages) > 5 {
		t.Fatalf("limit=5 returned %d messages", len(messages))
	}
	for i, raw := range messages {
		field := fmt.Sprintf("messages[%d]", i)
		assertEventEntry(t, requireMap(t, raw, field), field)
	}

	resp, _ = client.get(t, "/get_messages?limit=nope")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid limit status = %d", resp.StatusCode)
	}
}

func TestFlaskCompatLatestMessage(t *testing.T) {
	client := newCompatClient(t)
	resp, body := client.get(t, "/get_latest_message")
	switch resp.StatusCode {
	case http.StatusNoContent:
		if len(body) != 0 {
			t.Fatalf("204 with body %q", body)
		}
	case http.StatusOK:
		payload := decodeJSONMap(t, body)
		assertEventEntry(t, requireMap(t, payload["message"], "message"), "message")
	default:
		t.Fatalf("GET /get_latest_message status = %d", resp.StatusCode)
	}
}

func TestFlaskCompatDetectUnknownClass(t *testing.T) {
	client := newCompatClient(t)
	resp, body := client.postJSON(t, "/detect/definitely-not-a-class", map[string]any{})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown class status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if requireBool(t, payload["success"], "success") {
		t.Fatal("unknown class reported success")
	}
}

func TestFlaskCompatDetectLegacyRoutes(t *testing.T) {
	client := newCompatClient(t)
	_, body := client.get(t, "/health")
	classes := requireSlice(t, decodeJSONMap(t, body)["ondemand_classes"], "ondemand_classes")

	for _, raw := range classes {
		class := requireString(t, raw, "ondemand_classes[]")
		resp, body := client.postJSON(t, "/detect_"+class, map[string]any{})
		payload := decodeJSONMap(t, body)
		switch resp.StatusCode {
		case http.StatusOK:
			requireNumber(t, payload["confidence"], "confidence")
			requireBool(t, payload["notified"], "notified")
			if requireString(t, payload["type"], "type") != "ondemand" {
				t.Fatalf("type = %v", payload["type"])
			}
		case http.StatusBadRequest:
			reason := requireString(t, payload["reason"], "reason")
			if reason != "no_frame" && reason != "not_detected" {
				t.Fatalf("reason = %q", reason)
			}
		case http.StatusBadGateway, http.StatusTooManyRequests:
			t.Skipf("detect_%s unavailable: %d", class, resp.StatusCode)
		default:
			t.Fatalf("POST /detect_%s status = %d", class, resp.StatusCode)
		}
		if requireString(t, payload["class"], "class") != class {
			t.Fatalf("class = %v, want %s", payload["class"], class)
		}
	}
}
