package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/dj-oyu/herdwatch/detection-server/internal/coordinator"
	"github.com/dj-oyu/herdwatch/detection-server/internal/eventlog"
	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
	"github.com/dj-oyu/herdwatch/detection-server/internal/throttle"
	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

const isoLayout = "2006-01-02T15:04:05.000000"

type healthResponse struct {
	Status          string   `json:"status"`
	Message         string   `json:"message"`
	RealtimeClasses []string `json:"realtime_classes"`
	OnDemandClasses []string `json:"ondemand_classes"`
	TotalMessages   int      `json:"total_messages"`
}

type statusResponse struct {
	CaptureRunning bool   `json:"capture_running"`
	CameraRunning  bool   `json:"camera_running"`
	FrameAvailable bool   `json:"frame_available"`
	FrameNumber    uint64 `json:"frame_number"`
	EventCount     int    `json:"event_count"`
	MessagesCount  int    `json:"messages_count"`
	Timestamp      string `json:"timestamp"`
	CaptureError   string `json:"capture_error,omitempty"`
}

type detectResponse struct {
	Success               bool     `json:"success"`
	Message               string   `json:"message"`
	Class                 string   `json:"class"`
	Confidence            *float64 `json:"confidence,omitempty"`
	Type                  string   `json:"type,omitempty"`
	Notified              bool     `json:"notified"`
	CooldownRemainingDays *int     `json:"cooldown_remaining_days,omitempty"`
	Reason                string   `json:"reason,omitempty"`
}

type messagesResponse struct {
	Success  bool             `json:"success"`
	Total    int              `json:"total"`
	Messages []eventlog.Entry `json:"messages"`
}

type ledgerEntry struct {
	Class            string  `json:"class"`
	LastAlert        *string `json:"last_alert"`
	Eligible         bool    `json:"eligible"`
	RemainingSeconds int64   `json:"remaining_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthResponse{
		Status:          "running",
		Message:         "Detection server is running",
		RealtimeClasses: nonNil(s.deps.Detector.ClassNames(types.Continuous)),
		OnDemandClasses: nonNil(s.deps.Detector.ClassNames(types.Cooldown)),
		TotalMessages:   s.deps.Log.Len(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Detector.Status()
	n := s.deps.Log.Len()
	writeJSON(w, statusResponse{
		CaptureRunning: st.CaptureRunning,
		CameraRunning:  st.CaptureRunning,
		FrameAvailable: st.FrameAvailable,
		FrameNumber:    st.FrameSeq,
		EventCount:     n,
		MessagesCount:  n,
		Timestamp:      time.Now().Format(isoLayout),
		CaptureError:   st.CaptureError,
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	s.detectClass(chi.URLParam(r, "class"))(w, r)
}

func (s *Server) detectClass(class string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.deps.Detector.OnDemand(r.Context(), class)
		switch {
		case errors.Is(err, coordinator.ErrUnknownClass):
			writeJSONWithStatus(w, detectResponse{
				Message: fmt.Sprintf("Unknown on-demand class %q", class),
				Class:   class,
			}, http.StatusNotFound)
			return
		case err != nil:
			logger.Error("API", "on-demand %s: %v", class, err)
			writeJSONWithStatus(w, detectResponse{
				Message: "Detection failed: " + err.Error(),
				Class:   class,
			}, http.StatusBadGateway)
			return
		}

		body := detectResponse{
			Success:  res.Success,
			Message:  res.Message,
			Class:    res.Class,
			Notified: res.Notified,
			Reason:   string(res.Reason),
		}
		status := http.StatusBadRequest
		if res.Success {
			status = http.StatusOK
			conf := res.Confidence
			body.Confidence = &conf
			body.Type = string(types.OnDemand)
			if res.CooldownRemaining > 0 {
				days := throttle.DaysCeil(res.CooldownRemaining)
				body.CooldownRemainingDays = &days
			}
		}
		writeJSONWithStatus(w, body, status)
	}
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.DefaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONWithStatus(w, map[string]any{
				"success": false,
				"message": "limit must be a positive integer",
			}, http.StatusBadRequest)
			return
		}
		limit = n
	}
	if maxLimit := s.deps.Log.Cap(); limit > maxLimit {
		limit = maxLimit
	}

	writeJSON(w, messagesResponse{
		Success:  true,
		Total:    s.deps.Log.Len(),
		Messages: s.deps.Log.Recent(limit),
	})
}

func (s *Server) handleLatestMessage(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.deps.Log.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"message": entry,
	})
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	s.deps.Log.Clear()
	logger.Info("API", "event log cleared")
	writeJSON(w, map[string]any{
		"success": true,
		"message": "All messages cleared",
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeJSON(w, []ledgerEntry{})
		return
	}
	now := time.Now()
	out := make([]ledgerEntry, 0)
	for _, st := range s.deps.Ledger.States(now) {
		if st.Mode != string(types.Cooldown) {
			continue
		}
		e := ledgerEntry{
			Class:            st.Class,
			Eligible:         st.Eligible,
			RemainingSeconds: int64(st.Remaining.Seconds()),
		}
		if st.LastAlert != nil {
			ts := st.LastAlert.Format(time.RFC3339)
			e.LastAlert = &ts
		}
		out = append(out, e)
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
