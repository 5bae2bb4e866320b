package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
)

// Boundary separates parts of the multipart response.
const Boundary = "frame"

// WriteMJPEG writes frames from frameCh as multipart/x-mixed-replace until
// ctx ends, the channel closes, or a write fails. When no frame arrives for
// keepAlive, the previous frame is sent again.
func WriteMJPEG(ctx context.Context, w http.ResponseWriter, frameCh <-chan []byte, keepAlive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	timer := time.NewTimer(keepAlive)
	defer timer.Stop()

	var last []byte
	for {
		var jpegData []byte
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				// Channel closed, client should disconnect
				return
			}
			jpegData = data
		case <-timer.C:
			jpegData = last
		}
		timer.Reset(keepAlive)

		if jpegData == nil {
			continue
		}
		last = jpegData

		if err := writePart(w, jpegData); err != nil {
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
		flusher.Flush()
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
