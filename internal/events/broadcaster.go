// Package events fans logged detection events out to live subscribers and
// external sinks.
package events

import (
	"encoding/base64"
	"sync"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/herdwatch/detection-server/internal/eventlog"
	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
	"github.com/dj-oyu/herdwatch/detection-server/internal/metrics"
)

// Sink receives every appended event. Publish must not block.
type Sink interface {
	Publish(entry eventlog.Entry)
}

// Sinks publishes to each member in order.
type Sinks []Sink

// Publish implements Sink.
func (s Sinks) Publish(entry eventlog.Entry) {
	for _, sink := range s {
		sink.Publish(entry)
	}
}

// SerializedEvent holds pre-serialized data in both formats so one encode
// serves every subscriber.
type SerializedEvent struct {
	ID           uint64
	JSONData     []byte
	ProtobufData []byte // base64 of a google.protobuf.Struct, for SSE transport
}

// Broadcaster manages fanout of detection events to SSE clients.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	metrics *metrics.Metrics
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		clients: make(map[int]chan *SerializedEvent),
		metrics: m,
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, 8)
	b.clients[id] = ch

	logger.Debug("Events", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug("Events", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Clients returns the number of subscribers.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Publish serializes entry once and offers it to every subscriber. Slow
// subscribers miss the event.
func (b *Broadcaster) Publish(entry eventlog.Entry) {
	if b.Clients() == 0 {
		return
	}
	event, err := Serialize(entry)
	if err != nil {
		b.metrics.SinkErrors.Add(1)
		logger.Error("Events", "serialize event %d: %v", entry.ID, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.clients {
		select {
		case ch <- event:
		default:
			logger.Debug("Events", "Client #%d too slow, skipping event %d", id, entry.ID)
		}
	}
}

// Serialize encodes entry as JSON and as a base64 protobuf Struct.
func Serialize(entry eventlog.Entry) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	st, err := structpb.NewStruct(map[string]any{
		"id":         float64(entry.ID),
		"class":      entry.Class,
		"confidence": entry.Confidence,
		"type":       string(entry.Type),
		"timestamp":  entry.Time.Format(eventlog.TimestampLayout),
		"status":     entry.Status,
	})
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}

	return &SerializedEvent{
		ID:           entry.ID,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
