package events

import (
	"context"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/dj-oyu/herdwatch/detection-server/internal/eventlog"
	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
	"github.com/dj-oyu/herdwatch/detection-server/internal/metrics"
)

// ProducerFactory opens a sync producer. Replaced in tests.
type ProducerFactory func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error)

// KafkaConfig configures KafkaSink.
type KafkaConfig struct {
	Brokers   []string
	Topic     string
	QueueSize int
}

// KafkaSink forwards events to a Kafka topic, keyed by class. Publish only
// enqueues; Serve owns the producer. It implements suture.Service, so a
// broker outage ends Serve with an error and the supervisor retries.
type KafkaSink struct {
	cfg         KafkaConfig
	queue       chan eventlog.Entry
	newProducer ProducerFactory
	metrics     *metrics.Metrics
}

// NewKafkaSink creates a sink. The broker connection is made in Serve.
func NewKafkaSink(cfg KafkaConfig, m *metrics.Metrics) *KafkaSink {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}
	return &KafkaSink{
		cfg:         cfg,
		queue:       make(chan eventlog.Entry, cfg.QueueSize),
		newProducer: sarama.NewSyncProducer,
		metrics:     m,
	}
}

// WithProducerFactory overrides how the producer is created.
func (k *KafkaSink) WithProducerFactory(f ProducerFactory) *KafkaSink {
	k.newProducer = f
	return k
}

// Publish implements Sink.
func (k *KafkaSink) Publish(entry eventlog.Entry) {
	select {
	case k.queue <- entry:
	default:
		k.metrics.SinkErrors.Add(1)
		logger.Warn("Kafka", "queue full, dropping event %d", entry.ID)
	}
}

// Serve connects and forwards queued events until ctx is done.
func (k *KafkaSink) Serve(ctx context.Context) error {
	config := sarama.NewConfig()
	config.ClientID = "herdwatch"
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := k.newProducer(k.cfg.Brokers, config)
	if err != nil {
		return fmt.Errorf("kafka producer: %w", err)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			logger.Warn("Kafka", "close producer: %v", err)
		}
	}()
	logger.Info("Kafka", "producer connected to %v, topic=%s", k.cfg.Brokers, k.cfg.Topic)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-k.queue:
			if err := k.send(producer, entry); err != nil {
				k.metrics.SinkErrors.Add(1)
				logger.Error("Kafka", "send event %d: %v", entry.ID, err)
			}
		}
	}
}

func (k *KafkaSink) String() string {
	return "kafka-sink"
}

func (k *KafkaSink) send(producer sarama.SyncProducer, entry eventlog.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: k.cfg.Topic,
		Key:   sarama.StringEncoder(entry.Class),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_id"), Value: []byte(strconv.FormatUint(entry.ID, 10))},
			{Key: []byte("type"), Value: []byte(entry.Type)},
		},
	}

	partition, offset, err := producer.SendMessage(msg)
	if err != nil {
		return err
	}
	logger.Debug("Kafka", "sent event %d topic=%s partition=%d offset=%d", entry.ID, k.cfg.Topic, partition, offset)
	return nil
}
