// Package kafka provides the async Kafka producer used to fan out audit events.
package kafka

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/atmx/hedge-engine/internal/metrics"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("kafka: producer is closed")

// Message is implemented by every event type sent through the producer.
type Message interface {
	Topic() string          // target topic
	Key() string            // partition key; equal keys keep their order
	Value() ([]byte, error) // serialized payload
}

// ProducerConfig configures the underlying sarama producer.
type ProducerConfig struct {
	Brokers        []string
	RequiredAcks   int    // 0 = no response, 1 = leader, -1 = all replicas
	Compression    string // none, gzip, snappy, lz4, zstd
	FlushFrequency time.Duration
	FlushMessages  int
	MaxRetries     int
}

// DefaultProducerConfig returns a config tuned for low-volume audit events.
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		RequiredAcks:   -1,
		Compression:    "snappy",
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     3,
	}
}

// SaramaConfig translates cfg into a sarama configuration.
func (cfg ProducerConfig) SaramaConfig() *sarama.Config {
	sc := sarama.NewConfig()

	switch cfg.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}

	switch cfg.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	sc.Producer.Flush.Frequency = cfg.FlushFrequency
	sc.Producer.Flush.Messages = cfg.FlushMessages
	sc.Producer.Retry.Max = cfg.MaxRetries

	// Async: only failures come back.
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	return sc
}

// Producer is an async Kafka producer. Send never waits for the broker;
// delivery failures are logged and counted in the background.
type Producer struct {
	producer sarama.AsyncProducer

	sentCount  atomic.Int64
	errorCount atomic.Int64

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewProducer connects to the configured brokers.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	ap, err := sarama.NewAsyncProducer(cfg.Brokers, cfg.SaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerFrom(ap), nil
}

// NewProducerFrom wraps an existing sarama producer.
func NewProducerFrom(ap sarama.AsyncProducer) *Producer {
	p := &Producer{producer: ap}
	p.wg.Add(1)
	go p.handleErrors()
	return p
}

// Send enqueues msg for delivery.
func (p *Producer) Send(msg Message) error {
	if p.closed.Load() {
		return ErrClosed
	}

	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: msg.Topic(),
		Key:   sarama.StringEncoder(msg.Key()),
		Value: sarama.ByteEncoder(data),
	}
	p.sentCount.Add(1)
	return nil
}

func (p *Producer) handleErrors() {
	defer p.wg.Done()

	for perr := range p.producer.Errors() {
		p.errorCount.Add(1)
		metrics.PublishFailures.WithLabelValues("kafka").Inc()
		topic := ""
		if perr.Msg != nil {
			topic = perr.Msg.Topic
		}
		slog.Error("kafka send failed", "topic", topic, "err", perr.Err)
	}
}

// ProducerStats reports send and failure counts.
type ProducerStats struct {
	SentCount  int64
	ErrorCount int64
}

// Stats returns a snapshot of the producer counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		SentCount:  p.sentCount.Load(),
		ErrorCount: p.errorCount.Load(),
	}
}

// Close flushes pending messages and waits for the error handler to drain.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.producer.Close()
	p.wg.Wait()
	return err
}
