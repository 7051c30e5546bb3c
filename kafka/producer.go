// Package kafka produces completed-test records to a Kafka cluster. One
// record per finished test; live snapshots never go to Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"ringbridge/bridge"
	"ringbridge/config"
	"ringbridge/logging"
)

// TestRecord is the message body for a completed test.
type TestRecord struct {
	Namespace       string    `json:"namespace"`
	Timestamp       time.Time `json:"timestamp"`
	Passed          bool      `json:"passed"`
	RingStiffness   float32   `json:"ring_stiffness"`
	ForceAtTarget   float32   `json:"force_at_target"`
	SNClass         int16     `json:"sn_class"`
	ContactPosition float32   `json:"contact_position"`
	DataPoints      int16     `json:"data_points"`

	PipeDiameter      float32 `json:"pipe_diameter"`
	PipeLength        float32 `json:"pipe_length"`
	DeflectionPercent float32 `json:"deflection_percent"`
	DeflectionTarget  float32 `json:"deflection_target"`
	TestSpeed         float32 `json:"test_speed"`
	PreloadForce      float32 `json:"preload_force"`
}

// NewTestRecord builds a record from a completed-test snapshot.
func NewTestRecord(namespace string, snap *bridge.Snapshot) TestRecord {
	return TestRecord{
		Namespace:       namespace,
		Timestamp:       snap.Timestamp,
		Passed:          snap.Test.Passed,
		RingStiffness:   snap.Results.RingStiffness,
		ForceAtTarget:   snap.Results.ForceAtTarget,
		SNClass:         snap.Results.SNClass,
		ContactPosition: snap.Results.ContactPosition,
		DataPoints:      snap.Results.DataPoints,

		PipeDiameter:      snap.Parameters.PipeDiameter,
		PipeLength:        snap.Parameters.PipeLength,
		DeflectionPercent: snap.Parameters.DeflectionPercent,
		DeflectionTarget:  snap.Parameters.DeflectionTarget,
		TestSpeed:         snap.Parameters.TestSpeed,
		PreloadForce:      snap.Parameters.PreloadForce,
	}
}

// Producer writes test records to one cluster.
type Producer struct {
	cfg       *config.KafkaConfig
	namespace string
	writer    *kafkago.Writer
	running   bool
	mu        sync.RWMutex

	sent     int64
	failed   int64
	lastSend time.Time
}

// NewProducer creates a producer for one cluster.
func NewProducer(cfg *config.KafkaConfig, namespace string) *Producer {
	return &Producer{
		cfg:       cfg,
		namespace: namespace,
	}
}

// Start verifies connectivity and creates the writer.
func (p *Producer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := kafkago.DialContext(ctx, "tcp", p.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka connect %s: %w", p.cfg.Brokers[0], err)
	}
	conn.Close()

	p.writer = &kafkago.Writer{
		Addr:            kafkago.TCP(p.cfg.Brokers...),
		Topic:           p.cfg.Topic,
		Balancer:        &kafkago.Hash{},
		RequiredAcks:    kafkago.RequiredAcks(p.cfg.RequiredAcks),
		MaxAttempts:     p.cfg.MaxRetries + 1,
		WriteBackoffMax: p.cfg.RetryBackoff,
	}
	p.running = true
	return nil
}

// Stop flushes and closes the writer.
func (p *Producer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	if err := p.writer.Close(); err != nil {
		logging.DebugLog("kafka", "%s: close failed: %v", p.cfg.Name, err)
	}
	p.writer = nil
	p.running = false
}

// Stats returns sent/failed counters and the last send time.
func (p *Producer) Stats() (sent, failed int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sent, p.failed, p.lastSend
}

// PublishTestRecord writes one completed-test record. The key is the
// namespace so all records for one machine land on one partition, in order.
func (p *Producer) PublishTestRecord(ctx context.Context, snap *bridge.Snapshot) error {
	p.mu.RLock()
	writer, running := p.writer, p.running
	p.mu.RUnlock()
	if !running {
		return fmt.Errorf("kafka %s: not started", p.cfg.Name)
	}

	record := NewTestRecord(p.namespace, snap)
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafka %s: marshal: %w", p.cfg.Name, err)
	}

	err = writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(p.namespace),
		Value: data,
		Time:  record.Timestamp,
	})

	p.mu.Lock()
	if err != nil {
		p.failed++
	} else {
		p.sent++
		p.lastSend = time.Now()
	}
	p.mu.Unlock()

	if err != nil {
		logging.DebugLog("kafka", "%s: write failed: %v", p.cfg.Name, err)
		return fmt.Errorf("kafka %s: write: %w", p.cfg.Name, err)
	}
	return nil
}
