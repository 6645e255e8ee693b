// Package deadletter routes records and pages the ingest run had to skip.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/violations-ingest/internal/models"
)

// Kinds of dead letters, sent in the "kind" header.
const (
	KindRecord = "record"
	KindPage   = "page"
)

// RecordFailure is a raw record that could not be normalized.
type RecordFailure struct {
	Page    int
	Ordinal int
	Raw     models.RawRecord
	Err     error
}

// PageFailure is an encoded page whose bulk submission failed.
type PageFailure struct {
	Page    int
	Rows    int
	Payload []byte
	Err     error
}

// Sink receives everything the run skipped.
type Sink interface {
	Record(ctx context.Context, f RecordFailure) error
	Page(ctx context.Context, f PageFailure) error
	Close() error
}

// Nop drops dead letters; the runner's log lines are the only trace.
type Nop struct{}

func (Nop) Record(context.Context, RecordFailure) error { return nil }
func (Nop) Page(context.Context, PageFailure) error     { return nil }
func (Nop) Close() error                                { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes dead letters to a topic, one message per record or page.
type Kafka struct {
	w     messageWriter
	runID string
	now   func() time.Time
}

// NewKafka creates a sink writing to topic on brokers.
func NewKafka(brokers []string, topic, runID string) *Kafka {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     brokers,
		Topic:       topic,
		MaxAttempts: 3,
	})
	return newKafka(w, runID)
}

func newKafka(w messageWriter, runID string) *Kafka {
	return &Kafka{w: w, runID: runID, now: time.Now}
}

// Record publishes the raw record as JSON.
func (k *Kafka) Record(ctx context.Context, f RecordFailure) error {
	value, err := json.Marshal(f.Raw)
	if err != nil {
		return fmt.Errorf("marshal dead record: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s/%d/%d", k.runID, f.Page, f.Ordinal)),
		Value: value,
		Headers: k.headers(KindRecord, f.Page, f.Err,
			kafka.Header{Key: "ordinal", Value: []byte(strconv.Itoa(f.Ordinal))},
		),
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write dead record: %w", err)
	}
	return nil
}

// Page publishes the NDJSON payload that the index store rejected.
func (k *Kafka) Page(ctx context.Context, f PageFailure) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s/%d", k.runID, f.Page)),
		Value: f.Payload,
		Headers: k.headers(KindPage, f.Page, f.Err,
			kafka.Header{Key: "rows", Value: []byte(strconv.Itoa(f.Rows))},
		),
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write dead page: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}

func (k *Kafka) headers(kind string, page int, cause error, extra ...kafka.Header) []kafka.Header {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	h := []kafka.Header{
		{Key: "kind", Value: []byte(kind)},
		{Key: "run_id", Value: []byte(k.runID)},
		{Key: "page", Value: []byte(strconv.Itoa(page))},
		{Key: "error", Value: []byte(reason)},
		{Key: "timestamp", Value: []byte(k.now().UTC().Format(time.RFC3339))},
	}
	return append(h, extra...)
}
