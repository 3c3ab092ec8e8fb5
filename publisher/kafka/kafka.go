// Package kafka implements a Publisher over Apache Kafka. Grounded on the
// shape of redb-open's services/stream/adapter/kafka
// package (producer.Produce/ProduceAsync/Flush/Close), but that package's
// own Producer is an unimplemented stub (every method returns nil without
// sending anything) and its adapter.Register wiring is likewise inert, so
// this package wires a real client: github.com/twmb/franz-go, the
// from-scratch Kafka client the retrieval pack carries its own full
// repository of.
package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/cdcflow/pipeline/event"
	"github.com/cdcflow/pipeline/internal/xlog"
	"github.com/cdcflow/pipeline/publisher"
	"github.com/cdcflow/pipeline/serializer"
)

// Config configures a Publisher against one Kafka cluster.
type Config struct {
	Brokers       []string
	TopicTemplate string // e.g. "cdc.{schema}.{table}"; literal if no placeholders
	Serializer    serializer.Serializer
}

// Publisher delivers ChangeEvents to Kafka as records keyed by
// (schema, table) so that all changes to one table land on one
// partition and preserve per-table ordering.
type Publisher struct {
	cfg    Config
	client *kgo.Client
	log    *xlog.Logger
}

// New constructs a kafka.Publisher from an opaque option map, satisfying
// publisher.Factory.
func New(options map[string]string) (publisher.Publisher, error) {
	brokers := options["brokers"]
	if brokers == "" {
		return nil, fmt.Errorf("kafka: brokers is required")
	}
	ser, err := serializer.FromOptions(options, serializer.NameJSON)
	if err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	cfg := Config{
		Brokers:       strings.Split(brokers, ","),
		TopicTemplate: options["topic_template"],
		Serializer:    ser,
	}
	if cfg.TopicTemplate == "" {
		cfg.TopicTemplate = "cdc.{schema}.{table}"
	}
	return NewPublisher(cfg)
}

// NewPublisher constructs a Publisher directly from a Config.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Serializer == nil {
		cfg.Serializer = serializer.JSON{}
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: creating client: %w", err)
	}
	return &Publisher{cfg: cfg, client: client, log: xlog.New("publisher.kafka")}, nil
}

func (p *Publisher) Type() string { return "kafka" }

// Publish sends one event synchronously; franz-go's ProduceSync blocks
// until the broker acknowledges.
func (p *Publisher) Publish(ctx context.Context, evt *event.ChangeEvent) error {
	record, err := p.toRecord(evt)
	if err != nil {
		return err
	}
	results := p.client.ProduceSync(ctx, record)
	return results.FirstErr()
}

// PublishBatch sends every event in one batch round-trip, returning a
// per-event result so callers can identify partial failures.
func (p *Publisher) PublishBatch(ctx context.Context, events []*event.ChangeEvent) []publisher.Result {
	records := make([]*kgo.Record, 0, len(events))
	positions := make([]int, 0, len(events))
	results := make([]publisher.Result, len(events))

	for i, evt := range events {
		record, err := p.toRecord(evt)
		if err != nil {
			results[i] = publisher.Result{Event: evt, Err: err}
			continue
		}
		records = append(records, record)
		positions = append(positions, i)
	}

	produceResults := p.client.ProduceSync(ctx, records...)
	for j, pr := range produceResults {
		results[positions[j]] = publisher.Result{Event: events[positions[j]], Err: pr.Err}
	}
	return results
}

// Close flushes any buffered records and releases the client.
func (p *Publisher) Close(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		p.log.Warn("flush on close: %v", err)
	}
	p.client.Close()
	return nil
}

func (p *Publisher) toRecord(evt *event.ChangeEvent) (*kgo.Record, error) {
	payload, err := p.cfg.Serializer.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("kafka: marshaling event: %w", err)
	}
	topic := strings.NewReplacer(
		"{schema}", evt.Schema,
		"{table}", evt.Table,
		"{source}", evt.Source,
	).Replace(p.cfg.TopicTemplate)

	return &kgo.Record{
		Topic: topic,
		Key:   []byte(evt.Schema + "." + evt.Table),
		Value: payload,
	}, nil
}
