// Package webhook implements a Publisher that delivers ChangeEvents as
// signed HTTP POST requests, grounded on redb-open's
// services/webhook/engine.go deliverWebhook request-construction and
// status-code handling, with a real body (redb-open's own version never
// gets past "Note: In a real implementation, you would set the body
// properly") and an added X-* header plus HMAC-SHA256 signing.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cdcflow/pipeline/event"
	"github.com/cdcflow/pipeline/internal/xlog"
	"github.com/cdcflow/pipeline/metrics"
	"github.com/cdcflow/pipeline/publisher"
	"github.com/cdcflow/pipeline/serializer"
)

// Config configures a Publisher against one HTTP endpoint.
type Config struct {
	URL            string
	SigningKeyB64  string // base64-encoded HMAC-SHA256 key; empty disables signing
	TimeoutSeconds int
	Serializer     serializer.Serializer
}

// Publisher POSTs the ChangeEvent, encoded by Config.Serializer (JSON by
// default), to Config.URL, with
// X-Source/X-Schema/X-Table/X-Operation/X-Offset/X-Timestamp headers and,
// when a signing key is configured, an X-Signature header carrying the
// base64 HMAC-SHA256 of the body.
type Publisher struct {
	cfg    Config
	client *http.Client
	key    []byte
	log    *xlog.Logger
}

// New constructs a webhook.Publisher from an opaque option map, satisfying
// publisher.Factory.
func New(options map[string]string) (publisher.Publisher, error) {
	url := options["url"]
	if url == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	ser, err := serializer.FromOptions(options, serializer.NameJSON)
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	cfg := Config{
		URL:           url,
		SigningKeyB64: options["signing_key"],
		Serializer:    ser,
	}
	if v := options["timeout_seconds"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("webhook: invalid timeout_seconds: %w", err)
		}
		cfg.TimeoutSeconds = n
	}
	return NewPublisher(cfg)
}

// NewPublisher constructs a Publisher directly from a Config.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.Serializer == nil {
		cfg.Serializer = serializer.JSON{}
	}
	var key []byte
	if cfg.SigningKeyB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(cfg.SigningKeyB64)
		if err != nil {
			return nil, fmt.Errorf("webhook: decoding signing_key: %w", err)
		}
		key = decoded
	}
	return &Publisher{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		key:    key,
		log:    xlog.New("publisher.webhook"),
	}, nil
}

func (p *Publisher) Type() string { return "webhook" }

// Publish delivers one event; idempotent under re-delivery since the
// receiver is expected to dedupe on X-Offset, same as every other
// publisher's contract.
func (p *Publisher) Publish(ctx context.Context, evt *event.ChangeEvent) error {
	body, err := p.cfg.Serializer.Marshal(evt)
	if err != nil {
		return fmt.Errorf("webhook: marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: building request: %w", err)
	}
	p.setHeaders(ctx, req, evt, body)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// PublishBatch has no native batch endpoint to exercise, so it delivers
// sequentially via Publish, same as redb-open's webhook engine, which
// only ever sends one request per call.
func (p *Publisher) PublishBatch(ctx context.Context, events []*event.ChangeEvent) []publisher.Result {
	return publisher.PublishAllIndividually(ctx, p, events)
}

// Close is a no-op: the underlying http.Client has no persistent state to
// release beyond idle connections, which net/http reclaims on its own.
func (p *Publisher) Close(ctx context.Context) error { return nil }

func (p *Publisher) setHeaders(ctx context.Context, req *http.Request, evt *event.ChangeEvent, body []byte) {
	req.Header.Set("Content-Type", p.cfg.Serializer.ContentType())
	req.Header.Set("X-Source", evt.Source)
	req.Header.Set("X-Schema", evt.Schema)
	req.Header.Set("X-Table", evt.Table)
	req.Header.Set("X-Operation", string(evt.Operation))
	req.Header.Set("X-Offset", evt.Offset)
	req.Header.Set("X-Timestamp", evt.TimestampUTC.Format(time.RFC3339Nano))

	if len(p.key) > 0 {
		req.Header.Set("X-Signature", signBody(p.key, body))
	}

	traceHeaders := make(map[string]string)
	metrics.InjectTraceHeaders(ctx, traceHeaders)
	for k, v := range traceHeaders {
		req.Header.Set(k, v)
	}
}

func signBody(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
