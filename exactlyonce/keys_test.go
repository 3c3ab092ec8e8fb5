package exactlyonce

import (
	"testing"
	"time"

	"github.com/cdcflow/pipeline/event"
	"github.com/cdcflow/pipeline/internal/pipelineconfig"
	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKeyOffsetStrategy(t *testing.T) {
	evt := &event.ChangeEvent{Source: "src-a", Offset: "100"}
	assert.Equal(t, "src-a/100", IdempotencyKey(pipelineconfig.KeyStrategyOffset, evt))
}

func TestIdempotencyKeyCompositeStrategyIsStableAndDistinguishesOffset(t *testing.T) {
	ts := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	evt1 := &event.ChangeEvent{Source: "src-a", Schema: "public", Table: "orders", Operation: event.OpInsert, Offset: "1", TimestampUTC: ts}
	evt2 := &event.ChangeEvent{Source: "src-a", Schema: "public", Table: "orders", Operation: event.OpInsert, Offset: "1", TimestampUTC: ts}
	evt3 := &event.ChangeEvent{Source: "src-a", Schema: "public", Table: "orders", Operation: event.OpInsert, Offset: "2", TimestampUTC: ts}

	k1 := IdempotencyKey(pipelineconfig.KeyStrategyComposite, evt1)
	k2 := IdempotencyKey(pipelineconfig.KeyStrategyComposite, evt2)
	k3 := IdempotencyKey(pipelineconfig.KeyStrategyComposite, evt3)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestContentHashIgnoresOffsetAndTimestamp(t *testing.T) {
	evt1 := &event.ChangeEvent{Offset: "1", After: map[string]interface{}{"id": 1}}
	evt2 := &event.ChangeEvent{Offset: "2", After: map[string]interface{}{"id": 1}}
	assert.Equal(t, ContentHash(evt1), ContentHash(evt2))
}

func TestContentHashDistinguishesDifferentContent(t *testing.T) {
	evt1 := &event.ChangeEvent{After: map[string]interface{}{"id": 1}}
	evt2 := &event.ChangeEvent{After: map[string]interface{}{"id": 2}}
	assert.NotEqual(t, ContentHash(evt1), ContentHash(evt2))
}

func TestContentHashStableAcrossMapIterationOrder(t *testing.T) {
	evt1 := &event.ChangeEvent{After: map[string]interface{}{"a": 1, "b": 2, "c": 3}}
	evt2 := &event.ChangeEvent{After: map[string]interface{}{"c": 3, "a": 1, "b": 2}}
	assert.Equal(t, ContentHash(evt1), ContentHash(evt2))
}
