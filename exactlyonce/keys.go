package exactlyonce

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/cdcflow/pipeline/event"
	"github.com/cdcflow/pipeline/internal/pipelineconfig"
)

// IdempotencyKey computes the dedup key for evt under the configured
// strategy. Offset keys on the source and the adapter-reported offset; ContentHash
// and Composite both hash a canonical field tuple so two equal events
// produce the same key regardless of map iteration order.
func IdempotencyKey(strategy pipelineconfig.KeyStrategy, evt *event.ChangeEvent) string {
	switch strategy {
	case pipelineconfig.KeyStrategyOffset:
		return fmt.Sprintf("%s/%s", evt.Source, evt.Offset)
	case pipelineconfig.KeyStrategyContentHash:
		return ContentHash(evt)
	case pipelineconfig.KeyStrategyComposite:
		fallthrough
	default:
		h := sha256.New()
		fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s",
			evt.Source, evt.Schema, evt.Table, evt.Operation, evt.Offset,
			evt.TimestampUTC.UTC().Format("2006-01-02T15:04:05.000000000Z"))
		return hex.EncodeToString(h.Sum(nil))
	}
}

// ContentHash hashes (before, after, metadata) so identical row contents
// dedupe even when offsets differ.
func ContentHash(evt *event.ChangeEvent) string {
	h := sha256.New()
	writeSortedMap(h, evt.Before)
	h.Write([]byte{0})
	writeSortedMap(h, evt.After)
	h.Write([]byte{0})
	writeSortedMap(h, stringMap(evt.Metadata))
	return hex.EncodeToString(h.Sum(nil))
}

func stringMap(m map[string]string) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func writeSortedMap(w io.Writer, m map[string]interface{}) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s=%v;", k, m[k])
	}
}
