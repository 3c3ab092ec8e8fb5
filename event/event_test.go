package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeEventValidate(t *testing.T) {
	base := ChangeEvent{
		Source: "src-A",
		Schema: "public",
		Table:  "users",
		Offset: "1",
	}

	t.Run("insert requires after and forbids before", func(t *testing.T) {
		e := base
		e.Operation = OpInsert
		e.After = map[string]interface{}{"id": 1}
		require.NoError(t, e.Validate())

		e.Before = map[string]interface{}{"id": 0}
		assert.Error(t, e.Validate())
	})

	t.Run("delete requires before and forbids after", func(t *testing.T) {
		e := base
		e.Operation = OpDelete
		e.Before = map[string]interface{}{"id": 1}
		require.NoError(t, e.Validate())

		e.After = map[string]interface{}{"id": 1}
		assert.Error(t, e.Validate())
	})

	t.Run("update may have both images", func(t *testing.T) {
		e := base
		e.Operation = OpUpdate
		e.Before = map[string]interface{}{"id": 1, "name": "Bob"}
		e.After = map[string]interface{}{"id": 1, "name": "Robert"}
		require.NoError(t, e.Validate())
	})

	t.Run("rejects missing source and offset", func(t *testing.T) {
		e := ChangeEvent{Table: "users", Operation: OpInsert, After: map[string]interface{}{"id": 1}}
		assert.Error(t, e.Validate())
	})

	t.Run("rejects unknown operation", func(t *testing.T) {
		e := base
		e.Operation = "MERGE"
		assert.Error(t, e.Validate())
	})
}

func TestAffectedColumns(t *testing.T) {
	e := ChangeEvent{
		Operation: OpUpdate,
		Before:    map[string]interface{}{"id": 1, "name": "Bob"},
		After:     map[string]interface{}{"id": 1, "name": "Robert"},
	}

	assert.ElementsMatch(t, []string{"name"}, e.AffectedColumns())
}

func TestBulkOperationEventToChangeEvent(t *testing.T) {
	bulk := BulkOperationEvent{
		Source:              "src-A",
		Table:               "orders",
		Operation:            OpBulkUpdate,
		TimestampUTC:         time.Now(),
		Offset:               "42",
		AffectedRowCount:     500,
		BatchID:              "batch-1",
		TransactionID:        "txn-1",
		ExecutionDurationMs:  120,
		SampleData:           []map[string]interface{}{{"id": 1}, {"id": 2}},
	}

	ce := bulk.ToChangeEvent()
	require.NotNil(t, ce)
	assert.Equal(t, "500", ce.Metadata["affected_row_count"])
	assert.Equal(t, "txn-1", ce.Metadata["transaction_id"])
	assert.Equal(t, int64(500), ce.After["affected_row_count"])
}

func TestBulkOperationEventSampleBounded(t *testing.T) {
	bulk := BulkOperationEvent{
		SampleData: []map[string]interface{}{{"id": 1}, {"id": 2}, {"id": 3}},
	}
	assert.Len(t, bulk.Sample(2), 2)
	assert.Len(t, bulk.Sample(10), 3)
}
