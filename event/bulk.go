package event

import (
	"strconv"
	"time"
)

// BulkOperationEvent represents N row changes made by one logical statement,
// such as a multi-row INSERT or an UPDATE/DELETE with a WHERE clause
// matching many rows.
type BulkOperationEvent struct {
	Source              string
	Schema               string
	Table                string
	Operation            Operation
	TimestampUTC         time.Time
	Offset               string
	AffectedRowCount     int64
	BatchID              string
	TransactionID        string
	ExecutionDurationMs  int64
	SampleData           []map[string]interface{}
	Metadata             map[string]string
}

// ToChangeEvent converts the bulk summary into a ChangeEvent whose After
// field carries the bulk summary.
func (b *BulkOperationEvent) ToChangeEvent() *ChangeEvent {
	after := map[string]interface{}{
		"affected_row_count":    b.AffectedRowCount,
		"batch_id":              b.BatchID,
		"execution_duration_ms": b.ExecutionDurationMs,
		"sample_data":           b.SampleData,
	}

	meta := copyStringMap(b.Metadata)
	if meta == nil {
		meta = make(map[string]string)
	}
	if b.TransactionID != "" {
		meta["transaction_id"] = b.TransactionID
	}
	meta["affected_row_count"] = strconv.FormatInt(b.AffectedRowCount, 10)

	return &ChangeEvent{
		Source:       b.Source,
		Schema:       b.Schema,
		Table:        b.Table,
		Operation:    b.Operation,
		TimestampUTC: b.TimestampUTC,
		Offset:       b.Offset,
		After:        after,
		Metadata:     meta,
	}
}

// Sample returns the first k rows of SampleData (all of them when k is at
// least its length); the result shares SampleData's backing array.
// ToChangeEvent does not call it and carries SampleData in full.
func (b *BulkOperationEvent) Sample(k int) []map[string]interface{} {
	if k >= len(b.SampleData) {
		return b.SampleData
	}
	return b.SampleData[:k]
}
