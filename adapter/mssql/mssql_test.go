package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSourceRejectsTableNotInAllowList(t *testing.T) {
	cfg := Config{AllowedTables: []string{"dbo.orders"}}
	_, err := NewSource(cfg, "dbo.users")
	require.Error(t, err)
}

func TestNewSourceAcceptsAllowedTable(t *testing.T) {
	cfg := Config{AllowedTables: []string{"dbo.orders", "dbo.users"}}
	src, err := NewSource(cfg, "dbo.orders")
	require.NoError(t, err)
	assert.Equal(t, "mssql-changetable", src.Type())
}

func TestNewRejectsUnlistedTable(t *testing.T) {
	_, err := New(map[string]string{
		"conn_string":    "sqlserver://localhost",
		"allowed_tables": "dbo.orders",
		"table":          "dbo.secrets",
	})
	require.Error(t, err)
}

func TestToChangeEventMapsSysChangeOperation(t *testing.T) {
	evt, err := toChangeEvent("dbo", "orders", "I", 10, map[string]interface{}{"id": int64(1)})
	require.NoError(t, err)
	assert.Equal(t, "INSERT", string(evt.Operation))
	assert.Equal(t, "10", evt.Offset)

	_, err = toChangeEvent("dbo", "orders", "X", 10, nil)
	assert.Error(t, err)
}

func TestSplitTableDefaultsToDboSchema(t *testing.T) {
	schema, table := splitTable("orders")
	assert.Equal(t, "dbo", schema)
	assert.Equal(t, "orders", table)
}

func TestPollOnceRejectsTableRemovedFromAllowList(t *testing.T) {
	cfg := Config{AllowedTables: []string{"dbo.orders"}}
	src, err := NewSource(cfg, "dbo.orders")
	require.NoError(t, err)

	delete(src.allowed, "dbo.orders")
	err = src.pollOnce(nil, nil)
	require.Error(t, err)
}
