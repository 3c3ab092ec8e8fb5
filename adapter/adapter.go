// Package adapter defines the contract every source adapter must satisfy
// to convert a database's native change stream into event.ChangeEvents,
// plus the registry used to look adapters up by source type.
package adapter

import (
	"context"

	"github.com/cdcflow/pipeline/event"
)

// EventHandler receives one ChangeEvent at a time from a running adapter.
// Implementations must return promptly; a slow handler backs the whole
// stream up since adapters deliver in strict source order.
type EventHandler func(ctx context.Context, evt *event.ChangeEvent) error

// Source is the contract a database-specific adapter implements. Events
// from one Source must arrive in the source's native commit order; a
// Source must not deliver the same offset twice within a single Start
// session, and must be safely restartable (Start after Stop is allowed).
type Source interface {
	// Type identifies the adapter's stream family, e.g. "postgres-logical",
	// "mysql-binlog", "oracle-logminer", "mssql-changetable".
	Type() string

	// Start begins streaming and invokes handler for each change. It
	// returns when ctx is cancelled or a fatal error occurs.
	Start(ctx context.Context, handler EventHandler) error

	// Stop requests graceful shutdown: drain or discard in-flight events
	// within a bounded time, then release connections.
	Stop(ctx context.Context) error

	// GetCurrentOffset reads the last persisted offset.
	GetCurrentOffset(ctx context.Context) (string, error)

	// SetOffset persists offset, called by the pipeline after a
	// successful dispatch.
	SetOffset(ctx context.Context, offset string) error

	// ReplayFromOffset reads historical events starting at fromOffset,
	// strictly in source order, until caught up or ctx is cancelled.
	ReplayFromOffset(ctx context.Context, fromOffset string, handler EventHandler) error
}

// Factory constructs a Source from an opaque option set; adapter-specific
// configuration is treated as opaque key/value pairs.
type Factory func(options map[string]string) (Source, error)
