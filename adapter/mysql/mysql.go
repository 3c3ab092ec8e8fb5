// Package mysql implements the binary-log source adapter.
// redb-open's own services/anchor/database/mysql/replication.go never
// got past a polling placeholder ("In a real implementation, this would
// use a MySQL binlog client library"), so this package wires the real
// thing: go-mysql-org/go-mysql's canal package, the binlog client the rest
// of the retrieval pack reaches for.
package mysql

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/go-mysql-org/go-mysql/schema"

	"github.com/cdcflow/pipeline/adapter"
	"github.com/cdcflow/pipeline/event"
	"github.com/cdcflow/pipeline/internal/xlog"
)

// Config configures a Source against one MySQL server.
type Config struct {
	Addr         string
	User         string
	Password     string
	Database     string
	IncludeTables []string
	ExcludeTables []string
	ServerID     uint32
}

// Source streams row-based binlog events via canal, producing offsets in
// "file:pos" text form.
type Source struct {
	cfg Config
	log *xlog.Logger

	mu     sync.Mutex
	canal  *canal.Canal
	running bool

	posMu sync.RWMutex
	pos   mysql.Position
}

// New constructs a mysql.Source from an opaque option map.
func New(options map[string]string) (adapter.Source, error) {
	cfg := Config{
		Addr:     options["addr"],
		User:     options["user"],
		Password: options["password"],
		Database: options["database"],
	}
	if cfg.Addr == "" || cfg.User == "" {
		return nil, adapter.WrapFatal("mysql.New", fmt.Errorf("addr and user are required"))
	}
	if v := options["include_tables"]; v != "" {
		cfg.IncludeTables = strings.Split(v, ",")
	}
	if v := options["exclude_tables"]; v != "" {
		cfg.ExcludeTables = strings.Split(v, ",")
	}
	if v := options["server_id"]; v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, adapter.WrapFatal("mysql.New", fmt.Errorf("invalid server_id: %w", err))
		}
		cfg.ServerID = uint32(id)
	} else {
		cfg.ServerID = 1001
	}
	return NewSource(cfg), nil
}

// NewSource constructs a Source directly from a Config.
func NewSource(cfg Config) *Source {
	return &Source{cfg: cfg, log: xlog.New("adapter.mysql")}
}

func (s *Source) Type() string { return "mysql-binlog" }

// Start connects canal, registers a row-event handler, and streams until
// ctx is cancelled.
func (s *Source) Start(ctx context.Context, handler adapter.EventHandler) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return adapter.ErrAlreadyStarted
	}
	s.running = true
	s.mu.Unlock()

	c, err := s.dial()
	if err != nil {
		return adapter.WrapFatal("mysql.Start.dial", err)
	}
	s.mu.Lock()
	s.canal = c
	s.mu.Unlock()
	defer c.Close()

	c.SetEventHandler(&rowHandler{source: s, ctx: ctx, handler: handler})

	runErr := make(chan error, 1)
	go func() {
		startPos := s.currentPosition()
		if startPos.Name == "" {
			runErr <- c.Run()
		} else {
			runErr <- c.RunFrom(startPos)
		}
	}()

	select {
	case <-ctx.Done():
		c.Close()
		<-runErr
		return ctx.Err()
	case err := <-runErr:
		if err != nil {
			return adapter.WrapTransient("mysql.Start.run", err)
		}
		return nil
	}
}

// Stop closes the canal connection, unblocking Start's Run/RunFrom call.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	if s.canal != nil {
		s.canal.Close()
	}
	s.running = false
	return nil
}

// GetCurrentOffset returns the last "file:pos" binlog position observed.
func (s *Source) GetCurrentOffset(ctx context.Context) (string, error) {
	pos := s.currentPosition()
	if pos.Name == "" {
		return "", nil
	}
	return fmt.Sprintf("%s:%d", pos.Name, pos.Pos), nil
}

// SetOffset seeds the binlog position Start resumes from.
func (s *Source) SetOffset(ctx context.Context, offset string) error {
	if offset == "" {
		return nil
	}
	file, posStr, ok := strings.Cut(offset, ":")
	if !ok {
		return adapter.WrapFatal("mysql.SetOffset", fmt.Errorf("offset must be file:pos, got %q", offset))
	}
	pos, err := strconv.ParseUint(posStr, 10, 32)
	if err != nil {
		return adapter.WrapFatal("mysql.SetOffset", err)
	}
	s.posMu.Lock()
	s.pos = mysql.Position{Name: file, Pos: uint32(pos)}
	s.posMu.Unlock()
	return nil
}

// ReplayFromOffset seeds fromOffset then streams from there; canal's
// RunFrom already delivers strictly in binlog order.
func (s *Source) ReplayFromOffset(ctx context.Context, fromOffset string, handler adapter.EventHandler) error {
	if err := s.SetOffset(ctx, fromOffset); err != nil {
		return err
	}
	return s.Start(ctx, handler)
}

func (s *Source) currentPosition() mysql.Position {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	return s.pos
}

func (s *Source) setPosition(pos mysql.Position) {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	s.pos = pos
}

func (s *Source) dial() (*canal.Canal, error) {
	cfg := canal.NewDefaultConfig()
	cfg.Addr = s.cfg.Addr
	cfg.User = s.cfg.User
	cfg.Password = s.cfg.Password
	cfg.ServerID = s.cfg.ServerID
	cfg.Dump.ExecutionPath = "" // never reconstruct a base snapshot via mysqldump
	if s.cfg.Database != "" {
		cfg.IncludeTableRegex = includeRegexes(s.cfg.Database, s.cfg.IncludeTables)
	}
	return canal.NewCanal(cfg)
}

func includeRegexes(database string, tables []string) []string {
	if len(tables) == 0 {
		return []string{fmt.Sprintf("%s\\..*", database)}
	}
	regexes := make([]string, 0, len(tables))
	for _, t := range tables {
		regexes = append(regexes, fmt.Sprintf("%s\\.%s", database, t))
	}
	return regexes
}

// rowHandler adapts canal's row-level callbacks to adapter.EventHandler.
// Embedding canal.DummyEventHandler satisfies the rest of the interface
// with no-ops (rotate/DDL/GTID events carry no row data to forward).
type rowHandler struct {
	canal.DummyEventHandler
	source  *Source
	ctx     context.Context
	handler adapter.EventHandler
}

func (h *rowHandler) OnRow(e *canal.RowsEvent) error {
	op, err := operationFor(e.Action)
	if err != nil {
		h.source.log.Warn("%v", err)
		return nil
	}

	schema, table := e.Table.Schema, e.Table.Name
	columns := e.Table.Columns

	switch op {
	case event.OpInsert:
		for _, row := range e.Rows {
			if err := h.deliver(schema, table, op, nil, rowToMap(columns, row)); err != nil {
				return err
			}
		}
	case event.OpDelete:
		for _, row := range e.Rows {
			if err := h.deliver(schema, table, op, rowToMap(columns, row), nil); err != nil {
				return err
			}
		}
	case event.OpUpdate:
		// canal pairs before/after rows consecutively for UPDATE events.
		for i := 0; i+1 < len(e.Rows); i += 2 {
			before := rowToMap(columns, e.Rows[i])
			after := rowToMap(columns, e.Rows[i+1])
			if err := h.deliver(schema, table, op, before, after); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *rowHandler) OnPosSynced(header *replication.EventHeader, pos mysql.Position, set mysql.GTIDSet, force bool) error {
	h.source.setPosition(pos)
	return nil
}

func (h *rowHandler) String() string { return "cdcflowRowHandler" }

func (h *rowHandler) deliver(schema, table string, op event.Operation, before, after map[string]interface{}) error {
	offset, _ := h.source.GetCurrentOffset(h.ctx)
	evt := &event.ChangeEvent{
		Source:       h.source.cfg.Addr,
		Schema:       schema,
		Table:        table,
		Operation:    op,
		TimestampUTC: time.Now().UTC(),
		Offset:       offset,
		Before:       before,
		After:        after,
	}
	if err := evt.Validate(); err != nil {
		h.source.log.Error("dropping invalid event: %v", err)
		return nil
	}
	return h.handler(h.ctx, evt)
}

func operationFor(action string) (event.Operation, error) {
	switch action {
	case canal.InsertAction:
		return event.OpInsert, nil
	case canal.UpdateAction:
		return event.OpUpdate, nil
	case canal.DeleteAction:
		return event.OpDelete, nil
	default:
		return "", fmt.Errorf("mysql: unknown row action %q", action)
	}
}

func rowToMap(columns []schema.TableColumn, row []interface{}) map[string]interface{} {
	data := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		if i >= len(row) {
			continue
		}
		data[col.Name] = row[i]
	}
	return data
}
