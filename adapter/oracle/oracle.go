// Package oracle implements the transaction-log-mining source adapter
// over Oracle LogMiner, grounded on redb-open's
// services/anchor/database/oracle/replication.go SCN-polling loop and
// SQL_REDO/SQL_UNDO parser, adapted to the adapter.Source contract.
package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/godror/godror" // Oracle driver, registered under "godror"

	"github.com/cdcflow/pipeline/adapter"
	"github.com/cdcflow/pipeline/event"
	"github.com/cdcflow/pipeline/internal/xlog"
)

// Config configures a Source against one Oracle schema/table.
type Config struct {
	ConnString   string
	Table        string // "SCHEMA.TABLE"
	PollInterval time.Duration
}

// Source polls Oracle LogMiner for changes to one table, producing offsets
// as decimal SCN strings.
type Source struct {
	cfg Config
	log *xlog.Logger

	mu      sync.Mutex
	db      *sql.DB
	running bool
	stopCh  chan struct{}

	scnMu sync.RWMutex
	scn   int64
}

// New constructs an oracle.Source from an opaque option map.
func New(options map[string]string) (adapter.Source, error) {
	cfg := Config{
		ConnString:   options["conn_string"],
		Table:        options["table"],
		PollInterval: 500 * time.Millisecond,
	}
	if cfg.ConnString == "" || cfg.Table == "" {
		return nil, adapter.WrapFatal("oracle.New", fmt.Errorf("conn_string and table are required"))
	}
	return NewSource(cfg), nil
}

// NewSource constructs a Source directly from a Config.
func NewSource(cfg Config) *Source {
	return &Source{cfg: cfg, log: xlog.New("adapter.oracle")}
}

func (s *Source) Type() string { return "oracle-logminer" }

// Start opens a connection, enables supplemental logging on the target
// table if needed, and polls LogMiner for new changes between the last and
// current SCN until ctx is cancelled.
func (s *Source) Start(ctx context.Context, handler adapter.EventHandler) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return adapter.ErrAlreadyStarted
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	db, err := sql.Open("godror", s.cfg.ConnString)
	if err != nil {
		return adapter.WrapFatal("oracle.Start.Open", err)
	}
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	defer db.Close()

	if s.currentSCN() == 0 {
		if err := s.seedSCN(ctx); err != nil {
			return adapter.WrapFatal("oracle.Start.seedSCN", err)
		}
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			if err := s.pollOnce(ctx, handler); err != nil {
				if adapter.IsFatal(err) {
					return err
				}
				s.log.Warn("logminer poll failed: %v", err)
			}
		}
	}
}

// Stop requests the poll loop to exit.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	close(s.stopCh)
	s.running = false
	return nil
}

// GetCurrentOffset returns the last SCN observed, as a decimal string.
func (s *Source) GetCurrentOffset(ctx context.Context) (string, error) {
	return strconv.FormatInt(s.currentSCN(), 10), nil
}

// SetOffset seeds the SCN Start resumes mining from.
func (s *Source) SetOffset(ctx context.Context, offset string) error {
	if offset == "" {
		return nil
	}
	scn, err := strconv.ParseInt(offset, 10, 64)
	if err != nil {
		return adapter.WrapFatal("oracle.SetOffset", fmt.Errorf("invalid SCN %q: %w", offset, err))
	}
	s.scnMu.Lock()
	s.scn = scn
	s.scnMu.Unlock()
	return nil
}

// ReplayFromOffset seeds fromOffset then streams forward from there.
func (s *Source) ReplayFromOffset(ctx context.Context, fromOffset string, handler adapter.EventHandler) error {
	if err := s.SetOffset(ctx, fromOffset); err != nil {
		return err
	}
	return s.Start(ctx, handler)
}

func (s *Source) currentSCN() int64 {
	s.scnMu.RLock()
	defer s.scnMu.RUnlock()
	return s.scn
}

func (s *Source) seedSCN(ctx context.Context) error {
	var scn int64
	if err := s.db.QueryRowContext(ctx, "SELECT CURRENT_SCN FROM V$DATABASE").Scan(&scn); err != nil {
		return err
	}
	s.scnMu.Lock()
	s.scn = scn
	s.scnMu.Unlock()
	return nil
}

func (s *Source) pollOnce(ctx context.Context, handler adapter.EventHandler) error {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	startSCN := s.currentSCN()

	var endSCN int64
	if err := s.db.QueryRowContext(queryCtx, "SELECT CURRENT_SCN FROM V$DATABASE").Scan(&endSCN); err != nil {
		return adapter.WrapTransient("oracle.pollOnce.currentSCN", err)
	}
	if endSCN <= startSCN {
		return nil
	}

	if _, err := s.db.ExecContext(queryCtx, fmt.Sprintf(`
		BEGIN
			DBMS_LOGMNR.START_LOGMNR(
				STARTSCN => %d,
				ENDSCN => %d,
				OPTIONS => DBMS_LOGMNR.DICT_FROM_ONLINE_CATALOG +
						   DBMS_LOGMNR.CONTINUOUS_MINE +
						   DBMS_LOGMNR.NO_ROWID_IN_STMT
			);
		END;
	`, startSCN, endSCN)); err != nil {
		return adapter.WrapTransient("oracle.pollOnce.startLogMnr", err)
	}
	defer func() {
		if _, err := s.db.ExecContext(queryCtx, "BEGIN DBMS_LOGMNR.END_LOGMNR; END;"); err != nil {
			s.log.Warn("ending LogMiner session: %v", err)
		}
	}()

	rows, err := s.db.QueryContext(queryCtx, fmt.Sprintf(`
		SELECT OPERATION, SQL_REDO, SQL_UNDO, TIMESTAMP
		FROM V$LOGMNR_CONTENTS
		WHERE SEG_OWNER || '.' || TABLE_NAME = UPPER('%s')
		AND OPERATION IN ('INSERT', 'UPDATE', 'DELETE')
		ORDER BY TIMESTAMP
	`, s.cfg.Table))
	if err != nil {
		return adapter.WrapTransient("oracle.pollOnce.query", err)
	}
	defer rows.Close()

	schema, table := splitTable(s.cfg.Table)

	for rows.Next() {
		var operation, sqlRedo, sqlUndo string
		var ts time.Time
		if err := rows.Scan(&operation, &sqlRedo, &sqlUndo, &ts); err != nil {
			s.log.Warn("scanning LogMiner row: %v", err)
			continue
		}

		change, err := parseChange(operation, sqlRedo, sqlUndo)
		if err != nil {
			s.log.Warn("parsing redo/undo: %v", err)
			continue
		}

		evt := &event.ChangeEvent{
			Source:       s.cfg.ConnString,
			Schema:       schema,
			Table:        table,
			Operation:    change.operation,
			TimestampUTC: ts.UTC(),
			Offset:       strconv.FormatInt(endSCN, 10),
			Before:       change.before,
			After:        change.after,
		}
		if err := evt.Validate(); err != nil {
			s.log.Error("dropping invalid event: %v", err)
			continue
		}
		if err := handler(ctx, evt); err != nil {
			return err
		}
	}

	s.scnMu.Lock()
	s.scn = endSCN
	s.scnMu.Unlock()
	return nil
}

func splitTable(qualified string) (schema, table string) {
	schema, table, ok := strings.Cut(qualified, ".")
	if !ok {
		return "", qualified
	}
	return schema, table
}

type redoChange struct {
	operation event.Operation
	before    map[string]interface{}
	after     map[string]interface{}
}

func parseChange(operation, sqlRedo, sqlUndo string) (redoChange, error) {
	switch strings.ToUpper(operation) {
	case "INSERT":
		after, err := valuesFromInsert(sqlRedo)
		if err != nil {
			return redoChange{}, err
		}
		return redoChange{operation: event.OpInsert, after: after}, nil

	case "UPDATE":
		after, err := valuesFromSet(sqlRedo)
		if err != nil {
			return redoChange{}, err
		}
		before, err := valuesFromWhere(sqlUndo)
		if err != nil {
			return redoChange{}, err
		}
		return redoChange{operation: event.OpUpdate, before: before, after: after}, nil

	case "DELETE":
		before, err := valuesFromWhere(sqlRedo)
		if err != nil {
			return redoChange{}, err
		}
		return redoChange{operation: event.OpDelete, before: before}, nil

	default:
		return redoChange{}, fmt.Errorf("unsupported LogMiner operation %q", operation)
	}
}

// tokenKind classifies one lexical token of a LogMiner SQL_REDO/SQL_UNDO
// fragment.
type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokNull
	tokKeyword
	tokLParen
	tokRParen
	tokComma
	tokEquals
	tokEOF
)

type sqlToken struct {
	kind tokenKind
	text string
}

var redoKeywords = map[string]bool{
	"INSERT": true, "INTO": true, "VALUES": true,
	"SET": true, "WHERE": true, "AND": true,
}

// lexRedo tokenizes a SQL_REDO/SQL_UNDO fragment, quote-aware so a comma or
// keyword inside a string literal never splits a clause prematurely. This
// is the one place the fragment's text is scanned; every extractor below
// walks the resulting token stream instead of re-scanning the string.
func lexRedo(s string) []sqlToken {
	var toks []sqlToken
	n := len(s)
	for i := 0; i < n; {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, sqlToken{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, sqlToken{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, sqlToken{tokComma, ","})
			i++
		case c == '=':
			toks = append(toks, sqlToken{tokEquals, "="})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			var text strings.Builder
			for j < n {
				if s[j] == quote {
					if j+1 < n && s[j+1] == quote { // doubled-quote escape
						text.WriteByte(quote)
						j += 2
						continue
					}
					break
				}
				text.WriteByte(s[j])
				j++
			}
			toks = append(toks, sqlToken{tokString, text.String()})
			i = j + 1
		default:
			j := i
			for j < n && !strings.ContainsRune(" \t\n\r(),=", rune(s[j])) {
				j++
			}
			word := s[i:j]
			i = j
			switch {
			case word == "":
				i++
			case strings.EqualFold(word, "NULL"):
				toks = append(toks, sqlToken{tokNull, word})
			case redoKeywords[strings.ToUpper(word)]:
				toks = append(toks, sqlToken{tokKeyword, strings.ToUpper(word)})
			case isNumericLiteral(word):
				toks = append(toks, sqlToken{tokNumber, word})
			default:
				toks = append(toks, sqlToken{tokIdent, word})
			}
		}
	}
	return append(toks, sqlToken{tokEOF, ""})
}

func isNumericLiteral(word string) bool {
	_, err := strconv.ParseFloat(word, 64)
	return err == nil
}

// redoScanner is a cursor over a lexRedo token stream.
type redoScanner struct {
	toks []sqlToken
	pos  int
}

func (s *redoScanner) peek() sqlToken { return s.toks[s.pos] }

func (s *redoScanner) advance() sqlToken {
	t := s.toks[s.pos]
	if s.pos < len(s.toks)-1 {
		s.pos++
	}
	return t
}

// seekKeyword advances the cursor to (without consuming) the next token
// matching keyword, reporting whether it was found before EOF.
func (s *redoScanner) seekKeyword(keyword string) bool {
	for s.peek().kind != tokEOF {
		if t := s.peek(); t.kind == tokKeyword && t.text == keyword {
			return true
		}
		s.advance()
	}
	return false
}

// seekLParen advances the cursor to (without consuming) the next '('.
func (s *redoScanner) seekLParen() bool {
	for s.peek().kind != tokEOF && s.peek().kind != tokLParen {
		s.advance()
	}
	return s.peek().kind == tokLParen
}

// parenList consumes a '(' ... ')' pair and returns the comma-separated
// tokens between them.
func (s *redoScanner) parenList() ([]sqlToken, error) {
	if s.peek().kind != tokLParen {
		return nil, fmt.Errorf("expected '(' at token %d", s.pos)
	}
	s.advance()
	var items []sqlToken
	for {
		switch s.peek().kind {
		case tokRParen:
			s.advance()
			return items, nil
		case tokComma:
			s.advance()
		case tokEOF:
			return nil, fmt.Errorf("unterminated parenthesized list")
		default:
			items = append(items, s.advance())
		}
	}
}

// scalarFromToken coerces a value token to its Go representation. LogMiner
// quotes NUMBER columns the same as VARCHAR2 ones in SQL_REDO/SQL_UNDO, so
// both tokNumber and tokString attempt numeric coercion before falling back
// to the literal text.
func scalarFromToken(t sqlToken) interface{} {
	switch t.kind {
	case tokNull:
		return nil
	case tokNumber, tokString:
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(t.text, 64); err == nil {
			return f
		}
		return t.text
	default:
		return t.text
	}
}

// valuesFromInsert extracts column/value pairs from a LogMiner SQL_REDO
// INSERT statement, e.g. INSERT INTO "S"."T"("A","B") VALUES ('x', 1).
func valuesFromInsert(sqlRedo string) (map[string]interface{}, error) {
	s := &redoScanner{toks: lexRedo(sqlRedo)}
	if !s.seekKeyword("INTO") {
		return nil, fmt.Errorf("malformed INSERT redo: missing INTO: %s", sqlRedo)
	}
	s.advance()
	if !s.seekLParen() {
		return nil, fmt.Errorf("malformed INSERT redo: missing column list: %s", sqlRedo)
	}
	columns, err := s.parenList()
	if err != nil {
		return nil, fmt.Errorf("malformed INSERT redo column list: %w", err)
	}
	if !s.seekKeyword("VALUES") {
		return nil, fmt.Errorf("malformed INSERT redo: missing VALUES")
	}
	s.advance()
	if !s.seekLParen() {
		return nil, fmt.Errorf("malformed INSERT redo: missing value list")
	}
	values, err := s.parenList()
	if err != nil {
		return nil, fmt.Errorf("malformed INSERT redo value list: %w", err)
	}
	if len(columns) != len(values) {
		return nil, fmt.Errorf("column/value count mismatch: %d vs %d", len(columns), len(values))
	}

	data := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		data[col.text] = scalarFromToken(values[i])
	}
	return data, nil
}

// valuesFromSet extracts column/value assignments from the SET clause of a
// LogMiner SQL_REDO UPDATE statement.
func valuesFromSet(sqlRedo string) (map[string]interface{}, error) {
	s := &redoScanner{toks: lexRedo(sqlRedo)}
	if !s.seekKeyword("SET") {
		return nil, fmt.Errorf("malformed UPDATE redo: missing SET: %s", sqlRedo)
	}
	s.advance()

	data := make(map[string]interface{})
	for {
		t := s.peek()
		if t.kind == tokEOF || (t.kind == tokKeyword && t.text == "WHERE") {
			break
		}
		if t.kind == tokComma {
			s.advance()
			continue
		}
		col := s.advance()
		if s.peek().kind != tokEquals {
			return nil, fmt.Errorf("malformed UPDATE redo: expected '=' after %q", col.text)
		}
		s.advance()
		data[col.text] = scalarFromToken(s.advance())
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("malformed UPDATE redo: empty SET clause")
	}
	return data, nil
}

// valuesFromWhere extracts column/value equalities from a WHERE clause,
// used for both the UPDATE before-image (SQL_UNDO) and DELETE before-image
// (SQL_REDO).
func valuesFromWhere(sql string) (map[string]interface{}, error) {
	s := &redoScanner{toks: lexRedo(sql)}
	if !s.seekKeyword("WHERE") {
		return nil, fmt.Errorf("malformed redo/undo: missing WHERE clause")
	}
	s.advance()

	data := make(map[string]interface{})
	for {
		t := s.peek()
		if t.kind == tokEOF {
			break
		}
		if t.kind == tokKeyword && t.text == "AND" {
			s.advance()
			continue
		}
		col := s.advance()
		if s.peek().kind != tokEquals {
			return nil, fmt.Errorf("malformed WHERE clause: expected '=' after %q", col.text)
		}
		s.advance()
		data[col.text] = scalarFromToken(s.advance())
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("malformed WHERE clause: no equalities found")
	}
	return data, nil
}
