// Package txgroup aggregates ChangeEvents sharing a transaction ID so
// downstream systems observe a source transaction atomically. Checksum
// computation is grounded on redb-open's
// services/transformation/internal/engine/functions.go transformHashSHA256/
// transformHashMD5 (crypto/sha256 and crypto/md5, hex-formatted with "%x"),
// generalized here to also cover SHA1/SHA512 via a configurable
// ChecksumAlgorithm.
package txgroup

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"sync"
	"time"

	"github.com/cdcflow/pipeline/event"
	"github.com/cdcflow/pipeline/internal/pipelineconfig"
	"github.com/cdcflow/pipeline/internal/xlog"
)

// Status is a transactional group's position in its state machine.
type Status string

const (
	StatusActive     Status = "Active"
	StatusPreparing  Status = "Preparing"
	StatusDelivering Status = "Delivering"
	StatusCommitted  Status = "Committed"
	StatusRolledBack Status = "RolledBack"
	StatusTimeout    Status = "Timeout"
	StatusFailed     Status = "Failed"
	StatusRetrying   Status = "Retrying"
)

// DeliveryAttempt records one delivery attempt against a group.
type DeliveryAttempt struct {
	Timestamp time.Time
	Succeeded bool
	Err       error
}

// Group is one transactional group: every ChangeEvent sharing a source
// transactionId, plus the bookkeeping its invariants require.
type Group struct {
	TransactionID  string
	Source         string
	TenantID       string
	Status         Status
	Priority       pipelineconfig.Priority
	SequenceNumber int64
	StartTimestamp time.Time
	// EndTimestamp is set once Status reaches a terminal value (Committed,
	// RolledBack, Timeout, Failed); Duration = EndTimestamp - StartTimestamp.
	EndTimestamp   time.Time
	TimeoutSeconds int
	Checksum       string
	LastError      string
	// RetryCount counts group-level delivery attempts that failed and were
	// retried (Delivering -> Retrying -> Delivering), not per-event
	// retries, which the exactly-once manager tracks separately.
	RetryCount int
	Events     []*event.ChangeEvent
	Attempts   []DeliveryAttempt

	mu sync.Mutex
}

// EventCount returns len(Events).
func (g *Group) EventCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Events)
}

// Snapshot returns a copy safe for callers to read without racing writers
// or copying Group's embedded mutex.
func (g *Group) Snapshot() Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Group{
		TransactionID:  g.TransactionID,
		Source:         g.Source,
		TenantID:       g.TenantID,
		Status:         g.Status,
		Priority:       g.Priority,
		SequenceNumber: g.SequenceNumber,
		StartTimestamp: g.StartTimestamp,
		EndTimestamp:   g.EndTimestamp,
		TimeoutSeconds: g.TimeoutSeconds,
		Checksum:       g.Checksum,
		LastError:      g.LastError,
		RetryCount:     g.RetryCount,
		Events:         append([]*event.ChangeEvent(nil), g.Events...),
		Attempts:       append([]DeliveryAttempt(nil), g.Attempts...),
	}
}

// Manager implements the transactional grouping manager: a state machine
// per transaction ID plus periodic timeout and cleanup sweeps.
type Manager struct {
	cfg pipelineconfig.TransactionalConfig
	log *xlog.Logger

	mu       sync.Mutex
	groups   map[string]*Group
	sequence int64
}

// NewManager builds a Manager from cfg.
func NewManager(cfg pipelineconfig.TransactionalConfig) *Manager {
	return &Manager{
		cfg:    cfg,
		log:    xlog.New("txgroup"),
		groups: make(map[string]*Group),
	}
}

// Start begins a new Active group for transactionID at the given priority
// (an empty priority defaults to Normal). Calling Start twice for the same
// still-active transactionID is idempotent under replay: the existing group
// is returned rather than reset.
func (m *Manager) Start(ctx context.Context, transactionID, source, tenantID string, priority pipelineconfig.Priority) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.groups[transactionID]; ok {
		return existing, nil
	}

	if priority == "" {
		priority = pipelineconfig.PriorityNormal
	}

	timeout := m.cfg.DefaultTimeoutSeconds
	m.sequence++
	group := &Group{
		TransactionID:  transactionID,
		Source:         source,
		TenantID:       tenantID,
		Status:         StatusActive,
		Priority:       priority,
		SequenceNumber: m.sequence,
		StartTimestamp: time.Now(),
		TimeoutSeconds: timeout,
	}
	if m.cfg.EnableChecksums {
		group.Checksum = checksum(m.cfg.ChecksumAlgorithm, nil)
	}
	m.groups[transactionID] = group
	return group, nil
}

// AddEvent appends evt to the group, recomputing its checksum. Rejected
// unless the group is Active, and once EventCount would exceed
// MaxEventsPerTransaction.
func (m *Manager) AddEvent(ctx context.Context, transactionID string, evt *event.ChangeEvent) error {
	group, err := m.mustGet(transactionID)
	if err != nil {
		return err
	}

	group.mu.Lock()
	defer group.mu.Unlock()

	if group.Status != StatusActive {
		return fmt.Errorf("txgroup: %s: AddEvent rejected, status is %s, not Active", transactionID, group.Status)
	}
	max := m.cfg.MaxEventsPerTransaction
	if max > 0 && len(group.Events)+1 > max {
		return fmt.Errorf("txgroup: %s: adding event would exceed MaxEventsPerTransaction (%d)", transactionID, max)
	}

	group.Events = append(group.Events, evt)
	if m.cfg.EnableChecksums {
		group.Checksum = checksum(m.cfg.ChecksumAlgorithm, group.Events)
	}
	return nil
}

// Commit validates the group's checksum and transitions it from Active (or
// a prior Preparing/Retrying attempt) to Preparing, the step immediately
// before a delivery attempt; a checksum mismatch fails it terminally
// instead. Call BeginDelivery next to move into Delivering.
func (m *Manager) Commit(ctx context.Context, transactionID string) error {
	group, err := m.mustGet(transactionID)
	if err != nil {
		return err
	}

	group.mu.Lock()
	defer group.mu.Unlock()

	if group.Status == StatusCommitted {
		return nil // idempotent under replay
	}
	if group.Status != StatusActive && group.Status != StatusPreparing && group.Status != StatusRetrying {
		return fmt.Errorf("txgroup: %s: cannot commit from status %s", transactionID, group.Status)
	}

	if m.cfg.EnableChecksums {
		recomputed := checksum(m.cfg.ChecksumAlgorithm, group.Events)
		if recomputed != group.Checksum {
			group.Status = StatusFailed
			group.LastError = "checksum mismatch at commit"
			group.EndTimestamp = time.Now()
			return fmt.Errorf("txgroup: %s: checksum mismatch at commit", transactionID)
		}
	}

	group.Status = StatusPreparing
	return nil
}

// BeginDelivery transitions a Preparing or Retrying group into Delivering,
// immediately before a DeliverTransactionalGroupExactlyOnce attempt.
func (m *Manager) BeginDelivery(ctx context.Context, transactionID string) error {
	group, err := m.mustGet(transactionID)
	if err != nil {
		return err
	}
	group.mu.Lock()
	defer group.mu.Unlock()
	if group.Status != StatusPreparing && group.Status != StatusRetrying {
		return fmt.Errorf("txgroup: %s: cannot begin delivery from status %s", transactionID, group.Status)
	}
	group.Status = StatusDelivering
	return nil
}

// Rollback transitions the group to RolledBack, recording reason.
func (m *Manager) Rollback(ctx context.Context, transactionID, reason string) error {
	group, err := m.mustGet(transactionID)
	if err != nil {
		return err
	}
	group.mu.Lock()
	defer group.mu.Unlock()
	if group.Status == StatusRolledBack {
		return nil
	}
	group.Status = StatusRolledBack
	group.LastError = reason
	group.EndTimestamp = time.Now()
	return nil
}

// RecordDeliveryAttempt appends a delivery attempt and updates status. A
// success commits the group (terminal). A failure schedules a retry
// (Delivering -> Retrying) while RetryCount stays below
// MaxDeliveryRetries, and otherwise fails the group terminally. The
// returned bool reports whether the caller should call BeginDelivery again
// and retry.
func (m *Manager) RecordDeliveryAttempt(ctx context.Context, transactionID string, succeeded bool, attemptErr error) (bool, error) {
	group, err := m.mustGet(transactionID)
	if err != nil {
		return false, err
	}
	group.mu.Lock()
	defer group.mu.Unlock()

	group.Attempts = append(group.Attempts, DeliveryAttempt{Timestamp: time.Now(), Succeeded: succeeded, Err: attemptErr})
	if succeeded {
		group.Status = StatusCommitted
		group.EndTimestamp = time.Now()
		return false, nil
	}

	group.LastError = fmt.Sprint(attemptErr)
	group.RetryCount++
	if group.RetryCount < m.cfg.MaxDeliveryRetries {
		group.Status = StatusRetrying
		return true, nil
	}
	group.Status = StatusFailed
	group.EndTimestamp = time.Now()
	return false, nil
}

// Get returns the group for transactionID, or an error if unknown.
func (m *Manager) Get(ctx context.Context, transactionID string) (*Group, error) {
	return m.mustGet(transactionID)
}

// GetByStatus returns every group currently in the given status.
func (m *Manager) GetByStatus(ctx context.Context, status Status) []*Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Group
	for _, g := range m.groups {
		g.mu.Lock()
		match := g.Status == status
		g.mu.Unlock()
		if match {
			out = append(out, g)
		}
	}
	return out
}

// ProcessTimeouts moves every Active group whose age exceeds its timeout
// to Timeout (not RolledBack), recording "transaction timeout" as its
// LastError, and returns how many groups it moved. The pipeline's sweeper
// goroutine calls it periodically.
func (m *Manager) ProcessTimeouts(ctx context.Context) int {
	m.mu.Lock()
	groups := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	rolledBack := 0
	for _, g := range groups {
		g.mu.Lock()
		timeout := time.Duration(g.TimeoutSeconds) * time.Second
		expired := g.Status == StatusActive && timeout > 0 && time.Since(g.StartTimestamp) > timeout
		if expired {
			g.Status = StatusTimeout
			g.LastError = "transaction timeout"
			g.EndTimestamp = time.Now()
		}
		g.mu.Unlock()
		if expired {
			rolledBack++
		}
	}
	return rolledBack
}

// CleanupCompleted removes terminal groups older than RetentionDays,
// freeing the registry.
func (m *Manager) CleanupCompleted(ctx context.Context) int {
	retention := time.Duration(m.cfg.RetentionDays) * 24 * time.Hour

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, g := range m.groups {
		g.mu.Lock()
		terminal := isTerminal(g.Status)
		age := time.Since(g.StartTimestamp)
		g.mu.Unlock()
		if terminal && (retention <= 0 || age > retention) {
			delete(m.groups, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) mustGet(transactionID string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[transactionID]
	if !ok {
		return nil, fmt.Errorf("txgroup: unknown transaction %s", transactionID)
	}
	return g, nil
}

func isTerminal(s Status) bool {
	switch s {
	case StatusCommitted, StatusRolledBack, StatusTimeout, StatusFailed:
		return true
	default:
		return false
	}
}

// checksum hashes the ordered offsets and header fields of events, so a
// replayed group with identical events in identical order reproduces the
// same checksum.
func checksum(algorithm pipelineconfig.ChecksumAlgorithm, events []*event.ChangeEvent) string {
	var buf []byte
	for _, evt := range events {
		buf = fmt.Appendf(buf, "%s|%s|%s|%s|%s;", evt.Source, evt.Schema, evt.Table, evt.Operation, evt.Offset)
	}

	switch algorithm {
	case pipelineconfig.ChecksumMD5:
		sum := md5.Sum(buf)
		return fmt.Sprintf("%x", sum)
	case pipelineconfig.ChecksumSHA1:
		sum := sha1.Sum(buf)
		return fmt.Sprintf("%x", sum)
	case pipelineconfig.ChecksumSHA512:
		sum := sha512.Sum512(buf)
		return fmt.Sprintf("%x", sum)
	case pipelineconfig.ChecksumSHA256:
		fallthrough
	default:
		sum := sha256.Sum256(buf)
		return fmt.Sprintf("%x", sum)
	}
}
