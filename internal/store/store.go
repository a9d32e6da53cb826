// Package store provides storage backends for leads, flow run records and the
// outbound message log.
//
// It includes an in-memory store for tests and single-process use, and SQL stores
// for SQLite and PostgreSQL that share one implementation.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

// ErrRunActive is returned by StartRun when the lead already has an active run.
var ErrRunActive = errors.New("lead already has an active flow run")

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("flow run not found")

// ErrNoDSN is returned by SQL store constructors without a DSN.
var ErrNoDSN = errors.New("database DSN not set")

// Opts holds configuration options for SQL stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for SQL stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports the database/sql driver a DSN is meant for: "postgres" for
// postgres:// URLs and key=value connection strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || (strings.Contains(dsn, "=") && strings.Contains(dsn, " ") && !strings.Contains(dsn, "?")) {
		return "postgres"
	}
	return "sqlite3"
}

// LeadRepository stores leads.
type LeadRepository interface {
	GetLead(ctx context.Context, id string) (models.Lead, error)
	UpsertLead(ctx context.Context, lead models.Lead) error
	UpdateStatus(ctx context.Context, id, status string) error
	SetArchived(ctx context.Context, id string, archived bool) error
	DeleteLead(ctx context.Context, id string) error
	TouchLastContact(ctx context.Context, id string, at time.Time) error
	// ListLeadsByStatus returns non-archived leads whose status is one of statuses,
	// compared case-insensitively. An empty list returns every non-archived lead.
	ListLeadsByStatus(ctx context.Context, statuses []string) ([]models.Lead, error)
}

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	RunStatusActive   RunStatus = "active"
	RunStatusFinished RunStatus = "finished"
)

// RunRecord is the persisted trace of one flow run.
type RunRecord struct {
	ID         string            `json:"id"`
	LeadID     string            `json:"lead_id"`
	FlowID     string            `json:"flow_id"`
	Status     RunStatus         `json:"status"`
	Outcome    models.RunOutcome `json:"outcome,omitempty"`
	StepIndex  int               `json:"step_index"`
	StepID     string            `json:"step_id,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// RunRepository persists run records. At most one active run exists per lead.
type RunRepository interface {
	// StartRun inserts an active run and returns its id, or ErrRunActive.
	StartRun(ctx context.Context, leadID, flowID string) (string, error)
	UpdateRunStep(ctx context.Context, id string, stepIndex int, stepID string) error
	FinishRun(ctx context.Context, id string, outcome models.RunOutcome, errMsg string) error
	ActiveRun(ctx context.Context, leadID string) (*RunRecord, error)
	// ListRuns returns the newest runs first.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	// AbandonStaleRuns finishes every active run as canceled. Used at startup,
	// since waits do not survive a restart.
	AbandonStaleRuns(ctx context.Context) (int, error)
}

// OutboundMessage is one entry of the outbound message log.
type OutboundMessage struct {
	ID         string               `json:"id"`
	RunID      string               `json:"run_id,omitempty"`
	LeadID     string               `json:"lead_id"`
	FlowID     string               `json:"flow_id,omitempty"`
	Recipient  string               `json:"recipient"`
	Type       models.MessageType   `json:"type"`
	ProviderID string               `json:"provider_id,omitempty"`
	Status     models.MessageStatus `json:"status"`
	Error      string               `json:"error,omitempty"`
	SentAt     time.Time            `json:"sent_at"`
}

// MessageLog records outbound messages.
type MessageLog interface {
	RecordOutbound(ctx context.Context, m OutboundMessage) error
	// CountOutbound counts messages with status sent in [from, to). A non-empty
	// recipient restricts the count to that canonical number.
	CountOutbound(ctx context.Context, recipient string, from, to time.Time) (int, error)
	ListOutbound(ctx context.Context, leadID string, limit int) ([]OutboundMessage, error)
}

// Store is the full storage surface used by the automation engine.
type Store interface {
	LeadRepository
	RunRepository
	MessageLog
	// PurgeBefore deletes finished runs and messages older than cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (runs int64, messages int64, err error)
	Close() error
}

// statusSet normalizes statuses for case-insensitive comparison.
func statusSet(statuses []string) map[string]bool {
	set := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			set[s] = true
		}
	}
	return set
}
