package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

// sqlStore implements Store on database/sql. Queries are written with ? placeholders
// and rebound for drivers that number them.
type sqlStore struct {
	db     *sql.DB
	driver string
	name   string // for log messages
}

func applyOptions(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// openSQL opens and pings a database, lets configure tune the pool, then applies
// the schema. The handle is closed on any failure.
func openSQL(driver, dsn, migrations string, configure func(*sql.DB)) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	configure(db)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run %s migrations: %w", driver, err)
	}
	slog.Debug("openSQL: schema applied", "driver", driver)
	return db, nil
}

func (s *sqlStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// utc normalizes timestamps so SQLite's text comparison orders them correctly.
func utc(t time.Time) time.Time {
	return t.UTC()
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// jsonList encodes a string list column; an empty list is stored as NULL.
func jsonList(v []string) (interface{}, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

const leadColumns = `id, full_name, phone, email, status, origin, city, state, region, owner,
	contract_type, previous_provider, created_at, last_contact_at, next_follow_up_at, archived, tags,
	daily_send_limit, blackout_dates`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLead(row scanner) (models.Lead, error) {
	var l models.Lead
	var email, origin, city, state, region, owner, contract, previous, tags, blackout sql.NullString
	var lastContact, nextFollowUp sql.NullTime
	err := row.Scan(
		&l.ID, &l.FullName, &l.Phone, &email, &l.Status, &origin, &city, &state, &region, &owner,
		&contract, &previous, &l.CreatedAt, &lastContact, &nextFollowUp, &l.Archived, &tags,
		&l.DailySendLimit, &blackout,
	)
	if err != nil {
		return l, err
	}
	l.Email, l.Origin, l.City, l.State = email.String, origin.String, city.String, state.String
	l.Region, l.Owner, l.ContractType, l.PreviousProvider = region.String, owner.String, contract.String, previous.String
	if lastContact.Valid {
		l.LastContactAt = lastContact.Time
	}
	if nextFollowUp.Valid {
		l.NextFollowUpAt = nextFollowUp.Time
	}
	if tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &l.Tags); err != nil {
			return l, fmt.Errorf("decode tags of lead %s: %w", l.ID, err)
		}
	}
	if blackout.String != "" {
		if err := json.Unmarshal([]byte(blackout.String), &l.BlackoutDates); err != nil {
			return l, fmt.Errorf("decode blackout dates of lead %s: %w", l.ID, err)
		}
	}
	return l, nil
}

func (s *sqlStore) GetLead(ctx context.Context, id string) (models.Lead, error) {
	l, err := scanLead(s.queryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Lead{}, fmt.Errorf("lead %s: %w", id, models.ErrLeadNotFound)
	}
	if err != nil {
		slog.Error(s.name+".GetLead failed", "id", id, "error", err)
		return models.Lead{}, fmt.Errorf("get lead %s: %w", id, err)
	}
	return l, nil
}

func (s *sqlStore) UpsertLead(ctx context.Context, lead models.Lead) error {
	if lead.ID == "" {
		return fmt.Errorf("lead id cannot be empty")
	}
	tags, err := jsonList(lead.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	blackout, err := jsonList(lead.BlackoutDates)
	if err != nil {
		return fmt.Errorf("encode blackout dates: %w", err)
	}
	created := lead.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.exec(ctx, `
		INSERT INTO leads (`+leadColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			full_name = excluded.full_name, phone = excluded.phone, email = excluded.email,
			status = excluded.status, origin = excluded.origin, city = excluded.city,
			state = excluded.state, region = excluded.region, owner = excluded.owner,
			contract_type = excluded.contract_type, previous_provider = excluded.previous_provider,
			created_at = excluded.created_at, last_contact_at = excluded.last_contact_at,
			next_follow_up_at = excluded.next_follow_up_at, archived = excluded.archived,
			tags = excluded.tags, daily_send_limit = excluded.daily_send_limit,
			blackout_dates = excluded.blackout_dates, updated_at = excluded.updated_at`,
		lead.ID, lead.FullName, lead.Phone, nilIfEmpty(lead.Email), lead.Status, nilIfEmpty(lead.Origin),
		nilIfEmpty(lead.City), nilIfEmpty(lead.State), nilIfEmpty(lead.Region), nilIfEmpty(lead.Owner),
		nilIfEmpty(lead.ContractType), nilIfEmpty(lead.PreviousProvider), utc(created),
		nullTime(lead.LastContactAt), nullTime(lead.NextFollowUpAt), lead.Archived, tags,
		lead.DailySendLimit, blackout, utc(time.Now()),
	)
	if err != nil {
		slog.Error(s.name+".UpsertLead failed", "id", lead.ID, "error", err)
		return fmt.Errorf("upsert lead %s: %w", lead.ID, err)
	}
	slog.Debug(s.name+".UpsertLead succeeded", "id", lead.ID, "status", lead.Status)
	return nil
}

// updateLead runs a single-row UPDATE and maps "no row" to ErrLeadNotFound.
func (s *sqlStore) updateLead(ctx context.Context, op, id, set string, args ...interface{}) error {
	args = append(args, utc(time.Now()), id)
	res, err := s.exec(ctx, `UPDATE leads SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		slog.Error(s.name+"."+op+" failed", "id", id, "error", err)
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("lead %s: %w", id, models.ErrLeadNotFound)
	}
	slog.Debug(s.name+"."+op+" succeeded", "id", id)
	return nil
}

func (s *sqlStore) UpdateStatus(ctx context.Context, id, status string) error {
	return s.updateLead(ctx, "UpdateStatus", id, "status = ?", status)
}

func (s *sqlStore) SetArchived(ctx context.Context, id string, archived bool) error {
	return s.updateLead(ctx, "SetArchived", id, "archived = ?", archived)
}

func (s *sqlStore) TouchLastContact(ctx context.Context, id string, at time.Time) error {
	return s.updateLead(ctx, "TouchLastContact", id, "last_contact_at = ?", utc(at))
}

func (s *sqlStore) DeleteLead(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM leads WHERE id = ?`, id)
	if err != nil {
		slog.Error(s.name+".DeleteLead failed", "id", id, "error", err)
		return fmt.Errorf("delete lead %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("lead %s: %w", id, models.ErrLeadNotFound)
	}
	slog.Debug(s.name+".DeleteLead succeeded", "id", id)
	return nil
}

func (s *sqlStore) ListLeadsByStatus(ctx context.Context, statuses []string) ([]models.Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE archived = ?`
	args := []interface{}{false}
	if set := statusSet(statuses); len(set) > 0 {
		marks := make([]string, 0, len(set))
		for st := range set {
			marks = append(marks, "?")
			args = append(args, st)
		}
		q += ` AND LOWER(TRIM(status)) IN (` + strings.Join(marks, ", ") + `)`
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		slog.Error(s.name+".ListLeadsByStatus query failed", "error", err)
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	var out []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return out, nil
}

func (s *sqlStore) StartRun(ctx context.Context, leadID, flowID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin start run: %w", err)
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM flow_runs WHERE lead_id = ? AND status = ?`),
		leadID, RunStatusActive).Scan(&active); err != nil {
		return "", fmt.Errorf("check active run: %w", err)
	}
	if active > 0 {
		return "", ErrRunActive
	}

	id := uuid.NewString()
	now := utc(time.Now())
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO flow_runs (id, lead_id, flow_id, status, step_index, started_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`),
		id, leadID, flowID, RunStatusActive, now, now)
	if err != nil {
		// The partial unique index catches a concurrent start from another process.
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return "", ErrRunActive
		}
		return "", fmt.Errorf("insert run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit start run: %w", err)
	}
	slog.Debug(s.name+".StartRun", "id", id, "lead_id", leadID, "flow_id", flowID)
	return id, nil
}

func (s *sqlStore) updateRun(ctx context.Context, id, set string, args ...interface{}) error {
	args = append(args, utc(time.Now()), id)
	res, err := s.exec(ctx, `UPDATE flow_runs SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *sqlStore) UpdateRunStep(ctx context.Context, id string, stepIndex int, stepID string) error {
	return s.updateRun(ctx, id, "step_index = ?, step_id = ?", stepIndex, nilIfEmpty(stepID))
}

func (s *sqlStore) FinishRun(ctx context.Context, id string, outcome models.RunOutcome, errMsg string) error {
	return s.updateRun(ctx, id, "status = ?, outcome = ?, error = ?, finished_at = ?",
		RunStatusFinished, outcome, nilIfEmpty(errMsg), utc(time.Now()))
}

const runColumns = `id, lead_id, flow_id, status, outcome, step_index, step_id, error, started_at, updated_at, finished_at`

func scanRun(row scanner) (RunRecord, error) {
	var r RunRecord
	var outcome, stepID, errMsg sql.NullString
	var finished sql.NullTime
	err := row.Scan(&r.ID, &r.LeadID, &r.FlowID, &r.Status, &outcome, &r.StepIndex, &stepID, &errMsg,
		&r.StartedAt, &r.UpdatedAt, &finished)
	if err != nil {
		return r, err
	}
	r.Outcome = models.RunOutcome(outcome.String)
	r.StepID, r.Error = stepID.String, errMsg.String
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return r, nil
}

func (s *sqlStore) ActiveRun(ctx context.Context, leadID string) (*RunRecord, error) {
	r, err := scanRun(s.queryRow(ctx, `SELECT `+runColumns+` FROM flow_runs WHERE lead_id = ? AND status = ?`, leadID, RunStatusActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active run of %s: %w", leadID, err)
	}
	return &r, nil
}

func (s *sqlStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `SELECT `+runColumns+` FROM flow_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) AbandonStaleRuns(ctx context.Context) (int, error) {
	now := utc(time.Now())
	res, err := s.exec(ctx, `
		UPDATE flow_runs SET status = ?, outcome = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE status = ?`,
		RunStatusFinished, models.RunCanceled, "abandoned at startup", now, now, RunStatusActive)
	if err != nil {
		return 0, fmt.Errorf("abandon stale runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info(s.name+".AbandonStaleRuns: finished runs left active by a previous process", "count", n)
	}
	return int(n), nil
}

func (s *sqlStore) RecordOutbound(ctx context.Context, m OutboundMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO outbound_messages (id, run_id, lead_id, flow_id, recipient, type, provider_id, status, error, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, nilIfEmpty(m.RunID), m.LeadID, nilIfEmpty(m.FlowID), m.Recipient, m.Type,
		nilIfEmpty(m.ProviderID), m.Status, nilIfEmpty(m.Error), utc(m.SentAt))
	if err != nil {
		slog.Error(s.name+".RecordOutbound failed", "lead_id", m.LeadID, "error", err)
		return fmt.Errorf("record outbound message: %w", err)
	}
	return nil
}

func (s *sqlStore) CountOutbound(ctx context.Context, recipient string, from, to time.Time) (int, error) {
	q := `SELECT COUNT(*) FROM outbound_messages WHERE status = ? AND sent_at >= ? AND sent_at < ?`
	args := []interface{}{models.MessageStatusSent, utc(from), utc(to)}
	if recipient != "" {
		q += ` AND recipient = ?`
		args = append(args, recipient)
	}
	var n int
	err := s.queryRow(ctx, q, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbound messages: %w", err)
	}
	return n, nil
}

func (s *sqlStore) ListOutbound(ctx context.Context, leadID string, limit int) ([]OutboundMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, run_id, lead_id, flow_id, recipient, type, provider_id, status, error, sent_at FROM outbound_messages`
	var args []interface{}
	if leadID != "" {
		q += ` WHERE lead_id = ?`
		args = append(args, leadID)
	}
	q += ` ORDER BY sent_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbound messages: %w", err)
	}
	defer rows.Close()

	var out []OutboundMessage
	for rows.Next() {
		var m OutboundMessage
		var runID, flowID, providerID, errMsg sql.NullString
		if err := rows.Scan(&m.ID, &runID, &m.LeadID, &flowID, &m.Recipient, &m.Type, &providerID, &m.Status, &errMsg, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan outbound message: %w", err)
		}
		m.RunID, m.FlowID, m.ProviderID, m.Error = runID.String, flowID.String, providerID.String, errMsg.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	res, err := s.exec(ctx, `DELETE FROM flow_runs WHERE status = ? AND finished_at < ?`, RunStatusFinished, utc(cutoff))
	if err != nil {
		return 0, 0, fmt.Errorf("purge runs: %w", err)
	}
	runs, _ := res.RowsAffected()

	res, err = s.exec(ctx, `DELETE FROM outbound_messages WHERE sent_at < ?`, utc(cutoff))
	if err != nil {
		return runs, 0, fmt.Errorf("purge outbound messages: %w", err)
	}
	msgs, _ := res.RowsAffected()
	slog.Info(s.name+".PurgeBefore", "cutoff", cutoff, "runs", runs, "messages", msgs)
	return runs, msgs, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
		return err
	}
	return nil
}
