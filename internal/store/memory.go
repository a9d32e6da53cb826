package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

// InMemoryStore keeps everything in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	leads    map[string]models.Lead
	runs     map[string]RunRecord
	messages []OutboundMessage
	now      func() time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		leads: make(map[string]models.Lead),
		runs:  make(map[string]RunRecord),
		now:   time.Now,
	}
}

func cloneLead(l models.Lead) models.Lead {
	l.Tags = append([]string(nil), l.Tags...)
	l.BlackoutDates = append([]string(nil), l.BlackoutDates...)
	return l
}

func (s *InMemoryStore) GetLead(ctx context.Context, id string) (models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leads[id]
	if !ok {
		return models.Lead{}, fmt.Errorf("lead %s: %w", id, models.ErrLeadNotFound)
	}
	return cloneLead(l), nil
}

func (s *InMemoryStore) UpsertLead(ctx context.Context, lead models.Lead) error {
	if lead.ID == "" {
		return fmt.Errorf("lead id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[lead.ID] = cloneLead(lead)
	return nil
}

func (s *InMemoryStore) mutate(id string, fn func(*models.Lead)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return fmt.Errorf("lead %s: %w", id, models.ErrLeadNotFound)
	}
	fn(&l)
	s.leads[id] = l
	return nil
}

func (s *InMemoryStore) UpdateStatus(ctx context.Context, id, status string) error {
	return s.mutate(id, func(l *models.Lead) { l.Status = status })
}

func (s *InMemoryStore) SetArchived(ctx context.Context, id string, archived bool) error {
	return s.mutate(id, func(l *models.Lead) { l.Archived = archived })
}

func (s *InMemoryStore) TouchLastContact(ctx context.Context, id string, at time.Time) error {
	return s.mutate(id, func(l *models.Lead) { l.LastContactAt = at })
}

func (s *InMemoryStore) DeleteLead(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leads[id]; !ok {
		return fmt.Errorf("lead %s: %w", id, models.ErrLeadNotFound)
	}
	delete(s.leads, id)
	return nil
}

func (s *InMemoryStore) ListLeadsByStatus(ctx context.Context, statuses []string) ([]models.Lead, error) {
	set := statusSet(statuses)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Lead
	for _, l := range s.leads {
		if l.Archived {
			continue
		}
		if len(set) > 0 && !set[strings.ToLower(strings.TrimSpace(l.Status))] {
			continue
		}
		out = append(out, cloneLead(l))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) StartRun(ctx context.Context, leadID, flowID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.LeadID == leadID && r.Status == RunStatusActive {
			return "", ErrRunActive
		}
	}
	now := s.now()
	id := uuid.NewString()
	s.runs[id] = RunRecord{ID: id, LeadID: leadID, FlowID: flowID, Status: RunStatusActive, StartedAt: now, UpdatedAt: now}
	return id, nil
}

func (s *InMemoryStore) UpdateRunStep(ctx context.Context, id string, stepIndex int, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	r.StepIndex, r.StepID, r.UpdatedAt = stepIndex, stepID, s.now()
	s.runs[id] = r
	return nil
}

func (s *InMemoryStore) FinishRun(ctx context.Context, id string, outcome models.RunOutcome, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	now := s.now()
	r.Status, r.Outcome, r.Error, r.UpdatedAt, r.FinishedAt = RunStatusFinished, outcome, errMsg, now, &now
	s.runs[id] = r
	return nil
}

func (s *InMemoryStore) ActiveRun(ctx context.Context, leadID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.runs {
		if r.LeadID == leadID && r.Status == RunStatusActive {
			return &r, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) AbandonStaleRuns(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, r := range s.runs {
		if r.Status != RunStatusActive {
			continue
		}
		r.Status, r.Outcome, r.Error, r.UpdatedAt, r.FinishedAt = RunStatusFinished, models.RunCanceled, "abandoned at startup", now, &now
		s.runs[id] = r
		n++
	}
	return n, nil
}

func (s *InMemoryStore) RecordOutbound(ctx context.Context, m OutboundMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.SentAt.IsZero() {
		m.SentAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *InMemoryStore) CountOutbound(ctx context.Context, recipient string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if recipient != "" && m.Recipient != recipient {
			continue
		}
		if m.Status == models.MessageStatusSent && !m.SentAt.Before(from) && m.SentAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListOutbound(ctx context.Context, leadID string, limit int) ([]OutboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OutboundMessage
	for i := len(s.messages) - 1; i >= 0; i-- {
		if leadID != "" && s.messages[i].LeadID != leadID {
			continue
		}
		out = append(out, s.messages[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs, msgs int64
	for id, r := range s.runs {
		if r.Status == RunStatusFinished && r.FinishedAt != nil && r.FinishedAt.Before(cutoff) {
			delete(s.runs, id)
			runs++
		}
	}
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.SentAt.Before(cutoff) {
			msgs++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return runs, msgs, nil
}

func (s *InMemoryStore) Close() error { return nil }
