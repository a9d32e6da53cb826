package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

// ErrTimerStopped is returned by waits interrupted by Timer.Stop.
var ErrTimerStopped = errors.New("timer stopped")

// Waiter blocks until an instant is reached or ctx ends.
type Waiter interface {
	WaitUntil(ctx context.Context, id string, when time.Time, description string) error
}

// timerEntry tracks information about a pending wait
type timerEntry struct {
	scheduledAt time.Time
	expiresAt   time.Time
	description string
	stop        chan struct{}
}

// Timer is the production Waiter. It tracks pending waits so they can be listed and
// interrupted all at once.
type Timer struct {
	timers map[string]*timerEntry
	mu     sync.RWMutex
	now    func() time.Time
}

// NewTimer creates a new Timer.
func NewTimer() *Timer {
	return &Timer{
		timers: make(map[string]*timerEntry),
		now:    time.Now,
	}
}

// WaitUntil blocks until when, ctx is done or the timer is stopped. A past instant
// returns immediately. Waits registered under an id that is already pending replace
// the listing entry but are otherwise independent.
func (t *Timer) WaitUntil(ctx context.Context, id string, when time.Time, description string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := t.now()
	delay := when.Sub(now)
	if delay <= 0 {
		return nil
	}

	entry := &timerEntry{
		scheduledAt: now,
		expiresAt:   when,
		description: description,
		stop:        make(chan struct{}),
	}
	t.mu.Lock()
	t.timers[id] = entry
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.timers[id] == entry {
			delete(t.timers, id)
		}
		t.mu.Unlock()
	}()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-entry.stop:
		return ErrTimerStopped
	}
}

// Stop interrupts every pending wait.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, entry := range t.timers {
		close(entry.stop)
		delete(t.timers, id)
	}
}

// ListActive returns information about all pending waits.
func (t *Timer) ListActive() []models.TimerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]models.TimerInfo, 0, len(t.timers))
	now := t.now()

	for id, entry := range t.timers {
		result = append(result, info(id, entry, now))
	}
	return result
}

// GetTimer returns information about a specific pending wait by ID.
func (t *Timer) GetTimer(id string) (*models.TimerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, exists := t.timers[id]
	if !exists {
		return nil, false
	}
	ti := info(id, entry, t.now())
	return &ti, true
}

func info(id string, entry *timerEntry, now time.Time) models.TimerInfo {
	remaining := entry.expiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return models.TimerInfo{
		ID:          id,
		ScheduledAt: entry.scheduledAt,
		ExpiresAt:   entry.expiresAt,
		Remaining:   remaining.Truncate(time.Second).String(),
		Description: entry.description,
	}
}
