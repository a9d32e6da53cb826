package scheduler

import (
	"time"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

// MaxIterations bounds the day-advance loop so a policy that allows no day at all
// cannot hang the caller.
const MaxIterations = 400

// Reason explains why a desired instant was moved.
type Reason string

// Adjustment reasons.
const (
	ReasonOutsideWindow Reason = "outside_window"
	ReasonWeekend       Reason = "weekend"
	ReasonHoliday       Reason = "holiday"
)

// NextAllowedInstant returns the first instant at or after desired that falls on an
// allowed weekday, is not a skipped holiday and lies inside the daily window. When
// desired already satisfies the policy it is returned unchanged.
func NextAllowedInstant(desired time.Time, p Policy) time.Time {
	t, _ := NextAllowed(desired, p)
	return t
}

// NextAllowed is NextAllowedInstant that also reports the adjustments made, in the
// order they were first applied.
func NextAllowed(desired time.Time, p Policy) (time.Time, []Reason) {
	loc := p.location()
	candidate := desired.In(loc)
	adjusted := false

	var reasons []Reason
	note := func(r Reason) {
		adjusted = true
		for _, existing := range reasons {
			if existing == r {
				return
			}
		}
		reasons = append(reasons, r)
	}

	for i := 0; i < MaxIterations; i++ {
		day := DateOf(candidate)

		if !p.AllowedWeekdays[isoWeekday(candidate.Weekday())] {
			note(ReasonWeekend)
			candidate = day.AddDays(1).At(p.DailyStart, loc)
			continue
		}
		if p.isHoliday(day) {
			note(ReasonHoliday)
			candidate = day.AddDays(1).At(p.DailyStart, loc)
			continue
		}

		tod := candidate.Hour()*3600 + candidate.Minute()*60 + candidate.Second()
		switch {
		case tod < p.DailyStart.seconds():
			note(ReasonOutsideWindow)
			return day.At(p.DailyStart, loc), reasons
		case tod > p.DailyEnd.seconds() || (tod == p.DailyEnd.seconds() && candidate.Nanosecond() > 0):
			note(ReasonOutsideWindow)
			candidate = day.AddDays(1).At(p.DailyStart, loc)
			continue
		}

		if !adjusted {
			return desired, nil
		}
		return candidate, reasons
	}
	return candidate, reasons
}

// TimelineEntry is one step of a dry-run schedule.
type TimelineEntry struct {
	StepIndex   int               `json:"step_index"`
	StepID      string            `json:"step_id"`
	ActionType  models.ActionType `json:"action_type"`
	Desired     time.Time         `json:"desired"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Reasons     []Reason          `json:"reasons,omitempty"`
}

// Timeline computes when each step would fire for a run started at start. Delays
// accumulate from start; they are not measured from the previous adjusted instant.
// The daily send limit is not applied since it depends on live message counts.
func Timeline(start time.Time, steps []models.Step, p Policy) []TimelineEntry {
	entries := make([]TimelineEntry, 0, len(steps))
	var cumulative time.Duration
	for i, s := range steps {
		cumulative += s.Delay()
		desired := start.Add(cumulative)
		at, reasons := NextAllowed(desired, p)
		entries = append(entries, TimelineEntry{
			StepIndex:   i,
			StepID:      s.ID,
			ActionType:  s.ActionType,
			Desired:     desired,
			ScheduledAt: at,
			Reasons:     reasons,
		})
	}
	return entries
}
