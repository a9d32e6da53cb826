package scheduler

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // zone database for hosts without one
)

// Default policy values used when a settings file leaves them out.
const (
	DefaultTimezone   = "America/Sao_Paulo"
	DefaultDailyStart = "08:00"
	DefaultDailyEnd   = "19:00"
)

// DefaultWeekdays is Monday through Friday.
var DefaultWeekdays = []int{1, 2, 3, 4, 5}

var (
	// ErrInvalidWindow is returned when the daily window ends before it starts.
	ErrInvalidWindow = errors.New("daily start must not be after daily end")
	// ErrInvalidWeekday is returned for a weekday outside 1..7.
	ErrInvalidWeekday = errors.New("weekday must be between 1 (Monday) and 7 (Sunday)")
)

// Policy is the business calendar a flow is scheduled against. All calendar math
// happens in Location.
type Policy struct {
	Location        *time.Location
	DailyStart      Clock
	DailyEnd        Clock
	AllowedWeekdays map[int]bool
	SkipHolidays    bool
	Holidays        HolidayCalendar
	// DailySendLimit caps messages per civil day. Zero means unlimited.
	DailySendLimit int
}

// PolicySpec is the authoring form of a Policy.
type PolicySpec struct {
	Timezone        string   `json:"timezone" yaml:"timezone"`
	DailyStart      string   `json:"daily_start" yaml:"daily_start"`
	DailyEnd        string   `json:"daily_end" yaml:"daily_end"`
	AllowedWeekdays []int    `json:"allowed_weekdays" yaml:"allowed_weekdays"`
	SkipHolidays    bool     `json:"skip_holidays" yaml:"skip_holidays"`
	Holidays        []string `json:"holidays,omitempty" yaml:"holidays,omitempty"`
	DailySendLimit  int      `json:"daily_send_limit,omitempty" yaml:"daily_send_limit,omitempty"`
}

// Build validates the settings and returns the runtime policy. Empty fields take the
// package defaults; a nil weekday list means Monday through Friday.
func (s PolicySpec) Build() (Policy, error) {
	tz := s.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Policy{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	startStr, endStr := s.DailyStart, s.DailyEnd
	if startStr == "" {
		startStr = DefaultDailyStart
	}
	if endStr == "" {
		endStr = DefaultDailyEnd
	}
	start, err := ParseClock(startStr)
	if err != nil {
		return Policy{}, err
	}
	end, err := ParseClock(endStr)
	if err != nil {
		return Policy{}, err
	}
	if start > end {
		return Policy{}, fmt.Errorf("%s > %s: %w", start, end, ErrInvalidWindow)
	}

	weekdays := s.AllowedWeekdays
	if weekdays == nil {
		weekdays = DefaultWeekdays
	}
	allowed := make(map[int]bool, len(weekdays))
	for _, w := range weekdays {
		if w < 1 || w > 7 {
			return Policy{}, fmt.Errorf("weekday %d: %w", w, ErrInvalidWeekday)
		}
		allowed[w] = true
	}

	holidays, err := NewHolidaySet(s.Holidays...)
	if err != nil {
		return Policy{}, err
	}
	if s.DailySendLimit < 0 {
		return Policy{}, fmt.Errorf("daily send limit cannot be negative: %d", s.DailySendLimit)
	}

	return Policy{
		Location:        loc,
		DailyStart:      start,
		DailyEnd:        end,
		AllowedWeekdays: allowed,
		SkipHolidays:    s.SkipHolidays,
		Holidays:        holidays,
		DailySendLimit:  s.DailySendLimit,
	}, nil
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

func (p Policy) isHoliday(d Date) bool {
	return p.SkipHolidays && p.Holidays != nil && p.Holidays.IsHoliday(d)
}

// DayBounds returns the start (inclusive) and end (exclusive) of t's civil day in
// the policy zone.
func (p Policy) DayBounds(t time.Time) (time.Time, time.Time) {
	loc := p.location()
	d := DateOf(t.In(loc))
	start := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
	next := d.AddDays(1)
	return start, time.Date(next.Year, next.Month, next.Day, 0, 0, 0, 0, loc)
}

// NextDayStart returns the window start of the civil day after t's.
func (p Policy) NextDayStart(t time.Time) time.Time {
	loc := p.location()
	return DateOf(t.In(loc)).AddDays(1).At(p.DailyStart, loc)
}
