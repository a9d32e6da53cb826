package scheduler

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// HolidayCalendar decides whether a civil date is a holiday.
type HolidayCalendar interface {
	IsHoliday(d Date) bool
}

var monthDayRegex = regexp.MustCompile(`^(0[1-9]|1[0-2])-(0[1-9]|[12][0-9]|3[01])$`)

// HolidaySet is a HolidayCalendar backed by explicit ISO dates and yearly recurring
// month-day keys.
type HolidaySet struct {
	dates     map[Date]struct{}
	recurring map[string]struct{}
}

// NewHolidaySet builds a set from entries of the form "YYYY-MM-DD" (single date)
// or "MM-DD" (every year).
func NewHolidaySet(entries ...string) (*HolidaySet, error) {
	h := &HolidaySet{
		dates:     make(map[Date]struct{}),
		recurring: make(map[string]struct{}),
	}
	for _, e := range entries {
		if err := h.Add(e); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Add inserts a single entry.
func (h *HolidaySet) Add(entry string) error {
	entry = strings.TrimSpace(entry)
	if monthDayRegex.MatchString(entry) {
		h.recurring[entry] = struct{}{}
		return nil
	}
	d, err := ParseISODate(entry)
	if err != nil {
		return fmt.Errorf("holiday entry must be YYYY-MM-DD or MM-DD: %w", err)
	}
	h.dates[d] = struct{}{}
	return nil
}

// IsHoliday implements HolidayCalendar.
func (h *HolidaySet) IsHoliday(d Date) bool {
	if h == nil {
		return false
	}
	if _, ok := h.dates[d]; ok {
		return true
	}
	_, ok := h.recurring[d.MonthDay()]
	return ok
}

// Entries returns all entries in sorted order.
func (h *HolidaySet) Entries() []string {
	out := make([]string, 0, len(h.dates)+len(h.recurring))
	for d := range h.dates {
		out = append(out, d.String())
	}
	for k := range h.recurring {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
