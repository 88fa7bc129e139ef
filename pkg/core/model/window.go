package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// SlotWindow is either a single date or a recurrence rule, with a daily
// start/end time. Recurrence uses RRULE syntax, e.g. "FREQ=WEEKLY;BYDAY=SA".
type SlotWindow struct {
	Date       string `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Recurrence string `json:"recurrence,omitempty"`
	StartTime  string `json:"startTime" validate:"required,datetime=15:04"`
	EndTime    string `json:"endTime" validate:"required,datetime=15:04"`
}

// IsRecurring reports whether the window repeats
func (w SlotWindow) IsRecurring() bool {
	return w.Recurrence != ""
}

// Validate checks the fields that struct tags cannot: the rule syntax and
// that the window ends after it starts.
func (w SlotWindow) Validate() error {
	if (w.Date == "") == (w.Recurrence == "") {
		return fmt.Errorf("window must have exactly one of date or recurrence")
	}
	start, err := time.Parse(timeLayout, w.StartTime)
	if err != nil {
		return fmt.Errorf("invalid start time %q: %w", w.StartTime, err)
	}
	end, err := time.Parse(timeLayout, w.EndTime)
	if err != nil {
		return fmt.Errorf("invalid end time %q: %w", w.EndTime, err)
	}
	if !end.After(start) {
		return fmt.Errorf("end time %s must be after start time %s", w.EndTime, w.StartTime)
	}
	if w.Date != "" {
		if _, err := time.Parse(dateLayout, w.Date); err != nil {
			return fmt.Errorf("invalid date %q: %w", w.Date, err)
		}
	}
	if w.Recurrence != "" {
		if _, err := rrule.StrToROption(w.Recurrence); err != nil {
			return fmt.Errorf("invalid recurrence %q: %w", w.Recurrence, err)
		}
	}
	return nil
}

// NextOccurrence returns the start and end of the first occurrence of the
// window that starts at or after `after`. ok is false once a dated window
// has passed or a recurrence is exhausted.
func (w SlotWindow) NextOccurrence(after time.Time) (start, end time.Time, ok bool) {
	loc := after.Location()
	startClock, err := time.Parse(timeLayout, w.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	endClock, err := time.Parse(timeLayout, w.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	at := func(day time.Time, clock time.Time) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
	}

	if !w.IsRecurring() {
		day, err := time.ParseInLocation(dateLayout, w.Date, loc)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		start = at(day, startClock)
		if start.Before(after) {
			return time.Time{}, time.Time{}, false
		}
		return start, at(day, endClock), true
	}

	opt, err := rrule.StrToROption(w.Recurrence)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	// Anchor the rule on the slot's start time so occurrences carry it
	if opt.Dtstart.IsZero() {
		opt.Dtstart = at(after.AddDate(0, 0, -1), startClock)
	}
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	next := rule.After(after, true)
	if next.IsZero() {
		return time.Time{}, time.Time{}, false
	}
	next = at(next.In(loc), startClock)
	return next, at(next, endClock), true
}

// String renders the window for CLI output
func (w SlotWindow) String() string {
	when := w.Date
	if w.IsRecurring() {
		when = strings.ToLower(w.Recurrence)
	}
	return fmt.Sprintf("%s %s-%s", when, w.StartTime, w.EndTime)
}
