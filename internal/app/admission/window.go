package admission

import (
	"fmt"
	"time"
)

// Window derives quota bucket identifiers from an explicit reference timezone.
// Daily budgets for every account roll over at midnight in this zone, making
// the window boundary a configured policy instead of a wall-clock convention.
type Window struct {
	loc *time.Location
}

// NewWindow resolves the reference timezone. An unknown zone is a
// configuration error surfaced at startup.
func NewWindow(tz string) (*Window, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load reference timezone %q: %w", tz, err)
	}
	return &Window{loc: loc}, nil
}

// DayKey identifies the calendar-day bucket containing t.
func (w *Window) DayKey(t time.Time) string {
	return "d:" + t.In(w.loc).Format("2006-01-02")
}

// HourKey identifies the hour bucket containing t.
func (w *Window) HourKey(t time.Time) string {
	return "h:" + t.In(w.loc).Format("2006-01-02T15")
}

// UntilDayEnd is how long the day bucket containing t remains open; counter
// entries expire on this horizon so closed windows do not accumulate.
func (w *Window) UntilDayEnd(t time.Time) time.Duration {
	local := t.In(w.loc)
	nextMidnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.loc).AddDate(0, 0, 1)
	return nextMidnight.Sub(local)
}

// UntilHourEnd is how long the hour bucket containing t remains open.
func (w *Window) UntilHourEnd(t time.Time) time.Duration {
	return t.Truncate(time.Hour).Add(time.Hour).Sub(t)
}
