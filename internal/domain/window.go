package domain

import (
	"fmt"
	"strings"
	"time"
)

// ClockTime is a local time of day with minute precision.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM" (24h).
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c ClockTime) minutes() int { return c.Hour*60 + c.Minute }

// On returns the instant of this clock time on t's calendar day in t's location.
func (c ClockTime) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, t.Location())
}

// SendWindow is a daily local-time range [Start, End) in which a due step
// may be sent. Outside of it the step is deferred, never skipped.
type SendWindow struct {
	Start ClockTime
	End   ClockTime
}

// NewSendWindow parses a start/end pair. Both empty means no window.
// Exactly one bound, an unparseable bound, or start >= end is invalid.
func NewSendWindow(start, end string) (*SendWindow, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, Invalid("send_window", "start and end must be set together")
	}
	s, err := ParseClockTime(start)
	if err != nil {
		return nil, Invalid("send_window_start", "%v", err)
	}
	e, err := ParseClockTime(end)
	if err != nil {
		return nil, Invalid("send_window_end", "%v", err)
	}
	if s.minutes() >= e.minutes() {
		return nil, Invalid("send_window", "start %s must be before end %s", s, e)
	}
	return &SendWindow{Start: s, End: e}, nil
}

// Contains reports whether local falls inside the window. local must
// already be expressed in the sequence's location.
func (w SendWindow) Contains(local time.Time) bool {
	m := local.Hour()*60 + local.Minute()
	return m >= w.Start.minutes() && m < w.End.minutes()
}

// NextOpen returns the next moment the window opens after local: today's
// start if it is still ahead, otherwise tomorrow's start.
func (w SendWindow) NextOpen(local time.Time) time.Time {
	today := w.Start.On(local)
	if local.Before(today) {
		return today
	}
	return w.Start.On(local.AddDate(0, 0, 1))
}
