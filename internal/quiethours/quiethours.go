// Package quiethours implements the configured time-of-day window that
// requires explicit user confirmation before a call is placed.
package quiethours

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a quiet-hours configuration. Start and End are minutes after
// midnight in the configured timezone. When Start > End the window wraps
// across midnight (e.g. 22:00–08:00).
type Window struct {
	Enabled  bool
	Start    int
	End      int
	Timezone string
}

// ParseClock parses an "HH:MM" string into minutes after midnight.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock time %q: expected HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour*60 + minute, nil
}

// FormatClock renders minutes after midnight as "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// RequiresConfirmation reports whether placing a call at the given instant
// falls inside the quiet-hours window and therefore needs an explicit user
// confirmation. Pure and side-effect-free: the call state machine evaluates
// it synchronously before committing to a transition.
//
// The window is inclusive of Start and exclusive of End. A window with
// Start > End spans midnight: inside when t >= Start or t < End.
func RequiresConfirmation(now time.Time, w Window) bool {
	if !w.Enabled {
		return false
	}

	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	t := local.Hour()*60 + local.Minute()

	if w.Start > w.End {
		return t >= w.Start || t < w.End
	}
	return t >= w.Start && t < w.End
}

// String renders the window for status displays.
func (w Window) String() string {
	if !w.Enabled {
		return "quiet hours disabled"
	}
	return fmt.Sprintf("quiet hours %s-%s (%s)", FormatClock(w.Start), FormatClock(w.End), w.Timezone)
}
