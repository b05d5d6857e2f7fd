// Package daywindow implements the optional daily active window that gates
// motion handling to a time-of-day range.
package daywindow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a time-of-day range in minutes after midnight. A window whose
// end precedes its start wraps past midnight (e.g. 2200--0600).
type Window struct {
	start int
	end   int
}

// Parse accepts "HHMM--HHMM" (or a single dash). Start is inclusive, end is
// exclusive.
func Parse(s string) (*Window, error) {
	s = strings.TrimSpace(s)
	var parts []string
	if strings.Contains(s, "--") {
		parts = strings.SplitN(s, "--", 2)
	} else {
		parts = strings.SplitN(s, "-", 2)
	}
	if len(parts) != 2 {
		return nil, fmt.Errorf("day window %q: expected HHMM--HHMM", s)
	}

	start, err := parseHHMM(parts[0])
	if err != nil {
		return nil, fmt.Errorf("day window %q: start: %w", s, err)
	}
	end, err := parseHHMM(parts[1])
	if err != nil {
		return nil, fmt.Errorf("day window %q: end: %w", s, err)
	}
	if start == end {
		return nil, fmt.Errorf("day window %q: start and end are equal", s)
	}
	return &Window{start: start, end: end}, nil
}

func parseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	if len(s) != 4 {
		return 0, fmt.Errorf("%q is not HHMM", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not HHMM", s)
	}
	h, m := n/100, n%100
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("%q is out of range", s)
	}
	return h*60 + m, nil
}

// Contains reports whether t's wall-clock time falls inside the window. A nil
// window contains every instant.
func (w *Window) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	minute := t.Hour()*60 + t.Minute()
	if w.start < w.end {
		return minute >= w.start && minute < w.end
	}
	return minute >= w.start || minute < w.end
}

func (w *Window) String() string {
	if w == nil {
		return "always"
	}
	return fmt.Sprintf("%02d%02d--%02d%02d", w.start/60, w.start%60, w.end/60, w.end%60)
}
