package pricing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a range of whole hours, both ends inclusive
type Window struct {
	StartHour int
	EndHour   int
}

// Contains reports whether hour falls inside the window
func (w Window) Contains(hour int) bool {
	return hour >= w.StartHour && hour <= w.EndHour
}

// SurgeRule applies a fixed multiplier during peak windows and 1.0 otherwise
type SurgeRule struct {
	Windows    []Window
	Multiplier float64
	Location   *time.Location
}

// DefaultSurgeRule is 1.5x during the morning (07-09) and evening (16-19) peaks
func DefaultSurgeRule() SurgeRule {
	return SurgeRule{
		Windows:    []Window{{StartHour: 7, EndHour: 9}, {StartHour: 16, EndHour: 19}},
		Multiplier: 1.5,
		Location:   time.Local,
	}
}

// MultiplierAt returns the surge multiplier for t in the rule's time zone
func (r SurgeRule) MultiplierAt(t time.Time) float64 {
	if r.Location != nil {
		t = t.In(r.Location)
	}
	hour := t.Hour()
	for _, w := range r.Windows {
		if w.Contains(hour) {
			return r.Multiplier
		}
	}
	return 1.0
}

// ParseWindows parses "7-9,16-19" into windows
func ParseWindows(list string) ([]Window, error) {
	var windows []Window
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		start, end, ok := strings.Cut(part, "-")
		if !ok {
			return nil, fmt.Errorf("peak window %q: expected start-end", part)
		}
		s, err := strconv.Atoi(strings.TrimSpace(start))
		if err != nil {
			return nil, fmt.Errorf("peak window %q: %w", part, err)
		}
		e, err := strconv.Atoi(strings.TrimSpace(end))
		if err != nil {
			return nil, fmt.Errorf("peak window %q: %w", part, err)
		}
		if s < 0 || e > 23 || s > e {
			return nil, fmt.Errorf("peak window %q: hours must satisfy 0 <= start <= end <= 23", part)
		}
		windows = append(windows, Window{StartHour: s, EndHour: e})
	}
	return windows, nil
}
