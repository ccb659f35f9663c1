package notify

import (
	"fmt"
	"slices"
	"time"
)

// WorkingHours gates delivery to configured ISO weekdays (1 = Monday … 7 =
// Sunday) and hours of day (0-23). A nil Days or Hours slice leaves that
// dimension unrestricted; an empty non-nil slice allows nothing.
type WorkingHours struct {
	Days     []int
	Hours    []int
	Location *time.Location
}

// Validate checks the configured ranges.
func (w WorkingHours) Validate() error {
	for _, d := range w.Days {
		if d < 1 || d > 7 {
			return fmt.Errorf("working day %d out of range 1-7", d)
		}
	}
	for _, h := range w.Hours {
		if h < 0 || h > 23 {
			return fmt.Errorf("working hour %d out of range 0-23", h)
		}
	}
	return nil
}

// Allows reports whether t falls inside the working window.
func (w WorkingHours) Allows(t time.Time) bool {
	if w.Location != nil {
		t = t.In(w.Location)
	}
	return within(w.Days, isoWeekday(t)) && within(w.Hours, t.Hour())
}

func isoWeekday(t time.Time) int {
	if wd := t.Weekday(); wd != time.Sunday {
		return int(wd)
	}
	return 7
}

func within(allowed []int, v int) bool {
	if allowed == nil {
		return true
	}
	return slices.Contains(allowed, v)
}
