package domain

import (
	"fmt"
	"time"
)

// MaxWindowDays is the widest activity window that can be requested.
const MaxWindowDays = 31

// ActivityWindow is the inclusive range [Start, End] commits are collected over.
type ActivityWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewActivityWindow builds the window ending at now and reaching days back.
func NewActivityWindow(now time.Time, days int) (ActivityWindow, error) {
	if days < 1 || days > MaxWindowDays {
		return ActivityWindow{}, &ConfigError{
			Field:  "days",
			Reason: fmt.Sprintf("must be between 1 and %d, got %d", MaxWindowDays, days),
		}
	}
	now = now.UTC()
	return ActivityWindow{Start: now.AddDate(0, 0, -days), End: now}, nil
}

// Contains reports whether t falls inside the window, both bounds included.
func (w ActivityWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Days returns the window length rounded to whole days.
func (w ActivityWindow) Days() int {
	return int(w.End.Sub(w.Start).Round(24*time.Hour) / (24 * time.Hour))
}
