// Package timeutil resolves BPMN timer specifications: ISO-8601 durations
// (PT5S), cycles (R3/PT10S), dates, and Unix-cron expressions.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/senseyeio/duration"
)

// InfiniteRepeat is the repeat count of an unbounded cycle (R/PT..).
const InfiniteRepeat = 999999

// TimeDue resolves a timer spec relative to a reference time.
func TimeDue(spec string, reference time.Time) (time.Time, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty timer spec")
	}

	// ISO-8601 duration
	if strings.HasPrefix(spec, "P") {
		d, err := duration.ParseISO8601(spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse duration %q: %w", spec, err)
		}
		return d.Shift(reference), nil
	}

	// ISO-8601 cycle: R[n]/<duration>
	if strings.HasPrefix(spec, "R") {
		parts := strings.Split(spec, "/")
		if len(parts) > 1 {
			return TimeDue(parts[len(parts)-1], reference)
		}
		return time.Time{}, fmt.Errorf("invalid cycle spec %q", spec)
	}

	// ISO date
	if due, err := time.Parse(time.RFC3339, spec); err == nil {
		return due, nil
	}

	// Unix cron
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timer spec %q: %w", spec, err)
	}
	return schedule.Next(reference), nil
}

// Repeat extracts the repeat count from a cycle spec. Non-cycle specs repeat
// once; an unbounded cycle reports InfiniteRepeat.
func Repeat(spec string) int {
	spec = strings.TrimSpace(spec)
	if !strings.HasPrefix(spec, "R") {
		return 1
	}
	parts := strings.Split(spec, "/")
	if len(parts) < 2 {
		return 1
	}
	repeatStr := strings.TrimPrefix(parts[0], "R")
	if repeatStr == "" {
		return InfiniteRepeat
	}
	n, err := strconv.Atoi(repeatStr)
	if err != nil {
		return 1
	}
	return n
}
