package scheduler

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// NextOccurrence calculates the next run time for a recurrence policy from a
// base time. Returns nil if the policy is none (no next run).
//
// The fixed policies use plain duration arithmetic on naive local timestamps:
//
//	daily   -> base + 24h
//	weekly  -> base + 7*24h
//	monthly -> base + 30*24h (fixed 30-day approximation, not calendar months)
//
// The 30-day rule and the absence of timezone/DST adjustment are deliberate
// simplifications kept for predictability.
//
// A "cron:<expression>" policy is evaluated with a standard 5-field cron
// parser. A malformed policy (cron or otherwise) returns an ErrConfig-class
// error; callers are expected to degrade it to none rather than reschedule
// something unschedulable.
func NextOccurrence(base time.Time, policy Recurrence) (*time.Time, error) {
	switch policy {
	case RecurrenceNone, "":
		return nil, nil
	case RecurrenceDaily:
		next := base.Add(24 * time.Hour)
		return &next, nil
	case RecurrenceWeekly:
		next := base.Add(7 * 24 * time.Hour)
		return &next, nil
	case RecurrenceMonthly:
		next := base.Add(30 * 24 * time.Hour)
		return &next, nil
	}

	if expr, ok := strings.CutPrefix(string(policy), CronPrefix); ok {
		schedule, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "invalid cron recurrence %q", expr), ErrConfig)
		}
		next := schedule.Next(base)
		if next.IsZero() {
			// The expression never fires again (e.g. a fixed past date).
			return nil, nil
		}
		return &next, nil
	}

	return nil, errors.Mark(errors.Newf("unknown recurrence policy %q", policy), ErrConfig)
}
