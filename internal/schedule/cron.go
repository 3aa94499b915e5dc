package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"query-orchestrator/internal/models"
)

// NextFire returns the earliest fire time of a standard five-field cron
// expression strictly after the given instant, evaluated in tz and returned
// in UTC.
func NextFire(expr, tz string, after time.Time) (time.Time, error) {
	sched, loc, err := parse(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, models.ErrValidation("cron expression %q never fires", expr)
	}
	return next.UTC(), nil
}

// Validate checks a cron expression and timezone without computing a fire time.
func Validate(expr, tz string) error {
	_, _, err := parse(expr, tz)
	return err
}

func parse(expr, tz string) (cron.Schedule, *time.Location, error) {
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, nil, models.ErrValidation("unknown timezone %q", tz)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, nil, models.ErrValidation("invalid cron expression %q: %v", expr, err)
	}
	return sched, loc, nil
}
