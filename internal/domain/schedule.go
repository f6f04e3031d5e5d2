package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Frequency string

const (
	FrequencyHourly  Frequency = "HOURLY"
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
)

// BackupSchedule is the singleton schedule record.
type BackupSchedule struct {
	Enabled       bool       `json:"enabled"`
	Frequency     Frequency  `json:"frequency" validate:"oneof=HOURLY DAILY WEEKLY MONTHLY"`
	TimeOfDay     string     `json:"time_of_day" validate:"required,timeofday"`
	RetentionDays int        `json:"retention_days" validate:"gte=0"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("timeofday", func(fl validator.FieldLevel) bool {
		_, _, err := ParseTimeOfDay(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the user-editable fields of the schedule.
func (s *BackupSchedule) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// IsDue reports whether a run must start at now.
func (s *BackupSchedule) IsDue(now time.Time) bool {
	return s.Enabled && (s.NextRun == nil || !now.Before(*s.NextRun))
}

// ParseTimeOfDay parses a 24h "HH:MM" string.
func ParseTimeOfDay(v string) (hour, minute int, err error) {
	parts := strings.Split(v, ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q: expected HH:MM", v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return hour, minute, nil
}

// NextRun returns the next instant after now at which a backup with the
// given frequency and time of day is eligible to run. Weeks end on Sunday:
// a WEEKLY schedule whose slot today has passed moves to the coming Sunday,
// or to the Sunday after when today already is Sunday.
func NextRun(freq Frequency, timeOfDay string, now time.Time) (time.Time, error) {
	switch freq {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		return time.Time{}, fmt.Errorf("%w: unknown frequency %q", ErrValidation, freq)
	}

	hour, minute, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	loc := now.Location()
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	if candidate.After(now) {
		return candidate, nil
	}

	var next time.Time
	switch freq {
	case FrequencyHourly:
		// Built in loc rather than with Truncate, which rounds absolute time
		// and breaks for zones with non-hour offsets.
		next = time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, loc).Add(time.Hour)
	case FrequencyDaily:
		next = candidate.AddDate(0, 0, 1)
	case FrequencyWeekly:
		days := (7 - int(now.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		next = candidate.AddDate(0, 0, days)
	case FrequencyMonthly:
		next = time.Date(now.Year(), now.Month()+1, 1, hour, minute, 0, 0, loc)
	}

	// A wall clock time inside a repeated hour resolves to its first
	// occurrence, which can sit at or before now.
	for !next.After(now) {
		next = advance(freq, next, hour, minute)
	}
	return next, nil
}

func advance(freq Frequency, t time.Time, hour, minute int) time.Time {
	loc := t.Location()
	switch freq {
	case FrequencyHourly:
		return t.Add(time.Hour)
	case FrequencyDaily:
		return time.Date(t.Year(), t.Month(), t.Day()+1, hour, minute, 0, 0, loc)
	case FrequencyWeekly:
		return time.Date(t.Year(), t.Month(), t.Day()+7, hour, minute, 0, 0, loc)
	default:
		return time.Date(t.Year(), t.Month()+1, 1, hour, minute, 0, 0, loc)
	}
}
