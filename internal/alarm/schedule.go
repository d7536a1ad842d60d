package alarm

import (
	"fmt"
	"strings"
	"time"
)

// Kind tags the Schedule variant.
type Kind int

const (
	// KindUnknown marks a stored schedule that could not be parsed. Such
	// alarms are kept verbatim but never armed.
	KindUnknown Kind = iota
	KindDaily
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindDaily:
		return "DAILY"
	case KindOnce:
		return "ONCE"
	default:
		return "UNKNOWN"
	}
}

const (
	timeOfDayLayout = "15:04"
	fireAtLayout    = "2006-01-02 15:04:05"
	specDateLayout  = "2006-01-02 15:04"
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	t, err := time.Parse(timeOfDayLayout, strings.TrimSpace(raw))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q", ErrInvalidSchedule, raw)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Next returns the first occurrence of t strictly after after, in loc.
func (t TimeOfDay) Next(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := after.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), t.Hour, t.Minute, 0, 0, loc)
	if !candidate.After(local) {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+1, t.Hour, t.Minute, 0, 0, loc)
	}
	return candidate
}

// Schedule is either Daily{TimeOfDay} or Once{FireAt}.
type Schedule struct {
	Kind      Kind
	TimeOfDay TimeOfDay
	FireAt    time.Time

	raw string
}

// Daily builds a recurring schedule.
func Daily(tod TimeOfDay) Schedule {
	return Schedule{Kind: KindDaily, TimeOfDay: tod}
}

// Once builds a one-shot schedule.
func Once(at time.Time) Schedule {
	return Schedule{Kind: KindOnce, FireAt: at.Truncate(time.Second)}
}

// Describe renders the schedule for the alarm log, e.g. "DAILY 21:00" or
// "ONCE 2025-07-20 23:00:00".
func (s Schedule) Describe() string {
	switch s.Kind {
	case KindDaily:
		return "DAILY " + s.TimeOfDay.String()
	case KindOnce:
		return "ONCE " + s.FireAt.Format(fireAtLayout)
	default:
		return s.raw
	}
}

// Next reports when the schedule fires next after now.
func (s Schedule) Next(now time.Time, loc *time.Location) (time.Time, bool) {
	switch s.Kind {
	case KindDaily:
		return s.TimeOfDay.Next(now, loc), true
	case KindOnce:
		return s.FireAt, true
	default:
		return time.Time{}, false
	}
}

// ParseDescription reverses Describe. Unparsable input yields a KindUnknown
// schedule carrying the raw text together with the error.
func ParseDescription(desc string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	kind, rest, _ := strings.Cut(strings.TrimSpace(desc), " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToUpper(kind) {
	case "DAILY":
		tod, err := ParseTimeOfDay(rest)
		if err != nil {
			return Schedule{raw: desc}, err
		}
		return Daily(tod), nil
	case "ONCE":
		for _, layout := range []string{fireAtLayout, specDateLayout} {
			if at, err := time.ParseInLocation(layout, rest, loc); err == nil {
				return Once(at), nil
			}
		}
	}
	return Schedule{raw: desc}, fmt.Errorf("%w: %q", ErrInvalidSchedule, desc)
}

// ParseSpec reads a schedule from the head of a chat command's arguments and
// returns the remaining tokens:
//
//	21:00 ap f1              daily
//	2025-07-20 23:00 ap f1   once
func ParseSpec(args []string, loc *time.Location) (Schedule, []string, error) {
	if loc == nil {
		loc = time.Local
	}
	if len(args) == 0 {
		return Schedule{}, nil, fmt.Errorf("%w: missing time", ErrInvalidSchedule)
	}

	if tod, err := ParseTimeOfDay(args[0]); err == nil {
		return Daily(tod), args[1:], nil
	}

	if len(args) < 2 {
		return Schedule{}, nil, fmt.Errorf("%w: expected HH:MM or YYYY-MM-DD HH:MM", ErrInvalidSchedule)
	}
	at, err := time.ParseInLocation(specDateLayout, args[0]+" "+args[1], loc)
	if err != nil {
		return Schedule{}, nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, args[0]+" "+args[1])
	}
	return Once(at), args[2:], nil
}
