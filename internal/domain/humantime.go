package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/prometheus/common/model"
)

var relativePattern = regexp.MustCompile(
	`^(\d+)\s+(second|minute|hour|day|week|month|quarter|year)s?\s+ago$`)

// ParseHumanDatetime resolves a natural-language time expression relative
// to now. Supported forms: "now", "today", "yesterday", "N <unit> ago",
// and any absolute datetime accepted by the date parser.
func ParseHumanDatetime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "now":
		return now, nil
	case "today":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()), nil
	case "yesterday":
		y := now.AddDate(0, 0, -1)
		return time.Date(y.Year(), y.Month(), y.Day(), 0, 0, 0, 0, now.Location()), nil
	}

	if m := relativePattern.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "second":
			return now.Add(-time.Duration(n) * time.Second), nil
		case "minute":
			return now.Add(-time.Duration(n) * time.Minute), nil
		case "hour":
			return now.Add(-time.Duration(n) * time.Hour), nil
		case "day":
			return now.AddDate(0, 0, -n), nil
		case "week":
			return now.AddDate(0, 0, -7*n), nil
		case "month":
			return now.AddDate(0, -n, 0), nil
		case "quarter":
			return now.AddDate(0, -3*n, 0), nil
		case "year":
			return now.AddDate(-n, 0, 0), nil
		}
	}

	t, err := dateparse.ParseIn(s, now.Location())
	if err != nil {
		return time.Time{}, ErrValidation("could not parse datetime %q", s)
	}
	return t, nil
}

// ParseSinceUntil resolves the since/until pair of a visualization form
// into absolute datetimes. Empty since defaults to the epoch, empty until
// to now.
func ParseSinceUntil(since, until string, now time.Time) (from, to time.Time, err error) {
	if strings.TrimSpace(since) == "" {
		from = time.Unix(0, 0).In(now.Location())
	} else if from, err = ParseHumanDatetime(since, now); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to, err = ParseHumanDatetime(until, now); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

var durationUnits = map[string]string{
	"second": "s", "seconds": "s",
	"minute": "m", "minutes": "m",
	"hour": "h", "hours": "h",
	"day": "d", "days": "d",
	"week": "w", "weeks": "w",
}

// ParseHumanDuration converts spellings like "1 day", "5 minutes" or
// compact forms like "30s" into a duration. Druid grains arrive in the
// spelled-out form.
func ParseHumanDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	parts := strings.Fields(s)
	if len(parts) == 2 {
		if unit, ok := durationUnits[parts[1]]; ok {
			s = parts[0] + unit
		}
	} else if len(parts) == 1 {
		if _, err := strconv.Atoi(s); err == nil {
			// bare number of seconds
			s += "s"
		}
	}
	d, err := model.ParseDuration(s)
	if err != nil {
		return 0, ErrValidation("could not parse duration %q", s)
	}
	return time.Duration(d), nil
}
