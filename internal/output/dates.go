package output

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateWindow keeps records whose posting date falls inside [Min, Max]. Zero bounds are open.
type DateWindow struct {
	Min time.Time
	Max time.Time
}

var relativePattern = regexp.MustCompile(`^(\d+)\s*(minute|hour|day|week|month|year)s?(\s+ago)?$`)

// ParseDateWindow parses the configured bounds. Each may be a date (2006-01-02), an RFC 3339
// timestamp or a relative age such as "7 days", measured back from now.
func ParseDateWindow(minRaw, maxRaw string, now time.Time) (DateWindow, error) {
	var w DateWindow
	var err error
	if w.Min, _, err = parseBound(minRaw, now); err != nil {
		return DateWindow{}, fmt.Errorf("min date: %w", err)
	}
	var dateOnly bool
	if w.Max, dateOnly, err = parseBound(maxRaw, now); err != nil {
		return DateWindow{}, fmt.Errorf("max date: %w", err)
	}
	if dateOnly {
		w.Max = w.Max.Add(24*time.Hour - time.Nanosecond)
	}
	if !w.Min.IsZero() && !w.Max.IsZero() && w.Max.Before(w.Min) {
		return DateWindow{}, fmt.Errorf("max date %s is before min date %s", maxRaw, minRaw)
	}
	return w, nil
}

func parseBound(raw string, now time.Time) (time.Time, bool, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true, nil
	}
	if t, err := time.Parse(time.RFC3339, strings.ToUpper(raw)); err == nil {
		return t, false, nil
	}
	if m := relativePattern.FindStringSubmatch(raw); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "minute":
			return now.Add(-time.Duration(n) * time.Minute), false, nil
		case "hour":
			return now.Add(-time.Duration(n) * time.Hour), false, nil
		case "day":
			return now.AddDate(0, 0, -n), false, nil
		case "week":
			return now.AddDate(0, 0, -7*n), false, nil
		case "month":
			return now.AddDate(0, -n, 0), false, nil
		case "year":
			return now.AddDate(-n, 0, 0), false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognised date %q", raw)
}

// IsOpen reports whether the window has no bounds.
func (w DateWindow) IsOpen() bool {
	return w.Min.IsZero() && w.Max.IsZero()
}

// Contains reports whether a posting date value lies inside the window. Values that are
// missing or cannot be read as a date are kept.
func (w DateWindow) Contains(value any) bool {
	if w.IsOpen() {
		return true
	}
	t, ok := toTime(value)
	if !ok {
		return true
	}
	if !w.Min.IsZero() && t.Before(w.Min) {
		return false
	}
	if !w.Max.IsZero() && t.After(w.Max) {
		return false
	}
	return true
}

func toTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return v, !v.IsZero()
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
	case float64:
		return time.UnixMilli(int64(v)), true
	case int64:
		return time.UnixMilli(v), true
	case int:
		return time.UnixMilli(int64(v)), true
	case json.Number:
		if ms, err := v.Int64(); err == nil {
			return time.UnixMilli(ms), true
		}
	}
	return time.Time{}, false
}
