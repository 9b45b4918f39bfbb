// Package durationstr parses the string-duration grammar used throughout
// the engine for sleep durations and backoff intervals: a signed number,
// an optional space, and a unit (ms, s, m, h, d, w, mo, y, plus long
// aliases). Bare numbers are milliseconds. Multi-unit strings ("1h30m")
// and leading/trailing whitespace are rejected.
package durationstr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/openworkflowdev/openworkflow-go/pkg/result"
)

const (
	msPerSecond = 1000
	msPerMinute = 60 * msPerSecond
	msPerHour   = 60 * msPerMinute
	msPerDay    = 24 * msPerHour
	msPerWeek   = 7 * msPerDay
	msPerMonth  = 30.4375 * float64(msPerDay)
	msPerYear   = 365.25 * float64(msPerDay)
)

var unitMillis = map[string]float64{
	"ms": 1, "msec": 1, "msecs": 1, "millisecond": 1, "milliseconds": 1,

	"s": msPerSecond, "sec": msPerSecond, "secs": msPerSecond,
	"second": msPerSecond, "seconds": msPerSecond,

	"m": msPerMinute, "min": msPerMinute, "mins": msPerMinute,
	"minute": msPerMinute, "minutes": msPerMinute,

	"h": msPerHour, "hr": msPerHour, "hrs": msPerHour,
	"hour": msPerHour, "hours": msPerHour,

	"d": float64(msPerDay), "day": float64(msPerDay), "days": float64(msPerDay),

	"w": float64(msPerWeek), "week": float64(msPerWeek), "weeks": float64(msPerWeek),

	"mo": msPerMonth, "month": msPerMonth, "months": msPerMonth,

	"y": msPerYear, "yr": msPerYear, "yrs": msPerYear,
	"year": msPerYear, "years": msPerYear,
}

var (
	bareNumber    = regexp.MustCompile(`^([+-]?(?:\d+\.\d+|\.\d+|\d+))$`)
	numberAndUnit = regexp.MustCompile(`^([+-]?(?:\d+\.\d+|\.\d+|\d+)) ?([A-Za-z]+)$`)
)

// Parse converts a duration string to signed milliseconds, returned as a
// Result so a malformed string and a legitimate zero-millisecond duration
// never collapse into the same zero value.
func Parse(s string) result.Result[int64, error] {
	if m := bareNumber.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return result.Err[int64, error](fmt.Errorf("durationstr: invalid number %q", s))
		}
		return result.Ok[int64, error](int64(n))
	}

	m := numberAndUnit.FindStringSubmatch(s)
	if m == nil {
		return result.Err[int64, error](fmt.Errorf("durationstr: invalid duration string %q", s))
	}

	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return result.Err[int64, error](fmt.Errorf("durationstr: invalid number %q", s))
	}

	unit := strings.ToLower(m[2])
	perMs, ok := unitMillis[unit]
	if !ok {
		return result.Err[int64, error](fmt.Errorf("durationstr: unknown unit %q in %q", m[2], s))
	}

	return result.Ok[int64, error](int64(n * perMs))
}
