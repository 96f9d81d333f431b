/**
 * @description
 * Billing cycle resolution. A cycle string such as "30d", "1month" or the
 * legacy "monthly" resolves to a fixed duration.
 *
 * Months and years are fixed spans of 30 and 365 days. This is a business
 * rule that billing amounts depend on; it is not calendar arithmetic.
 */
package cycle

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCycleFormat is returned for any string that does not resolve to a cycle.
var ErrInvalidCycleFormat = errors.New("invalid billing cycle format")

// Unit is the time unit of a billing cycle.
type Unit string

const (
	UnitMinute Unit = "m"
	UnitHour   Unit = "h"
	UnitDay    Unit = "d"
	UnitMonth  Unit = "month"
	UnitYear   Unit = "y"
)

const (
	Day   = 24 * time.Hour
	Month = 30 * Day
	Year  = 365 * Day
)

var unitSpans = map[Unit]time.Duration{
	UnitMinute: time.Minute,
	UnitHour:   time.Hour,
	UnitDay:    Day,
	UnitMonth:  Month,
	UnitYear:   Year,
}

var legacyAliases = map[string]string{
	"monthly": "1month",
	"weekly":  "7d",
	"daily":   "1d",
	"hourly":  "1h",
	"hour":    "1h",
	"day":     "1d",
	"week":    "7d",
	"month":   "1month",
	"year":    "1y",
	"yearly":  "1y",
}

// "month" must be tried before "m" so the alternation is ordered longest first.
var canonicalPattern = regexp.MustCompile(`^([1-9][0-9]*)(month|m|h|d|y)$`)

// Cycle is a resolved billing cycle.
type Cycle struct {
	Quantity int64
	Unit     Unit
	Duration time.Duration
}

// String renders the canonical form, e.g. "7d" or "1month".
func (c Cycle) String() string {
	return strconv.FormatInt(c.Quantity, 10) + string(c.Unit)
}

// Parse resolves raw into a Cycle.
func Parse(raw string) (Cycle, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return Cycle{}, fmt.Errorf("%w: %q", ErrInvalidCycleFormat, raw)
	}
	if alias, ok := legacyAliases[normalized]; ok {
		normalized = alias
	}

	match := canonicalPattern.FindStringSubmatch(normalized)
	if match == nil {
		return Cycle{}, fmt.Errorf("%w: %q", ErrInvalidCycleFormat, raw)
	}

	quantity, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return Cycle{}, fmt.Errorf("%w: %q", ErrInvalidCycleFormat, raw)
	}
	unit := Unit(match[2])
	span := unitSpans[unit]
	if quantity > math.MaxInt64/int64(span) {
		return Cycle{}, fmt.Errorf("%w: %q overflows", ErrInvalidCycleFormat, raw)
	}

	return Cycle{
		Quantity: quantity,
		Unit:     unit,
		Duration: time.Duration(quantity) * span,
	}, nil
}

// Duration resolves raw and returns only its span.
func Duration(raw string) (time.Duration, error) {
	c, err := Parse(raw)
	if err != nil {
		return 0, err
	}
	return c.Duration, nil
}

// AddCycle returns t advanced by one cycle of raw.
func AddCycle(t time.Time, raw string) (time.Time, error) {
	d, err := Duration(raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(d), nil
}
