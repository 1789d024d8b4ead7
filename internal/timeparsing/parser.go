// Package timeparsing turns the --since argument of a sync pass into a point
// in time. Inputs are tried in layers:
//  1. Compact duration (6h, -1d, 2w): always a time in the past
//  2. Absolute timestamp (RFC3339, or a date taken as local midnight)
//  3. Natural language (yesterday, last monday)
package timeparsing

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// ErrFuture is returned for an input that resolves after now.
var ErrFuture = errors.New("time is in the future")

// compactDurationRe matches [+-]?(\d+)([hdwmy]), e.g. 6h, -1d, +2w.
var compactDurationRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// dateLayouts are the absolute formats accepted, most specific first.
var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04", "2006-01-02"}

var nlp = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseSince resolves s relative to now. A compact duration counts
// backwards from now whatever its sign.
func ParseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}

	if IsCompactDuration(s) {
		t, err := ParseCompactDuration("-"+strings.TrimLeft(s, "+-"), now)
		if err != nil {
			return time.Time{}, err
		}
		return t, nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return notFuture(s, t, now)
		}
	}

	r, err := nlp.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognised time %q (try 6h, 2d, 2025-01-31 or yesterday)", s)
	}
	return notFuture(s, r.Time, now)
}

func notFuture(s string, t, now time.Time) (time.Time, error) {
	if t.After(now) {
		return time.Time{}, fmt.Errorf("%q: %w", s, ErrFuture)
	}
	return t, nil
}

// ParseCompactDuration applies a signed compact duration to now. No sign
// means forward.
//
// Units: h hours, d days, w weeks, m months, y years.
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	matches := compactDurationRe.FindStringSubmatch(s)
	if matches == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}

	amount, err := strconv.Atoi(matches[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", matches[2])
	}
	if matches[1] == "-" {
		amount = -amount
	}
	return applyDuration(now, amount, matches[3]), nil
}

func applyDuration(base time.Time, amount int, unit string) time.Time {
	switch unit {
	case "h":
		return base.Add(time.Duration(amount) * time.Hour)
	case "d":
		return base.AddDate(0, 0, amount)
	case "w":
		return base.AddDate(0, 0, amount*7)
	case "m":
		return base.AddDate(0, amount, 0)
	case "y":
		return base.AddDate(amount, 0, 0)
	}
	return base
}

// IsCompactDuration reports whether s is compact duration syntax.
func IsCompactDuration(s string) bool {
	return compactDurationRe.MatchString(s)
}
