// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// searchLimit bounds Next. Every satisfiable expression fires within a
// leap cycle.
const searchLimit = 4 * 366 * 24 * time.Hour

var shortcuts = map[string]string{
	"@hourly":  "0 * * * *",
	"@daily":   "0 0 * * *",
	"@weekly":  "0 0 * * 0",
	"@monthly": "0 0 1 * *",
}

type field struct {
	name     string
	min, max int
}

var fields = [5]field{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// set is a bitmap of the values a field matches.
type set uint64

func (s set) contains(value int) bool { return s&(1<<value) != 0 }

// Schedule is a parsed expression.
type Schedule struct {
	expression string
	minute     set
	hour       set
	dayOfMonth set
	month      set
	dayOfWeek  set

	// restricted day fields select OR semantics between them.
	domRestricted bool
	dowRestricted bool
}

// Parse parses expression. The error names the offending field.
func Parse(expression string) (Schedule, error) {
	source := strings.TrimSpace(expression)
	if expanded, ok := shortcuts[source]; ok {
		source = expanded
	}
	terms := strings.Fields(source)
	if len(terms) != len(fields) {
		return Schedule{}, fmt.Errorf("cron: %q has %d fields, want 5", expression, len(terms))
	}

	var sets [5]set
	for i, term := range terms {
		parsed, err := parseField(term, fields[i])
		if err != nil {
			return Schedule{}, fmt.Errorf("cron: %s field: %w", fields[i].name, err)
		}
		sets[i] = parsed
	}
	return Schedule{
		expression:    expression,
		minute:        sets[0],
		hour:          sets[1],
		dayOfMonth:    sets[2],
		month:         sets[3],
		dayOfWeek:     sets[4],
		domRestricted: terms[2] != "*",
		dowRestricted: terms[4] != "*",
	}, nil
}

// MustParse is Parse for expressions known at compile time.
func MustParse(expression string) Schedule {
	schedule, err := Parse(expression)
	if err != nil {
		panic(err)
	}
	return schedule
}

func (s Schedule) String() string { return s.expression }

// Next returns the first matching minute strictly after t.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	start := t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := start.Add(searchLimit)

	for candidate := start; candidate.Before(limit); {
		year, month, day := candidate.Date()
		switch {
		case !s.month.contains(int(month)):
			candidate = time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
		case !s.dayMatches(candidate):
			candidate = time.Date(year, month, day+1, 0, 0, 0, 0, time.UTC)
		case !s.hour.contains(candidate.Hour()):
			candidate = time.Date(year, month, day, candidate.Hour()+1, 0, 0, 0, time.UTC)
		case !s.minute.contains(candidate.Minute()):
			candidate = candidate.Add(time.Minute)
		default:
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("cron: %q never fires after %s", s.expression, t.UTC().Format(time.RFC3339))
}

func (s Schedule) dayMatches(t time.Time) bool {
	dom := s.dayOfMonth.contains(t.Day())
	dow := s.dayOfWeek.contains(int(t.Weekday()))
	if s.domRestricted && s.dowRestricted {
		return dom || dow
	}
	return dom && dow
}

func parseField(term string, f field) (set, error) {
	var result set
	for part := range strings.SplitSeq(term, ",") {
		low, high, step, err := parseRange(part, f)
		if err != nil {
			return 0, err
		}
		for value := low; value <= high; value += step {
			result |= 1 << value
		}
	}
	return result, nil
}

// parseRange parses "*", "v", "a-b", each with an optional "/step".
func parseRange(part string, f field) (low, high, step int, err error) {
	span, stepText, hasStep := strings.Cut(part, "/")
	step = 1
	if hasStep {
		step, err = strconv.Atoi(stepText)
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid step %q", stepText)
		}
	}

	switch lowText, highText, isRange := strings.Cut(span, "-"); {
	case span == "*":
		low, high = f.min, f.max
	case isRange:
		if low, err = strconv.Atoi(lowText); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid value %q", lowText)
		}
		if high, err = strconv.Atoi(highText); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid value %q", highText)
		}
		if low > high {
			return 0, 0, 0, fmt.Errorf("range %q runs backwards", span)
		}
	default:
		if low, err = strconv.Atoi(span); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid value %q", span)
		}
		high = low
		// "5/10" means 5, 15, 25, ... as in most crons.
		if hasStep {
			high = f.max
		}
	}
	if low < f.min || high > f.max {
		return 0, 0, 0, fmt.Errorf("%q outside %d-%d", span, f.min, f.max)
	}
	return low, high, step, nil
}
