// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package automation launches tasks from schedules, inbound webhooks, and
// watcher daemons. Everything funnels into the shared task launcher.
package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week. Day-of-week runs Monday=0
// through Sunday=6. Matching is per minute bucket, in UTC.
type Schedule struct {
	minute fieldSet // 0-59
	hour   fieldSet // 0-23
	dom    fieldSet // 1-31
	month  fieldSet // 1-12
	dow    fieldSet // 0-6, Monday=0
}

// fieldSet is a bitmask of allowed values for one field.
type fieldSet uint64

func (f fieldSet) has(v int) bool { return f&(1<<uint(v)) != 0 }

type fieldSpec struct {
	name string
	min  int
	max  int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseSchedule parses a five-field cron expression. Each field supports
// `*`, comma lists, ranges `a-b`, and steps `*/n`, `a/n`, `a-b/n`.
func ParseSchedule(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression %q: want 5 fields, got %d", expr, len(fields))
	}

	var sets [5]fieldSet
	for i, field := range fields {
		set, err := parseField(field, fieldSpecs[i])
		if err != nil {
			return nil, fmt.Errorf("cron expression %q: %w", expr, err)
		}
		sets[i] = set
	}

	return &Schedule{
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    sets[4],
	}, nil
}

func parseField(field string, spec fieldSpec) (fieldSet, error) {
	var set fieldSet
	for _, term := range strings.Split(field, ",") {
		termSet, err := parseTerm(term, spec)
		if err != nil {
			return 0, err
		}
		set |= termSet
	}
	return set, nil
}

func parseTerm(term string, spec fieldSpec) (fieldSet, error) {
	step := 1
	if base, stepStr, ok := strings.Cut(term, "/"); ok {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%s: invalid step in %q", spec.name, term)
		}
		step = n
		term = base
	}

	lo, hi := spec.min, spec.max
	switch {
	case term == "*":
		// Full range.
	case strings.Contains(term, "-"):
		loStr, hiStr, _ := strings.Cut(term, "-")
		var err error
		if lo, err = parseValue(loStr, spec); err != nil {
			return 0, err
		}
		if hi, err = parseValue(hiStr, spec); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("%s: inverted range %q", spec.name, term)
		}
	default:
		v, err := parseValue(term, spec)
		if err != nil {
			return 0, err
		}
		lo = v
		if step == 1 {
			hi = v
		}
		// `a/n` means: start at a, step n to the field maximum.
	}

	var set fieldSet
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}

func parseValue(s string, spec fieldSpec) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: not a number: %q", spec.name, s)
	}
	if v < spec.min || v > spec.max {
		return 0, fmt.Errorf("%s: %d out of range %d-%d", spec.name, v, spec.min, spec.max)
	}
	return v, nil
}

// Matches reports whether the schedule fires in the given minute bucket.
// The instant is interpreted in UTC; seconds are ignored.
func (s *Schedule) Matches(t time.Time) bool {
	t = t.UTC()
	return s.minute.has(t.Minute()) &&
		s.hour.has(t.Hour()) &&
		s.dom.has(t.Day()) &&
		s.month.has(int(t.Month())) &&
		s.dow.has(mondayBased(t.Weekday()))
}

// mondayBased converts Go's Sunday=0 weekday to the Monday=0 convention.
func mondayBased(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}
