// Package recurrence turns an exchange recurrence rule into the concrete
// occurrence times it implies.
//
// Occurrences is a pure, restartable sequence: ranging over it twice yields
// the same times in the same ascending order. Expand cuts that sequence to a
// horizon window and reports rules that can never produce anything as
// non-fatal configuration warnings.
package recurrence

import (
	"fmt"
	"iter"
	"slices"
	"time"
)

// Kind names a recurrence pattern.
type Kind string

const (
	None     Kind = "none"
	Weekly   Kind = "weekly"
	Biweekly Kind = "biweekly"
	Monthly  Kind = "monthly"
	Custom   Kind = "custom"
)

// Valid reports whether k is a known recurrence kind.
func (k Kind) Valid() bool {
	switch k {
	case None, Weekly, Biweekly, Monthly, Custom:
		return true
	default:
		return false
	}
}

// Rule describes when an exchange repeats. Anchor carries the location in
// which wall-clock times and calendar dates are evaluated.
type Rule struct {
	Kind       Kind
	Anchor     time.Time
	Days       []time.Weekday
	Exceptions []Date
	// Until is inclusive. Nil means the rule never ends.
	Until *time.Time
}

// Window is the half-open interval [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// Expansion is the outcome of Expand.
type Expansion struct {
	Occurrences []time.Time
	Warnings    []ConfigurationWarning
}

// Expand collects every occurrence of rule inside window.
func Expand(rule Rule, window Window) Expansion {
	out := Expansion{Warnings: Check(rule)}
	if !window.To.After(window.From) {
		return out
	}
	for t := range Occurrences(rule) {
		if !t.Before(window.To) {
			break
		}
		if t.Before(window.From) {
			continue
		}
		out.Occurrences = append(out.Occurrences, t)
	}
	return out
}

// Occurrences yields every occurrence of rule in ascending order, never
// earlier than the anchor and never later than Until. Rules without an end
// produce an unbounded sequence; callers stop ranging when they have enough.
func Occurrences(rule Rule) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if unsatisfiable(rule) != "" {
			return
		}
		excluded := make(map[Date]struct{}, len(rule.Exceptions))
		for _, d := range rule.Exceptions {
			excluded[d] = struct{}{}
		}
		// emit returns false once the sequence must end.
		emit := func(t time.Time) bool {
			if rule.Until != nil && t.After(*rule.Until) {
				return false
			}
			if _, skip := excluded[DateOf(t)]; skip {
				return true
			}
			return yield(t)
		}

		switch rule.Kind {
		case None:
			emit(rule.Anchor)
		case Weekly, Custom:
			days := effectiveDays(rule)
			for t := range daily(rule.Anchor) {
				if !slices.Contains(days, t.Weekday()) {
					continue
				}
				if !emit(t) {
					return
				}
			}
		case Biweekly:
			days := normalizeDays(rule.Days)
			if len(days) == 0 {
				for k := 0; emit(rule.Anchor.AddDate(0, 0, 14*k)); k++ {
				}
				return
			}
			first := weekStart(rule.Anchor)
			for t := range daily(rule.Anchor) {
				if !slices.Contains(days, t.Weekday()) {
					continue
				}
				if daysBetween(first, weekStart(t))/7%2 != 0 {
					continue
				}
				if !emit(t) {
					return
				}
			}
		case Monthly:
			y, m, day := rule.Anchor.Date()
			h, mi, s := rule.Anchor.Clock()
			ns := rule.Anchor.Nanosecond()
			loc := rule.Anchor.Location()
			for k := 0; ; k++ {
				t := time.Date(y, m+time.Month(k), day, h, mi, s, ns, loc)
				if t.Day() != day {
					// The month is too short for the anchor day. The month
					// is skipped, not clamped to its last day.
					monthStart := time.Date(y, m+time.Month(k), 1, h, mi, s, ns, loc)
					if rule.Until != nil && monthStart.After(*rule.Until) {
						return
					}
					continue
				}
				if !emit(t) {
					return
				}
			}
		}
	}
}

// Check returns the configuration warnings for rule without expanding it.
func Check(rule Rule) []ConfigurationWarning {
	var warnings []ConfigurationWarning
	if reason := unsatisfiable(rule); reason != "" {
		warnings = append(warnings, ConfigurationWarning{Reason: reason})
	}
	if rule.Kind == Monthly && rule.Anchor.Day() > 28 {
		warnings = append(warnings, ConfigurationWarning{
			Reason: fmt.Sprintf("months without day %d are skipped", rule.Anchor.Day()),
		})
	}
	return warnings
}

func unsatisfiable(rule Rule) string {
	switch {
	case !rule.Kind.Valid():
		return fmt.Sprintf("unknown recurrence %q", rule.Kind)
	case rule.Anchor.IsZero():
		return "missing anchor time"
	case rule.Until != nil && rule.Until.Before(rule.Anchor):
		return "recurrence ends before the anchor"
	case rule.Kind == Custom && len(normalizeDays(rule.Days)) == 0:
		return "custom recurrence without any weekday"
	case rule.Kind == Weekly && len(rule.Days) > 0 && len(normalizeDays(rule.Days)) == 0:
		return "weekly recurrence without any valid weekday"
	}
	return ""
}

func effectiveDays(rule Rule) []time.Weekday {
	days := normalizeDays(rule.Days)
	if len(days) == 0 && rule.Kind == Weekly {
		return []time.Weekday{rule.Anchor.Weekday()}
	}
	return days
}

func normalizeDays(days []time.Weekday) []time.Weekday {
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday || slices.Contains(out, d) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// daily yields the anchor's wall-clock time on the anchor date and every
// following calendar day. time.Date normalisation keeps the wall-clock time
// stable across DST changes.
func daily(anchor time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		y, m, d := anchor.Date()
		h, mi, s := anchor.Clock()
		ns := anchor.Nanosecond()
		for k := 0; ; k++ {
			if !yield(time.Date(y, m, d+k, h, mi, s, ns, anchor.Location())) {
				return
			}
		}
	}
}

// weekStart returns the Monday of t's ISO week as a calendar date.
func weekStart(t time.Time) Date {
	offset := (int(t.Weekday()) + 6) % 7
	return DateOf(t.AddDate(0, 0, -offset))
}

func daysBetween(a, b Date) int {
	ta := time.Date(a.Year, a.Month, a.Day, 0, 0, 0, 0, time.UTC)
	tb := time.Date(b.Year, b.Month, b.Day, 0, 0, 0, 0, time.UTC)
	return int(tb.Sub(ta).Hours() / 24)
}
