package ics

import (
	"errors"
	"math"
	"time"

	"github.com/teambition/rrule-go"

	appLog "rostersync/internal/log"
)

const (
	defaultMaxOccurrencesPerEvent = 500
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive window for occurrences of
	// recurring events. Non-recurring events are never filtered.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the expanded events and information about truncation.
type ExpandResult struct {
	Events []RawEvent
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// OccurrenceUID derives the identity of one instance of a recurring event.
// It is stable across syncs as long as the instance's original start is.
func OccurrenceUID(uid string, originalStart time.Time) string {
	return uid + "/" + originalStart.UTC().Format("20060102T150405Z")
}

// Expand turns recurring events into one RawEvent per occurrence.
//
//   - Events without RRULE pass through unchanged, in input order.
//   - RRULE events are replaced, in place, by their occurrences inside the
//     range, with EXDATEs removed and RECURRENCE-ID overrides applied.
//   - Overrides whose recurring master is absent pass through on their own.
//
// Every occurrence gets UID OccurrenceUID(uid, originalStart).
func Expand(events []RawEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group overrides by UID and remember which UIDs have a recurring master.
	overridesByUID := make(map[string][]RawEvent)
	recurringUIDs := make(map[string]bool)
	for _, ev := range events {
		if ev.IsOverride() {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else if ev.RawRRule != "" {
			recurringUIDs[ev.UID] = true
		}
	}

	out := make([]RawEvent, 0, len(events))
	for _, ev := range events {
		switch {
		case ev.IsOverride():
			if recurringUIDs[ev.UID] {
				// Applied while expanding the master.
				continue
			}
			orphan := ev
			orphan.UID = OccurrenceUID(ev.UID, *ev.RecurrenceID)
			out = append(out, orphan)

		case ev.RawRRule == "":
			out = append(out, ev)

		default:
			occ, hitCap, err := expandRecurringEvent(ev, overridesByUID[ev.UID], cfg)
			if err != nil {
				appLog.Error("expand: failed to parse RRULE; keeping first instance", err, "uid", ev.UID, "rrule", ev.RawRRule)
				out = append(out, ev)
				continue
			}
			if hitCap {
				result.TruncatedEvents = append(result.TruncatedEvents, ev.UID)
				appLog.Warn("expand: truncated occurrences for UID due to cap",
					"uid", ev.UID,
					"cap", cfg.MaxOccurrencesPerEvent,
				)
			}
			out = append(out, occ...)
		}
	}

	result.Events = out
	return result, nil
}

func expandRecurringEvent(ev RawEvent, overrides []RawEvent, cfg ExpandConfig) ([]RawEvent, bool, error) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		return nil, false, err
	}

	// Ensure Dtstart is set to the event's DTSTART.
	r.DTStart(ev.Start)

	// Build a set so we can apply EXDATE.
	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	rangeStart := cfg.RangeStart.In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())

	occTimes := set.Between(rangeStart, rangeEnd, true)

	hitCap := false
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	dur := ev.End.Sub(ev.Start)
	days := int(math.Round(dur.Hours() / 24))

	out := make([]RawEvent, 0, len(occTimes))
	for _, occStart := range occTimes {
		inst := ev
		inst.RawRRule = ""
		inst.ExDates = nil
		inst.UID = OccurrenceUID(ev.UID, occStart)
		inst.Start = occStart
		if ev.AllDay {
			// Keep whole days across DST changes.
			inst.End = occStart.AddDate(0, 0, days)
		} else {
			inst.End = occStart.Add(dur)
		}

		if o, ok := findOverrideForStart(overrides, occStart); ok {
			inst.Start = o.Start
			inst.End = o.End
			inst.AllDay = o.AllDay
			inst.Summary = o.Summary
			inst.Description = o.Description
			inst.Location = o.Location
		}

		out = append(out, inst)
	}

	return out, hitCap, nil
}

// findOverrideForStart finds an override whose RECURRENCE-ID matches the
// given occurrence start.
func findOverrideForStart(overrides []RawEvent, start time.Time) (RawEvent, bool) {
	for _, ov := range overrides {
		if ov.RecurrenceID != nil && ov.RecurrenceID.Equal(start) {
			return ov, true
		}
	}
	return RawEvent{}, false
}
