package ics

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "rostersync/internal/log"
)

// RawEvent is the normalized representation of a VEVENT as produced by the
// decoder. It is transient: the reconcile engine turns it into a model.Shift.
type RawEvent struct {
	UID string

	Summary     string
	Description string
	Location    string

	// Start / End are absolute instants. All-day and floating values have
	// already been resolved against the feed timezone.
	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule     string
	ExDates      []time.Time
	RecurrenceID *time.Time // RECURRENCE-ID (if present), resolved like DTSTART
}

// IsOverride reports whether this VEVENT replaces one instance of a
// recurring event.
func (e RawEvent) IsOverride() bool {
	return e.RecurrenceID != nil
}

// DecodeOptions controls timezone resolution.
type DecodeOptions struct {
	// DefaultLocation is used for floating and all-day values when the feed
	// states no timezone. If nil, UTC is used.
	DefaultLocation *time.Location
}

// SkippedEvent describes a VEVENT that was dropped during decoding.
type SkippedEvent struct {
	Index  int // position of the VEVENT in the document
	UID    string
	Reason error
}

// Document is the full result of decoding one feed.
type Document struct {
	Events  []RawEvent
	Skipped []SkippedEvent
	// Location is the zone used for floating and all-day values.
	Location *time.Location
}

// MalformedFeedError reports a feed whose document could not be parsed at
// all. Individual broken events never produce this error.
type MalformedFeedError struct {
	Source Source
	Err    error
}

func (e *MalformedFeedError) Error() string {
	return fmt.Sprintf("malformed calendar feed %s: %v", RedactURL(e.Source.URL), e.Err)
}

func (e *MalformedFeedError) Unwrap() error { return e.Err }

var (
	errMissingUID     = errors.New("missing UID")
	errMissingDtStart = errors.New("missing or invalid DTSTART")
)

// Decode parses a single ICS payload into RawEvents in document order.
func Decode(src Source, body []byte, opts DecodeOptions) ([]RawEvent, error) {
	doc, err := DecodeDocument(src, body, opts)
	if err != nil {
		return nil, err
	}
	return doc.Events, nil
}

// DecodeDocument parses a single ICS payload.
//
//   - Line endings are normalized and folded lines joined so LF-only
//     exports and tab-folded lines parse the same as RFC 5545 documents.
//   - Events without UID or DTSTART are skipped and reported in
//     Document.Skipped; they never fail the whole feed.
//   - A content line the parser rejects only costs the VEVENT containing
//     it. The feed is malformed when no VEVENT can be delimited at all.
//   - RRULE/EXDATE/RECURRENCE-ID are recorded but not expanded; see Expand.
func DecodeDocument(src Source, body []byte, opts DecodeOptions) (*Document, error) {
	body = normalizeLineEndings(body)
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &MalformedFeedError{Source: src, Err: errors.New("empty ICS body")}
	}
	if !hasCalendarHeader(body) {
		return nil, &MalformedFeedError{Source: src, Err: errors.New("document does not start with BEGIN:VCALENDAR")}
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Warn("ics parse failed; decoding events one at a time", "err", err, "id", src.ID, "url", RedactURL(src.URL))
		return recoverDocument(src, body, opts, err)
	}

	loc, locSource := feedLocation(cal, opts.DefaultLocation)
	doc := &Document{
		Events:   make([]RawEvent, 0),
		Location: loc,
	}

	for i, comp := range cal.Events() {
		ev, perr := decodeVEvent(comp, loc)
		if perr != nil {
			// Log and skip this event, but keep decoding others.
			appLog.Warn("ics vevent skipped", "err", perr, "id", src.ID, "url", RedactURL(src.URL), "index", i, "uid", ev.UID)
			doc.Skipped = append(doc.Skipped, SkippedEvent{Index: i, UID: ev.UID, Reason: perr})
			continue
		}
		doc.Events = append(doc.Events, ev)
	}

	appLog.Debug("ics decode completed",
		"id", src.ID,
		"url", RedactURL(src.URL),
		"event_count", len(doc.Events),
		"skipped", len(doc.Skipped),
		"timezone", loc.String(),
		"timezone_source", locSource,
	)
	return doc, nil
}

// recoverDocument decodes each VEVENT block of body inside its own calendar
// wrapper. Lines outside VEVENTs (calendar properties, VTIMEZONE) are carried
// into every wrapper so zone resolution matches the whole-document path.
func recoverDocument(src Source, body []byte, opts DecodeOptions, parseErr error) (*Document, error) {
	header, blocks := splitVEvents(body)
	if len(blocks) == 0 {
		appLog.Error("ics parse failed", parseErr, "id", src.ID, "url", RedactURL(src.URL))
		return nil, &MalformedFeedError{Source: src, Err: parseErr}
	}

	headerCal, err := ical.ParseCalendar(strings.NewReader(wrapCalendar(header, nil)))
	if err != nil {
		appLog.Warn("ics calendar properties unreadable; using default timezone", "err", err, "id", src.ID, "url", RedactURL(src.URL))
		header = nil
		headerCal = ical.NewCalendar()
	}
	loc, locSource := feedLocation(headerCal, opts.DefaultLocation)

	doc := &Document{
		Events:   make([]RawEvent, 0, len(blocks)),
		Location: loc,
	}
	for i, block := range blocks {
		ev, perr := decodeBlock(header, block, loc)
		if perr != nil {
			uid := ev.UID
			if uid == "" {
				uid = blockUID(block)
			}
			appLog.Warn("ics vevent skipped", "err", perr, "id", src.ID, "url", RedactURL(src.URL), "index", i, "uid", uid)
			doc.Skipped = append(doc.Skipped, SkippedEvent{Index: i, UID: uid, Reason: perr})
			continue
		}
		doc.Events = append(doc.Events, ev)
	}

	appLog.Debug("ics decode completed",
		"id", src.ID,
		"url", RedactURL(src.URL),
		"event_count", len(doc.Events),
		"skipped", len(doc.Skipped),
		"timezone", loc.String(),
		"timezone_source", locSource,
		"recovered", true,
	)
	return doc, nil
}

func decodeBlock(header, block []string, loc *time.Location) (RawEvent, error) {
	cal, err := ical.ParseCalendar(strings.NewReader(wrapCalendar(header, block)))
	if err != nil {
		return RawEvent{}, err
	}
	events := cal.Events()
	if len(events) != 1 {
		return RawEvent{}, fmt.Errorf("VEVENT block decoded to %d events", len(events))
	}
	return decodeVEvent(events[0], loc)
}

// splitVEvents separates the unfolded CRLF body into the lines outside any
// VEVENT and the line blocks of each VEVENT. BEGIN/END:VCALENDAR are
// dropped. An unterminated VEVENT runs to the end of the document.
func splitVEvents(body []byte) (header []string, blocks [][]string) {
	var cur []string
	inEvent := false
	for _, line := range strings.Split(string(body), "\r\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		switch {
		case isComponentLine(line, "BEGIN", "VCALENDAR"):
		case isComponentLine(line, "END", "VCALENDAR"):
			if inEvent {
				blocks = append(blocks, cur)
				cur, inEvent = nil, false
			}
		case isComponentLine(line, "BEGIN", "VEVENT"):
			if inEvent {
				blocks = append(blocks, cur)
			}
			cur, inEvent = []string{line}, true
		case isComponentLine(line, "END", "VEVENT") && inEvent:
			blocks = append(blocks, append(cur, line))
			cur, inEvent = nil, false
		case inEvent:
			cur = append(cur, line)
		default:
			header = append(header, line)
		}
	}
	if inEvent {
		blocks = append(blocks, cur)
	}
	return header, blocks
}

func isComponentLine(line, verb, name string) bool {
	return strings.EqualFold(strings.TrimSpace(line), verb+":"+name)
}

func wrapCalendar(header, block []string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	for _, l := range header {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	for _, l := range block {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

// blockUID finds the UID of a VEVENT block without a full parse.
func blockUID(block []string) string {
	for _, line := range block {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name, _, _ = strings.Cut(name, ";")
		if strings.EqualFold(strings.TrimSpace(name), "UID") {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func decodeVEvent(ve *ical.VEvent, loc *time.Location) (RawEvent, error) {
	var out RawEvent

	// UID
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = strings.TrimSpace(p.Value)
	}
	if out.UID == "" {
		return out, errMissingUID
	}

	// Summary / Description / Location
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = unescapeText(p.Value)
	}

	// DTSTART is required; without it there is no shift to store.
	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errMissingDtStart
	}
	start, allDay, err := resolveTime(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return out, fmt.Errorf("%w: %v", errMissingDtStart, err)
	}
	out.Start = start
	out.AllDay = allDay

	// DTEND, then DURATION, then the implied end.
	out.End = impliedEnd(start, allDay)
	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		if end, _, err := resolveTime(dtEnd.Value, dtEnd.ICalParameters, loc); err == nil {
			out.End = end
		}
	} else if durProp := ve.GetProperty("DURATION"); durProp != nil {
		if d, err := parseDuration(durProp.Value); err == nil {
			out.End = start.Add(d)
		}
	}
	if out.End.Before(out.Start) {
		out.End = out.Start
	}

	// RRULE (we only keep raw string here; expansion is in expand.go).
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}

	// EXDATE (can appear multiple times, each possibly a comma list)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, _, err := resolveTime(part, p.ICalParameters, loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	// RECURRENCE-ID (overridden instance)
	// Use raw property name to avoid constant mismatch.
	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, _, err := resolveTime(p.Value, p.ICalParameters, loc); err == nil {
			out.RecurrenceID = &t
		}
	}

	return out, nil
}

func impliedEnd(start time.Time, allDay bool) time.Time {
	if allDay {
		return start.AddDate(0, 0, 1)
	}
	return start
}

// resolveTime converts a DATE or DATE-TIME value into an instant.
// UTC values ("...Z") are absolute; TZID values use that zone (unknown zones
// fall back to loc); floating values and dates use loc.
func resolveTime(value string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	zone := loc
	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		if l, ok := LoadLocation(tzs[0]); ok {
			zone = l
		}
	}

	isDate := false
	if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		isDate = true
	}
	if !strings.Contains(v, "T") {
		isDate = true
	}

	if isDate {
		if len(v) > 8 {
			v = v[:8]
		}
		t, err := time.ParseInLocation("20060102", v, zone)
		return t, true, err
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") || strings.HasSuffix(v, "z") {
		t, err := time.Parse("20060102T150405Z", strings.ToUpper(v))
		if err != nil {
			// Some exports drop the seconds.
			t, err = time.Parse("20060102T1504Z", strings.ToUpper(v))
		}
		return t, false, err
	}

	// Local date-time, e.g., 20250101T090000
	t, err := time.ParseInLocation("20060102T150405", v, zone)
	if err != nil {
		t, err = time.ParseInLocation("20060102T1504", v, zone)
	}
	return t, false, err
}

var durationPattern = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// parseDuration parses an RFC 5545 DURATION value such as "PT8H30M" or "P1D".
func parseDuration(value string) (time.Duration, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	m := durationPattern.FindStringSubmatch(v)
	if m == nil || v == "P" || v == "PT" {
		return 0, fmt.Errorf("invalid duration %q", value)
	}

	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, unit := range units {
		s := m[i+2]
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, err
		}
		d += time.Duration(n) * unit
	}
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

var textUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";")

// unescapeText decodes RFC 5545 TEXT escapes and trims surrounding space.
func unescapeText(v string) string {
	return strings.TrimSpace(textUnescaper.Replace(v))
}

// normalizeLineEndings rewrites LF and CR line endings to CRLF, unfolds
// continuation lines (space or tab) and drops a leading UTF-8 BOM.
func normalizeLineEndings(body []byte) []byte {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	body = bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))
	body = bytes.ReplaceAll(body, []byte("\r"), []byte("\n"))
	body = bytes.ReplaceAll(body, []byte("\n "), nil)
	body = bytes.ReplaceAll(body, []byte("\n\t"), nil)
	return bytes.ReplaceAll(body, []byte("\n"), []byte("\r\n"))
}

func hasCalendarHeader(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	const header = "BEGIN:VCALENDAR"
	if len(trimmed) < len(header) {
		return false
	}
	return strings.EqualFold(string(trimmed[:len(header)]), header)
}
