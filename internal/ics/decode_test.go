package ics

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const deputyFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Deputy//Roster//EN
X-WR-CALNAME:My Shifts
X-WR-TIMEZONE:Australia/Sydney
BEGIN:VEVENT
UID:uid-1
DTSTART:20250303T090000
DTEND:20250303T170000
SUMMARY:Barista
LOCATION:Central Cafe\, Level 2
DESCRIPTION:Bring apron\nAsk for Sam
END:VEVENT
BEGIN:VEVENT
UID:uid-2
DTSTART:20250304T090000
DTEND:20250304T130000
SUMMARY:Barista
END:VEVENT
END:VCALENDAR
`

func TestDecodeDeputyFloatingTimesUseFeedTimezone(t *testing.T) {
	events, err := Decode(Source{ID: "f1", URL: "https://my.deputy.com/ical/abc"}, crlf(deputyFeed), DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)

	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	first := events[0]
	require.Equal(t, "uid-1", first.UID)
	require.True(t, first.Start.Equal(time.Date(2025, 3, 3, 9, 0, 0, 0, sydney)))
	require.True(t, first.End.Equal(time.Date(2025, 3, 3, 17, 0, 0, 0, sydney)))
	// AEDT is UTC+11 in March.
	require.Equal(t, time.Date(2025, 3, 2, 22, 0, 0, 0, time.UTC), first.Start.UTC())
	require.Equal(t, "Barista", first.Summary)
	require.Equal(t, "Central Cafe, Level 2", first.Location)
	require.Equal(t, "Bring apron\nAsk for Sam", first.Description)
	require.False(t, first.AllDay)

	second := events[1]
	require.Equal(t, "uid-2", second.UID)
	require.Empty(t, second.Description)
	require.Empty(t, second.Location)
}

func TestDecodePreservesDocumentOrder(t *testing.T) {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\nVERSION:2.0\n")
	uids := []string{"zeta", "alpha", "mid", "beta"}
	for i, uid := range uids {
		// Later entries start earlier so sorting would reorder them.
		fmt.Fprintf(&b, "BEGIN:VEVENT\nUID:%s\nDTSTART:202501%02dT090000Z\nDTEND:202501%02dT100000Z\nEND:VEVENT\n", uid, 20-i, 20-i)
	}
	b.WriteString("END:VCALENDAR\n")

	events, err := Decode(Source{}, crlf(b.String()), DecodeOptions{})
	require.NoError(t, err)

	got := make([]string, 0, len(events))
	for _, ev := range events {
		got = append(got, ev.UID)
	}
	require.Equal(t, uids, got)
}

func TestDecodeNWellFormedEvents(t *testing.T) {
	for _, n := range []int{0, 1, 5, 25} {
		var b strings.Builder
		b.WriteString("BEGIN:VCALENDAR\nVERSION:2.0\n")
		for i := 1; i <= n; i++ {
			fmt.Fprintf(&b, "BEGIN:VEVENT\nUID:uid-%d\nDTSTART:20250101T%02d0000Z\nDTEND:20250101T%02d3000Z\nSUMMARY:Shift %d\nEND:VEVENT\n", i, i%24, i%24, i)
		}
		b.WriteString("END:VCALENDAR\n")

		events, err := Decode(Source{}, crlf(b.String()), DecodeOptions{})
		require.NoError(t, err)
		require.Len(t, events, n)
		for _, ev := range events {
			require.NotEmpty(t, ev.UID)
		}
	}
}

func TestDecodeHumanforceLFOnlyUTC(t *testing.T) {
	// Humanforce/KeyPay exports: UTC stamps, no DESCRIPTION, bare LF endings.
	feed := "BEGIN:VCALENDAR\nVERSION:2.0\nBEGIN:VEVENT\nUID:hf-77@keypay\nDTSTART:20250610T213000Z\nDTEND:20250611T053000Z\nSUMMARY:Night fill\nEND:VEVENT\nEND:VCALENDAR\n"

	events, err := Decode(Source{}, []byte(feed), DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "hf-77@keypay", events[0].UID)
	require.Equal(t, time.Date(2025, 6, 10, 21, 30, 0, 0, time.UTC), events[0].Start.UTC())
	require.Equal(t, 8*time.Hour, events[0].End.Sub(events[0].Start))
	require.Empty(t, events[0].Description)
}

func TestDecodeFoldedLinesAndTZID(t *testing.T) {
	// FoundU folds long lines with a tab and states TZID per property.
	feed := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:fu-1\r\n" +
		"DTSTART;TZID=Australia/Perth:20250801T060000\r\n" +
		"DTEND;TZID=\"W. Australia Standard Time\":20250801T140000\r\n" +
		"SUMMARY:Warehouse pick\r\n\tand pack\r\n" +
		"LOCATION:Dock\r\n 7\r\n" +
		"END:VEVENT\r\nEND:VCALENDAR\r\n"

	events, err := Decode(Source{}, []byte(feed), DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.Equal(t, "Warehouse pickand pack", ev.Summary)
	require.Equal(t, "Dock7", ev.Location)
	// AWST is UTC+8 with no DST.
	require.Equal(t, time.Date(2025, 7, 31, 22, 0, 0, 0, time.UTC), ev.Start.UTC())
	require.Equal(t, time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC), ev.End.UTC())
}

func TestDecodeAllDayUsesDefaultLocationWhenFeedHasNone(t *testing.T) {
	feed := crlf(`BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
UID:leave-1
DTSTART;VALUE=DATE:20250120
SUMMARY:Annual leave
END:VEVENT
END:VCALENDAR
`)
	auckland, err := time.LoadLocation("Pacific/Auckland")
	require.NoError(t, err)

	doc, err := DecodeDocument(Source{}, feed, DecodeOptions{DefaultLocation: auckland})
	require.NoError(t, err)
	require.Equal(t, auckland, doc.Location)
	require.Len(t, doc.Events, 1)

	ev := doc.Events[0]
	require.True(t, ev.AllDay)
	require.True(t, ev.Start.Equal(time.Date(2025, 1, 20, 0, 0, 0, 0, auckland)))
	require.True(t, ev.End.Equal(time.Date(2025, 1, 21, 0, 0, 0, 0, auckland)))

	// Without a default the zone is UTC.
	doc, err = DecodeDocument(Source{}, feed, DecodeOptions{})
	require.NoError(t, err)
	require.Equal(t, time.UTC, doc.Location)
	require.Equal(t, time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC), doc.Events[0].Start.UTC())
}

func TestDecodeUsesVTimezoneWhenNoCalendarZone(t *testing.T) {
	feed := crlf(`BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VTIMEZONE
TZID:Australia/Brisbane
BEGIN:STANDARD
DTSTART:19700101T000000
TZOFFSETFROM:+1000
TZOFFSETTO:+1000
END:STANDARD
END:VTIMEZONE
BEGIN:VEVENT
UID:bne-1
DTSTART:20250105T080000
DTEND:20250105T120000
END:VEVENT
END:VCALENDAR
`)
	doc, err := DecodeDocument(Source{}, feed, DecodeOptions{DefaultLocation: time.UTC})
	require.NoError(t, err)
	require.Equal(t, "Australia/Brisbane", doc.Location.String())
	require.Equal(t, time.Date(2025, 1, 4, 22, 0, 0, 0, time.UTC), doc.Events[0].Start.UTC())
}

func TestDecodeSkipsEventsWithoutUIDOrStart(t *testing.T) {
	feed := crlf(`BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
DTSTART:20250101T090000Z
SUMMARY:No uid
END:VEVENT
BEGIN:VEVENT
UID:ok-1
DTSTART:20250101T090000Z
DTEND:20250101T100000Z
END:VEVENT
BEGIN:VEVENT
UID:no-start
SUMMARY:Broken
END:VEVENT
BEGIN:VEVENT
UID:bad-start
DTSTART:tomorrow-ish
END:VEVENT
END:VCALENDAR
`)
	doc, err := DecodeDocument(Source{}, feed, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, doc.Events, 1)
	require.Equal(t, "ok-1", doc.Events[0].UID)

	require.Len(t, doc.Skipped, 3)
	require.Equal(t, 0, doc.Skipped[0].Index)
	require.True(t, errors.Is(doc.Skipped[0].Reason, errMissingUID))
	require.Equal(t, "no-start", doc.Skipped[1].UID)
	require.True(t, errors.Is(doc.Skipped[1].Reason, errMissingDtStart))
	require.Equal(t, "bad-start", doc.Skipped[2].UID)
	require.True(t, errors.Is(doc.Skipped[2].Reason, errMissingDtStart))
}

func TestDecodeEndFallbacks(t *testing.T) {
	feed := crlf(`BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
UID:dur
DTSTART:20250101T090000Z
DURATION:PT7H30M
END:VEVENT
BEGIN:VEVENT
UID:none
DTSTART:20250101T090000Z
END:VEVENT
BEGIN:VEVENT
UID:backwards
DTSTART:20250101T090000Z
DTEND:20250101T080000Z
END:VEVENT
END:VCALENDAR
`)
	events, err := Decode(Source{}, feed, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, 7*time.Hour+30*time.Minute, events[0].End.Sub(events[0].Start))
	require.True(t, events[1].End.Equal(events[1].Start))
	require.True(t, events[2].End.Equal(events[2].Start))
}

func TestDecodeMalformedDocument(t *testing.T) {
	for _, body := range []string{"", "   \n", "<html>Not found</html>", "BEGIN:VEVENT\nUID:x\nEND:VEVENT\n"} {
		_, err := Decode(Source{URL: "https://my.deputy.com/ical/secret"}, []byte(body), DecodeOptions{})
		var malformed *MalformedFeedError
		require.True(t, errors.As(err, &malformed), "body %q", body)
		require.NotContains(t, err.Error(), "secret")
	}
}

func TestDecodeUnparseableLineOnlySkipsItsEvent(t *testing.T) {
	feed := crlf(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Deputy//Roster//EN
X-WR-TIMEZONE:Australia/Sydney
BEGIN:VEVENT
UID:broken-1
DTSTART;TZID="Broken:20250302T090000
DTEND:20250302T170000
SUMMARY:Barista
END:VEVENT
BEGIN:VEVENT
UID:good-1
DTSTART:20250303T090000
DTEND:20250303T170000
SUMMARY:Barista
END:VEVENT
END:VCALENDAR
`)
	doc, err := DecodeDocument(Source{URL: "https://my.deputy.com/ical/abc"}, feed, DecodeOptions{})
	require.NoError(t, err)
	require.Equal(t, "Australia/Sydney", doc.Location.String())

	require.Len(t, doc.Events, 1)
	require.Equal(t, "good-1", doc.Events[0].UID)
	require.Equal(t, "Barista", doc.Events[0].Summary)
	require.Equal(t, time.Date(2025, 3, 2, 22, 0, 0, 0, time.UTC), doc.Events[0].Start.UTC())

	require.Len(t, doc.Skipped, 1)
	require.Equal(t, 0, doc.Skipped[0].Index)
	require.Equal(t, "broken-1", doc.Skipped[0].UID)
	require.Error(t, doc.Skipped[0].Reason)
}

func TestDecodeLineWithoutColonKeepsTimezoneAndOtherEvents(t *testing.T) {
	feed := crlf(`BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VTIMEZONE
TZID:Australia/Brisbane
BEGIN:STANDARD
DTSTART:19700101T000000
TZOFFSETFROM:+1000
TZOFFSETTO:+1000
END:STANDARD
END:VTIMEZONE
BEGIN:VEVENT
UID:bne-1
DTSTART:20250105T080000
DTEND:20250105T120000
END:VEVENT
BEGIN:VEVENT
UID:bne-2
DTSTART:20250106T080000
this line has no colon
END:VEVENT
BEGIN:VEVENT
UID:bne-3
DTSTART:20250107T080000
DTEND:20250107T120000
END:VEVENT
END:VCALENDAR
`)
	events, err := Decode(Source{}, feed, DecodeOptions{DefaultLocation: time.UTC})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "bne-1", events[0].UID)
	require.Equal(t, "bne-3", events[1].UID)
	require.Equal(t, time.Date(2025, 1, 4, 22, 0, 0, 0, time.UTC), events[0].Start.UTC())

	doc, err := DecodeDocument(Source{}, feed, DecodeOptions{DefaultLocation: time.UTC})
	require.NoError(t, err)
	require.Len(t, doc.Skipped, 1)
	require.Equal(t, 1, doc.Skipped[0].Index)
	require.Equal(t, "bne-2", doc.Skipped[0].UID)
}

func TestDecodeUnparseableCalendarWithoutEventsIsMalformed(t *testing.T) {
	feed := crlf(`BEGIN:VCALENDAR
VERSION:2.0
this line has no colon
END:VCALENDAR
`)
	_, err := Decode(Source{URL: "https://my.deputy.com/ical/secret"}, feed, DecodeOptions{})
	var malformed *MalformedFeedError
	require.True(t, errors.As(err, &malformed))
	require.NotContains(t, err.Error(), "secret")
}

func TestSplitVEvents(t *testing.T) {
	body := normalizeLineEndings([]byte("BEGIN:VCALENDAR\nX-WR-TIMEZONE:UTC\nBEGIN:VEVENT\nUID:a\nEND:VEVENT\nBEGIN:VEVENT\nUID;X-P=1:b\n"))
	header, blocks := splitVEvents(body)
	require.Equal(t, []string{"X-WR-TIMEZONE:UTC"}, header)
	require.Len(t, blocks, 2)
	require.Equal(t, []string{"BEGIN:VEVENT", "UID:a", "END:VEVENT"}, blocks[0])
	require.Equal(t, "b", blockUID(blocks[1]))
}

func TestDecodeIsDeterministic(t *testing.T) {
	a, err := Decode(Source{}, crlf(deputyFeed), DecodeOptions{})
	require.NoError(t, err)
	b, err := Decode(Source{}, crlf(deputyFeed), DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, b, len(a))
	for i := range a {
		require.Equal(t, a[i].UID, b[i].UID)
		require.True(t, a[i].Start.Equal(b[i].Start))
		require.True(t, a[i].End.Equal(b[i].End))
		require.Equal(t, a[i].Summary, b[i].Summary)
	}
}

func TestDecodeRecordsRecurrenceProperties(t *testing.T) {
	feed := crlf(`BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
UID:weekly
DTSTART:20250106T090000Z
DTEND:20250106T170000Z
RRULE:FREQ=WEEKLY;COUNT=4
EXDATE:20250113T090000Z,20250120T090000Z
END:VEVENT
BEGIN:VEVENT
UID:weekly
RECURRENCE-ID:20250127T090000Z
DTSTART:20250127T100000Z
DTEND:20250127T180000Z
END:VEVENT
END:VCALENDAR
`)
	events, err := Decode(Source{}, feed, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "FREQ=WEEKLY;COUNT=4", events[0].RawRRule)
	require.Len(t, events[0].ExDates, 2)
	require.False(t, events[0].IsOverride())
	require.True(t, events[1].IsOverride())
	require.Equal(t, time.Date(2025, 1, 27, 9, 0, 0, 0, time.UTC), events[1].RecurrenceID.UTC())
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"PT8H":      8 * time.Hour,
		"PT8H30M":   8*time.Hour + 30*time.Minute,
		"P1D":       24 * time.Hour,
		"P1W":       7 * 24 * time.Hour,
		"P1DT2H":    26 * time.Hour,
		"-PT15M":    -15 * time.Minute,
		"pt45s":     45 * time.Second,
		"+P0DT1H0M": time.Hour,
	}
	for in, want := range cases {
		got, err := parseDuration(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "P", "PT", "8H", "PTXH"} {
		_, err := parseDuration(in)
		require.Error(t, err, in)
	}
}

func TestLoadLocation(t *testing.T) {
	loc, ok := LoadLocation(`"AUS Eastern Standard Time"`)
	require.True(t, ok)
	require.Equal(t, "Australia/Sydney", loc.String())

	loc, ok = LoadLocation("/Europe/London")
	require.True(t, ok)
	require.Equal(t, "Europe/London", loc.String())

	_, ok = LoadLocation("Mars/Olympus_Mons")
	require.False(t, ok)
	_, ok = LoadLocation("")
	require.False(t, ok)
}
