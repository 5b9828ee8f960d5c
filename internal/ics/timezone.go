package ics

import (
	"strings"
	"time"
	_ "time/tzdata" // feeds are resolved on hosts without a zoneinfo database

	ical "github.com/arran4/golang-ical"
)

// windowsZones maps the Windows zone names some roster exports emit in TZID
// to their IANA equivalents.
var windowsZones = map[string]string{
	"AUS Eastern Standard Time":    "Australia/Sydney",
	"AUS Central Standard Time":    "Australia/Darwin",
	"Cen. Australia Standard Time": "Australia/Adelaide",
	"E. Australia Standard Time":   "Australia/Brisbane",
	"W. Australia Standard Time":   "Australia/Perth",
	"Tasmania Standard Time":       "Australia/Hobart",
	"New Zealand Standard Time":    "Pacific/Auckland",
	"GMT Standard Time":            "Europe/London",
	"UTC":                          "UTC",
}

// LoadLocation resolves an IANA or Windows zone name. Quoted names and
// "/"-prefixed globally unique identifiers are accepted.
func LoadLocation(name string) (*time.Location, bool) {
	name = strings.Trim(strings.TrimSpace(name), `"`)
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return nil, false
	}
	if iana, ok := windowsZones[name]; ok {
		name = iana
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}
	return loc, true
}

// feedLocation determines the zone used for floating and all-day values:
// X-WR-TIMEZONE first, then the first loadable VTIMEZONE, then fallback.
func feedLocation(cal *ical.Calendar, fallback *time.Location) (*time.Location, string) {
	for _, p := range cal.CalendarProperties {
		if strings.EqualFold(p.IANAToken, "X-WR-TIMEZONE") {
			if loc, ok := LoadLocation(p.Value); ok {
				return loc, "x-wr-timezone"
			}
		}
	}

	for _, comp := range cal.Components {
		tz, ok := comp.(*ical.VTimezone)
		if !ok {
			continue
		}
		// Use string property name to avoid dependency on constant variants.
		if p := tz.GetProperty("TZID"); p != nil {
			if loc, ok := LoadLocation(p.Value); ok {
				return loc, "vtimezone"
			}
		}
	}

	if fallback != nil {
		return fallback, "default"
	}
	return time.UTC, "utc"
}
