package convert

import (
	"fmt"
	"time"
)

// Flat-row date layouts.
const (
	layoutDate         = "20060102"
	layoutDateTime     = "20060102T150405"
	layoutNoZone       = "2006-01-02T15:04:05"
	layoutFHIRDate     = "2006-01-02"
	layoutFHIRDateTime = "2006-01-02T15:04:05-07:00"
)

// toDate normalises a FHIR date or dateTime to YYYYMMDD. Empty input is
// empty output, not an error.
func toDate(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if t, err := time.Parse(layoutFHIRDate, value); err == nil {
		return t.Format(layoutDate), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return "", fmt.Errorf("invalid date %q", value)
	}
	return t.Format(layoutDate), nil
}

// toDateTime normalises a FHIR dateTime to YYYYMMDDTHHMMSSzz, where zz is
// "00" (UTC) or "01" (BST). A value without a zone defaults to "00". Any
// other offset is invalid: the interface only carries UK clock time.
// Partial times (seconds absent) are invalid.
func toDateTime(value string) (string, error) {
	if value == "" {
		return "", nil
	}

	if t, err := time.Parse(layoutNoZone, value); err == nil {
		return t.Format(layoutDateTime) + "00", nil
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return "", fmt.Errorf("invalid dateTime %q", value)
	}
	_, offset := t.Zone()
	var zone string
	switch offset {
	case 0:
		zone = "00"
	case 3600:
		zone = "01"
	default:
		return "", fmt.Errorf("unsupported offset in %q", value)
	}
	return t.Format(layoutDateTime) + zone, nil
}

// fromFlatDateTime parses YYYYMMDDTHHMMSSzz back into a FHIR dateTime
// string with an explicit +00:00/+01:00 offset.
func fromFlatDateTime(value string) (string, error) {
	if len(value) != len(layoutDateTime)+2 {
		return "", fmt.Errorf("invalid flat dateTime %q", value)
	}
	stamp, zone := value[:len(layoutDateTime)], value[len(layoutDateTime):]

	var loc *time.Location
	switch zone {
	case "00":
		loc = time.UTC
	case "01":
		loc = time.FixedZone("", 3600)
	default:
		return "", fmt.Errorf("invalid flat dateTime zone %q", zone)
	}

	t, err := time.ParseInLocation(layoutDateTime, stamp, loc)
	if err != nil {
		return "", fmt.Errorf("invalid flat dateTime %q", value)
	}
	return t.Format(layoutFHIRDateTime), nil
}

// fromFlatDate parses YYYYMMDD back into a FHIR date string.
func fromFlatDate(value string) (string, error) {
	t, err := time.Parse(layoutDate, value)
	if err != nil {
		return "", fmt.Errorf("invalid flat date %q", value)
	}
	return t.Format(layoutFHIRDate), nil
}

// occurrenceTime parses the resource's occurrenceDateTime for period
// containment checks. The zero time means unparseable: only entries with no
// period can then satisfy a containment preference.
func occurrenceTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if t, err := time.Parse(layoutNoZone, value); err == nil {
		return t
	}
	if t, err := time.Parse(layoutFHIRDate, value); err == nil {
		return t
	}
	return time.Time{}
}

// boundTime parses a period bound, which FHIR permits at date or dateTime
// precision.
func boundTime(value string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	if t, err := time.Parse(layoutNoZone, value); err == nil {
		return t, true
	}
	if t, err := time.Parse(layoutFHIRDate, value); err == nil {
		return t, true
	}
	return time.Time{}, false
}
