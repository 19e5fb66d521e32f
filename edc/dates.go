package edc

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedDate is returned for start dates in neither supported format.
var ErrMalformedDate = errors.New("malformed date")

const (
	dateLayout     = "02-Jan-2006"          // 11 characters
	dateTimeLayout = "02-Jan-2006 15:04:05" // 20 characters
	isoDateLayout  = "2006-01-02"
)

// ParseStartDate parses an event start date as reported by the casebook.
// The layout is chosen by the length of s alone.
func ParseStartDate(s string) (time.Time, error) {
	var layout string
	switch len(s) {
	case len(dateLayout):
		layout = dateLayout
	case len(dateTimeLayout):
		layout = dateTimeLayout
	default:
		return time.Time{}, fmt.Errorf("%w: %q has length %d", ErrMalformedDate, s, len(s))
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedDate, err)
	}
	return t, nil
}

// parseSOAPStartDate accepts the casebook formats first and falls back to the
// ISO date (plus optional HH:MM[:SS] start time) used by the SOAP services.
func parseSOAPStartDate(date, clock string) (time.Time, error) {
	if t, err := ParseStartDate(date); err == nil {
		return t, nil
	}
	d, err := time.Parse(isoDateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedDate, date)
	}
	if clock == "" {
		return d, nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if c, err := time.Parse(layout, clock); err == nil {
			return d.Add(time.Duration(c.Hour())*time.Hour +
				time.Duration(c.Minute())*time.Minute +
				time.Duration(c.Second())*time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: start time %q", ErrMalformedDate, clock)
}
