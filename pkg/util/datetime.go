package util

import "time"

const (
	DateTimeFormat = "2006-01-02 15:04:05"
	// ISO8601MilliFormat matches what browser clients emit from Date.toISOString.
	ISO8601MilliFormat = "2006-01-02T15:04:05.000Z07:00"
)

func FormatDateTime(t time.Time) string {
	return t.Format(DateTimeFormat)
}

func ParseDateTime(s string) (time.Time, error) {
	return time.Parse(DateTimeFormat, s)
}

// TimeToISO8601Str renders t in UTC with millisecond precision.
func TimeToISO8601Str(t time.Time) string {
	return t.UTC().Format(ISO8601MilliFormat)
}

// ParseISO8601 accepts any RFC 3339 timestamp, with or without fractional seconds.
func ParseISO8601(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
