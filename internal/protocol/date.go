package protocol

import (
	"fmt"
	"strconv"
	"time"
)

const dateLayout = "2006-01-02T15:04:05.999999"

var dateInputLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Date is an ISO-8601 wall-clock date. Values without a zone are read as
// UTC; values with an offset are converted to UTC. It marshals without a
// zone and drops fractional seconds that are zero.
type Date struct {
	time.Time
}

// NewDate returns t as a Date in UTC.
func NewDate(t time.Time) Date {
	return Date{Time: t.UTC()}
}

// ParseDate parses any of the accepted ISO-8601 forms.
func ParseDate(s string) (Date, error) {
	for _, layout := range dateInputLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return NewDate(t), nil
		}
	}
	return Date{}, fmt.Errorf("%w: invalid date %q", ErrMalformed, s)
}

// AddDays returns d moved by n days.
func (d Date) AddDays(n int) Date {
	return Date{Time: d.Time.AddDate(0, 0, n)}
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.UTC().Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(d.String())), nil
}

func (d *Date) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		d.Time = time.Time{}
		return nil
	}
	unquoted, err := strconv.Unquote(s)
	if err != nil {
		return fmt.Errorf("%w: date must be a string", ErrMalformed)
	}
	parsed, err := ParseDate(unquoted)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
