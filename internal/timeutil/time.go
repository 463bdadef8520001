package timeutil

import (
	"strconv"
	"time"
)

// Time is a capture time. It is written as unix milliseconds and read from
// either unix milliseconds or an RFC 3339 string.
type Time time.Time

func (t *Time) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" || s == "{}" {
		return nil
	}
	if s[0] == '"' {
		tt, err := time.Parse(`"`+time.RFC3339+`"`, s)
		if err != nil {
			return err
		}
		*t = Time(tt)
	} else {
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*t = Time(time.UnixMilli(i))
	}
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, time.Time(t).UnixMilli(), 10), nil
}

func (t Time) Time() time.Time {
	return time.Time(t)
}
