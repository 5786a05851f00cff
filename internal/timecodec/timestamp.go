package timecodec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Timestamp is an optional absolute time in seconds since 1970-01-01 UTC.
// The zero value is absent and renders as JSON null.
type Timestamp struct {
	Seconds int64
	Valid   bool
}

// At returns a present timestamp.
func At(seconds int64) Timestamp {
	return Timestamp{Seconds: seconds, Valid: true}
}

// FromTime returns a present timestamp for t, truncated to whole seconds.
func FromTime(t time.Time) Timestamp {
	return At(t.Unix())
}

// Time returns the timestamp as a UTC time; ok is false when absent.
func (ts Timestamp) Time() (time.Time, bool) {
	if !ts.Valid {
		return time.Time{}, false
	}
	return time.Unix(ts.Seconds, 0).UTC(), true
}

func (ts Timestamp) String() string {
	if !ts.Valid {
		return "absent"
	}
	t, _ := ts.Time()
	return fmt.Sprintf("%d (%s)", ts.Seconds, t.Format(time.RFC3339))
}

// MarshalJSON renders seconds, or null when absent.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if !ts.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Seconds)
}

// UnmarshalJSON accepts an integer number of seconds or null.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*ts = Timestamp{}
		return nil
	}
	// json.Number also decodes quoted numbers.
	if len(data) > 0 && data[0] == '"' {
		return fmt.Errorf("timestamp: %s is a string, want seconds", data)
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("timestamp: %q is not an integer number of seconds", n.String())
	}
	*ts = At(v)
	return nil
}

// LogicalValue maps field names to optional absolute timestamps.
type LogicalValue map[string]Timestamp

// WireValue maps field names to seconds since the reference epoch.
type WireValue map[string]uint32
