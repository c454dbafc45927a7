package batch

import (
	"bytes"
	"encoding/json"
	"time"
)

// =============================================================================
// TIMESTAMP - Ledger transaction time
// =============================================================================

// Timestamp is a ledger timestamp in seconds and nanoseconds since the Unix
// epoch. It is always serialized as an RFC 3339 string with nanosecond
// precision. There is exactly one representation; nothing is inferred from
// the shape of the string.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

func (ts Timestamp) Time() time.Time { return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC() }
func (ts Timestamp) IsZero() bool    { return ts.Seconds == 0 && ts.Nanos == 0 }

// Float returns seconds since the epoch as a float. Used as a sort key.
func (ts Timestamp) Float() float64 {
	return float64(ts.Seconds) + float64(ts.Nanos)/1e9
}

func (ts Timestamp) Before(other Timestamp) bool {
	if ts.Seconds != other.Seconds {
		return ts.Seconds < other.Seconds
	}
	return ts.Nanos < other.Nanos
}

func (ts Timestamp) String() string {
	return ts.Time().Format(time.RFC3339Nano)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.String())
}

// UnmarshalJSON never fails: a missing or unparseable value decodes to the
// zero timestamp, which sorts as the oldest possible entry.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	*ts = Timestamp{}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	*ts = NewTimestamp(t)
	return nil
}
