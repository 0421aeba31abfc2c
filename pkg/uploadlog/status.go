package uploadlog

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Status is the lifecycle state of an archive. It only ever moves forward:
// building, built, uploaded, removed.
type Status string

const (
	StatusBuilding Status = "building"
	StatusBuilt    Status = "built"
	StatusUploaded Status = "uploaded"
	StatusRemoved  Status = "removed"

	// statusTarred is how older logs spell StatusBuilt.
	statusTarred = "tarred"
)

var statusRank = map[Status]int{
	StatusBuilding: 0,
	StatusBuilt:    1,
	StatusUploaded: 2,
	StatusRemoved:  3,
}

func (s Status) String() string { return string(s) }

// ParseStatus parses a status name, accepting the legacy "tarred".
func ParseStatus(s string) (Status, error) {
	if s == statusTarred {
		return StatusBuilt, nil
	}
	if _, ok := statusRank[Status(s)]; ok {
		return Status(s), nil
	}
	return "", fmt.Errorf("invalid archive status: %q", s)
}

// UnmarshalJSON implements the json.Unmarshaler interface for Status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("archive status should be a string, got %s", data)
	}
	status, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// Timestamp is a point in time encoded as RFC 3339 with nanoseconds. Older
// logs stored fractional epoch seconds, which are accepted when decoding.
type Timestamp struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Timestamp { return Timestamp{Time: t} }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		parsed, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", str, err)
		}
		t.Time = parsed
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("timestamp should be a string or a number, got %s", data)
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(math.Round(frac*1e9)))
	return nil
}
