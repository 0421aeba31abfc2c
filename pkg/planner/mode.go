package planner

import "fmt"

// Mode selects how aggressively a sync pass drains pending files.
type Mode int

const (
	// Incremental builds only batches that pass the age and size gates.
	Incremental Mode = iota
	// Finish drops the age and size gates and stops at the first failure.
	Finish
)

func (m Mode) String() string {
	switch m {
	case Incremental:
		return "incremental"
	case Finish:
		return "finish"
	default:
		return fmt.Sprintf("unknown_sync_mode(%d)", int(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{Incremental, Finish} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("invalid sync mode: %q. Must be 'incremental' or 'finish'", s)
}

// ModeFor maps the finish flag to a Mode.
func ModeFor(finish bool) Mode {
	if finish {
		return Finish
	}
	return Incremental
}
