package runfolder

import "fmt"

// Classification is the state a run folder was found in. Its string form is
// used as the metrics label.
type Classification int

const (
	NotARun Classification = iota
	InProgress
	Complete
	Stale
)

func (c Classification) String() string {
	switch c {
	case NotARun:
		return "not_a_run"
	case InProgress:
		return "in_progress"
	case Complete:
		return "complete"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("unknown_classification(%d)", int(c))
	}
}
