// Package transfer moves a finished archive to the remote store, either
// through a remote.Store client or by running an external upload agent.
package transfer

import (
	"context"
	"fmt"

	"github.com/paulschiretz/pgl-runsync/pkg/remote"
	"github.com/paulschiretz/pgl-runsync/pkg/util"
)

// Uploader uploads one local file into dest and returns the remote object id.
type Uploader interface {
	Upload(ctx context.Context, localPath string, dest remote.Destination) (string, error)
}

// Mode selects the Uploader implementation.
type Mode int

const (
	Store Mode = iota
	Exec
)

var modeToString = map[Mode]string{
	Store: "store",
	Exec:  "exec",
}

var stringToMode map[string]Mode

func init() {
	stringToMode = util.InvertMap(modeToString)
}

func (m Mode) String() string {
	if str, ok := modeToString[m]; ok {
		return str
	}
	return fmt.Sprintf("unknown_mode(%d)", m)
}

// ParseMode parses a transfer mode name.
func ParseMode(s string) (Mode, error) {
	if m, ok := stringToMode[s]; ok {
		return m, nil
	}
	return Store, fmt.Errorf("invalid transfer mode: %q. Must be 'store' or 'exec'", s)
}

type Plan struct {
	Mode Mode
	// Command is the argument template used in Exec mode.
	Command       []string
	UploadThreads int
}

// New returns the Uploader selected by plan. store is required in Store mode.
func New(plan *Plan, store remote.Store) (Uploader, error) {
	switch plan.Mode {
	case Store:
		if store == nil {
			return nil, fmt.Errorf("transfer mode %s requires a remote store", plan.Mode)
		}
		return NewStoreUploader(store), nil
	case Exec:
		return NewExecUploader(plan.Command, plan.UploadThreads, nil)
	default:
		return nil, fmt.Errorf("unsupported transfer mode: %s", plan.Mode)
	}
}
