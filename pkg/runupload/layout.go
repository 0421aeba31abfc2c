package runupload

import (
	"path"
	"path/filepath"
	"strconv"

	"github.com/paulschiretz/pgl-runsync/pkg/planner"
	"github.com/paulschiretz/pgl-runsync/pkg/remote"
)

// AllLanes names the single unit uploaded when a run is not split by lane.
const AllLanes = "all"

// laneConfigFiles are uploaded with every lane so each lane folder can be
// demultiplexed on its own.
var laneConfigFiles = []string{"RTAConfiguration.xml", "RunInfo.xml", "RunParameters.xml", "config.xml", "s.locs"}

// Lane describes where one lane of a run is uploaded to and which files it takes.
type Lane struct {
	Name         string
	Prefix       string
	LogFile      string
	SentinelName string
	Dest         remote.Destination
	Include      []string
	Exclude      []string
}

// RunFolder returns the remote folder a run is uploaded to.
func RunFolder(runID string) string {
	return path.Join("/", runID, "runs")
}

// Lanes lays out the upload units of a run according to p.NumLanes.
func Lanes(runID string, p *planner.RunPlan) []Lane {
	names := []string{AllLanes}
	if p.NumLanes > 0 {
		names = make([]string, p.NumLanes)
		for i := range names {
			names[i] = strconv.Itoa(i + 1)
		}
	}

	exclude := append([]string{}, p.Exclude...)
	if !p.UploadThumbnails {
		exclude = append(exclude, "Images")
	}
	if p.SampleSheetDelay {
		exclude = append(exclude, "SampleSheet.csv")
	}

	root := remote.Destination{Project: p.Project, Folder: RunFolder(runID)}
	lanes := make([]Lane, 0, len(names))
	for _, name := range names {
		prefix := "run." + runID + ".lane." + name
		l := Lane{
			Name:         name,
			Prefix:       prefix,
			LogFile:      filepath.Join(p.LogDir, prefix+".log"),
			SentinelName: prefix + remote.SentinelSuffix,
			Dest:         root,
			Include:      []string{},
			Exclude:      append([]string(nil), exclude...),
		}
		if name != AllLanes {
			l.Dest = root.Join(name)
			l.Include = append(append([]string{}, laneConfigFiles...), "s_"+name+"_")
		}
		lanes = append(lanes, l)
	}
	return lanes
}
