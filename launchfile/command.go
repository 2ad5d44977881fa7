package launchfile

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/gammadia/towerlaunch/tower"
	"github.com/samber/lo"
)

// CommandLine returns a `nextflow run` invocation equivalent to the launch, for display in dry runs.
// The nextflow config text cannot be passed inline and is left out.
func CommandLine(info tower.LaunchInfo) string {
	args := []string{"nextflow", "run", info.Pipeline}

	if info.Revision != "" {
		args = append(args, "-r", info.Revision)
	}
	if len(info.Profiles) > 0 {
		args = append(args, "-profile", strings.Join(info.Profiles, ","))
	}
	if info.RunName != "" {
		args = append(args, "-name", info.RunName)
	}
	if info.WorkDir != "" {
		args = append(args, "-w", info.WorkDir)
	}
	if info.MainScript != "" {
		args = append(args, "-main-script", info.MainScript)
	}
	if info.EntryName != "" {
		args = append(args, "-entry", info.EntryName)
	}
	if info.PullLatest {
		args = append(args, "-latest")
	}
	if info.StubRun {
		args = append(args, "-stub-run")
	}
	if info.Resume {
		args = append(args, "-resume")
	}

	keys := lo.Keys(info.Params)
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "--"+key, paramValue(info.Params[key]))
	}

	return shellescape.QuoteCommand(args)
}

func paramValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool, int, int64, float64:
		return fmt.Sprint(v)
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(buf)
	}
}
