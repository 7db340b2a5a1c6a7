package trace

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	traceFilePrefix = "trace_full_"
	traceFileSuffix = ".json"
)

// CollectTraceFiles walks one or more extracted archive roots and maps each
// ICAO to its trace file paths. An ICAO spanning several roots (a date range
// with one archive per day) maps to several files.
func CollectTraceFiles(roots []string) (map[string][]string, error) {
	traceMap := make(map[string][]string)
	for _, root := range roots {
		pattern := filepath.Join(root, "**", traceFilePrefix+"*"+traceFileSuffix)
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
		}
		for _, name := range matches {
			info, err := os.Lstat(name)
			if err != nil {
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}
			base := filepath.Base(name)
			icao := strings.TrimSuffix(strings.TrimPrefix(base, traceFilePrefix), traceFileSuffix)
			if icao == "" {
				continue
			}
			traceMap[icao] = append(traceMap[icao], name)
		}
	}
	return traceMap, nil
}

// ICAOs returns the sorted identifier set of a trace map.
func ICAOs(traceMap map[string][]string) []string {
	ids := make([]string, 0, len(traceMap))
	for icao := range traceMap {
		ids = append(ids, icao)
	}
	sort.Strings(ids)
	return ids
}
