package transfer

import (
	"github.com/rescale/rescale-xfer/internal/pathutil"
)

// SpecsFromSources turns a list of dropped source paths into creation specs that
// place each source under destDir with its own base name. Empty and repeated
// sources are skipped.
func SpecsFromSources(sourceConnectionID string, sources []string, destinationConnectionID, destDir string) []Spec {
	specs := make([]Spec, 0, len(sources))
	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		if src == "" || seen[src] {
			continue
		}
		seen[src] = true
		specs = append(specs, Spec{
			SourceConnectionID:      sourceConnectionID,
			SourcePath:              src,
			DestinationConnectionID: destinationConnectionID,
			DestinationPath:         pathutil.Join(destinationConnectionID, destDir, pathutil.BaseName(sourceConnectionID, src)),
		})
	}
	return specs
}
