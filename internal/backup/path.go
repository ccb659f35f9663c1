// Package backup derives the storage layout shared by the backup stats stores.
package backup

import (
	"path"
	"regexp"
	"strings"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
)

var (
	nodeSeparators = regexp.MustCompile(`[.:]`)
	illegalName    = regexp.MustCompile(`[^0-9A-Za-z_-]`)
)

// SanitizeNode turns a node address such as "127.0.0.1:6800" into a safe
// directory name ("127_0_0_1_6800").
func SanitizeNode(node string) string {
	return illegalName.ReplaceAllString(nodeSeparators.ReplaceAllString(node, "_"), "-")
}

// RelPath returns the slash-separated location of a job's snapshot:
// <node>/<project>/<spider>/<job>.json. The job name is stripped of a trailing
// ".json" so that keys built from a JSON view map onto the same file. Other
// extensions are expected to be removed by the caller.
func RelPath(key jobstats.JobKey) string {
	job := strings.TrimSuffix(key.Job, ".json")
	return path.Join(SanitizeNode(key.Node), key.Project, key.Spider, job+".json")
}
