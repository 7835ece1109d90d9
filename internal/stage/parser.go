package stage

import (
	"regexp"
	"strconv"
)

// ddBytesRe matches GNU dd's `status=progress` lines, e.g.:
//   "1234567890 bytes (1.2 GB, 1.1 GiB) copied, 5 s, 247 MB/s"
// or the terminal summary line dd prints on exit, same shape.
var ddBytesRe = regexp.MustCompile(`^(\d+)\s+bytes`)

// parseDDProgress extracts the cumulative byte count from one dd stderr
// line, per the pluggable-parser design note (spec.md §9): each stage
// gets its own small parser turning a stream of lines into Progress
// values, kept here as a free function so it is trivially unit-testable
// in isolation from subprocess plumbing.
func parseDDProgress(line string) (bytesDone int64, ok bool) {
	m := ddBytesRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
