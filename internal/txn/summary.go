package txn

import (
	"bufio"
	"strconv"
	"strings"
)

// SummaryPrefix starts the line printed by a RemoveFiles step.
const SummaryPrefix = "microprep-summary:"

// RemoveSummary is the accounting printed by a RemoveFiles step.
type RemoveSummary struct {
	Deleted    int
	Failed     int
	Bytes      int64
	CanaryGone bool
}

// ParseRemoveSummary finds the last summary line in output.
func ParseRemoveSummary(output string) (RemoveSummary, bool) {
	var sum RemoveSummary
	found := false

	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, SummaryPrefix) {
			continue
		}
		var s RemoveSummary
		for _, field := range strings.Fields(strings.TrimPrefix(line, SummaryPrefix)) {
			k, v, _ := strings.Cut(field, "=")
			switch k {
			case "deleted":
				s.Deleted, _ = strconv.Atoi(v)
			case "failed":
				s.Failed, _ = strconv.Atoi(v)
			case "bytes":
				s.Bytes, _ = strconv.ParseInt(v, 10, 64)
			case "canary":
				s.CanaryGone = v == "gone"
			}
		}
		sum, found = s, true
	}
	return sum, found
}
