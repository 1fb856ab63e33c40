package launcher

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	totalRe     = regexp.MustCompile(`Total steps:\s*(\d+)`)
	completedRe = regexp.MustCompile(`Completed:\s*(\d+)`)
	remainingRe = regexp.MustCompile(`Remaining:\s*(\d+)`)
	etaRe       = regexp.MustCompile(`Estimated time remaining:\s*(.+?)\s*\.?\s*$`)
	infoStepRe  = regexp.MustCompile(`NSTEP\s*=\s*(\d+)`)
)

// Progress is the latest snapshot read from an engine's info file.
type Progress struct {
	Total     int    `json:"total_steps"`
	Completed int    `json:"completed_steps"`
	Remaining int    `json:"remaining_steps"`
	ETA       string `json:"eta,omitempty"`
}

// Known reports whether any progress figure was found.
func (p Progress) Known() bool {
	return p.Total > 0 || p.Completed > 0
}

// Line renders the snapshot for a single-line status display.
func (p Progress) Line(stage string) string {
	if !p.Known() {
		return fmt.Sprintf("%s: waiting for progress", stage)
	}
	pct := 0.0
	if p.Total > 0 {
		pct = 100 * float64(p.Completed) / float64(p.Total)
	}
	line := fmt.Sprintf("%s: %d/%d steps (%.1f%%)", stage, p.Completed, p.Total, pct)
	if p.ETA != "" {
		line += ", " + p.ETA + " remaining"
	}
	return line
}

// ParseProgress extracts progress from the contents of an info file. The
// engine rewrites the whole file periodically, so the last match wins.
func ParseProgress(data []byte) Progress {
	var p Progress
	for _, line := range strings.Split(string(data), "\n") {
		if m := totalRe.FindStringSubmatch(line); m != nil {
			p.Total, _ = strconv.Atoi(m[1])
		}
		if m := completedRe.FindStringSubmatch(line); m != nil {
			p.Completed, _ = strconv.Atoi(m[1])
		}
		if m := remainingRe.FindStringSubmatch(line); m != nil {
			p.Remaining, _ = strconv.Atoi(m[1])
		}
		if m := etaRe.FindStringSubmatch(line); m != nil {
			p.ETA = strings.TrimSpace(m[1])
		}
		if p.Completed == 0 {
			if m := infoStepRe.FindStringSubmatch(line); m != nil {
				p.Completed, _ = strconv.Atoi(m[1])
			}
		}
	}
	if p.Remaining == 0 && p.Total > p.Completed {
		p.Remaining = p.Total - p.Completed
	}
	return p
}
