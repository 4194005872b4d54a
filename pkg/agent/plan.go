package agent

import (
	"path"
	"strings"
)

// The planning reply follows a line protocol so the executor can extract
// structure without a second model call:
//
//	FILE: <path>            one line per file the change touches
//	ARCHITECTURE            present when the change is architectural
//	NEEDS_COORDINATION      present when multi-agent coordination is needed
//	---                     separator; everything after is the change summary
const (
	planFilePrefix       = "FILE:"
	planArchitectureFlag = "ARCHITECTURE"
	planCoordinationFlag = "NEEDS_COORDINATION"
	planSummarySeparator = "---"
)

type plan struct {
	files        []string
	architecture bool
	coordination bool
	summary      string
}

// components returns the set of top-level directories the plan touches.
func (p *plan) components() map[string]bool {
	out := make(map[string]bool)
	for _, f := range p.files {
		clean := path.Clean(f)
		if i := strings.IndexByte(clean, '/'); i > 0 {
			out[clean[:i]] = true
		} else {
			out["."] = true
		}
	}
	return out
}

// parsePlan reads the line protocol. Unknown lines before the separator are
// ignored so a chatty model does not break the executor.
func parsePlan(text string) plan {
	var p plan
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == planSummarySeparator:
			p.summary = strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
			return p
		case strings.HasPrefix(trimmed, planFilePrefix):
			if f := strings.TrimSpace(strings.TrimPrefix(trimmed, planFilePrefix)); f != "" {
				p.files = append(p.files, f)
			}
		case trimmed == planArchitectureFlag:
			p.architecture = true
		case trimmed == planCoordinationFlag:
			p.coordination = true
		}
	}
	return p
}
