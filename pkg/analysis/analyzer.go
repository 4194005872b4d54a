// Package analysis scores issue complexity. The analyzer is a pure,
// deterministic function over an issue's title, body, and labels: same
// inputs always produce the same analysis, and nothing here has side
// effects.
package analysis

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agent-forge/agent-forge/pkg/models"
)

// Signal names, also the keys of ComplexityAnalysis.Signals.
const (
	SignalDescriptionLength = "description_length"
	SignalTaskItems         = "task_items"
	SignalFileMentions      = "file_mentions"
	SignalCodeFences        = "code_fences"
	SignalDependencies      = "dependency_mentions"
	SignalRefactor          = "refactor_keywords"
	SignalArchitecture      = "architecture_keywords"
	SignalMultiComponent    = "multi_component_keywords"
	SignalComplexityLabels  = "complexity_labels"
)

// Classification thresholds: score ≤ SimpleMax is simple, ≤ UncertainMax is
// uncertain, above is complex. MaxScore is the sum of all signal maxima.
const (
	SimpleMax    = 10
	UncertainMax = 25
	MaxScore     = 65
)

// Fixed keyword sets. Matching is case-insensitive substring search.
var (
	refactorKeywords = []string{
		"refactor", "redesign", "rewrite", "restructure", "migrate", "upgrade", "modernize",
	}
	architectureKeywords = []string{
		"architecture", "system design", "infrastructure", "framework", "platform", "integration",
	}
	multiComponentKeywords = []string{
		"multiple", "several", "across", "throughout", "coordinate", "orchestrate", "synchronize",
	}
	complexityLabels = []string{
		"refactor", "architecture", "multi-agent", "infrastructure", "breaking-change", "epic",
	}
	dependencyKeywords = []string{
		"dependency", "dependencies", "depends on", "requires", "library", "package",
	}
)

var (
	taskItemRe  = regexp.MustCompile(`(?m)^\s*[-*] \[[ xX]\]`)
	backtickRe  = regexp.MustCompile("`([^`\n]+)`")
	codeFenceRe = regexp.MustCompile("(?m)^```")
)

// Analyze scores the issue and classifies it. The returned value is never
// mutated afterwards.
func Analyze(issue *models.Issue) models.ComplexityAnalysis {
	text := strings.ToLower(issue.Title + "\n" + issue.Body)
	signals := map[string]int{
		SignalDescriptionLength: lengthPoints(len(issue.Body)),
		SignalTaskItems:         capInt(len(taskItemRe.FindAllString(issue.Body, -1)), 10),
		SignalFileMentions:      capInt(countFileMentions(issue.Body), 8),
		SignalCodeFences:        fencePoints(len(codeFenceRe.FindAllString(issue.Body, -1)) / 2),
		SignalDependencies:      capInt(2*countMatches(text, dependencyKeywords), 5),
		SignalRefactor:          allOrNothing(text, refactorKeywords, 8),
		SignalArchitecture:      allOrNothing(text, architectureKeywords, 10),
		SignalMultiComponent:    allOrNothing(text, multiComponentKeywords, 6),
		SignalComplexityLabels:  labelPoints(issue.Labels),
	}

	score := 0
	for _, v := range signals {
		score += v
	}

	category := classify(score)
	return models.ComplexityAnalysis{
		Score:      score,
		Category:   category,
		Confidence: confidence(score, category),
		Signals:    signals,
		Reasoning:  reasoning(score, category, signals),
	}
}

func classify(score int) models.ComplexityCategory {
	switch {
	case score <= SimpleMax:
		return models.CategorySimple
	case score <= UncertainMax:
		return models.CategoryUncertain
	default:
		return models.CategoryComplex
	}
}

// confidence is the distance of the score from the nearer classification
// threshold, normalized into [0,1] within the category's score range.
func confidence(score int, category models.ComplexityCategory) float64 {
	var dist, span float64
	switch category {
	case models.CategorySimple:
		dist = float64(SimpleMax - score)
		span = SimpleMax
	case models.CategoryUncertain:
		lower := float64(score - SimpleMax)
		upper := float64(UncertainMax + 1 - score)
		dist = lower
		if upper < lower {
			dist = upper
		}
		span = float64(UncertainMax-SimpleMax) / 2
	default:
		dist = float64(score - UncertainMax)
		span = MaxScore - UncertainMax
	}
	c := dist / span
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

// lengthPoints is piecewise on body length, saturating at 2000 chars.
func lengthPoints(n int) int {
	switch {
	case n < 100:
		return 0
	case n < 400:
		return 1
	case n < 800:
		return 2
	case n < 1200:
		return 3
	case n < 2000:
		return 4
	default:
		return 5
	}
}

// countFileMentions counts backtick-quoted spans that look like paths.
func countFileMentions(body string) int {
	n := 0
	for _, m := range backtickRe.FindAllStringSubmatch(body, -1) {
		span := m[1]
		if strings.ContainsAny(span, "/.") && !strings.ContainsAny(span, " \t") {
			n++
		}
	}
	return n
}

// fencePoints maps fence count (saturating at 6) onto at most 3 points.
func fencePoints(fences int) int {
	if fences > 6 {
		fences = 6
	}
	return (fences + 1) / 2
}

func countMatches(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

func allOrNothing(text string, keywords []string, points int) int {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return points
		}
	}
	return 0
}

func labelPoints(labels []string) int {
	for _, l := range labels {
		ll := strings.ToLower(l)
		for _, cl := range complexityLabels {
			if ll == cl {
				return 10
			}
		}
	}
	return 0
}

func capInt(n, max int) int {
	if n > max {
		return max
	}
	return n
}

// reasoning renders a stable, human-readable explanation of the score.
// Signals are listed in name order so identical inputs produce identical
// text.
func reasoning(score int, category models.ComplexityCategory, signals map[string]int) string {
	names := make([]string, 0, len(signals))
	for name, v := range signals {
		if v > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "score %d/%d → %s", score, MaxScore, category)
	if len(names) > 0 {
		b.WriteString(" (")
		for i, name := range names {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %d", name, signals[name])
		}
		b.WriteString(")")
	}
	return b.String()
}
