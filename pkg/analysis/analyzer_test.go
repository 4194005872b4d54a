package analysis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agent-forge/agent-forge/pkg/models"
)

func issue(title, body string, labels ...string) *models.Issue {
	return &models.Issue{
		Ref:    models.IssueRef{Repo: "org/repo", Number: 1},
		Title:  title,
		Body:   body,
		Labels: labels,
	}
}

func TestAnalyze_TypoFixIsSimple(t *testing.T) {
	a := Analyze(issue("Fix typo in README", "Change 'teh' to 'the'", "agent-ready", "documentation"))

	assert.LessOrEqual(t, a.Score, SimpleMax)
	assert.Equal(t, models.CategorySimple, a.Category)
}

func TestAnalyze_AuthRedesignIsComplex(t *testing.T) {
	body := strings.Join([]string{
		"We need to redesign the authentication flow across 6 microservices.",
		"Touch `auth/service.go`, `auth/oauth.go`, `auth/mfa.go`, `gateway/middleware.go`,",
		"`users/store.go` and `sessions/cache.go`. OAuth2 and MFA are both in scope.",
	}, "\n")
	a := Analyze(issue("Redesign authentication system architecture", body,
		"agent-ready", "architecture", "refactor"))

	assert.Greater(t, a.Score, UncertainMax)
	assert.Equal(t, models.CategoryComplex, a.Category)
	assert.Equal(t, 10, a.Signals[SignalArchitecture])
	assert.Equal(t, 8, a.Signals[SignalRefactor])
	assert.Equal(t, 10, a.Signals[SignalComplexityLabels])
	assert.Equal(t, 6, a.Signals[SignalFileMentions])
}

func TestAnalyze_LoginFixIsUncertain(t *testing.T) {
	body := strings.Join([]string{
		"Login validation rejects valid emails. This requires changes in two spots.",
		"- [ ] reproduce with a plus-addressed email",
		"- [ ] fix the regex in `auth/validate.go`",
		"- [ ] keep the error text in `auth/errors.go` unchanged",
		"- [ ] add a regression case",
		"- [ ] verify the login form end to end",
		"The validation helper is shared, so keep the signature stable and make",
		"sure existing callers still compile before opening the PR.",
	}, "\n")
	a := Analyze(issue("Fix user login validation", body, "agent-ready"))

	assert.Equal(t, models.CategoryUncertain, a.Category)
	assert.GreaterOrEqual(t, a.Score, SimpleMax+1)
	assert.LessOrEqual(t, a.Score, UncertainMax)
}

func TestAnalyze_BoundaryScores(t *testing.T) {
	// Architecture keywords alone score exactly 10 → simple.
	atTen := Analyze(issue("Platform issue", "Short."))
	assert.Equal(t, 10, atTen.Score)
	assert.Equal(t, models.CategorySimple, atTen.Category)

	// Same plus a 100+ char body scores exactly 11 → uncertain.
	filler := strings.Repeat("Words about the bug without any loaded terms. ", 3)
	atEleven := Analyze(issue("Platform issue", filler))
	assert.Equal(t, 11, atEleven.Score)
	assert.Equal(t, models.CategoryUncertain, atEleven.Category)

	// Architecture + multi-component + complexity label scores exactly 26 → complex.
	atTwentySix := Analyze(issue("Platform work across services", "Short.", "epic"))
	assert.Equal(t, 26, atTwentySix.Score)
	assert.Equal(t, models.CategoryComplex, atTwentySix.Category)
}

func TestAnalyze_Deterministic(t *testing.T) {
	in := issue("Redesign login across services", "Touch `a/b.go` and `c/d.go`.\n- [ ] one\n- [ ] two", "epic")

	first := Analyze(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Analyze(in))
	}
}

func TestAnalyze_SignalSaturation(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteString("- [ ] task with `file" + strings.Repeat("s", i) + ".go` mention\n")
	}
	a := Analyze(issue("Many tasks", b.String()))

	assert.Equal(t, 10, a.Signals[SignalTaskItems])
	assert.Equal(t, 8, a.Signals[SignalFileMentions])
	assert.LessOrEqual(t, a.Score, MaxScore)
}

func TestAnalyze_CodeFencePoints(t *testing.T) {
	body := "```\ncode\n```\n\n```\nmore\n```\n"
	a := Analyze(issue("Snippets", body))
	assert.Equal(t, 1, a.Signals[SignalCodeFences])

	six := strings.Repeat("```\nx\n```\n", 6)
	a = Analyze(issue("Snippets", six))
	assert.Equal(t, 3, a.Signals[SignalCodeFences])
}

func TestAnalyze_ConfidenceBounds(t *testing.T) {
	for _, in := range []*models.Issue{
		issue("Fix typo", "tiny"),
		issue("Platform issue", "Short."),
		issue("Redesign everything across the platform", strings.Repeat("x", 2500), "epic"),
	} {
		a := Analyze(in)
		assert.GreaterOrEqual(t, a.Confidence, 0.0)
		assert.LessOrEqual(t, a.Confidence, 1.0)
	}
}

func TestAnalyze_ReasoningMentionsScore(t *testing.T) {
	a := Analyze(issue("Platform issue", "Short."))
	assert.Contains(t, a.Reasoning, "score 10/65")
	assert.Contains(t, a.Reasoning, string(models.CategorySimple))
}
