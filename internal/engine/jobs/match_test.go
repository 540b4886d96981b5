package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateSkillOverlap(t *testing.T) {
	h := Evaluate(testProfile, testJob)

	assert.Equal(t, []string{"python", "sql"}, h.MatchedSkills)
	assert.Equal(t, []string{"aws"}, h.MissingSkills)
	assert.Contains(t, h.MatchingPoints, "Matches 2 of 3 required skills: python, sql")
	assert.Contains(t, h.MissingPoints, "Missing 1 of 3 required skills: aws")
	assert.Contains(t, h.Recommendations, "Build and show experience with aws")
	assert.Contains(t, h.MatchingPoints, "Located in Berlin")
}

func TestEvaluateExtractsSkillsFromText(t *testing.T) {
	j := Job{Title: "Backend engineer", Description: "We use Golang, PostgreSQL and Kubernetes.", Location: "Remote"}
	p := Profile{Skills: []string{"go", "postgresql"}}

	h := Evaluate(p, j)
	assert.Equal(t, []string{"go", "postgresql"}, h.MatchedSkills)
	assert.Equal(t, []string{"kubernetes"}, h.MissingSkills)
	assert.Contains(t, h.MatchingPoints, "Remote-friendly role")
}

func TestEvaluateLocationAndLevel(t *testing.T) {
	p := Profile{Location: "Paris, France", YearsOfExp: 3}
	j := Job{Location: "Berlin, Germany", ExperienceLevel: "Mid-Senior"}

	h := Evaluate(p, j)
	assert.Contains(t, h.MissingPoints, "Job is in Berlin, Germany, candidate is in Paris, France")
	assert.Contains(t, h.MissingPoints, "Mid-Senior level expects 5+ years, candidate has 3")

	p.YearsOfExp = 6
	h = Evaluate(p, j)
	assert.Contains(t, h.MatchingPoints, "6 years of experience meets the Mid-Senior level")
}

func TestExtractSkillsWordBoundaries(t *testing.T) {
	assert.Equal(t, []string{"go", "c++"}, ExtractSkills("Go and C++ services"))
	assert.Empty(t, ExtractSkills("google mongoose"))
	assert.Equal(t, []string{"java"}, ExtractSkills("Java, not Javascripting"))
}

func TestKeywordOverlap(t *testing.T) {
	score, shared := KeywordOverlap("python pipelines and kafka", "kafka and python streaming")
	assert.Equal(t, []string{"kafka", "python"}, shared)
	assert.InDelta(t, 2.0/4.0, score, 1e-9)

	score, shared = KeywordOverlap("", "kafka")
	assert.Zero(t, score)
	assert.Empty(t, shared)
}

func TestMergePoints(t *testing.T) {
	got := mergePoints([]string{"Knows Go", " "}, []string{"knows go", "Ships fast"})
	assert.Equal(t, []string{"Knows Go", "Ships fast"}, got)
}
