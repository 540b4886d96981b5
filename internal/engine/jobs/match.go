package jobs

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// matchStopWords filters common English words that add noise to keyword matching.
var matchStopWords = map[string]bool{
	"and": true, "the": true, "for": true, "with": true, "you": true,
	"are": true, "have": true, "will": true, "this": true, "that": true,
	"from": true, "our": true, "your": true, "their": true, "they": true,
	"work": true, "team": true, "role": true, "job": true, "join": true,
	"about": true, "which": true, "what": true, "who": true, "how": true,
	"can": true, "not": true, "but": true, "all": true, "also": true,
	"more": true, "than": true, "into": true, "has": true, "its": true,
	"was": true, "were": true, "been": true, "each": true, "new": true,
	"use": true, "using": true, "used": true, "well": true, "high": true,
	"good": true, "able": true, "get": true, "set": true, "such": true,
}

// skillVocabulary lists skills recognized in free-text postings that carry no
// structured skill list.
var skillVocabulary = []string{
	"python", "go", "golang", "java", "kotlin", "scala", "rust", "c++", "c#",
	"javascript", "typescript", "node.js", "react", "vue", "angular", "ruby",
	"php", "swift", "sql", "postgresql", "mysql", "mongodb", "redis", "kafka",
	"spark", "airflow", "dbt", "snowflake", "aws", "gcp", "azure", "docker",
	"kubernetes", "terraform", "linux", "graphql", "grpc", "django", "flask",
	"fastapi", "spring", "pytorch", "tensorflow", "machine learning", "nlp",
	"tableau", "excel", "git", "ci/cd",
}

// extractMatchKW tokenizes text into lowercase keywords, skipping stop words.
// Preserves tech suffixes like "c++", "c#", "node.js" by treating + # . as word chars.
func extractMatchKW(text string) map[string]bool {
	kw := make(map[string]bool)
	var word strings.Builder
	flush := func() {
		w := word.String()
		word.Reset()
		w = strings.TrimRight(w, ".")
		if len([]rune(w)) >= 3 && !matchStopWords[w] {
			kw[w] = true
		}
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '+' || r == '#' || r == '.' {
			word.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return kw
}

// KeywordOverlap returns the Jaccard similarity (0..1) of the keyword sets of
// a and b and the shared keywords, sorted.
func KeywordOverlap(a, b string) (score float64, shared []string) {
	ka, kb := extractMatchKW(a), extractMatchKW(b)
	for kw := range ka {
		if kb[kw] {
			shared = append(shared, kw)
		}
	}
	if union := len(ka) + len(kb) - len(shared); union > 0 {
		score = float64(len(shared)) / float64(union)
	}
	sort.Strings(shared)
	return score, shared
}

// ExtractSkills finds vocabulary skills mentioned in text, in vocabulary order.
func ExtractSkills(text string) []string {
	lower := " " + strings.ToLower(text) + " "
	var out []string
	for _, s := range skillVocabulary {
		if containsToken(lower, s) {
			out = append(out, s)
		}
	}
	return out
}

// containsToken reports whether tok occurs in s on non-word boundaries.
func containsToken(s, tok string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], tok)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(tok)
		if !isWordByte(s[start-1]) && (end >= len(s) || !isWordByte(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '+' || b == '#'
}

func normalizeSkill(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "golang" {
		return "go"
	}
	return s
}

// minYears per experience level.
var minYears = map[string]int{
	"internship": 0,
	"entry":      0,
	"associate":  2,
	"mid-senior": 5,
	"director":   8,
	"executive":  10,
}

// Heuristics is the rule-based part of a match.
type Heuristics struct {
	MatchedSkills   []string
	MissingSkills   []string
	MatchingPoints  []string
	MissingPoints   []string
	Recommendations []string
}

// Evaluate compares p and j on skills, location and experience level.
// Output order is deterministic.
func Evaluate(p Profile, j Job) Heuristics {
	var h Heuristics

	required := j.RequiredSkills
	if len(required) == 0 {
		required = ExtractSkills(j.Title + "\n" + j.Description)
	}
	have := make(map[string]bool, len(p.Skills))
	for _, s := range p.Skills {
		have[normalizeSkill(s)] = true
	}
	seen := make(map[string]bool)
	for _, s := range required {
		n := normalizeSkill(s)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		if have[n] {
			h.MatchedSkills = append(h.MatchedSkills, n)
		} else {
			h.MissingSkills = append(h.MissingSkills, n)
		}
	}
	if total := len(h.MatchedSkills) + len(h.MissingSkills); total > 0 {
		if len(h.MatchedSkills) > 0 {
			h.MatchingPoints = append(h.MatchingPoints, fmt.Sprintf("Matches %d of %d required skills: %s",
				len(h.MatchedSkills), total, strings.Join(h.MatchedSkills, ", ")))
		}
		if len(h.MissingSkills) > 0 {
			h.MissingPoints = append(h.MissingPoints, fmt.Sprintf("Missing %d of %d required skills: %s",
				len(h.MissingSkills), total, strings.Join(h.MissingSkills, ", ")))
			h.Recommendations = append(h.Recommendations, "Build and show experience with "+strings.Join(h.MissingSkills, ", "))
		}
	} else if _, shared := KeywordOverlap(p.EmbeddingText(), j.EmbeddingText()); len(shared) > 0 {
		if len(shared) > 5 {
			shared = shared[:5]
		}
		h.MatchingPoints = append(h.MatchingPoints, "Shared keywords: "+strings.Join(shared, ", "))
	}

	switch {
	case j.Remote || strings.Contains(strings.ToLower(j.Location), "remote"):
		h.MatchingPoints = append(h.MatchingPoints, "Remote-friendly role")
	case p.Location != "" && j.Location != "":
		if city := cityOf(j.Location); city != "" && city == cityOf(p.Location) {
			h.MatchingPoints = append(h.MatchingPoints, "Located in "+firstPart(j.Location))
		} else {
			h.MissingPoints = append(h.MissingPoints, fmt.Sprintf("Job is in %s, candidate is in %s", j.Location, p.Location))
		}
	}

	if need, ok := minYears[strings.ToLower(j.ExperienceLevel)]; ok && need > 0 {
		if p.YearsOfExp >= need {
			h.MatchingPoints = append(h.MatchingPoints, fmt.Sprintf("%d years of experience meets the %s level", p.YearsOfExp, j.ExperienceLevel))
		} else {
			h.MissingPoints = append(h.MissingPoints, fmt.Sprintf("%s level expects %d+ years, candidate has %d", j.ExperienceLevel, need, p.YearsOfExp))
		}
	}
	return h
}

func firstPart(loc string) string {
	return strings.TrimSpace(strings.SplitN(loc, ",", 2)[0])
}

func cityOf(loc string) string {
	return strings.ToLower(firstPart(loc))
}

// mergePoints appends b to a, skipping case-insensitive duplicates.
func mergePoints(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		k := strings.ToLower(s)
		if s == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}
