// Package jobs holds the recommendation domain: profiles, postings, hybrid
// matching, LLM-generated documents and the application lifecycle.
package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// idSpace seeds deterministic entity ids so re-delivered tasks upsert
// instead of duplicating.
var idSpace = uuid.MustParse("6f1c2a3e-9b4d-5e7f-8a1b-2c3d4e5f6a7b")

// User is an account the pipeline works for.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name,omitempty"`
	Active         bool      `json:"active"`
	SearchKeywords []string  `json:"search_keywords,omitempty"`
	SearchLocation string    `json:"search_location,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Experience is one position on a profile.
type Experience struct {
	Title       string `json:"title"`
	Company     string `json:"company"`
	Description string `json:"description,omitempty"`
	Current     bool   `json:"current,omitempty"`
}

// Profile is a candidate's synced social profile.
type Profile struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	ExternalID   string           `json:"external_id,omitempty"`
	Name         string           `json:"name"`
	Headline     string           `json:"headline,omitempty"`
	Summary      string           `json:"summary,omitempty"`
	Location     string           `json:"location,omitempty"`
	Industry     string           `json:"industry,omitempty"`
	Skills       []string         `json:"skills,omitempty"`
	Experience   []Experience     `json:"experience,omitempty"`
	YearsOfExp   int              `json:"years_of_experience,omitempty"`
	Analysis     *ProfileAnalysis `json:"analysis,omitempty"`
	LastSyncedAt time.Time        `json:"last_synced_at,omitzero"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ProfileID is the id of userID's profile. Each user has one.
func ProfileID(userID string) string {
	return uuid.NewSHA1(idSpace, []byte("profile:"+userID)).String()
}

// EmbeddingText is the derived text that feeds the profile vector.
func (p Profile) EmbeddingText() string {
	var sb strings.Builder
	writeLine(&sb, p.Headline)
	writeLine(&sb, p.Summary)
	if len(p.Skills) > 0 {
		writeLine(&sb, "Skills: "+strings.Join(p.Skills, ", "))
	}
	for _, e := range p.Experience {
		writeLine(&sb, strings.TrimSpace(e.Title+" at "+e.Company+". "+e.Description))
	}
	return strings.TrimSpace(sb.String())
}

// Job is a normalized posting.
type Job struct {
	ID              string    `json:"id"`
	ExternalID      string    `json:"external_id,omitempty"`
	Source          string    `json:"source"`
	Title           string    `json:"title"`
	Company         string    `json:"company"`
	Location        string    `json:"location,omitempty"`
	Description     string    `json:"description,omitempty"`
	URL             string    `json:"url,omitempty"`
	EmploymentType  string    `json:"employment_type,omitempty"`
	ExperienceLevel string    `json:"experience_level,omitempty"`
	RequiredSkills  []string  `json:"required_skills,omitempty"`
	Remote          bool      `json:"remote,omitempty"`
	PostedAt        time.Time `json:"posted_at,omitzero"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// JobID derives a stable id from the posting's source id, or from its
// canonical title/company/location when the source has none.
func JobID(source, externalID, title, company, location string) string {
	key := externalID
	if key == "" {
		key = engine.CanonicalJobKey(title, company, location)
	}
	return uuid.NewSHA1(idSpace, []byte("job:"+source+":"+key)).String()
}

// EmbeddingText is the derived text that feeds the job vector.
func (j Job) EmbeddingText() string {
	var sb strings.Builder
	writeLine(&sb, j.Title+" at "+j.Company)
	writeLine(&sb, j.Location)
	if len(j.RequiredSkills) > 0 {
		writeLine(&sb, "Required skills: "+strings.Join(j.RequiredSkills, ", "))
	}
	writeLine(&sb, j.Description)
	return strings.TrimSpace(sb.String())
}

func writeLine(sb *strings.Builder, s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	sb.WriteString(s)
	sb.WriteByte('\n')
}

// MatchResult scores one profile against one job. Scores are in [0,1].
type MatchResult struct {
	ProfileID       string    `json:"profile_id"`
	JobID           string    `json:"job_id"`
	VectorScore     float64   `json:"vector_score"`
	LLMScore        float64   `json:"llm_score"`
	CombinedScore   float64   `json:"combined_score"`
	MatchingPoints  []string  `json:"matching_points"`
	MissingPoints   []string  `json:"missing_points"`
	Recommendations []string  `json:"recommendations"`
	Summary         string    `json:"summary,omitempty"`
	Degraded        bool      `json:"degraded,omitempty"`
	ComputedAt      time.Time `json:"computed_at,omitzero"`
}

// DocumentKind selects what the document generator produces.
type DocumentKind string

const (
	KindCoverLetter     DocumentKind = "cover_letter"
	KindResumeTailoring DocumentKind = "resume_tailoring"
	KindInterviewPrep   DocumentKind = "interview_prep"
)

// ParseDocumentKind validates s.
func ParseDocumentKind(s string) (DocumentKind, error) {
	switch k := DocumentKind(s); k {
	case KindCoverLetter, KindResumeTailoring, KindInterviewPrep:
		return k, nil
	}
	return "", engine.Invalid("unknown document kind %q", s)
}

// Document is a stored generated artifact. Content holds the kind's JSON shape.
type Document struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	JobID     string          `json:"job_id"`
	Kind      DocumentKind    `json:"kind"`
	Notes     string          `json:"notes,omitempty"`
	Content   json.RawMessage `json:"content"`
	Degraded  bool            `json:"degraded,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// DocumentID is stable per (user, job, kind); regenerating replaces.
func DocumentID(userID, jobID string, kind DocumentKind) string {
	return uuid.NewSHA1(idSpace, []byte(fmt.Sprintf("doc:%s:%s:%s", userID, jobID, kind))).String()
}
