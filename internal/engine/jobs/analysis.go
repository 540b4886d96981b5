package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// Every call site below requests a fixed JSON shape. When the reply does not
// parse or misses required keys, the site's Fallback* value is returned with
// RawResponse holding the reply verbatim.

// ProfileAnalysis is the profile_analysis call site result.
type ProfileAnalysis struct {
	Strengths        []string         `json:"strengths"`
	ImprovementAreas []string         `json:"improvement_areas"`
	Recommendations  []string         `json:"recommendations"`
	SkillsAssessment SkillsAssessment `json:"skills_assessment"`
	CareerTrajectory CareerTrajectory `json:"career_trajectory"`
	RawResponse      string           `json:"raw_response,omitempty"`
}

type SkillsAssessment struct {
	Present         []string `json:"present"`
	Missing         []string `json:"missing"`
	Recommendations []string `json:"recommendations"`
}

type CareerTrajectory struct {
	Past    string `json:"past"`
	Current string `json:"current"`
	Future  string `json:"future"`
}

func (a ProfileAnalysis) validate() error {
	if len(a.Strengths) == 0 && len(a.Recommendations) == 0 {
		return errors.New("missing strengths and recommendations")
	}
	return nil
}

// FallbackProfileAnalysis is returned when the analysis reply is unusable.
func FallbackProfileAnalysis(raw string) ProfileAnalysis {
	return ProfileAnalysis{
		Strengths:        []string{"Could not parse strengths"},
		ImprovementAreas: []string{"Could not parse improvement areas"},
		Recommendations:  []string{"Could not parse recommendations"},
		SkillsAssessment: SkillsAssessment{
			Present:         []string{},
			Missing:         []string{},
			Recommendations: []string{"Could not parse skills assessment"},
		},
		CareerTrajectory: CareerTrajectory{
			Past:    "Could not parse past trajectory",
			Current: "Could not parse current position",
			Future:  "Could not parse future opportunities",
		},
		RawResponse: raw,
	}
}

// JobMatch is the job_match call site result. MatchScore is 0..100.
type JobMatch struct {
	MatchScore      *float64 `json:"match_score"`
	MatchingPoints  []string `json:"matching_points"`
	MissingPoints   []string `json:"missing_points"`
	Recommendations []string `json:"recommendations"`
	Summary         string   `json:"summary"`
	RawResponse     string   `json:"raw_response,omitempty"`
}

func (m JobMatch) validate() error {
	switch {
	case m.MatchScore == nil:
		return errors.New("missing match_score")
	case *m.MatchScore < 0 || *m.MatchScore > 100:
		return fmt.Errorf("match_score %v out of range", *m.MatchScore)
	}
	return nil
}

// Score returns the normalized score in [0,1].
func (m JobMatch) Score() float64 {
	if m.MatchScore == nil {
		return neutralScore
	}
	return *m.MatchScore / 100
}

// FallbackJobMatch carries the neutral score.
func FallbackJobMatch(raw string) JobMatch {
	score := neutralScore * 100
	return JobMatch{
		MatchScore:      &score,
		MatchingPoints:  []string{},
		MissingPoints:   []string{},
		Recommendations: []string{},
		Summary:         "Could not generate a proper match analysis",
		RawResponse:     raw,
	}
}

// CoverLetter is the cover_letter call site result.
type CoverLetter struct {
	SubjectLine  string `json:"subject_line"`
	Salutation   string `json:"salutation"`
	Introduction string `json:"introduction"`
	Body         string `json:"body"`
	Closing      string `json:"closing"`
	Signature    string `json:"signature"`
	FullText     string `json:"full_text"`
	RawResponse  string `json:"raw_response,omitempty"`
}

func (c *CoverLetter) normalize() {
	if c.FullText != "" {
		return
	}
	var parts []string
	for _, p := range []string{c.Salutation, c.Introduction, c.Body, c.Closing, c.Signature} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	c.FullText = strings.Join(parts, "\n\n")
}

func (c CoverLetter) validate() error {
	if strings.TrimSpace(c.Body) == "" && strings.TrimSpace(c.FullText) == "" {
		return errors.New("missing body and full_text")
	}
	return nil
}

// FallbackCoverLetter keeps the raw reply as the letter text.
func FallbackCoverLetter(raw string) CoverLetter {
	return CoverLetter{
		SubjectLine:  "Application",
		Salutation:   "Dear Hiring Manager,",
		Introduction: "Could not generate introduction",
		Body:         "Could not generate body",
		Closing:      "Could not generate closing",
		Signature:    "Sincerely,",
		FullText:     raw,
		RawResponse:  raw,
	}
}

// ResumeTailoring is the resume_tailoring call site result.
type ResumeTailoring struct {
	Keywords               []string               `json:"keywords"`
	SkillsToEmphasize      []string               `json:"skills_to_emphasize"`
	ExperiencesToHighlight []HighlightedExperience `json:"experiences_to_highlight"`
	AchievementsToShowcase []string               `json:"achievements_to_showcase"`
	Sections               SectionChanges         `json:"sections"`
	GeneralRecommendations []string               `json:"general_recommendations"`
	RawResponse            string                 `json:"raw_response,omitempty"`
}

type HighlightedExperience struct {
	Title       string `json:"title"`
	Company     string `json:"company"`
	Description string `json:"description"`
}

type SectionChanges struct {
	Add    []string        `json:"add"`
	Remove []string        `json:"remove"`
	Modify []SectionModify `json:"modify"`
}

type SectionModify struct {
	Section        string `json:"section"`
	Recommendation string `json:"recommendation"`
}

func (r ResumeTailoring) validate() error {
	if len(r.Keywords) == 0 && len(r.SkillsToEmphasize) == 0 {
		return errors.New("missing keywords and skills_to_emphasize")
	}
	return nil
}

func FallbackResumeTailoring(raw string) ResumeTailoring {
	return ResumeTailoring{
		Keywords:               []string{"Could not parse keywords"},
		SkillsToEmphasize:      []string{"Could not parse skills"},
		ExperiencesToHighlight: []HighlightedExperience{},
		AchievementsToShowcase: []string{"Could not parse achievements"},
		Sections:               SectionChanges{Add: []string{}, Remove: []string{}, Modify: []SectionModify{}},
		GeneralRecommendations: []string{"Could not generate proper recommendations"},
		RawResponse:            raw,
	}
}

// InterviewPrep is the interview_prep call site result.
type InterviewPrep struct {
	LikelyQuestions []LikelyQuestion `json:"likely_questions"`
	PreparationTips []string         `json:"preparation_tips"`
	QuestionsToAsk  []QuestionToAsk  `json:"questions_to_ask"`
	GeneralAdvice   string           `json:"general_advice"`
	RawResponse     string           `json:"raw_response,omitempty"`
}

type LikelyQuestion struct {
	Question          string   `json:"question"`
	Explanation       string   `json:"explanation"`
	RecommendedAnswer string   `json:"recommended_answer"`
	KeyPoints         []string `json:"key_points"`
}

type QuestionToAsk struct {
	Question string `json:"question"`
	Purpose  string `json:"purpose"`
}

func (p InterviewPrep) validate() error {
	if len(p.LikelyQuestions) == 0 {
		return errors.New("missing likely_questions")
	}
	return nil
}

func FallbackInterviewPrep(raw string) InterviewPrep {
	return InterviewPrep{
		LikelyQuestions: []LikelyQuestion{{Question: "Could not generate questions", KeyPoints: []string{}}},
		PreparationTips: []string{"Could not generate preparation tips"},
		QuestionsToAsk:  []QuestionToAsk{{Question: "Could not generate questions to ask"}},
		GeneralAdvice:   "Could not generate general advice",
		RawResponse:     raw,
	}
}

// callSite describes one structured LLM request.
type callSite struct {
	name        string
	system      string
	maxTokens   int
	temperature float64
}

var (
	siteProfileAnalysis = callSite{
		name:        "profile_analysis",
		system:      "You are an expert LinkedIn profile analyzer with expertise in career development and personal branding. Provide detailed, professional analysis of LinkedIn profiles.",
		maxTokens:   2000,
		temperature: 0.3,
	}
	siteJobMatch = callSite{
		name:        "job_match",
		system:      "You are an expert job matcher and career advisor with deep knowledge of various industries. Provide detailed, professional analysis of how well a candidate matches a job posting.",
		maxTokens:   2000,
		temperature: 0.3,
	}
	siteCoverLetter = callSite{
		name:        "cover_letter",
		system:      "You are an expert cover letter writer with extensive experience in professional writing and recruiting. Create personalized, compelling cover letters that highlight relevant skills and experiences.",
		maxTokens:   2000,
		temperature: 0.7,
	}
	siteResumeTailoring = callSite{
		name:        "resume_tailoring",
		system:      "You are an expert resume writer with deep knowledge of ATS systems and recruiting processes. Create tailored, effective resumes that highlight relevant skills and experiences.",
		maxTokens:   2000,
		temperature: 0.3,
	}
	siteInterviewPrep = callSite{
		name:        "interview_prep",
		system:      "You are an expert interview coach with extensive knowledge of various industries and roles. Provide detailed, personalized interview preparation guidance.",
		maxTokens:   2500,
		temperature: 0.4,
	}
)

type validator interface{ validate() error }

// ask runs one call site. Transport failures are returned as errors; an
// unusable reply yields fallback(raw) with degraded set.
func ask[T validator](ctx context.Context, gen engine.TextGenerator, site callSite, prompt string, fallback func(string) T) (result T, degraded bool, err error) {
	raw, err := gen.Generate(ctx, engine.CompletionRequest{
		SystemPrompt: site.system,
		UserPrompt:   prompt,
		MaxTokens:    site.maxTokens,
		Temperature:  site.temperature,
	})
	if err != nil {
		var zero T
		return zero, false, fmt.Errorf("%s: %w", site.name, err)
	}
	parsed, err := engine.DecodeJSON[T](raw)
	if err == nil {
		err = parsed.validate()
	}
	if err != nil {
		engine.IncrLLMDegraded()
		slog.Warn("llm reply unusable, using fallback",
			slog.String("site", site.name),
			slog.Any("error", err),
			slog.String("raw", engine.TruncateRunes(raw, 200, "...")),
		)
		return fallback(raw), true, nil
	}
	return parsed, false, nil
}

// Analyzer runs the structured LLM call sites.
type Analyzer struct {
	gen engine.TextGenerator
}

func NewAnalyzer(gen engine.TextGenerator) *Analyzer {
	return &Analyzer{gen: gen}
}

func (a *Analyzer) AnalyzeProfile(ctx context.Context, p Profile) (ProfileAnalysis, bool, error) {
	prompt := fmt.Sprintf(`Analyze the following LinkedIn profile.

Profile data:
%s

Provide strengths, improvement areas, recommendations, a skills assessment and the career trajectory.

Return ONLY a JSON object with this exact structure:
{
  "strengths": ["..."],
  "improvement_areas": ["..."],
  "recommendations": ["..."],
  "skills_assessment": {"present": ["..."], "missing": ["..."], "recommendations": ["..."]},
  "career_trajectory": {"past": "...", "current": "...", "future": "..."}
}`, profileJSON(p))
	return ask(ctx, a.gen, siteProfileAnalysis, prompt, FallbackProfileAnalysis)
}

func (a *Analyzer) MatchJob(ctx context.Context, p Profile, j Job) (JobMatch, bool, error) {
	prompt := fmt.Sprintf(`Analyze how well the following candidate profile matches the job posting.

Profile data:
%s

Job posting:
%s

Return ONLY a JSON object with this exact structure:
{
  "match_score": <integer 0-100>,
  "matching_points": ["skills and experiences that align with the job"],
  "missing_points": ["requirements the candidate lacks"],
  "recommendations": ["how the candidate can improve their fit"],
  "summary": "overall assessment of the match"
}`, profileJSON(p), jobJSON(j))
	return ask(ctx, a.gen, siteJobMatch, prompt, FallbackJobMatch)
}

func (a *Analyzer) CoverLetter(ctx context.Context, p Profile, j Job, notes, tone string) (CoverLetter, bool, error) {
	if tone == "" {
		tone = "professional"
	}
	prompt := fmt.Sprintf(`Generate a cover letter for a job application based on the following.

Profile data:
%s

Job posting:
%s

Tone: %s
%s
Return ONLY a JSON object with this exact structure:
{
  "subject_line": "subject line for the application email",
  "salutation": "Dear Hiring Manager,",
  "introduction": "first paragraph introducing the candidate and position",
  "body": "main paragraphs highlighting relevant experience and skills",
  "closing": "closing paragraph with call to action",
  "signature": "Sincerely,\n<candidate name>",
  "full_text": "the complete cover letter text"
}`, profileJSON(p), jobJSON(j), tone, notesBlock(notes))
	cl, degraded, err := ask(ctx, a.gen, siteCoverLetter, prompt, FallbackCoverLetter)
	if err == nil && !degraded {
		cl.normalize()
	}
	return cl, degraded, err
}

func (a *Analyzer) TailorResume(ctx context.Context, p Profile, j Job, notes string) (ResumeTailoring, bool, error) {
	prompt := fmt.Sprintf(`Provide recommendations for tailoring a resume based on the following.

Profile data:
%s

Job posting:
%s
%s
Return ONLY a JSON object with this exact structure:
{
  "keywords": ["important terms from the job posting"],
  "skills_to_emphasize": ["..."],
  "experiences_to_highlight": [{"title": "...", "company": "...", "description": "how to present this experience"}],
  "achievements_to_showcase": ["..."],
  "sections": {"add": ["..."], "remove": ["..."], "modify": [{"section": "...", "recommendation": "..."}]},
  "general_recommendations": ["..."]
}`, profileJSON(p), jobJSON(j), notesBlock(notes))
	return ask(ctx, a.gen, siteResumeTailoring, prompt, FallbackResumeTailoring)
}

func (a *Analyzer) PrepareInterview(ctx context.Context, p Profile, j Job, notes string) (InterviewPrep, bool, error) {
	prompt := fmt.Sprintf(`Generate interview preparation materials based on the following.

Profile data:
%s

Job posting:
%s
%s
Return ONLY a JSON object with this exact structure:
{
  "likely_questions": [{"question": "...", "explanation": "why it might be asked", "recommended_answer": "...", "key_points": ["..."]}],
  "preparation_tips": ["..."],
  "questions_to_ask": [{"question": "...", "purpose": "..."}],
  "general_advice": "..."
}`, profileJSON(p), jobJSON(j), notesBlock(notes))
	return ask(ctx, a.gen, siteInterviewPrep, prompt, FallbackInterviewPrep)
}

func notesBlock(notes string) string {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return ""
	}
	return "\nAdditional customization notes:\n" + engine.TruncateRunes(notes, 1000, "...") + "\n"
}

// profileJSON renders the prompt view of a profile, without derived fields.
func profileJSON(p Profile) string {
	view := struct {
		Name       string       `json:"name,omitempty"`
		Headline   string       `json:"headline,omitempty"`
		Summary    string       `json:"summary,omitempty"`
		Location   string       `json:"location,omitempty"`
		Industry   string       `json:"industry,omitempty"`
		Skills     []string     `json:"skills,omitempty"`
		Experience []Experience `json:"experience,omitempty"`
	}{p.Name, p.Headline, engine.TruncateRunes(p.Summary, 2000, "..."), p.Location, p.Industry, p.Skills, p.Experience}
	b, _ := json.MarshalIndent(view, "", "  ")
	return string(b)
}

func jobJSON(j Job) string {
	view := struct {
		Title           string   `json:"title"`
		Company         string   `json:"company"`
		Location        string   `json:"location,omitempty"`
		EmploymentType  string   `json:"employment_type,omitempty"`
		ExperienceLevel string   `json:"experience_level,omitempty"`
		RequiredSkills  []string `json:"required_skills,omitempty"`
		Description     string   `json:"description,omitempty"`
	}{j.Title, j.Company, j.Location, j.EmploymentType, j.ExperienceLevel, j.RequiredSkills, engine.TruncateRunes(j.Description, 3000, "...")}
	b, _ := json.MarshalIndent(view, "", "  ")
	return string(b)
}
