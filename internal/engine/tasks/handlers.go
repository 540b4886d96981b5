package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/jobs"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/social"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/store"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/vector"
)

// SocialClient is the slice of the social-graph client the handlers use.
type SocialClient interface {
	GetProfile(ctx context.Context, token string) (social.Profile, error)
	SearchJobs(ctx context.Context, token string, f social.Filters) ([]social.Job, error)
}

// TokenSource hands out a valid access token for a user.
type TokenSource interface {
	GetToken(ctx context.Context, userID string) (string, error)
}

// Deps are the components task handlers run against. They are built once by
// the entry point.
type Deps struct {
	Store    store.Store
	Index    vector.Index
	Embedder vector.Embedder
	Matcher  *jobs.Matcher
	Docs     *jobs.DocumentGenerator
	Apps     *jobs.Applications
	Analyzer *jobs.Analyzer
	Social   SocialClient
	Tokens   TokenSource
	Cfg      engine.Config

	now func() time.Time
}

// Payloads.
type (
	UserPayload struct {
		UserID string `json:"user_id"`
	}
	SearchJobsPayload struct {
		UserID   string         `json:"user_id"`
		Filters  social.Filters `json:"filters"`
		Keywords []string       `json:"keywords,omitempty"`
	}
	IndexJobPayload struct {
		JobID string `json:"job_id"`
	}
	IndexProfilePayload struct {
		ProfileID string `json:"profile_id"`
	}
	FindMatchesPayload struct {
		UserID string `json:"user_id"`
		Limit  int    `json:"limit,omitempty"`
	}
	GenerateDocumentPayload struct {
		UserID string            `json:"user_id"`
		JobID  string            `json:"job_id"`
		Kind   jobs.DocumentKind `json:"kind"`
		Notes  string            `json:"notes,omitempty"`
	}
	CleanupPayload struct {
		RetentionDays int `json:"retention_days,omitempty"`
	}
	SubmitApplicationPayload struct {
		ApplicationID string `json:"application_id"`
	}
	ActivityReportPayload struct {
		Days int `json:"days,omitempty"`
	}
)

// RegisterHandlers binds every task type to its handler.
func RegisterHandlers(o *Orchestrator, d *Deps) {
	if d.now == nil {
		d.now = time.Now
	}
	o.Register(TypeSyncProfile, d.syncProfile)
	o.Register(TypeSearchJobs, func(ctx context.Context, t Task) (Result, error) { return d.searchJobs(ctx, o, t) })
	o.Register(TypeIndexJob, d.indexJob)
	o.Register(TypeIndexProfile, d.indexProfile)
	o.Register(TypeFindMatches, d.findMatches)
	o.Register(TypeGenerateDocument, d.generateDocument)
	o.Register(TypeCleanup, d.cleanup)
	o.Register(TypeAnalyzeProfile, d.analyzeProfile)
	o.Register(TypeSubmitApplication, d.submitApplication)
	o.Register(TypeActivityReport, d.activityReport)

	o.Register(TypeSyncAllProfiles, d.perUser(o, TypeSyncProfile, func(u jobs.User) any {
		return UserPayload{UserID: u.ID}
	}))
	o.Register(TypeSearchJobsForAllUsers, d.perUser(o, TypeSearchJobs, func(u jobs.User) any {
		return SearchJobsPayload{UserID: u.ID, Filters: social.Filters{Location: u.SearchLocation}}
	}))
	o.Register(TypeFindMatchesForAllUsers, d.perUser(o, TypeFindMatches, func(u jobs.User) any {
		return FindMatchesPayload{UserID: u.ID}
	}))
	o.Register(TypeReindexJobs, d.reindexJobs(o))
	o.Register(TypeReindexProfiles, d.reindexProfiles(o))
}

func success(msg string, data any) Result {
	return Result{Status: ResultSuccess, Message: msg, Data: data}
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return engine.Invalid("%s is required", field)
	}
	return nil
}

func (d *Deps) syncProfile(ctx context.Context, t Task) (Result, error) {
	p, err := Decode[UserPayload](t)
	if err != nil {
		return Result{}, err
	}
	if err := required("user_id", p.UserID); err != nil {
		return Result{}, err
	}
	if _, err := d.Store.GetUser(ctx, p.UserID); err != nil {
		return Result{}, err
	}
	token, err := d.Tokens.GetToken(ctx, p.UserID)
	if err != nil {
		return Result{}, err
	}
	sp, err := d.Social.GetProfile(ctx, token)
	if err != nil {
		return Result{}, err
	}

	now := d.now().UTC()
	id := jobs.ProfileID(p.UserID)
	prof, err := d.Store.GetProfile(ctx, id)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		prof = jobs.Profile{ID: id, UserID: p.UserID, CreatedAt: now}
	case err != nil:
		return Result{}, err
	}
	prof.ExternalID = sp.ID
	if name := strings.TrimSpace(sp.FirstName + " " + sp.LastName); name != "" {
		prof.Name = name
	}
	if sp.Headline != "" {
		prof.Headline = sp.Headline
	}
	prof.LastSyncedAt = now
	prof.UpdatedAt = now
	if err := d.Store.SaveProfile(ctx, prof); err != nil {
		return Result{}, err
	}
	if err := d.upsertProfileVector(ctx, prof); err != nil {
		return Result{}, err
	}
	return success("profile synced", map[string]string{"profile_id": prof.ID}), nil
}

func (d *Deps) searchJobs(ctx context.Context, o *Orchestrator, t Task) (Result, error) {
	p, err := Decode[SearchJobsPayload](t)
	if err != nil {
		return Result{}, err
	}
	if err := required("user_id", p.UserID); err != nil {
		return Result{}, err
	}
	user, err := d.Store.GetUser(ctx, p.UserID)
	if err != nil {
		return Result{}, err
	}
	keywords := d.searchKeywords(p, user)
	if len(keywords) == 0 {
		return Result{}, engine.Invalid("user %s has no search keywords", p.UserID)
	}
	if p.Filters.Location == "" {
		p.Filters.Location = user.SearchLocation
	}
	token, err := d.Tokens.GetToken(ctx, p.UserID)
	if err != nil {
		return Result{}, err
	}

	now := d.now().UTC()
	seen := make(map[string]bool)
	var children []Child
	for _, kw := range keywords {
		f := p.Filters
		f.Keywords = kw
		found, err := d.Social.SearchJobs(ctx, token, f)
		if err != nil {
			return Result{}, err
		}
		for _, sj := range found {
			j := normalizeJob(sj, f, now)
			if seen[j.ID] {
				continue
			}
			seen[j.ID] = true
			if err := d.Store.SaveJob(ctx, j); err != nil {
				return Result{}, err
			}
			children = append(children, Child{Key: j.ID, Payload: IndexJobPayload{JobID: j.ID}})
		}
	}
	m, err := o.FanOut(ctx, t, TypeIndexJob, children)
	if err != nil {
		return Result{}, err
	}
	return success(fmt.Sprintf("saved %d jobs", len(children)), m), nil
}

func (d *Deps) searchKeywords(p SearchJobsPayload, u jobs.User) []string {
	var out []string
	switch {
	case p.Filters.Keywords != "":
		out = []string{p.Filters.Keywords}
	case len(p.Keywords) > 0:
		out = p.Keywords
	case len(u.SearchKeywords) > 0:
		out = u.SearchKeywords
	default:
		out = d.Cfg.SearchDefaults
	}
	var clean []string
	for _, kw := range out {
		if kw = strings.TrimSpace(kw); kw != "" {
			clean = append(clean, kw)
		}
	}
	return clean
}

func normalizeJob(sj social.Job, f social.Filters, now time.Time) jobs.Job {
	source := sj.Source
	if source == "" {
		source = social.SourceAPI
	}
	return jobs.Job{
		ID:              jobs.JobID(source, sj.ExternalID, sj.Title, sj.Company, sj.Location),
		ExternalID:      sj.ExternalID,
		Source:          source,
		Title:           sj.Title,
		Company:         sj.Company,
		Location:        sj.Location,
		Description:     sj.Description,
		URL:             sj.URL,
		EmploymentType:  f.JobType,
		ExperienceLevel: f.ExperienceLevel,
		RequiredSkills:  jobs.ExtractSkills(sj.Title + "\n" + sj.Description),
		Remote:          f.Remote == "remote" || strings.Contains(strings.ToLower(sj.Location), "remote"),
		PostedAt:        sj.PostedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (d *Deps) indexJob(ctx context.Context, t Task) (Result, error) {
	p, err := Decode[IndexJobPayload](t)
	if err != nil {
		return Result{}, err
	}
	if err := required("job_id", p.JobID); err != nil {
		return Result{}, err
	}
	j, err := d.Store.GetJob(ctx, p.JobID)
	if err != nil {
		return Result{}, err
	}
	vec, err := d.Embedder.Embed(ctx, j.EmbeddingText())
	if err != nil {
		return Result{}, err
	}
	meta := map[string]string{"title": j.Title, "company": j.Company, "location": j.Location, "source": j.Source}
	if err := d.Index.Upsert(ctx, vector.NamespaceJobs, j.ID, vec, meta); err != nil {
		return Result{}, err
	}
	return success("job indexed", map[string]string{"job_id": j.ID}), nil
}

func (d *Deps) indexProfile(ctx context.Context, t Task) (Result, error) {
	p, err := Decode[IndexProfilePayload](t)
	if err != nil {
		return Result{}, err
	}
	if err := required("profile_id", p.ProfileID); err != nil {
		return Result{}, err
	}
	prof, err := d.Store.GetProfile(ctx, p.ProfileID)
	if err != nil {
		return Result{}, err
	}
	if err := d.upsertProfileVector(ctx, prof); err != nil {
		return Result{}, err
	}
	return success("profile indexed", map[string]string{"profile_id": prof.ID}), nil
}

func (d *Deps) upsertProfileVector(ctx context.Context, p jobs.Profile) error {
	text := p.EmbeddingText()
	if text == "" {
		slog.Info("profile has no text to embed", slog.String("profile_id", p.ID))
		return nil
	}
	vec, err := d.Embedder.Embed(ctx, text)
	if err != nil {
		return err
	}
	meta := map[string]string{"user_id": p.UserID, "name": p.Name, "headline": p.Headline}
	return d.Index.Upsert(ctx, vector.NamespaceProfiles, p.ID, vec, meta)
}

func (d *Deps) findMatches(ctx context.Context, t Task) (Result, error) {
	p, err := Decode[FindMatchesPayload](t)
	if err != nil {
		return Result{}, err
	}
	if err := required("user_id", p.UserID); err != nil {
		return Result{}, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = d.Cfg.MatchTopK
	}
	prof, err := d.Store.GetProfile(ctx, jobs.ProfileID(p.UserID))
	if err != nil {
		return Result{}, err
	}
	hits, err := d.Matcher.Candidates(ctx, prof, limit*2)
	if err != nil {
		return Result{}, err
	}
	candidates := make([]jobs.Job, 0, len(hits))
	for _, h := range hits {
		j, err := d.Store.GetJob(ctx, h.ID)
		if errors.Is(err, engine.ErrNotFound) {
			slog.Warn("indexed job missing from store", slog.String("job_id", h.ID))
			continue
		}
		if err != nil {
			return Result{}, err
		}
		candidates = append(candidates, j)
	}
	results, failures, err := d.Matcher.Recommend(ctx, prof, candidates, limit)
	if err != nil {
		return Result{}, err
	}
	if err := d.Store.ReplaceMatches(ctx, p.UserID, results); err != nil {
		return Result{}, err
	}
	return success(fmt.Sprintf("stored %d matches", len(results)), map[string]any{
		"matches":  len(results),
		"failures": failures,
	}), nil
}

func (d *Deps) generateDocument(ctx context.Context, t Task) (Result, error) {
	p, err := Decode[GenerateDocumentPayload](t)
	if err != nil {
		return Result{}, err
	}
	if err := required("user_id", p.UserID); err != nil {
		return Result{}, err
	}
	if err := required("job_id", p.JobID); err != nil {
		return Result{}, err
	}
	kind, err := jobs.ParseDocumentKind(string(p.Kind))
	if err != nil {
		return Result{}, err
	}
	prof, err := d.Store.GetProfile(ctx, jobs.ProfileID(p.UserID))
	if err != nil {
		return Result{}, err
	}
	j, err := d.Store.GetJob(ctx, p.JobID)
	if err != nil {
		return Result{}, err
	}
	doc, err := d.Docs.Generate(ctx, kind, prof, j, p.Notes)
	if err != nil {
		return Result{}, err
	}
	if err := d.Store.SaveDocument(ctx, doc); err != nil {
		return Result{}, err
	}

	data := map[string]any{"document_id": doc.ID, "degraded": doc.Degraded}
	if kind == jobs.KindCoverLetter || kind == jobs.KindResumeTailoring {
		app, err := d.Apps.Create(ctx, p.UserID, p.JobID)
		if err != nil {
			return Result{}, err
		}
		if app.Status != jobs.StatusSubmitted {
			resumeID, letterID := "", ""
			if kind == jobs.KindCoverLetter {
				letterID = doc.ID
			} else {
				resumeID = doc.ID
			}
			if app, err = d.Apps.Prepare(ctx, app.ID, resumeID, letterID); err != nil {
				return Result{}, err
			}
		}
		data["application_id"] = app.ID
		data["application_status"] = app.Status
	}
	return success(fmt.Sprintf("%s generated", kind), data), nil
}

func (d *Deps) cleanup(ctx context.Context, t Task) (Result, error) {
	p, err := Decode[CleanupPayload](t)
	if err != nil {
		return Result{}, err
	}
	days := p.RetentionDays
	if days == 0 {
		days = d.Cfg.RetentionDays
	}
	if days < 1 {
		return Result{}, engine.Invalid("retention_days must be positive, got %d", days)
	}
	cutoff := d.now().UTC().AddDate(0, 0, -days)
	rep, err := d.Store.Cleanup(ctx, cutoff)
	if err != nil {
		return Result{}, err
	}
	for _, id := range rep.DeletedJobIDs {
		if err := d.Index.Delete(ctx, vector.NamespaceJobs, id); err != nil {
			return Result{}, err
		}
	}
	slog.Info("cleanup done",
		slog.Time("cutoff", cutoff), slog.Int("jobs", rep.Jobs),
		slog.Int("documents", rep.Documents), slog.Int("applications", rep.Applications))
	return success(fmt.Sprintf("removed %d jobs, %d documents, %d applications", rep.Jobs, rep.Documents, rep.Applications), rep), nil
}

func (d *Deps) analyzeProfile(ctx context.Context, t Task) (Result, error) {
	p, err := Decode[UserPayload](t)
	if err != nil {
		return Result{}, err
	}
	if err := required("user_id", p.UserID); err != nil {
		return Result{}, err
	}
	prof, err := d.Store.GetProfile(ctx, jobs.ProfileID(p.UserID))
	if err != nil {
		return Result{}, err
	}
	analysis, degraded, err := d.Analyzer.AnalyzeProfile(ctx, prof)
	if err != nil {
		return Result{}, err
	}
	prof.Analysis = &analysis
	prof.UpdatedAt = d.now().UTC()
	if err := d.Store.SaveProfile(ctx, prof); err != nil {
		return Result{}, err
	}
	return success("profile analyzed", map[string]any{"profile_id": prof.ID, "degraded": degraded}), nil
}

func (d *Deps) submitApplication(ctx context.Context, t Task) (Result, error) {
	p, err := Decode[SubmitApplicationPayload](t)
	if err != nil {
		return Result{}, err
	}
	if err := required("application_id", p.ApplicationID); err != nil {
		return Result{}, err
	}
	app, err := d.Store.GetApplication(ctx, p.ApplicationID)
	if err != nil {
		return Result{}, err
	}
	// A retried task finds the application failed by the previous attempt.
	if app.Status == jobs.StatusFailed {
		if _, err := d.Apps.Retry(ctx, app.ID); err != nil {
			return Result{}, err
		}
	}
	app, err = d.Apps.Submit(ctx, app.ID)
	if err != nil {
		return Result{}, err
	}
	return success("application submitted", map[string]string{
		"application_id": app.ID,
		"external_id":    app.ExternalApplicationID,
	}), nil
}

func (d *Deps) activityReport(ctx context.Context, t Task) (Result, error) {
	p, err := Decode[ActivityReportPayload](t)
	if err != nil {
		return Result{}, err
	}
	days := p.Days
	if days <= 0 {
		days = 7
	}
	rep, err := d.Store.Activity(ctx, d.now().UTC().AddDate(0, 0, -days))
	if err != nil {
		return Result{}, err
	}
	return success(fmt.Sprintf("activity over the last %d days", days), rep), nil
}

func (d *Deps) perUser(o *Orchestrator, child Type, payload func(jobs.User) any) Handler {
	return func(ctx context.Context, t Task) (Result, error) {
		users, err := d.Store.ListActiveUsers(ctx)
		if err != nil {
			return Result{}, err
		}
		items := make([]Child, 0, len(users))
		for _, u := range users {
			items = append(items, Child{Key: u.ID, Payload: payload(u)})
		}
		m, err := o.FanOut(ctx, t, child, items)
		if err != nil {
			return Result{}, err
		}
		return success(fmt.Sprintf("enqueued %d %s tasks", len(m.Children), child), m), nil
	}
}

func (d *Deps) reindexJobs(o *Orchestrator) Handler {
	return func(ctx context.Context, t Task) (Result, error) {
		all, err := d.Store.ListJobs(ctx)
		if err != nil {
			return Result{}, err
		}
		items := make([]Child, 0, len(all))
		for _, j := range all {
			items = append(items, Child{Key: j.ID, Payload: IndexJobPayload{JobID: j.ID}})
		}
		m, err := o.FanOut(ctx, t, TypeIndexJob, items)
		if err != nil {
			return Result{}, err
		}
		return success(fmt.Sprintf("enqueued %d index_job tasks", len(m.Children)), m), nil
	}
}

func (d *Deps) reindexProfiles(o *Orchestrator) Handler {
	return func(ctx context.Context, t Task) (Result, error) {
		all, err := d.Store.ListProfiles(ctx)
		if err != nil {
			return Result{}, err
		}
		items := make([]Child, 0, len(all))
		for _, p := range all {
			items = append(items, Child{Key: p.ID, Payload: IndexProfilePayload{ProfileID: p.ID}})
		}
		m, err := o.FanOut(ctx, t, TypeIndexProfile, items)
		if err != nil {
			return Result{}, err
		}
		return success(fmt.Sprintf("enqueued %d index_profile tasks", len(m.Children)), m), nil
	}
}
