// Package social is the LinkedIn client: OAuth code exchange and refresh,
// profile reads and job search with a public guest-page fallback.
package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/credentials"
)

// ErrAuth means LinkedIn rejected the token or the grant.
var ErrAuth = fmt.Errorf("linkedin auth: %w", engine.ErrAuthExpired)

// DefaultScopes requested at authorization time.
var DefaultScopes = []string{"r_liteprofile", "r_emailaddress", "w_member_social"}

const (
	defaultTokenLifetime = time.Hour
	maxAPIBody           = 2 << 20
)

// Job sources.
const (
	SourceAPI   = "api"
	SourceGuest = "guest"
)

// Profile is the member profile as LinkedIn returns it.
type Profile struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Headline  string `json:"headline,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Job is a normalized posting.
type Job struct {
	ExternalID  string    `json:"external_id"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url,omitempty"`
	PostedAt    time.Time `json:"posted_at,omitzero"`
	Source      string    `json:"source"`
}

// Filters narrow a job search.
type Filters struct {
	Keywords        string `json:"keywords"`
	Location        string `json:"location,omitempty"`
	JobType         string `json:"job_type,omitempty"`
	ExperienceLevel string `json:"experience_level,omitempty"`
	Remote          string `json:"remote,omitempty"`
	TimeRange       string `json:"time_range,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// APIError is a non-2xx response. It unwraps to the engine error taxonomy,
// with 401 reported as ErrAuth.
type APIError struct {
	Op         string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrAuth
	}
	return engine.StatusError(e.Op, e.StatusCode)
}

// Option configures a LinkedInClient.
type Option func(*LinkedInClient)

// WithHTTPClient replaces the HTTP client used for API and OAuth calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *LinkedInClient) { c.http = hc }
}

// WithBrowser routes guest page fetches through a browser-fingerprint client.
func WithBrowser(d Doer) Option {
	return func(c *LinkedInClient) { c.browser = d }
}

// WithCache caches fetched job descriptions.
func WithCache(cache *engine.Cache) Option {
	return func(c *LinkedInClient) { c.cache = cache }
}

// WithRetry overrides the in-call retry schedule.
func WithRetry(rc engine.RetryConfig) Option {
	return func(c *LinkedInClient) { c.retry = rc }
}

// LinkedInClient talks to the LinkedIn REST API. It is safe for concurrent use.
type LinkedInClient struct {
	oauth   *oauth2.Config
	apiBase string
	webBase string
	http    *http.Client
	browser Doer
	cache   *engine.Cache
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	retry   engine.RetryConfig
	timeout time.Duration
}

// NewLinkedInClient builds a client from cfg.
func NewLinkedInClient(cfg engine.Config, opts ...Option) *LinkedInClient {
	webBase := strings.TrimRight(cfg.LinkedInGuestBase, "/")
	limit := rate.Inf
	if cfg.SocialRatePerSecond > 0 {
		limit = rate.Limit(cfg.SocialRatePerSecond)
	}
	c := &LinkedInClient{
		oauth: &oauth2.Config{
			ClientID:     cfg.LinkedInClientID,
			ClientSecret: cfg.LinkedInClientSecret,
			RedirectURL:  cfg.LinkedInRedirectURL,
			Scopes:       DefaultScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   webBase + "/oauth/v2/authorization",
				TokenURL:  webBase + "/oauth/v2/accessToken",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiBase: strings.TrimRight(cfg.LinkedInAPIBase, "/"),
		webBase: webBase,
		http:    &http.Client{Timeout: cfg.SocialTimeout},
		limiter: rate.NewLimiter(limit, 1),
		retry: engine.RetryConfig{
			MaxRetries:  2,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     5 * time.Second,
			Multiplier:  2.0,
		},
		timeout: cfg.SocialTimeout,
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "linkedin",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only outages trip the breaker; a bad token is the caller's problem.
		IsSuccessful: func(err error) bool {
			return err == nil || engine.IsTerminal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state", slog.String("name", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	for _, o := range opts {
		o(c)
	}
	return c
}

// AuthURL returns the consent page URL for state.
func (c *LinkedInClient) AuthURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for a token pair.
func (c *LinkedInClient) ExchangeCode(ctx context.Context, code string) (credentials.Token, error) {
	if code == "" {
		return credentials.Token{}, engine.Invalid("exchange code: empty code")
	}
	ctx, cancel := context.WithTimeout(c.oauthContext(ctx), c.timeout)
	defer cancel()
	engine.IncrSocialRequests()
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		engine.IncrSocialErrors()
		return credentials.Token{}, classifyOAuth("exchange code", err)
	}
	return toToken(tok), nil
}

// Refresh implements credentials.Refresher.
func (c *LinkedInClient) Refresh(ctx context.Context, refreshToken string) (credentials.Token, error) {
	if refreshToken == "" {
		return credentials.Token{}, fmt.Errorf("refresh: %w", ErrAuth)
	}
	ctx, cancel := context.WithTimeout(c.oauthContext(ctx), c.timeout)
	defer cancel()
	engine.IncrSocialRequests()
	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		engine.IncrSocialErrors()
		return credentials.Token{}, classifyOAuth("refresh", err)
	}
	return toToken(tok), nil
}

func (c *LinkedInClient) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func toToken(tok *oauth2.Token) credentials.Token {
	exp := tok.Expiry
	if exp.IsZero() {
		exp = time.Now().Add(defaultTokenLifetime)
	}
	return credentials.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    exp,
	}
}

// classifyOAuth separates a rejected grant from an unreachable token endpoint.
func classifyOAuth(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == "invalid_grant" || re.ErrorCode == "invalid_client" ||
			status == http.StatusBadRequest || status == http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, ErrAuth, err)
		case status != 0:
			return fmt.Errorf("%s: %w: %w", op, engine.StatusError(op, status), err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return engine.Transient(op, err)
}

// GetProfile reads the member's lite profile and primary email.
// A missing email is not an error.
func (c *LinkedInClient) GetProfile(ctx context.Context, token string) (Profile, error) {
	var me struct {
		ID                 string `json:"id"`
		LocalizedFirstName string `json:"localizedFirstName"`
		LocalizedLastName  string `json:"localizedLastName"`
		LocalizedHeadline  string `json:"localizedHeadline"`
	}
	if err := c.getJSON(ctx, token, "get profile", c.apiBase+"/v2/me", &me); err != nil {
		return Profile{}, err
	}
	if me.ID == "" {
		return Profile{}, engine.Malformed("get profile", errors.New("profile without id"))
	}
	p := Profile{
		ID:        me.ID,
		FirstName: me.LocalizedFirstName,
		LastName:  me.LocalizedLastName,
		Headline:  me.LocalizedHeadline,
	}

	var email struct {
		Elements []struct {
			Handle struct {
				EmailAddress string `json:"emailAddress"`
			} `json:"handle~"`
		} `json:"elements"`
	}
	err := c.getJSON(ctx, token, "get email", c.apiBase+"/v2/emailAddress?q=members&projection=(elements*(handle~))", &email)
	switch {
	case errors.Is(err, ErrAuth):
		return Profile{}, err
	case err != nil:
		slog.Debug("linkedin email unavailable", slog.String("profile_id", p.ID), slog.Any("error", err))
	case len(email.Elements) > 0:
		p.Email = email.Elements[0].Handle.EmailAddress
	}
	return p, nil
}

// SearchJobs searches postings with the member token. When the app is not
// permitted to use the job search API (403), it falls back to public guest
// job cards.
func (c *LinkedInClient) SearchJobs(ctx context.Context, token string, f Filters) ([]Job, error) {
	if strings.TrimSpace(f.Keywords) == "" {
		return nil, engine.Invalid("search jobs: empty keywords")
	}
	if f.Limit <= 0 {
		f.Limit = 10
	}

	q := url.Values{}
	q.Set("count", strconv.Itoa(f.Limit))
	q.Set("keywords", f.Keywords)
	if f.Location != "" {
		q.Set("location", f.Location)
	}

	var resp struct {
		Elements []struct {
			JobPosting struct {
				ID             json.Number `json:"id"`
				Title          string      `json:"title"`
				CompanyDetails struct {
					Company struct {
						Name string `json:"name"`
					} `json:"company"`
				} `json:"companyDetails"`
				FormattedLocation string `json:"formattedLocation"`
				Description       struct {
					Text string `json:"text"`
				} `json:"description"`
				ApplyMethod struct {
					CompanyApplyURL string `json:"companyApplyUrl"`
				} `json:"applyMethod"`
				ListedAt int64 `json:"listedAt"`
			} `json:"jobPosting"`
		} `json:"elements"`
	}
	err := c.getJSON(ctx, token, "search jobs", c.apiBase+"/v2/jobSearch?"+q.Encode(), &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
		slog.Info("job search api not permitted, using guest search", slog.String("keywords", f.Keywords))
		return c.searchGuest(ctx, f)
	}
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(resp.Elements))
	for _, el := range resp.Elements {
		p := el.JobPosting
		if p.ID.String() == "" || p.Title == "" {
			continue
		}
		j := Job{
			ExternalID:  p.ID.String(),
			Title:       engine.CollapseSpace(p.Title),
			Company:     engine.CollapseSpace(p.CompanyDetails.Company.Name),
			Location:    p.FormattedLocation,
			Description: toMarkdown(p.Description.Text),
			URL:         p.ApplyMethod.CompanyApplyURL,
			Source:      SourceAPI,
		}
		if j.URL == "" {
			j.URL = c.webBase + "/jobs/view/" + j.ExternalID
		}
		if p.ListedAt > 0 {
			j.PostedAt = time.UnixMilli(p.ListedAt).UTC()
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// getJSON issues an authenticated GET through the limiter and breaker and
// decodes the body into out.
func (c *LinkedInClient) getJSON(ctx context.Context, token, op, target string, out any) error {
	if token == "" {
		return fmt.Errorf("%s: %w", op, ErrAuth)
	}
	body, err := engine.RetryDo(ctx, c.retry, op, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.get(ctx, token, op, target)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, engine.Transient(op, err)
		}
		if err != nil {
			return nil, err
		}
		return res.([]byte), nil
	})
	if err != nil {
		engine.IncrSocialErrors()
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return engine.Malformed(op, err)
	}
	return nil
}

func (c *LinkedInClient) get(ctx context.Context, token, op, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, engine.Invalid("%s: %v", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
	req.Header.Set("Accept", "application/json")

	engine.IncrSocialRequests()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, engine.Transient(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxAPIBody))
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		return nil, engine.Transient(op, err)
	}
	return body, nil
}
