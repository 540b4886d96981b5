package social

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// Guest endpoint returns HTML job cards and needs no token.
const guestSearchPath = "/jobs-guest/jobs/api/seeMoreJobPostings/search"

const (
	guestPageSize    = 25
	guestDetailFetch = 3
	maxGuestBody     = 512 * 1024
)

var experienceMap = map[string]string{
	"internship": "1",
	"entry":      "2",
	"associate":  "3",
	"mid-senior": "4",
	"director":   "5",
	"executive":  "6",
}

var jobTypeMap = map[string]string{
	"full-time":  "F",
	"part-time":  "P",
	"contract":   "C",
	"temporary":  "T",
	"internship": "I",
	"volunteer":  "V",
}

var remoteMap = map[string]string{
	"onsite": "1",
	"hybrid": "2",
	"remote": "3",
}

var timeRangeMap = map[string]string{
	"day":   "r86400",
	"week":  "r604800",
	"month": "r2592000",
}

// Matches both /jobs/view/4335742219 and /jobs/view/golang-developer-at-ceipal-4335742219
var jobIDRe = regexp.MustCompile(`/jobs/view/[^?]*?(\d{7,})`)

// ExtractJobID returns the numeric posting id from a job URL, or "".
func ExtractJobID(jobURL string) string {
	if m := jobIDRe.FindStringSubmatch(jobURL); m != nil {
		return m[1]
	}
	return ""
}

// Doer is the subset of the stealth browser client used for guest pages.
type Doer interface {
	Do(method, url string, headers map[string]string, body io.Reader) ([]byte, int, error)
}

func guestSearchURL(base string, f Filters, start int) string {
	q := url.Values{}
	q.Set("keywords", f.Keywords)
	q.Set("sortBy", "DD")
	q.Set("start", fmt.Sprint(start))
	if f.Location != "" {
		q.Set("location", f.Location)
	}
	if v, ok := experienceMap[strings.ToLower(f.ExperienceLevel)]; ok {
		q.Set("f_E", v)
	}
	if v, ok := jobTypeMap[strings.ToLower(f.JobType)]; ok {
		q.Set("f_JT", v)
	}
	if v, ok := remoteMap[strings.ToLower(f.Remote)]; ok {
		q.Set("f_WT", v)
	}
	if v, ok := timeRangeMap[strings.ToLower(f.TimeRange)]; ok {
		q.Set("f_TPR", v)
	}
	return strings.TrimRight(base, "/") + guestSearchPath + "?" + q.Encode()
}

// searchGuest pages through the guest endpoint until limit cards are collected
// or a page comes back empty. The first few postings get their description
// fetched from the job page.
func (c *LinkedInClient) searchGuest(ctx context.Context, f Filters) ([]Job, error) {
	seen := make(map[string]bool)
	var out []Job
	for start := 0; len(out) < f.Limit; start += guestPageSize {
		body, err := c.guestGet(ctx, guestSearchURL(c.webBase, f, start))
		if err != nil {
			if len(out) > 0 {
				slog.Debug("guest search page failed, keeping partial results", slog.Int("start", start), slog.Any("error", err))
				break
			}
			return nil, err
		}
		page := parseGuestCards(string(body))
		if len(page) == 0 {
			break
		}
		for _, j := range page {
			if seen[j.ExternalID] || len(out) >= f.Limit {
				continue
			}
			seen[j.ExternalID] = true
			out = append(out, j)
		}
	}

	for i := 0; i < len(out) && i < guestDetailFetch; i++ {
		desc, err := c.FetchDescription(ctx, out[i].URL)
		if err != nil {
			slog.Debug("guest job details failed", slog.String("url", out[i].URL), slog.Any("error", err))
			continue
		}
		out[i].Description = desc
	}
	return out, nil
}

// guestGet fetches a public page, preferring the browser client because the
// guest endpoints reject non-browser TLS fingerprints.
func (c *LinkedInClient) guestGet(ctx context.Context, target string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	engine.IncrSocialRequests()

	data, err := engine.RetryDo(ctx, c.retry, "guest get", func(ctx context.Context) ([]byte, error) {
		if c.browser != nil {
			headers := engine.ChromeHeaders()
			headers["accept"] = "text/html,application/xhtml+xml,application/xml;q=0.9"
			headers["referer"] = c.webBase + "/"
			d, status, err := c.browser.Do(http.MethodGet, target, headers, nil)
			if err != nil {
				return nil, engine.Transient("guest get", err)
			}
			if status != http.StatusOK {
				return nil, guestStatusError(status)
			}
			return d, nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", engine.UserAgentChrome)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, engine.Transient("guest get", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, guestStatusError(resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxGuestBody))
	})
	if err != nil {
		engine.IncrSocialErrors()
		return nil, err
	}
	return data, nil
}

// guestStatusError classifies a guest page status. Guest pages carry no
// token, so 401/403 and LinkedIn's 999 mean the request was blocked.
func guestStatusError(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, 999:
		return engine.Transient("guest get", fmt.Errorf("blocked with status %d", status))
	}
	return engine.StatusError("guest get", status)
}

// FetchDescription loads a public job page and returns its description as
// markdown, taken from the JobPosting JSON-LD block when present.
func (c *LinkedInClient) FetchDescription(ctx context.Context, jobURL string) (string, error) {
	key := engine.CacheKey("jobdesc", jobURL)
	if cached, ok := c.cache.Get(ctx, key); ok {
		return string(cached), nil
	}
	body, err := c.guestGet(ctx, jobURL)
	if err != nil {
		return "", err
	}
	page := string(body)
	desc := jsonLDDescription(page)
	if desc == "" {
		if raw := descriptionSection(page); raw != "" {
			desc = toMarkdown(raw)
		}
	}
	if desc == "" {
		return "", engine.Malformed("fetch description", fmt.Errorf("no description in %s", jobURL))
	}
	c.cache.Set(ctx, key, []byte(desc))
	return desc, nil
}

func parseGuestCards(body string) []Job {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil
	}
	var jobs []Job
	for _, li := range findElements(doc, "li") {
		if j := parseJobCard(li); j.Title != "" && j.ExternalID != "" {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

func parseJobCard(li *html.Node) Job {
	var j Job
	if link := findByClass(li, "base-card__full-link"); link != nil {
		if href := getAttr(link, "href"); href != "" {
			j.URL = strings.TrimSpace(strings.SplitN(href, "?", 2)[0])
			j.ExternalID = ExtractJobID(j.URL)
		}
	}
	if n := findByClass(li, "base-search-card__title"); n != nil {
		j.Title = engine.CollapseSpace(textContent(n))
	}
	if n := findByClass(li, "base-search-card__subtitle"); n != nil {
		j.Company = engine.CollapseSpace(textContent(n))
	}
	if n := findByClass(li, "job-search-card__location"); n != nil {
		j.Location = engine.CollapseSpace(textContent(n))
	}
	if n := findByClass(li, "job-search-card__listdate"); n != nil {
		if t, err := time.Parse(time.DateOnly, strings.TrimSpace(getAttr(n, "datetime"))); err == nil {
			j.PostedAt = t
		}
	}
	j.Source = SourceGuest
	return j
}

func jsonLDDescription(page string) string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}
	for _, s := range findElements(doc, "script") {
		if getAttr(s, "type") != "application/ld+json" {
			continue
		}
		var data struct {
			Type        string `json:"@type"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal([]byte(textContent(s)), &data); err != nil {
			continue
		}
		if data.Type == "JobPosting" && data.Description != "" {
			return toMarkdown(html.UnescapeString(data.Description))
		}
	}
	return ""
}

func descriptionSection(page string) string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}
	for _, cls := range []string{"show-more-less-html__markup", "description__text", "job-description"} {
		if n := findByClass(doc, cls); n != nil {
			var sb strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				_ = html.Render(&sb, c)
			}
			return sb.String()
		}
	}
	return ""
}

// toMarkdown converts an HTML fragment to markdown. Plain text passes through.
func toMarkdown(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "<") {
		return s
	}
	md, err := htmltomarkdown.ConvertString(s)
	if err != nil || strings.TrimSpace(md) == "" {
		return engine.CleanHTML(s)
	}
	return strings.TrimSpace(md)
}

// --- HTML tree helpers ---

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, className string) bool {
	for _, c := range strings.Fields(getAttr(n, "class")) {
		if c == className {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

func findByClass(n *html.Node, className string) *html.Node {
	if n.Type == html.ElementNode && hasClass(n, className) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByClass(c, className); found != nil {
			return found
		}
	}
	return nil
}

func findElements(n *html.Node, tag string) []*html.Node {
	var results []*html.Node
	if n.Type == html.ElementNode && n.Data == tag {
		results = append(results, n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		results = append(results, findElements(c, tag)...)
	}
	return results
}
