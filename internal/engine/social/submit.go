package social

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/jobs"
)

// WebhookSubmitter hands prepared applications to an external submission
// service over HTTP and reads back its application id.
type WebhookSubmitter struct {
	url     string
	http    *http.Client
	timeout time.Duration
	retry   engine.RetryConfig
}

// NewWebhookSubmitter posts to url. hc may be nil.
func NewWebhookSubmitter(url string, hc *http.Client, timeout time.Duration) *WebhookSubmitter {
	if hc == nil {
		hc = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookSubmitter{url: url, http: hc, timeout: timeout, retry: engine.DefaultRetryConfig}
}

type submitRequest struct {
	ApplicationID string `json:"application_id"`
	UserID        string `json:"user_id"`
	JobID         string `json:"job_id"`
	JobURL        string `json:"job_url,omitempty"`
	JobExternalID string `json:"job_external_id,omitempty"`
	Source        string `json:"source,omitempty"`
	ResumeID      string `json:"resume_id,omitempty"`
	CoverLetterID string `json:"cover_letter_id,omitempty"`
}

type submitResponse struct {
	ExternalID string `json:"external_id"`
}

// Submit posts the application and returns the external id.
func (w *WebhookSubmitter) Submit(ctx context.Context, a jobs.Application, j jobs.Job) (string, error) {
	body, err := json.Marshal(submitRequest{
		ApplicationID: a.ID,
		UserID:        a.UserID,
		JobID:         a.JobID,
		JobURL:        j.URL,
		JobExternalID: j.ExternalID,
		Source:        j.Source,
		ResumeID:      a.ResumeID,
		CoverLetterID: a.CoverLetterID,
	})
	if err != nil {
		return "", fmt.Errorf("submit: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	resp, err := engine.RetryHTTP(ctx, w.retry, "submit", func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return nil, engine.Invalid("submit: bad webhook url: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		// Same key on every attempt so the receiver can drop duplicates.
		req.Header.Set("Idempotency-Key", a.ID)
		engine.IncrSocialRequests()
		return w.http.Do(req)
	})
	if err != nil {
		engine.IncrSocialErrors()
		if engine.IsTransient(err) && !errors.Is(err, engine.ErrTransient) {
			return "", engine.Transient("submit", err)
		}
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		return "", engine.Transient("submit: read", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", engine.StatusError("submit", resp.StatusCode)
	}

	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", engine.Malformed("submit", err)
	}
	if out.ExternalID == "" {
		return "", engine.Malformed("submit", errors.New("response has no external_id"))
	}
	return out.ExternalID, nil
}
