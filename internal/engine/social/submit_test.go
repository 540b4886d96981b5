package social

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/jobs"
)

var _ jobs.Submitter = (*WebhookSubmitter)(nil)

func newTestSubmitter(t *testing.T, h http.HandlerFunc) *WebhookSubmitter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s := NewWebhookSubmitter(srv.URL, srv.Client(), 5*time.Second)
	s.retry = engine.RetryConfig{MaxRetries: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	return s
}

func TestWebhookSubmitterSendsApplication(t *testing.T) {
	var got submitRequest
	var key string
	s := newTestSubmitter(t, func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"external_id":"ext-42"}`))
	})

	id, err := s.Submit(context.Background(),
		jobs.Application{ID: "a1", UserID: "u1", JobID: "j1", CoverLetterID: "d1"},
		jobs.Job{ID: "j1", ExternalID: "987", URL: "https://example.com/jobs/987", Source: SourceAPI},
	)
	require.NoError(t, err)
	assert.Equal(t, "ext-42", id)
	assert.Equal(t, "a1", key)
	assert.Equal(t, "987", got.JobExternalID)
	assert.Equal(t, "d1", got.CoverLetterID)
}

func TestWebhookSubmitterRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	s := newTestSubmitter(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"external_id":"ext-1"}`))
	})

	id, err := s.Submit(context.Background(), jobs.Application{ID: "a1"}, jobs.Job{})
	require.NoError(t, err)
	assert.Equal(t, "ext-1", id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookSubmitterErrors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"rejected", http.StatusUnprocessableEntity, `{}`, engine.ErrValidation},
		{"outage", http.StatusBadGateway, ``, engine.ErrTransient},
		{"no id", http.StatusOK, `{"status":"ok"}`, engine.ErrMalformed},
		{"not json", http.StatusOK, `accepted`, engine.ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSubmitter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := s.Submit(context.Background(), jobs.Application{ID: "a1"}, jobs.Job{})
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}
