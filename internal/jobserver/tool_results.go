package jobserver

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/anatolykoptev/go_jobpilot/internal/engine/jobs"
)

type MatchListInput struct {
	UserID string `json:"user_id" jsonschema:"user whose stored ranking to return"`
}

type MatchListOutput struct {
	UserID  string `json:"user_id"`
	Count   int    `json:"count"`
	Matches any    `json:"matches"`
}

// ApplicationOutput is an application with its status history.
type ApplicationOutput struct {
	ID                    string `json:"id"`
	UserID                string `json:"user_id"`
	JobID                 string `json:"job_id"`
	Status                string `json:"status"`
	ResumeID              string `json:"resume_id,omitempty"`
	CoverLetterID         string `json:"cover_letter_id,omitempty"`
	ExternalApplicationID string `json:"external_application_id,omitempty"`
	History               any    `json:"history"`
}

type IDInput struct {
	ID string `json:"id"`
}

// DocumentOutput carries a generated document with its content decoded.
type DocumentOutput struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	Degraded  bool   `json:"degraded,omitempty"`
	Content   any    `json:"content"`
	CreatedAt string `json:"created_at"`
}

func registerMatchList(server *mcp.Server, r Results) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "match_list",
		Description: "List a user's stored job matches from the last find_matches run, best first, with vector, LLM and combined scores.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input MatchListInput) (*mcp.CallToolResult, *MatchListOutput, error) {
		if input.UserID == "" {
			return nil, nil, errors.New("user_id is required")
		}
		ms, err := r.ListMatches(ctx, input.UserID)
		if err != nil {
			return nil, nil, err
		}
		if ms == nil {
			ms = []jobs.MatchResult{}
		}
		return nil, &MatchListOutput{UserID: input.UserID, Count: len(ms), Matches: jsonValue(ms)}, nil
	})
}

func registerApplicationGet(server *mcp.Server, r Results) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "application_get",
		Description: "Get an application with its status (draft, prepared, submitted, failed), attached documents, external id and status history.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input IDInput) (*mcp.CallToolResult, *ApplicationOutput, error) {
		if input.ID == "" {
			return nil, nil, errors.New("id is required")
		}
		a, err := r.GetApplication(ctx, input.ID)
		if err != nil {
			return nil, nil, err
		}
		return nil, &ApplicationOutput{
			ID:                    a.ID,
			UserID:                a.UserID,
			JobID:                 a.JobID,
			Status:                string(a.Status),
			ResumeID:              a.ResumeID,
			CoverLetterID:         a.CoverLetterID,
			ExternalApplicationID: a.ExternalApplicationID,
			History:               jsonValue(a.History),
		}, nil
	})
}

func registerDocumentGet(server *mcp.Server, r Results) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "document_get",
		Description: "Get a generated document (cover letter, tailored resume or interview prep) by id.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input IDInput) (*mcp.CallToolResult, *DocumentOutput, error) {
		if input.ID == "" {
			return nil, nil, errors.New("id is required")
		}
		d, err := r.GetDocument(ctx, input.ID)
		if err != nil {
			return nil, nil, err
		}
		return nil, &DocumentOutput{
			ID:        d.ID,
			UserID:    d.UserID,
			JobID:     d.JobID,
			Kind:      string(d.Kind),
			Degraded:  d.Degraded,
			Content:   decodeRaw(d.Content),
			CreatedAt: d.CreatedAt.UTC().Format(time.RFC3339),
		}, nil
	})
}
