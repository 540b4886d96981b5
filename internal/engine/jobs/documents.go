package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DocumentGenerator turns analyzer call sites into stored documents.
type DocumentGenerator struct {
	analyzer *Analyzer
	now      func() time.Time
}

func NewDocumentGenerator(a *Analyzer) *DocumentGenerator {
	return &DocumentGenerator{analyzer: a, now: time.Now}
}

// Generate produces a document of kind for p and j. An unusable LLM reply
// still yields a document, marked Degraded; only transport failures error.
func (g *DocumentGenerator) Generate(ctx context.Context, kind DocumentKind, p Profile, j Job, notes string) (Document, error) {
	var (
		artifact any
		degraded bool
		err      error
	)
	switch kind {
	case KindCoverLetter:
		artifact, degraded, err = g.analyzer.CoverLetter(ctx, p, j, notes, "")
	case KindResumeTailoring:
		artifact, degraded, err = g.analyzer.TailorResume(ctx, p, j, notes)
	case KindInterviewPrep:
		artifact, degraded, err = g.analyzer.PrepareInterview(ctx, p, j, notes)
	default:
		_, err = ParseDocumentKind(string(kind))
		return Document{}, err
	}
	if err != nil {
		return Document{}, fmt.Errorf("generate %s: %w", kind, err)
	}
	content, err := json.Marshal(artifact)
	if err != nil {
		return Document{}, fmt.Errorf("generate %s: marshal: %w", kind, err)
	}
	return Document{
		ID:        DocumentID(p.UserID, j.ID, kind),
		UserID:    p.UserID,
		JobID:     j.ID,
		Kind:      kind,
		Notes:     notes,
		Content:   content,
		Degraded:  degraded,
		CreatedAt: g.now().UTC(),
	}, nil
}
