package export

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"

	"sopdesk/api/internal/store"
)

// SOPStore defines the data access the exporter needs.
type SOPStore interface {
	GetSOP(ctx context.Context, id string) (store.SOP, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
}

// Service provides procedure export functionality
type Service struct {
	store SOPStore
}

// NewService creates a new export service
func NewService(store SOPStore) *Service {
	return &Service{store: store}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	sop, err := s.store.GetSOP(ctx, req.SOPID)
	if err != nil {
		return nil, fmt.Errorf("get sop: %w", err)
	}

	authorName := ""
	if author, err := s.store.GetUserByID(ctx, sop.CreatedByID); err == nil {
		authorName = author.DisplayName
	}

	data := TemplateData{
		Title:       sop.Title,
		Description: sop.Description,
		Version:     sop.Version,
		Status:      string(sop.Status),
		Author:      authorName,
		UpdatedAt:   sop.UpdatedAt,
	}

	for _, step := range sop.Steps {
		data.Steps = append(data.Steps, TemplateStep{
			Title:       step.Title,
			ContentHTML: template.HTML(renderStepHTML(step.Content)),
		})
	}

	html, err := RenderSOPHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, sop.Title)
	case FormatDOCX:
		return exportDOCX(html, sop.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

// renderStepHTML converts a step's rich-text JSON into HTML. Unparseable
// content renders as nothing rather than failing the whole export.
func renderStepHTML(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	return ProseMirrorToHTML(doc)
}
