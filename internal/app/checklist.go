package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sopdesk/api/internal/search"
	"sopdesk/api/internal/store"
	"sopdesk/api/internal/util"
)

// CreateChecklist freezes a live document into an executable run. Steps
// are copied by value with the version stamp, so later edits to the
// source never reach a checklist already in flight.
func (s *Service) CreateChecklist(ctx context.Context, session Session, sopID, name string, dueDate *time.Time) (map[string]any, error) {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if sop.Status != store.StatusPublished && sop.Status != store.StatusApproved {
		return nil, errInvalidState(fmt.Sprintf("document is %s; checklists run against published documents", sop.Status))
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = sop.Title
	}

	checklist := store.Checklist{
		ID:          util.NewID("chk"),
		SOPID:       sop.ID,
		SOPTitle:    sop.Title,
		SOPVersion:  sop.Version,
		Name:        name,
		Status:      store.ChecklistActive,
		Progress:    0,
		DueDate:     dueDate,
		CreatedByID: session.UserID,
	}
	for i, step := range sop.Steps {
		checklist.Steps = append(checklist.Steps, store.ChecklistStep{
			ID:          util.NewID("cst"),
			ChecklistID: checklist.ID,
			Title:       step.Title,
			Content:     step.Content,
			OrderIndex:  i,
		})
	}

	if err := s.store.InsertChecklist(ctx, checklist); err != nil {
		return nil, err
	}

	s.search.IndexChecklist(search.ChecklistRecord{
		ID:       checklist.ID,
		Name:     checklist.Name,
		SOPTitle: checklist.SOPTitle,
		Status:   string(checklist.Status),
	})
	s.logActivity(ctx, session.UserID, session.UserName, "checklist.created", "checklist", checklist.ID, name)
	return checklistPayload(checklist), nil
}

func (s *Service) GetChecklist(ctx context.Context, checklistID string) (map[string]any, error) {
	checklist, err := s.store.GetChecklist(ctx, checklistID)
	if err != nil {
		return nil, err
	}
	return checklistPayload(checklist), nil
}

func (s *Service) ListChecklists(ctx context.Context) ([]map[string]any, error) {
	checklists, err := s.store.ListChecklists(ctx)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(checklists))
	for _, checklist := range checklists {
		payload = append(payload, checklistPayload(checklist))
	}
	return payload, nil
}

// ToggleChecklistStep flips one step and recomputes progress. A resolved
// checklist is frozen; toggles bounce off it.
func (s *Service) ToggleChecklistStep(ctx context.Context, session Session, checklistID, stepID string, completed bool) (map[string]any, error) {
	checklist, err := s.store.GetChecklist(ctx, checklistID)
	if err != nil {
		return nil, err
	}
	if checklist.Status == store.ChecklistResolved {
		return nil, errInvalidState("checklist is already resolved")
	}

	var completedBy *string
	if completed {
		completedBy = &session.UserID
	}
	ok, err := s.store.SetChecklistStepCompletion(ctx, checklistID, stepID, completed, completedBy)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Either the step id is wrong or someone resolved the checklist
		// under us. Re-read to tell them apart.
		current, err := s.store.GetChecklist(ctx, checklistID)
		if err != nil {
			return nil, err
		}
		if current.Status == store.ChecklistResolved {
			return nil, errInvalidState("checklist is already resolved")
		}
		return nil, errNotFound("checklist step not found")
	}

	if _, err := s.store.RecomputeChecklistProgress(ctx, checklistID); err != nil {
		return nil, err
	}

	updated, err := s.store.GetChecklist(ctx, checklistID)
	if err != nil {
		return nil, err
	}
	s.search.IndexChecklist(search.ChecklistRecord{
		ID:       updated.ID,
		Name:     updated.Name,
		SOPTitle: updated.SOPTitle,
		Status:   string(updated.Status),
	})
	return checklistPayload(updated), nil
}

// ResolveChecklist closes out a run. Every step must be done first.
func (s *Service) ResolveChecklist(ctx context.Context, session Session, checklistID, finalNotes string) (map[string]any, error) {
	checklist, err := s.store.GetChecklist(ctx, checklistID)
	if err != nil {
		return nil, err
	}
	if checklist.Status == store.ChecklistResolved {
		return nil, errInvalidState("checklist is already resolved")
	}
	if checklist.Progress < 100 {
		return nil, errInvalidState("all steps must be completed before resolving")
	}

	ok, err := s.store.ResolveChecklist(ctx, checklistID, session.UserID, strings.TrimSpace(finalNotes))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errConflict("checklist changed while resolving")
	}

	s.logActivity(ctx, session.UserID, session.UserName, "checklist.resolved", "checklist", checklistID, checklist.Name)
	resolved, err := s.store.GetChecklist(ctx, checklistID)
	if err != nil {
		return nil, err
	}
	s.search.IndexChecklist(search.ChecklistRecord{
		ID:       resolved.ID,
		Name:     resolved.Name,
		SOPTitle: resolved.SOPTitle,
		Status:   string(resolved.Status),
	})
	return checklistPayload(resolved), nil
}

// ResetChecklist wipes all completions and reopens the run.
func (s *Service) ResetChecklist(ctx context.Context, session Session, checklistID string) (map[string]any, error) {
	if _, err := s.store.GetChecklist(ctx, checklistID); err != nil {
		return nil, err
	}
	if err := s.store.ResetChecklist(ctx, checklistID); err != nil {
		return nil, err
	}
	s.logActivity(ctx, session.UserID, session.UserName, "checklist.reset", "checklist", checklistID, "")
	checklist, err := s.store.GetChecklist(ctx, checklistID)
	if err != nil {
		return nil, err
	}
	return checklistPayload(checklist), nil
}

func (s *Service) DeleteChecklist(ctx context.Context, session Session, checklistID string) error {
	checklist, err := s.store.GetChecklist(ctx, checklistID)
	if err != nil {
		return err
	}
	ok, err := s.store.DeleteChecklist(ctx, checklistID)
	if err != nil {
		return err
	}
	if !ok {
		return errNotFound("checklist not found")
	}
	s.search.DeleteChecklist(checklistID)
	s.logActivity(ctx, session.UserID, session.UserName, "checklist.deleted", "checklist", checklistID, checklist.Name)
	return nil
}

func checklistPayload(checklist store.Checklist) map[string]any {
	steps := make([]map[string]any, 0, len(checklist.Steps))
	for _, step := range checklist.Steps {
		content := step.Content
		if len(content) == 0 {
			content = json.RawMessage(`{}`)
		}
		steps = append(steps, map[string]any{
			"id":          step.ID,
			"title":       step.Title,
			"content":     content,
			"orderIndex":  step.OrderIndex,
			"isCompleted": step.IsCompleted,
			"completedAt": step.CompletedAt,
			"completedBy": step.CompletedBy,
		})
	}
	return map[string]any{
		"id":          checklist.ID,
		"sopId":       checklist.SOPID,
		"sopTitle":    checklist.SOPTitle,
		"sopVersion":  checklist.SOPVersion,
		"name":        checklist.Name,
		"status":      checklist.Status,
		"progress":    checklist.Progress,
		"dueDate":     checklist.DueDate,
		"createdById": checklist.CreatedByID,
		"resolvedAt":  checklist.ResolvedAt,
		"resolvedBy":  checklist.ResolvedBy,
		"finalNotes":  checklist.FinalNotes,
		"createdAt":   checklist.CreatedAt,
		"updatedAt":   checklist.UpdatedAt,
		"steps":       steps,
	}
}
