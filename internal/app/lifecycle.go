package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"sopdesk/api/internal/export"
	"sopdesk/api/internal/history"
	"sopdesk/api/internal/rbac"
	"sopdesk/api/internal/search"
	"sopdesk/api/internal/store"
	"sopdesk/api/internal/util"
)

type StepInput struct {
	Title   string          `json:"title"`
	Content json.RawMessage `json:"content"`
}

type SOPInput struct {
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	FolderIDs       []string    `json:"folderIds"`
	AssignedUserIDs []string    `json:"assignedUserIds"`
	Steps           []StepInput `json:"steps"`
}

// canEditSOP reports whether the session may mutate a document it did not
// necessarily author. Admin tier acts on anything; everyone else only on
// their own documents.
func canEditSOP(session Session, sop store.SOP) bool {
	return sop.CreatedByID == session.UserID || rbac.IsAdminTier(rbac.Normalize(session.Role))
}

func buildSteps(inputs []StepInput) []store.Step {
	steps := make([]store.Step, 0, len(inputs))
	for i, input := range inputs {
		steps = append(steps, store.Step{
			ID:         util.NewID("stp"),
			Title:      strings.TrimSpace(input.Title),
			Content:    input.Content,
			OrderIndex: i,
		})
	}
	return steps
}

func (s *Service) CreateSOP(ctx context.Context, session Session, input SOPInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, errValidation("title is required", nil)
	}

	sop := store.SOP{
		ID:              util.NewID("sop"),
		LineageID:       util.NewID("lin"),
		Title:           title,
		Description:     strings.TrimSpace(input.Description),
		Version:         1,
		Status:          store.StatusDraft,
		CreatedByID:     session.UserID,
		FolderIDs:       input.FolderIDs,
		AssignedUserIDs: input.AssignedUserIDs,
		Steps:           buildSteps(input.Steps),
	}
	if err := s.store.InsertSOP(ctx, sop); err != nil {
		return nil, err
	}

	if err := s.history.EnsureLineageRepo(sop.LineageID, historyContent(sop), session.UserName); err != nil {
		log.Printf("init lineage repo %s: %v", sop.LineageID, err)
	}
	s.indexSOP(sop)
	s.logActivity(ctx, session.UserID, session.UserName, "sop.created", "sop", sop.ID, title)
	return sopPayload(sop), nil
}

func (s *Service) GetSOP(ctx context.Context, session Session, sopID string) (map[string]any, error) {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if sop.Status == store.StatusDeleted && !canEditSOP(session, sop) {
		return nil, errNotFound("document not found")
	}
	return sopPayload(sop), nil
}

func (s *Service) ListSOPs(ctx context.Context, session Session, view, folderID, status string) ([]map[string]any, error) {
	if view == "trash" && !rbac.IsAdminTier(rbac.Normalize(session.Role)) {
		return nil, errNotAuthorized("only admins may browse the trash")
	}
	sops, err := s.store.ListSOPs(ctx, store.SOPFilter{
		View:     view,
		FolderID: folderID,
		Status:   store.SOPStatus(status),
	})
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(sops))
	for _, sop := range sops {
		payload = append(payload, sopPayload(sop))
	}
	return payload, nil
}

func (s *Service) SaveSOP(ctx context.Context, session Session, sopID string, input SOPInput) (map[string]any, error) {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if !canEditSOP(session, sop) {
		return nil, errNotAuthorized("you may not edit this document")
	}
	if sop.Status != store.StatusDraft && sop.Status != store.StatusRejected {
		return nil, errInvalidState(fmt.Sprintf("document is %s; only drafts and rejected documents can be edited", sop.Status))
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, errValidation("title is required", nil)
	}

	sop.Title = title
	sop.Description = strings.TrimSpace(input.Description)
	sop.FolderIDs = input.FolderIDs
	sop.AssignedUserIDs = input.AssignedUserIDs
	sop.Steps = buildSteps(input.Steps)

	ok, err := s.store.UpdateSOPContent(ctx, sop)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.sopStateError(ctx, sopID, "an editable state")
	}

	if _, err := s.history.CommitContent(sop.LineageID, sop.Version, historyContent(sop), session.UserName, "Edit "+title); err != nil {
		log.Printf("commit content %s v%d: %v", sop.LineageID, sop.Version, err)
	}
	s.indexSOP(sop)
	s.logActivity(ctx, session.UserID, session.UserName, "sop.saved", "sop", sop.ID, title)
	return sopPayload(sop), nil
}

// SubmitForApproval opens a PUBLISH request and parks the document in
// review. At most one request may be pending per document; racing
// submitters lose on the conditional update.
func (s *Service) SubmitForApproval(ctx context.Context, session Session, sopID, message string) (map[string]any, error) {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if !canEditSOP(session, sop) {
		return nil, errNotAuthorized("you may not submit this document")
	}
	if sop.Status != store.StatusDraft && sop.Status != store.StatusRejected {
		return nil, errInvalidState(fmt.Sprintf("document is %s; only drafts and rejected documents can be submitted", sop.Status))
	}
	if strings.TrimSpace(sop.Title) == "" || len(sop.Steps) == 0 {
		return nil, errValidation("document needs a title and at least one step before review", map[string]any{
			"steps": len(sop.Steps),
		})
	}

	request := store.ApprovalRequest{
		ID:            util.NewID("req"),
		SOPID:         sopID,
		Type:          store.RequestPublish,
		Status:        store.RequestPending,
		SubmittedByID: session.UserID,
		Message:       strings.TrimSpace(message),
	}
	if err := s.store.InsertApprovalRequest(ctx, request); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, errConflict("a request is already pending for this document")
		}
		return nil, err
	}

	ok, err := s.store.MarkSOPPending(ctx, sopID, request.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race. Retire the orphaned request so the pending slot
		// frees up, then report the state we actually observed.
		reason := "Superseded by a concurrent submission"
		if _, err := s.store.DecideApprovalRequest(ctx, request.ID, store.RequestRejected, session.UserID, &reason); err != nil {
			log.Printf("retire orphaned request %s: %v", request.ID, err)
		}
		return nil, s.sopStateError(ctx, sopID, "a submittable state")
	}

	s.appendHistory(ctx, store.ApprovalHistoryEntry{
		SOPID:      sopID,
		RequestID:  &request.ID,
		Action:     store.HistorySubmitted,
		ActorID:    session.UserID,
		ActorName:  session.UserName,
		Note:       request.Message,
		PrevStatus: sop.Status,
		NewStatus:  store.StatusPendingApproval,
	})
	s.logActivity(ctx, session.UserID, session.UserName, "sop.submitted", "sop", sopID, sop.Title)

	request.SOPTitle = sop.Title
	request.SOPVersion = sop.Version
	request.SubmitterName = session.UserName
	request.SubmitterRole = session.Role
	return requestPayload(request), nil
}

// ApproveRequest decides a pending request. PUBLISH approval moves the
// document to APPROVED, or straight to PUBLISHED when publishImmediately
// is set. EDIT approval never touches the document; it grants the
// submitter one version branch.
func (s *Service) ApproveRequest(ctx context.Context, session Session, requestID, note string, publishImmediately bool) (map[string]any, error) {
	note = strings.TrimSpace(note)
	request, err := s.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != store.RequestPending {
		return nil, errInvalidState("request is already decided")
	}
	if !rbac.CanApprove(rbac.Normalize(session.Role), rbac.Normalize(request.SubmitterRole)) {
		return nil, errNotAuthorized("approver must outrank the submitter")
	}

	ok, err := s.store.DecideApprovalRequest(ctx, requestID, store.RequestApproved, session.UserID, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errConflict("request was decided by another reviewer")
	}

	sop, err := s.store.GetSOP(ctx, request.SOPID)
	if err != nil {
		return nil, err
	}

	switch request.Type {
	case store.RequestPublish:
		newStatus := store.StatusApproved
		if publishImmediately {
			newStatus = store.StatusPublished
			ok, err = s.store.MarkSOPPublished(ctx, request.SOPID, []store.SOPStatus{store.StatusPendingApproval})
		} else {
			ok, err = s.store.MarkSOPApproved(ctx, request.SOPID)
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errConflict("document left review while the request was being decided")
		}
		s.appendHistory(ctx, store.ApprovalHistoryEntry{
			SOPID:      request.SOPID,
			RequestID:  &request.ID,
			Action:     store.HistoryApproved,
			ActorID:    session.UserID,
			ActorName:  session.UserName,
			Note:       note,
			PrevStatus: store.StatusPendingApproval,
			NewStatus:  newStatus,
		})
		if publishImmediately {
			if err := s.history.TagPublish(sop.LineageID, sop.Version); err != nil {
				log.Printf("tag publish %s v%d: %v", sop.LineageID, sop.Version, err)
			}
			s.appendHistory(ctx, store.ApprovalHistoryEntry{
				SOPID:      request.SOPID,
				RequestID:  &request.ID,
				Action:     store.HistoryPublished,
				ActorID:    session.UserID,
				ActorName:  session.UserName,
				PrevStatus: store.StatusApproved,
				NewStatus:  store.StatusPublished,
			})
		}
		sop.Status = newStatus
		s.indexSOP(sop)

	case store.RequestEdit:
		s.appendHistory(ctx, store.ApprovalHistoryEntry{
			SOPID:      request.SOPID,
			RequestID:  &request.ID,
			Action:     store.HistoryEditApproved,
			ActorID:    session.UserID,
			ActorName:  session.UserName,
			Note:       note,
			PrevStatus: sop.Status,
			NewStatus:  sop.Status,
		})
	}

	s.sendDecisionEmail(ctx, request, "APPROVED", note)
	s.logActivity(ctx, session.UserID, session.UserName, "request.approved", "request", requestID, request.SOPTitle)

	request.Status = store.RequestApproved
	request.ReviewedByID = &session.UserID
	return requestPayload(request), nil
}

// RejectRequest turns a pending request down. A reason is mandatory; the
// submitter deserves to know why.
func (s *Service) RejectRequest(ctx context.Context, session Session, requestID, reason string) (map[string]any, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errValidation("a rejection reason is required", nil)
	}

	request, err := s.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != store.RequestPending {
		return nil, errInvalidState("request is already decided")
	}
	if !rbac.CanApprove(rbac.Normalize(session.Role), rbac.Normalize(request.SubmitterRole)) {
		return nil, errNotAuthorized("approver must outrank the submitter")
	}

	ok, err := s.store.DecideApprovalRequest(ctx, requestID, store.RequestRejected, session.UserID, &reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errConflict("request was decided by another reviewer")
	}

	if request.Type == store.RequestPublish {
		if _, err := s.store.MarkSOPRejected(ctx, request.SOPID); err != nil {
			return nil, err
		}
		s.appendHistory(ctx, store.ApprovalHistoryEntry{
			SOPID:      request.SOPID,
			RequestID:  &request.ID,
			Action:     store.HistoryRejected,
			ActorID:    session.UserID,
			ActorName:  session.UserName,
			Note:       reason,
			PrevStatus: store.StatusPendingApproval,
			NewStatus:  store.StatusRejected,
		})
	} else {
		s.appendHistory(ctx, store.ApprovalHistoryEntry{
			SOPID:     request.SOPID,
			RequestID: &request.ID,
			Action:    store.HistoryRejected,
			ActorID:   session.UserID,
			ActorName: session.UserName,
			Note:      reason,
		})
	}

	s.sendDecisionEmail(ctx, request, "REJECTED", reason)
	s.logActivity(ctx, session.UserID, session.UserName, "request.rejected", "request", requestID, reason)

	request.Status = store.RequestRejected
	request.ReviewedByID = &session.UserID
	request.RejectionReason = &reason
	return requestPayload(request), nil
}

// RecallSubmission pulls a document back out of review. Only the user who
// submitted it may recall; the pending request is closed as rejected with
// a fixed note so the trail shows what happened.
func (s *Service) RecallSubmission(ctx context.Context, session Session, sopID string) (map[string]any, error) {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if sop.Status != store.StatusPendingApproval || sop.ActiveApprovalRequestID == nil {
		return nil, errInvalidState("document is not awaiting review")
	}
	request, err := s.store.GetApprovalRequest(ctx, *sop.ActiveApprovalRequestID)
	if err != nil {
		return nil, err
	}
	if request.SubmittedByID != session.UserID {
		return nil, errNotAuthorized("only the submitter may recall a submission")
	}

	ok, err := s.store.MarkSOPDraft(ctx, sopID, []store.SOPStatus{store.StatusPendingApproval})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.sopStateError(ctx, sopID, "pending approval")
	}

	reason := "Recalled by submitter"
	if _, err := s.store.DecideApprovalRequest(ctx, request.ID, store.RequestRejected, session.UserID, &reason); err != nil {
		log.Printf("close recalled request %s: %v", request.ID, err)
	}
	s.appendHistory(ctx, store.ApprovalHistoryEntry{
		SOPID:      sopID,
		RequestID:  &request.ID,
		Action:     store.HistoryRevisionRequested,
		ActorID:    session.UserID,
		ActorName:  session.UserName,
		Note:       reason,
		PrevStatus: store.StatusPendingApproval,
		NewStatus:  store.StatusDraft,
	})
	s.logActivity(ctx, session.UserID, session.UserName, "sop.recalled", "sop", sopID, sop.Title)

	sop.Status = store.StatusDraft
	sop.ActiveApprovalRequestID = nil
	return sopPayload(sop), nil
}

// PublishSOP makes a document live. The top role publishes from any
// editable state; everyone else may only flip their own APPROVED
// document to PUBLISHED.
func (s *Service) PublishSOP(ctx context.Context, session Session, sopID, note string) (map[string]any, error) {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}

	var from []store.SOPStatus
	switch {
	case rbac.CanPublishDirectly(rbac.Normalize(session.Role)):
		from = []store.SOPStatus{store.StatusDraft, store.StatusApproved, store.StatusRejected}
	case sop.Status == store.StatusApproved && canEditSOP(session, sop):
		from = []store.SOPStatus{store.StatusApproved}
	case sop.Status == store.StatusApproved:
		return nil, errNotAuthorized("you may not publish this document")
	default:
		return nil, errNotAuthorized("only the top role may publish without approval")
	}

	ok, err := s.store.MarkSOPPublished(ctx, sopID, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.sopStateError(ctx, sopID, "a publishable state")
	}

	if err := s.history.TagPublish(sop.LineageID, sop.Version); err != nil {
		log.Printf("tag publish %s v%d: %v", sop.LineageID, sop.Version, err)
	}
	s.appendHistory(ctx, store.ApprovalHistoryEntry{
		SOPID:      sopID,
		Action:     store.HistoryPublished,
		ActorID:    session.UserID,
		ActorName:  session.UserName,
		Note:       strings.TrimSpace(note),
		PrevStatus: sop.Status,
		NewStatus:  store.StatusPublished,
	})
	s.logActivity(ctx, session.UserID, session.UserName, "sop.published", "sop", sopID, sop.Title)

	sop.Status = store.StatusPublished
	s.indexSOP(sop)
	return sopPayload(sop), nil
}

// RequestEdit asks permission to branch a new version of a live document.
// The document itself stays untouched until the request is approved and
// consumed by CreateNewVersion.
func (s *Service) RequestEdit(ctx context.Context, session Session, sopID, message string) (map[string]any, error) {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if sop.Status != store.StatusPublished && sop.Status != store.StatusApproved {
		return nil, errInvalidState(fmt.Sprintf("document is %s; edit requests apply to published documents", sop.Status))
	}

	request := store.ApprovalRequest{
		ID:            util.NewID("req"),
		SOPID:         sopID,
		Type:          store.RequestEdit,
		Status:        store.RequestPending,
		SubmittedByID: session.UserID,
		Message:       strings.TrimSpace(message),
	}
	if err := s.store.InsertApprovalRequest(ctx, request); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, errConflict("a request is already pending for this document")
		}
		return nil, err
	}

	s.appendHistory(ctx, store.ApprovalHistoryEntry{
		SOPID:      sopID,
		RequestID:  &request.ID,
		Action:     store.HistoryEditRequested,
		ActorID:    session.UserID,
		ActorName:  session.UserName,
		Note:       request.Message,
		PrevStatus: sop.Status,
		NewStatus:  sop.Status,
	})
	s.logActivity(ctx, session.UserID, session.UserName, "sop.edit_requested", "sop", sopID, sop.Title)

	request.SOPTitle = sop.Title
	request.SOPVersion = sop.Version
	request.SubmitterName = session.UserName
	request.SubmitterRole = session.Role
	return requestPayload(request), nil
}

// CreateNewVersion branches a live document into a fresh DRAFT row with
// the next version number. The source row is never mutated. Non-top
// roles must burn an approved edit request to branch.
func (s *Service) CreateNewVersion(ctx context.Context, session Session, sopID string) (map[string]any, error) {
	source, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	switch source.Status {
	case store.StatusPublished, store.StatusApproved, store.StatusArchived:
	default:
		return nil, errInvalidState(fmt.Sprintf("document is %s; only live documents can be branched", source.Status))
	}

	if !rbac.CanPublishDirectly(rbac.Normalize(session.Role)) {
		ok, err := s.store.ConsumeEditRequest(ctx, sopID, session.UserID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errNotAuthorized("an approved edit request is required to create a new version")
		}
	}

	next, err := s.store.NextVersion(ctx, source.LineageID)
	if err != nil {
		return nil, err
	}

	draft := copySOP(source, session.UserID)
	draft.LineageID = source.LineageID
	draft.Version = next
	if err := s.store.InsertSOP(ctx, draft); err != nil {
		return nil, err
	}

	if err := s.history.EnsureVersionBranch(source.LineageID, next, source.Version); err != nil {
		log.Printf("branch %s v%d from v%d: %v", source.LineageID, next, source.Version, err)
	}
	s.indexSOP(draft)
	s.logActivity(ctx, session.UserID, session.UserName, "sop.new_version", "sop", draft.ID,
		fmt.Sprintf("%s v%d", source.Title, next))
	return sopPayload(draft), nil
}

// DuplicateSOP copies a document into a brand new lineage at version 1.
func (s *Service) DuplicateSOP(ctx context.Context, session Session, sopID string) (map[string]any, error) {
	source, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if source.Status == store.StatusDeleted {
		return nil, errInvalidState("document is in the trash")
	}

	dup := copySOP(source, session.UserID)
	dup.LineageID = util.NewID("lin")
	dup.Version = 1
	dup.Title = source.Title + " (Copy)"
	if err := s.store.InsertSOP(ctx, dup); err != nil {
		return nil, err
	}

	if err := s.history.EnsureLineageRepo(dup.LineageID, historyContent(dup), session.UserName); err != nil {
		log.Printf("init lineage repo %s: %v", dup.LineageID, err)
	}
	s.indexSOP(dup)
	s.logActivity(ctx, session.UserID, session.UserName, "sop.duplicated", "sop", dup.ID, dup.Title)
	return sopPayload(dup), nil
}

func copySOP(source store.SOP, ownerID string) store.SOP {
	steps := make([]store.Step, 0, len(source.Steps))
	for i, step := range source.Steps {
		steps = append(steps, store.Step{
			ID:         util.NewID("stp"),
			Title:      step.Title,
			Content:    step.Content,
			OrderIndex: i,
		})
	}
	return store.SOP{
		ID:              util.NewID("sop"),
		Title:           source.Title,
		Description:     source.Description,
		Status:          store.StatusDraft,
		CreatedByID:     ownerID,
		FolderIDs:       source.FolderIDs,
		AssignedUserIDs: source.AssignedUserIDs,
		Steps:           steps,
	}
}

func (s *Service) ArchiveSOP(ctx context.Context, session Session, sopID string) (map[string]any, error) {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if !canEditSOP(session, sop) {
		return nil, errNotAuthorized("you may not archive this document")
	}
	ok, err := s.store.ArchiveSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.sopStateError(ctx, sopID, "published or approved")
	}
	s.logActivity(ctx, session.UserID, session.UserName, "sop.archived", "sop", sopID, sop.Title)

	sop.Status = store.StatusArchived
	s.indexSOP(sop)
	return sopPayload(sop), nil
}

func (s *Service) UnarchiveSOP(ctx context.Context, session Session, sopID string) (map[string]any, error) {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if !canEditSOP(session, sop) {
		return nil, errNotAuthorized("you may not unarchive this document")
	}
	ok, err := s.store.MarkSOPDraft(ctx, sopID, []store.SOPStatus{store.StatusArchived})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.sopStateError(ctx, sopID, "archived")
	}
	s.logActivity(ctx, session.UserID, session.UserName, "sop.unarchived", "sop", sopID, sop.Title)

	sop.Status = store.StatusDraft
	s.indexSOP(sop)
	return sopPayload(sop), nil
}

// MoveToTrash soft deletes. The row survives until the retention window
// lapses, so a restore gets everything back including steps.
func (s *Service) MoveToTrash(ctx context.Context, session Session, sopID, reason string) (map[string]any, error) {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if !canEditSOP(session, sop) {
		return nil, errNotAuthorized("you may not delete this document")
	}
	if sop.Status == store.StatusDeleted {
		return nil, errInvalidState("document is already in the trash")
	}

	purgeAt := time.Now().AddDate(0, 0, s.cfg.TrashRetentionDays)
	ok, err := s.store.SoftDeleteSOP(ctx, sopID, session.UserID, strings.TrimSpace(reason), purgeAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errInvalidState("document is already in the trash")
	}

	s.search.DeleteSOP(sopID)
	s.logActivity(ctx, session.UserID, session.UserName, "sop.trashed", "sop", sopID, sop.Title)

	sop.Status = store.StatusDeleted
	sop.PermanentDeleteAt = &purgeAt
	return sopPayload(sop), nil
}

// RestoreFromTrash always lands on DRAFT: the document left circulation
// the moment it was deleted, so it re-enters review from the start.
func (s *Service) RestoreFromTrash(ctx context.Context, session Session, sopID string) (map[string]any, error) {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if !canEditSOP(session, sop) {
		return nil, errNotAuthorized("you may not restore this document")
	}
	ok, err := s.store.RestoreSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errInvalidState("document is not in the trash")
	}
	s.logActivity(ctx, session.UserID, session.UserName, "sop.restored", "sop", sopID, sop.Title)

	sop.Status = store.StatusDraft
	sop.DeletedAt = nil
	sop.PermanentDeleteAt = nil
	s.indexSOP(sop)
	return sopPayload(sop), nil
}

func (s *Service) HardDeleteSOP(ctx context.Context, session Session, sopID string) error {
	if !rbac.IsAdminTier(rbac.Normalize(session.Role)) {
		return errNotAuthorized("only admins may permanently delete documents")
	}
	ok, err := s.store.HardDeleteSOP(ctx, sopID)
	if err != nil {
		return err
	}
	if !ok {
		return errInvalidState("only trashed documents can be permanently removed")
	}
	s.search.DeleteSOP(sopID)
	s.logActivity(ctx, session.UserID, session.UserName, "sop.purged", "sop", sopID, "")
	return nil
}

// ApprovalQueue lists pending requests the session is allowed to decide.
func (s *Service) ApprovalQueue(ctx context.Context, session Session) ([]map[string]any, error) {
	requests, err := s.store.ListPendingRequests(ctx)
	if err != nil {
		return nil, err
	}
	role := rbac.Normalize(session.Role)
	payload := make([]map[string]any, 0, len(requests))
	for _, request := range requests {
		if !rbac.CanApprove(role, rbac.Normalize(request.SubmitterRole)) {
			continue
		}
		payload = append(payload, requestPayload(request))
	}
	return payload, nil
}

func (s *Service) MyRequests(ctx context.Context, session Session) ([]map[string]any, error) {
	requests, err := s.store.ListRequestsBySubmitter(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(requests))
	for _, request := range requests {
		payload = append(payload, requestPayload(request))
	}
	return payload, nil
}

// ContentHistory returns the git commit log for this version alongside
// the approval trail.
func (s *Service) ContentHistory(ctx context.Context, session Session, sopID string) (map[string]any, error) {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}

	commits, err := s.history.History(sop.LineageID, sop.Version, 50)
	if err != nil {
		log.Printf("content history %s v%d: %v", sop.LineageID, sop.Version, err)
		commits = nil
	}
	commitItems := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		commitItems = append(commitItems, map[string]any{
			"hash":      commit.Hash,
			"message":   commit.Message,
			"author":    commit.Author,
			"createdAt": commit.CreatedAt,
		})
	}

	entries, err := s.store.ListApprovalHistory(ctx, sopID)
	if err != nil {
		return nil, err
	}
	trail := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		trail = append(trail, map[string]any{
			"id":         entry.ID,
			"requestId":  entry.RequestID,
			"action":     entry.Action,
			"actorId":    entry.ActorID,
			"actorName":  entry.ActorName,
			"note":       entry.Note,
			"prevStatus": entry.PrevStatus,
			"newStatus":  entry.NewStatus,
			"createdAt":  entry.CreatedAt,
		})
	}

	return map[string]any{
		"sopId":     sopID,
		"version":   sop.Version,
		"commits":   commitItems,
		"approvals": trail,
	}, nil
}

func (s *Service) ExportSOP(ctx context.Context, session Session, sopID string, format export.Format) (*export.Result, error) {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if sop.Status == store.StatusDeleted && !canEditSOP(session, sop) {
		return nil, errNotFound("document not found")
	}
	return s.exporter.Export(ctx, export.Request{SOPID: sopID, Format: format})
}

// sopStateError re-reads the document after a lost conditional update and
// reports the state actually observed.
func (s *Service) sopStateError(ctx context.Context, sopID, expected string) error {
	sop, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return err
	}
	return errInvalidState(fmt.Sprintf("document is %s, expected %s", sop.Status, expected))
}

func (s *Service) sendDecisionEmail(ctx context.Context, request store.ApprovalRequest, decision, note string) {
	if !s.SMTPConfigured() {
		return
	}
	submitter, err := s.store.GetUserByID(ctx, request.SubmittedByID)
	if err != nil || submitter.Email == "" {
		return
	}
	if err := s.mail.SendDecisionEmail(submitter.Email, request.SOPTitle, decision, note); err != nil {
		log.Printf("send decision email for %s: %v", request.ID, err)
	}
}

func (s *Service) indexSOP(sop store.SOP) {
	if sop.Status == store.StatusDeleted {
		s.search.DeleteSOP(sop.ID)
		return
	}
	var stepText strings.Builder
	for _, step := range sop.Steps {
		if stepText.Len() > 0 {
			stepText.WriteByte(' ')
		}
		stepText.WriteString(step.Title)
	}
	s.search.IndexSOP(search.SOPRecord{
		ID:          sop.ID,
		Title:       sop.Title,
		Description: sop.Description,
		StepText:    stepText.String(),
		Status:      string(sop.Status),
		Version:     sop.Version,
	})
}

func historyContent(sop store.SOP) history.Content {
	steps := make([]history.StepContent, 0, len(sop.Steps))
	for _, step := range sop.Steps {
		steps = append(steps, history.StepContent{Title: step.Title, Content: step.Content})
	}
	return history.Content{
		Title:       sop.Title,
		Description: sop.Description,
		Steps:       steps,
	}
}

func sopPayload(sop store.SOP) map[string]any {
	steps := make([]map[string]any, 0, len(sop.Steps))
	for _, step := range sop.Steps {
		content := step.Content
		if len(content) == 0 {
			content = json.RawMessage(`{}`)
		}
		steps = append(steps, map[string]any{
			"id":         step.ID,
			"title":      step.Title,
			"content":    content,
			"orderIndex": step.OrderIndex,
		})
	}
	return map[string]any{
		"id":                      sop.ID,
		"lineageId":               sop.LineageID,
		"title":                   sop.Title,
		"description":             sop.Description,
		"version":                 sop.Version,
		"status":                  sop.Status,
		"createdById":             sop.CreatedByID,
		"folderIds":               nonNilList(sop.FolderIDs),
		"assignedUserIds":         nonNilList(sop.AssignedUserIDs),
		"activeApprovalRequestId": sop.ActiveApprovalRequestID,
		"approvedAt":              sop.ApprovedAt,
		"publishedAt":             sop.PublishedAt,
		"deletedAt":               sop.DeletedAt,
		"deleteReason":            sop.DeleteReason,
		"permanentDeleteAt":       sop.PermanentDeleteAt,
		"createdAt":               sop.CreatedAt,
		"updatedAt":               sop.UpdatedAt,
		"steps":                   steps,
	}
}

func requestPayload(request store.ApprovalRequest) map[string]any {
	return map[string]any{
		"id":              request.ID,
		"sopId":           request.SOPID,
		"type":            request.Type,
		"status":          request.Status,
		"submittedById":   request.SubmittedByID,
		"message":         request.Message,
		"reviewedById":    request.ReviewedByID,
		"reviewedAt":      request.ReviewedAt,
		"rejectionReason": request.RejectionReason,
		"createdAt":       request.CreatedAt,
		"sopTitle":        request.SOPTitle,
		"sopVersion":      request.SOPVersion,
		"submitterName":   request.SubmitterName,
		"submitterRole":   request.SubmitterRole,
	}
}

func nonNilList(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
