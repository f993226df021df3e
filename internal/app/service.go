package app

import (
	"context"
	"log"
	"strings"
	"time"

	"sopdesk/api/internal/auth"
	"sopdesk/api/internal/authpw"
	"sopdesk/api/internal/config"
	"sopdesk/api/internal/export"
	"sopdesk/api/internal/history"
	"sopdesk/api/internal/rbac"
	"sopdesk/api/internal/search"
	"sopdesk/api/internal/store"
	"sopdesk/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// dataStore is the slice of the persistence layer the workflow service
// depends on. Tests substitute a fake.
type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CountUsers(context.Context) (int, error)
	ListUsers(context.Context) ([]store.User, error)
	UpdateUserRole(context.Context, string, string) error
	DeactivateUser(context.Context, string) error

	InsertInvite(context.Context, store.UserInvite) error
	GetInviteByTokenHash(context.Context, string) (store.UserInvite, error)
	ListInvites(context.Context) ([]store.UserInvite, error)
	MarkInviteAccepted(context.Context, string) (bool, error)
	RevokeInvite(context.Context, string) (bool, error)

	InsertFolder(context.Context, store.Folder) error
	ListFolders(context.Context) ([]store.Folder, error)

	InsertSOP(context.Context, store.SOP) error
	GetSOP(context.Context, string) (store.SOP, error)
	ListSOPs(context.Context, store.SOPFilter) ([]store.SOP, error)
	UpdateSOPContent(context.Context, store.SOP) (bool, error)
	MarkSOPPending(context.Context, string, string) (bool, error)
	MarkSOPApproved(context.Context, string) (bool, error)
	MarkSOPRejected(context.Context, string) (bool, error)
	MarkSOPPublished(context.Context, string, []store.SOPStatus) (bool, error)
	MarkSOPDraft(context.Context, string, []store.SOPStatus) (bool, error)
	ArchiveSOP(context.Context, string) (bool, error)
	SoftDeleteSOP(context.Context, string, string, string, time.Time) (bool, error)
	RestoreSOP(context.Context, string) (bool, error)
	HardDeleteSOP(context.Context, string) (bool, error)
	PurgeExpiredTrash(context.Context, time.Time) (int64, error)
	NextVersion(context.Context, string) (int, error)

	InsertApprovalRequest(context.Context, store.ApprovalRequest) error
	GetApprovalRequest(context.Context, string) (store.ApprovalRequest, error)
	DecideApprovalRequest(context.Context, string, store.RequestStatus, string, *string) (bool, error)
	ListPendingRequests(context.Context) ([]store.ApprovalRequest, error)
	ListRequestsBySubmitter(context.Context, string) ([]store.ApprovalRequest, error)
	ConsumeEditRequest(context.Context, string, string) (bool, error)

	InsertApprovalHistory(context.Context, store.ApprovalHistoryEntry) error
	ListApprovalHistory(context.Context, string) ([]store.ApprovalHistoryEntry, error)

	InsertChecklist(context.Context, store.Checklist) error
	GetChecklist(context.Context, string) (store.Checklist, error)
	ListChecklists(context.Context) ([]store.Checklist, error)
	SetChecklistStepCompletion(context.Context, string, string, bool, *string) (bool, error)
	RecomputeChecklistProgress(context.Context, string) (int, error)
	ResolveChecklist(context.Context, string, string, string) (bool, error)
	ResetChecklist(context.Context, string) error
	DeleteChecklist(context.Context, string) (bool, error)

	InsertActivity(context.Context, store.ActivityLog) error
	ListActivity(context.Context, int) ([]store.ActivityLog, error)

	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

// contentHistory is the git-backed version history behind each lineage.
type contentHistory interface {
	EnsureLineageRepo(lineageID string, initial history.Content, author string) error
	EnsureVersionBranch(lineageID string, version, fromVersion int) error
	CommitContent(lineageID string, version int, content history.Content, author, message string) (store.CommitInfo, error)
	History(lineageID string, version, limit int) ([]store.CommitInfo, error)
	TagPublish(lineageID string, version int) error
}

// sessionStore holds refresh sessions keyed by token hash.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexSOP(record search.SOPRecord)
	IndexChecklist(record search.ChecklistRecord)
	DeleteSOP(id string)
	DeleteChecklist(id string)
}

type mailer interface {
	IsConfigured() bool
	SendInviteEmail(to, inviterName, role, acceptURL, message string) error
	SendDecisionEmail(to, sopTitle, decision, note string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	history  contentHistory
	sessions sessionStore
	search   searchIndex
	mail     mailer
	pw       *authpw.Service
	exporter *export.Service
}

func New(
	cfg config.Config,
	dataStore dataStore,
	contentHistory contentHistory,
	sessions sessionStore,
	searchIndex searchIndex,
	mail mailer,
	pw *authpw.Service,
	exporter *export.Service,
) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		history:  contentHistory,
		sessions: sessions,
		search:   searchIndex,
		mail:     mail,
		pw:       pw,
		exporter: exporter,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

// Authentication

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.pw.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	s.logActivity(ctx, user.ID, user.DisplayName, "user.signup", "user", user.ID, user.Email)
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.pw.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The redis record carries a stale role snapshot; re-read so a role
	// change or deactivation takes effect on the next rotation.
	current, err := s.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	if current.Status == store.UserDeactivated || current.Status == store.UserSuspended {
		return Session{}, authpw.ErrAccountDeactivated
	}
	return s.issueSession(ctx, current)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	if user.Status == store.UserDeactivated || user.Status == store.UserSuspended {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Users

func (s *Service) ListUsers(ctx context.Context, session Session) ([]map[string]any, error) {
	if !rbac.IsAdminTier(rbac.Normalize(session.Role)) {
		return nil, errNotAuthorized("only admins may list users")
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(users))
	for _, user := range users {
		payload = append(payload, userPayload(user))
	}
	return payload, nil
}

func (s *Service) ChangeUserRole(ctx context.Context, session Session, userID, newRole string) (map[string]any, error) {
	actor := rbac.Normalize(session.Role)
	target := rbac.Normalize(newRole)
	if string(target) != newRole {
		return nil, errValidation("unknown role", map[string]any{"role": newRole})
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanManageUser(actor, rbac.Normalize(user.Role)) || !rbac.CanManageUser(actor, target) {
		return nil, errNotAuthorized("you may not manage this user")
	}
	if err := s.store.UpdateUserRole(ctx, userID, string(target)); err != nil {
		return nil, err
	}
	s.logActivity(ctx, session.UserID, session.UserName, "user.role_changed", "user", userID, string(target))
	user.Role = string(target)
	return userPayload(user), nil
}

func (s *Service) DeactivateUser(ctx context.Context, session Session, userID string) error {
	if userID == session.UserID {
		return errValidation("you cannot deactivate your own account", nil)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !rbac.CanDeactivateUser(rbac.Normalize(session.Role), rbac.Normalize(user.Role)) {
		return errNotAuthorized("you may not deactivate this user")
	}
	if err := s.store.DeactivateUser(ctx, userID); err != nil {
		return err
	}
	s.logActivity(ctx, session.UserID, session.UserName, "user.deactivated", "user", userID, user.Email)
	return nil
}

// Invites

const inviteTTL = 7 * 24 * time.Hour

func (s *Service) InviteUser(ctx context.Context, session Session, email, role, message string) (map[string]any, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, errValidation("email is required", nil)
	}
	target := rbac.Normalize(role)
	if string(target) != role {
		return nil, errValidation("unknown role", map[string]any{"role": role})
	}
	if !rbac.CanInviteRole(rbac.Normalize(session.Role), target) {
		return nil, errNotAuthorized("you may not invite this role")
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, errConflict("a user with this email already exists")
	}

	raw, hash, err := authpw.NewInviteToken()
	if err != nil {
		return nil, err
	}
	invite := store.UserInvite{
		ID:          util.NewID("inv"),
		Email:       email,
		Role:        string(target),
		Message:     message,
		TokenHash:   hash,
		Status:      store.InvitePending,
		InvitedByID: session.UserID,
		ExpiresAt:   time.Now().Add(inviteTTL),
	}
	if err := s.store.InsertInvite(ctx, invite); err != nil {
		return nil, err
	}
	s.logActivity(ctx, session.UserID, session.UserName, "invite.created", "invite", invite.ID, email)

	payload := invitePayload(invite)
	if s.SMTPConfigured() {
		acceptURL := "/accept-invite?token=" + raw
		if err := s.mail.SendInviteEmail(email, session.UserName, string(target), acceptURL, message); err != nil {
			log.Printf("send invite email: %v", err)
		}
	} else {
		// Dev bypass: hand the raw token back when mail is not configured.
		payload["token"] = raw
	}
	return payload, nil
}

func (s *Service) ListInvites(ctx context.Context, session Session) ([]map[string]any, error) {
	if !rbac.IsAdminTier(rbac.Normalize(session.Role)) {
		return nil, errNotAuthorized("only admins may list invites")
	}
	invites, err := s.store.ListInvites(ctx)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(invites))
	for _, invite := range invites {
		payload = append(payload, invitePayload(invite))
	}
	return payload, nil
}

func (s *Service) RevokeInvite(ctx context.Context, session Session, inviteID string) error {
	if !rbac.IsAdminTier(rbac.Normalize(session.Role)) {
		return errNotAuthorized("only admins may revoke invites")
	}
	ok, err := s.store.RevokeInvite(ctx, inviteID)
	if err != nil {
		return err
	}
	if !ok {
		return errNotFound("invite not found or already decided")
	}
	s.logActivity(ctx, session.UserID, session.UserName, "invite.revoked", "invite", inviteID, "")
	return nil
}

// InviteDetails resolves a raw invite token for the accept page.
func (s *Service) InviteDetails(ctx context.Context, token string) (map[string]any, error) {
	invite, err := s.pw.InviteDetails(ctx, token)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"email":     invite.Email,
		"role":      invite.Role,
		"message":   invite.Message,
		"expiresAt": invite.ExpiresAt,
	}, nil
}

// Folders

func (s *Service) CreateFolder(ctx context.Context, session Session, name, color string) (map[string]any, error) {
	if rbac.Rank(rbac.Normalize(session.Role)) < rbac.Rank(rbac.RoleManager) {
		return nil, errNotAuthorized("members may not create folders")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errValidation("folder name is required", nil)
	}
	folder := store.Folder{
		ID:        util.NewID("fld"),
		Name:      name,
		Color:     color,
		CreatedBy: session.UserID,
	}
	if err := s.store.InsertFolder(ctx, folder); err != nil {
		return nil, err
	}
	s.logActivity(ctx, session.UserID, session.UserName, "folder.created", "folder", folder.ID, name)
	return folderPayload(folder), nil
}

func (s *Service) ListFolders(ctx context.Context) ([]map[string]any, error) {
	folders, err := s.store.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(folders))
	for _, folder := range folders {
		payload = append(payload, folderPayload(folder))
	}
	return payload, nil
}

// Search

func (s *Service) Search(q, filterType string, limit, offset int) search.Response {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.search.Search(search.Query{
		Text:       strings.TrimSpace(q),
		FilterType: search.ResultType(filterType),
		Limit:      limit,
		Offset:     offset,
	})
}

// Activity

func (s *Service) RecentActivity(ctx context.Context, session Session, limit int) ([]map[string]any, error) {
	if !rbac.IsAdminTier(rbac.Normalize(session.Role)) {
		return nil, errNotAuthorized("only admins may view the activity log")
	}
	entries, err := s.store.ListActivity(ctx, limit)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, map[string]any{
			"id":         entry.ID,
			"actorId":    entry.ActorID,
			"actorName":  entry.ActorName,
			"action":     entry.Action,
			"targetType": entry.TargetType,
			"targetId":   entry.TargetID,
			"detail":     entry.Detail,
			"createdAt":  entry.CreatedAt,
		})
	}
	return payload, nil
}

// PurgeTrash removes deleted documents whose retention window has passed.
// Called from the background sweeper.
func (s *Service) PurgeTrash(ctx context.Context) (int64, error) {
	return s.store.PurgeExpiredTrash(ctx, time.Now())
}

// logActivity appends to the audit feed. Failures are logged, never
// propagated; the feed must not roll back a workflow write.
func (s *Service) logActivity(ctx context.Context, actorID, actorName, action, targetType, targetID, detail string) {
	err := s.store.InsertActivity(ctx, store.ActivityLog{
		ActorID:    actorID,
		ActorName:  actorName,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
	if err != nil {
		log.Printf("activity log %s %s/%s: %v", action, targetType, targetID, err)
	}
}

// appendHistory records an approval trail entry, best effort.
func (s *Service) appendHistory(ctx context.Context, entry store.ApprovalHistoryEntry) {
	if err := s.store.InsertApprovalHistory(ctx, entry); err != nil {
		log.Printf("approval history %s for %s: %v", entry.Action, entry.SOPID, err)
	}
}

// Payload builders. Service methods return JSON-shaped maps so handlers
// stay thin.

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":          user.ID,
		"displayName": user.DisplayName,
		"email":       user.Email,
		"role":        user.Role,
		"status":      user.Status,
		"createdAt":   user.CreatedAt,
	}
}

func invitePayload(invite store.UserInvite) map[string]any {
	return map[string]any{
		"id":          invite.ID,
		"email":       invite.Email,
		"role":        invite.Role,
		"message":     invite.Message,
		"status":      invite.Status,
		"invitedById": invite.InvitedByID,
		"expiresAt":   invite.ExpiresAt,
		"createdAt":   invite.CreatedAt,
	}
}

func folderPayload(folder store.Folder) map[string]any {
	return map[string]any{
		"id":        folder.ID,
		"name":      folder.Name,
		"color":     folder.Color,
		"createdBy": folder.CreatedBy,
		"createdAt": folder.CreatedAt,
	}
}
