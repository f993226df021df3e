package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"sopdesk/api/internal/authpw"
	"sopdesk/api/internal/config"
	"sopdesk/api/internal/history"
	"sopdesk/api/internal/search"
	"sopdesk/api/internal/store"
)

// fakeStore implements dataStore with overridable function fields. Methods
// without an override return zero values so tests only wire what they use.
type fakeStore struct {
	pingFn func(context.Context) error

	createUserFn     func(context.Context, store.User) error
	getUserByIDFn    func(context.Context, string) (store.User, error)
	getUserByEmailFn func(context.Context, string) (store.User, error)
	countUsersFn     func(context.Context) (int, error)
	listUsersFn      func(context.Context) ([]store.User, error)
	updateUserRoleFn func(context.Context, string, string) error
	deactivateUserFn func(context.Context, string) error

	insertInviteFn         func(context.Context, store.UserInvite) error
	getInviteByTokenHashFn func(context.Context, string) (store.UserInvite, error)
	listInvitesFn          func(context.Context) ([]store.UserInvite, error)
	markInviteAcceptedFn   func(context.Context, string) (bool, error)
	revokeInviteFn         func(context.Context, string) (bool, error)

	insertFolderFn func(context.Context, store.Folder) error
	listFoldersFn  func(context.Context) ([]store.Folder, error)

	insertSOPFn         func(context.Context, store.SOP) error
	getSOPFn            func(context.Context, string) (store.SOP, error)
	listSOPsFn          func(context.Context, store.SOPFilter) ([]store.SOP, error)
	updateSOPContentFn  func(context.Context, store.SOP) (bool, error)
	markSOPPendingFn    func(context.Context, string, string) (bool, error)
	markSOPApprovedFn   func(context.Context, string) (bool, error)
	markSOPRejectedFn   func(context.Context, string) (bool, error)
	markSOPPublishedFn  func(context.Context, string, []store.SOPStatus) (bool, error)
	markSOPDraftFn      func(context.Context, string, []store.SOPStatus) (bool, error)
	archiveSOPFn        func(context.Context, string) (bool, error)
	softDeleteSOPFn     func(context.Context, string, string, string, time.Time) (bool, error)
	restoreSOPFn        func(context.Context, string) (bool, error)
	hardDeleteSOPFn     func(context.Context, string) (bool, error)
	purgeExpiredTrashFn func(context.Context, time.Time) (int64, error)
	nextVersionFn       func(context.Context, string) (int, error)

	insertApprovalRequestFn func(context.Context, store.ApprovalRequest) error
	getApprovalRequestFn    func(context.Context, string) (store.ApprovalRequest, error)
	decideApprovalRequestFn func(context.Context, string, store.RequestStatus, string, *string) (bool, error)
	listPendingRequestsFn   func(context.Context) ([]store.ApprovalRequest, error)
	listBySubmitterFn       func(context.Context, string) ([]store.ApprovalRequest, error)
	consumeEditRequestFn    func(context.Context, string, string) (bool, error)

	insertApprovalHistoryFn func(context.Context, store.ApprovalHistoryEntry) error
	listApprovalHistoryFn   func(context.Context, string) ([]store.ApprovalHistoryEntry, error)

	insertChecklistFn             func(context.Context, store.Checklist) error
	getChecklistFn                func(context.Context, string) (store.Checklist, error)
	listChecklistsFn              func(context.Context) ([]store.Checklist, error)
	setChecklistStepCompletionFn  func(context.Context, string, string, bool, *string) (bool, error)
	recomputeChecklistProgressFn  func(context.Context, string) (int, error)
	resolveChecklistFn            func(context.Context, string, string, string) (bool, error)
	resetChecklistFn              func(context.Context, string) error
	deleteChecklistFn             func(context.Context, string) (bool, error)

	insertActivityFn func(context.Context, store.ActivityLog) error
	listActivityFn   func(context.Context, int) ([]store.ActivityLog, error)

	revokeAccessTokenFn    func(context.Context, string, time.Time) error
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CountUsers(ctx context.Context) (int, error) {
	if f.countUsersFn != nil {
		return f.countUsersFn(ctx)
	}
	return 0, nil
}

func (f *fakeStore) ListUsers(ctx context.Context) ([]store.User, error) {
	if f.listUsersFn != nil {
		return f.listUsersFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) UpdateUserRole(ctx context.Context, id, role string) error {
	if f.updateUserRoleFn != nil {
		return f.updateUserRoleFn(ctx, id, role)
	}
	return nil
}

func (f *fakeStore) DeactivateUser(ctx context.Context, id string) error {
	if f.deactivateUserFn != nil {
		return f.deactivateUserFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) InsertInvite(ctx context.Context, invite store.UserInvite) error {
	if f.insertInviteFn != nil {
		return f.insertInviteFn(ctx, invite)
	}
	return nil
}

func (f *fakeStore) GetInviteByTokenHash(ctx context.Context, hash string) (store.UserInvite, error) {
	if f.getInviteByTokenHashFn != nil {
		return f.getInviteByTokenHashFn(ctx, hash)
	}
	return store.UserInvite{}, sql.ErrNoRows
}

func (f *fakeStore) ListInvites(ctx context.Context) ([]store.UserInvite, error) {
	if f.listInvitesFn != nil {
		return f.listInvitesFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) MarkInviteAccepted(ctx context.Context, id string) (bool, error) {
	if f.markInviteAcceptedFn != nil {
		return f.markInviteAcceptedFn(ctx, id)
	}
	return true, nil
}

func (f *fakeStore) RevokeInvite(ctx context.Context, id string) (bool, error) {
	if f.revokeInviteFn != nil {
		return f.revokeInviteFn(ctx, id)
	}
	return true, nil
}

func (f *fakeStore) InsertFolder(ctx context.Context, folder store.Folder) error {
	if f.insertFolderFn != nil {
		return f.insertFolderFn(ctx, folder)
	}
	return nil
}

func (f *fakeStore) ListFolders(ctx context.Context) ([]store.Folder, error) {
	if f.listFoldersFn != nil {
		return f.listFoldersFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) InsertSOP(ctx context.Context, sop store.SOP) error {
	if f.insertSOPFn != nil {
		return f.insertSOPFn(ctx, sop)
	}
	return nil
}

func (f *fakeStore) GetSOP(ctx context.Context, id string) (store.SOP, error) {
	if f.getSOPFn != nil {
		return f.getSOPFn(ctx, id)
	}
	return store.SOP{}, sql.ErrNoRows
}

func (f *fakeStore) ListSOPs(ctx context.Context, filter store.SOPFilter) ([]store.SOP, error) {
	if f.listSOPsFn != nil {
		return f.listSOPsFn(ctx, filter)
	}
	return nil, nil
}

func (f *fakeStore) UpdateSOPContent(ctx context.Context, sop store.SOP) (bool, error) {
	if f.updateSOPContentFn != nil {
		return f.updateSOPContentFn(ctx, sop)
	}
	return true, nil
}

func (f *fakeStore) MarkSOPPending(ctx context.Context, sopID, requestID string) (bool, error) {
	if f.markSOPPendingFn != nil {
		return f.markSOPPendingFn(ctx, sopID, requestID)
	}
	return true, nil
}

func (f *fakeStore) MarkSOPApproved(ctx context.Context, sopID string) (bool, error) {
	if f.markSOPApprovedFn != nil {
		return f.markSOPApprovedFn(ctx, sopID)
	}
	return true, nil
}

func (f *fakeStore) MarkSOPRejected(ctx context.Context, sopID string) (bool, error) {
	if f.markSOPRejectedFn != nil {
		return f.markSOPRejectedFn(ctx, sopID)
	}
	return true, nil
}

func (f *fakeStore) MarkSOPPublished(ctx context.Context, sopID string, from []store.SOPStatus) (bool, error) {
	if f.markSOPPublishedFn != nil {
		return f.markSOPPublishedFn(ctx, sopID, from)
	}
	return true, nil
}

func (f *fakeStore) MarkSOPDraft(ctx context.Context, sopID string, from []store.SOPStatus) (bool, error) {
	if f.markSOPDraftFn != nil {
		return f.markSOPDraftFn(ctx, sopID, from)
	}
	return true, nil
}

func (f *fakeStore) ArchiveSOP(ctx context.Context, sopID string) (bool, error) {
	if f.archiveSOPFn != nil {
		return f.archiveSOPFn(ctx, sopID)
	}
	return true, nil
}

func (f *fakeStore) SoftDeleteSOP(ctx context.Context, sopID, deletedByID, reason string, purgeAt time.Time) (bool, error) {
	if f.softDeleteSOPFn != nil {
		return f.softDeleteSOPFn(ctx, sopID, deletedByID, reason, purgeAt)
	}
	return true, nil
}

func (f *fakeStore) RestoreSOP(ctx context.Context, sopID string) (bool, error) {
	if f.restoreSOPFn != nil {
		return f.restoreSOPFn(ctx, sopID)
	}
	return true, nil
}

func (f *fakeStore) HardDeleteSOP(ctx context.Context, sopID string) (bool, error) {
	if f.hardDeleteSOPFn != nil {
		return f.hardDeleteSOPFn(ctx, sopID)
	}
	return true, nil
}

func (f *fakeStore) PurgeExpiredTrash(ctx context.Context, now time.Time) (int64, error) {
	if f.purgeExpiredTrashFn != nil {
		return f.purgeExpiredTrashFn(ctx, now)
	}
	return 0, nil
}

func (f *fakeStore) NextVersion(ctx context.Context, lineageID string) (int, error) {
	if f.nextVersionFn != nil {
		return f.nextVersionFn(ctx, lineageID)
	}
	return 1, nil
}

func (f *fakeStore) InsertApprovalRequest(ctx context.Context, request store.ApprovalRequest) error {
	if f.insertApprovalRequestFn != nil {
		return f.insertApprovalRequestFn(ctx, request)
	}
	return nil
}

func (f *fakeStore) GetApprovalRequest(ctx context.Context, id string) (store.ApprovalRequest, error) {
	if f.getApprovalRequestFn != nil {
		return f.getApprovalRequestFn(ctx, id)
	}
	return store.ApprovalRequest{}, sql.ErrNoRows
}

func (f *fakeStore) DecideApprovalRequest(ctx context.Context, id string, status store.RequestStatus, reviewerID string, reason *string) (bool, error) {
	if f.decideApprovalRequestFn != nil {
		return f.decideApprovalRequestFn(ctx, id, status, reviewerID, reason)
	}
	return true, nil
}

func (f *fakeStore) ListPendingRequests(ctx context.Context) ([]store.ApprovalRequest, error) {
	if f.listPendingRequestsFn != nil {
		return f.listPendingRequestsFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) ListRequestsBySubmitter(ctx context.Context, userID string) ([]store.ApprovalRequest, error) {
	if f.listBySubmitterFn != nil {
		return f.listBySubmitterFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) ConsumeEditRequest(ctx context.Context, sopID, userID string) (bool, error) {
	if f.consumeEditRequestFn != nil {
		return f.consumeEditRequestFn(ctx, sopID, userID)
	}
	return false, nil
}

func (f *fakeStore) InsertApprovalHistory(ctx context.Context, entry store.ApprovalHistoryEntry) error {
	if f.insertApprovalHistoryFn != nil {
		return f.insertApprovalHistoryFn(ctx, entry)
	}
	return nil
}

func (f *fakeStore) ListApprovalHistory(ctx context.Context, sopID string) ([]store.ApprovalHistoryEntry, error) {
	if f.listApprovalHistoryFn != nil {
		return f.listApprovalHistoryFn(ctx, sopID)
	}
	return nil, nil
}

func (f *fakeStore) InsertChecklist(ctx context.Context, checklist store.Checklist) error {
	if f.insertChecklistFn != nil {
		return f.insertChecklistFn(ctx, checklist)
	}
	return nil
}

func (f *fakeStore) GetChecklist(ctx context.Context, id string) (store.Checklist, error) {
	if f.getChecklistFn != nil {
		return f.getChecklistFn(ctx, id)
	}
	return store.Checklist{}, sql.ErrNoRows
}

func (f *fakeStore) ListChecklists(ctx context.Context) ([]store.Checklist, error) {
	if f.listChecklistsFn != nil {
		return f.listChecklistsFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) SetChecklistStepCompletion(ctx context.Context, checklistID, stepID string, completed bool, completedBy *string) (bool, error) {
	if f.setChecklistStepCompletionFn != nil {
		return f.setChecklistStepCompletionFn(ctx, checklistID, stepID, completed, completedBy)
	}
	return true, nil
}

func (f *fakeStore) RecomputeChecklistProgress(ctx context.Context, checklistID string) (int, error) {
	if f.recomputeChecklistProgressFn != nil {
		return f.recomputeChecklistProgressFn(ctx, checklistID)
	}
	return 0, nil
}

func (f *fakeStore) ResolveChecklist(ctx context.Context, checklistID, resolvedBy, finalNotes string) (bool, error) {
	if f.resolveChecklistFn != nil {
		return f.resolveChecklistFn(ctx, checklistID, resolvedBy, finalNotes)
	}
	return true, nil
}

func (f *fakeStore) ResetChecklist(ctx context.Context, checklistID string) error {
	if f.resetChecklistFn != nil {
		return f.resetChecklistFn(ctx, checklistID)
	}
	return nil
}

func (f *fakeStore) DeleteChecklist(ctx context.Context, checklistID string) (bool, error) {
	if f.deleteChecklistFn != nil {
		return f.deleteChecklistFn(ctx, checklistID)
	}
	return true, nil
}

func (f *fakeStore) InsertActivity(ctx context.Context, entry store.ActivityLog) error {
	if f.insertActivityFn != nil {
		return f.insertActivityFn(ctx, entry)
	}
	return nil
}

func (f *fakeStore) ListActivity(ctx context.Context, limit int) ([]store.ActivityLog, error) {
	if f.listActivityFn != nil {
		return f.listActivityFn(ctx, limit)
	}
	return nil, nil
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if f.revokeAccessTokenFn != nil {
		return f.revokeAccessTokenFn(ctx, jti, expiresAt)
	}
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}

// fakeHistory records version history calls.
type fakeHistory struct {
	ensureRepoCalls   []string
	ensureBranchCalls []string
	commits           []string
	tags              []string
}

func (f *fakeHistory) EnsureLineageRepo(lineageID string, initial history.Content, author string) error {
	f.ensureRepoCalls = append(f.ensureRepoCalls, lineageID)
	return nil
}

func (f *fakeHistory) EnsureVersionBranch(lineageID string, version, fromVersion int) error {
	f.ensureBranchCalls = append(f.ensureBranchCalls, lineageID)
	return nil
}

func (f *fakeHistory) CommitContent(lineageID string, version int, content history.Content, author, message string) (store.CommitInfo, error) {
	f.commits = append(f.commits, message)
	return store.CommitInfo{Hash: "deadbeef", Message: message, Author: author}, nil
}

func (f *fakeHistory) History(lineageID string, version, limit int) ([]store.CommitInfo, error) {
	return nil, nil
}

func (f *fakeHistory) TagPublish(lineageID string, version int) error {
	f.tags = append(f.tags, lineageID)
	return nil
}

// fakeSessions keeps refresh sessions in a map.
type fakeSessions struct {
	sessions map[string]store.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]store.User)}
}

func (f *fakeSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	f.sessions[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	user, ok := f.sessions[tokenHash]
	if !ok {
		return store.User{}, errors.New("session not found")
	}
	return user, nil
}

func (f *fakeSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	delete(f.sessions, tokenHash)
	return nil
}

// fakeSearch records index mutations.
type fakeSearch struct {
	indexedSOPs       []search.SOPRecord
	indexedChecklists []search.ChecklistRecord
	deletedSOPs       []string
	deletedChecklists []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexSOP(record search.SOPRecord) {
	f.indexedSOPs = append(f.indexedSOPs, record)
}

func (f *fakeSearch) IndexChecklist(record search.ChecklistRecord) {
	f.indexedChecklists = append(f.indexedChecklists, record)
}

func (f *fakeSearch) DeleteSOP(id string) {
	f.deletedSOPs = append(f.deletedSOPs, id)
}

func (f *fakeSearch) DeleteChecklist(id string) {
	f.deletedChecklists = append(f.deletedChecklists, id)
}

type fakeMailer struct {
	configured bool
	decisions  []string
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendInviteEmail(to, inviterName, role, acceptURL, message string) error {
	return nil
}

func (f *fakeMailer) SendDecisionEmail(to, sopTitle, decision, note string) error {
	f.decisions = append(f.decisions, decision)
	return nil
}

type testEnv struct {
	store    *fakeStore
	history  *fakeHistory
	sessions *fakeSessions
	search   *fakeSearch
	mail     *fakeMailer
	service  *Service
}

func newTestService(fs *fakeStore) *testEnv {
	fh := &fakeHistory{}
	fr := newFakeSessions()
	fx := &fakeSearch{}
	fm := &fakeMailer{}
	svc := &Service{
		cfg: config.Config{
			JWTSecret:          "test-secret",
			AccessTTL:          15 * time.Minute,
			RefreshTTL:         24 * time.Hour,
			TrashRetentionDays: 30,
		},
		store:    fs,
		history:  fh,
		sessions: fr,
		search:   fx,
		mail:     fm,
		pw:       authpw.NewService(fs),
	}
	return &testEnv{store: fs, history: fh, sessions: fr, search: fx, mail: fm, service: svc}
}

func wantDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected %s domain error, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
}
