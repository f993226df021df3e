package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// failure, e.g. a second PENDING request racing past the partial index.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.Status)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const userColumns = `id, display_name, email, password_hash, role, status, deactivated_at, created_at, updated_at`

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email)=lower($1)`, email)
	return scanUser(row)
}

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash,
		&user.Role, &user.Status, &user.DeactivatedAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeactivateUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET status=$2, deactivated_at=NOW(), updated_at=NOW() WHERE id=$1
	`, userID, UserDeactivated)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	return nil
}

// Invites

const inviteColumns = `id, email, role, message, token_hash, status, invited_by_id, expires_at, accepted_at, created_at`

func (s *PostgresStore) InsertInvite(ctx context.Context, invite UserInvite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_invites (id, email, role, message, token_hash, status, invited_by_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, invite.ID, invite.Email, invite.Role, invite.Message, invite.TokenHash, invite.Status, invite.InvitedByID, invite.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInviteByTokenHash(ctx context.Context, tokenHash string) (UserInvite, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM user_invites WHERE token_hash=$1`, tokenHash)
	return scanInvite(row)
}

func scanInvite(row rowScanner) (UserInvite, error) {
	var invite UserInvite
	err := row.Scan(&invite.ID, &invite.Email, &invite.Role, &invite.Message, &invite.TokenHash,
		&invite.Status, &invite.InvitedByID, &invite.ExpiresAt, &invite.AcceptedAt, &invite.CreatedAt)
	if err != nil {
		return UserInvite{}, err
	}
	return invite, nil
}

func (s *PostgresStore) ListInvites(ctx context.Context) ([]UserInvite, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+inviteColumns+` FROM user_invites ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	invites := make([]UserInvite, 0)
	for rows.Next() {
		invite, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		invites = append(invites, invite)
	}
	return invites, rows.Err()
}

// MarkInviteAccepted flips a PENDING invite to ACCEPTED. Returns false when
// the invite was already decided by a concurrent call.
func (s *PostgresStore) MarkInviteAccepted(ctx context.Context, inviteID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_invites SET status=$2, accepted_at=NOW() WHERE id=$1 AND status=$3
	`, inviteID, InviteAccepted, InvitePending)
	if err != nil {
		return false, fmt.Errorf("accept invite: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) RevokeInvite(ctx context.Context, inviteID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_invites SET status=$2 WHERE id=$1 AND status=$3
	`, inviteID, InviteRevoked, InvitePending)
	if err != nil {
		return false, fmt.Errorf("revoke invite: %w", err)
	}
	return rowsAffected(result)
}

// Folders

func (s *PostgresStore) InsertFolder(ctx context.Context, folder Folder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, name, color, created_by) VALUES ($1, $2, $3, $4)
	`, folder.ID, folder.Name, folder.Color, folder.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert folder: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFolders(ctx context.Context) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, color, created_by, created_at FROM folders ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	folders := make([]Folder, 0)
	for rows.Next() {
		var folder Folder
		if err := rows.Scan(&folder.ID, &folder.Name, &folder.Color, &folder.CreatedBy, &folder.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, folder)
	}
	return folders, rows.Err()
}

// SOPs

const sopColumns = `id, lineage_id, title, description, version, status, created_by_id,
	folder_ids, assigned_user_ids, active_approval_request_id,
	approved_at, published_at, deleted_at, deleted_by_id, delete_reason, permanent_delete_at,
	created_at, updated_at`

func (s *PostgresStore) InsertSOP(ctx context.Context, sop SOP) error {
	folderIDs, userIDs, err := encodeAssignments(sop)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert sop tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sops (id, lineage_id, title, description, version, status, created_by_id, folder_ids, assigned_user_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sop.ID, sop.LineageID, sop.Title, sop.Description, sop.Version, sop.Status, sop.CreatedByID, folderIDs, userIDs); err != nil {
		return fmt.Errorf("insert sop: %w", err)
	}

	if err := insertSteps(ctx, tx, sop.ID, sop.Steps); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert sop: %w", err)
	}
	return nil
}

func encodeAssignments(sop SOP) ([]byte, []byte, error) {
	folderIDs, err := json.Marshal(nonNilStrings(sop.FolderIDs))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal folder ids: %w", err)
	}
	userIDs, err := json.Marshal(nonNilStrings(sop.AssignedUserIDs))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal assigned user ids: %w", err)
	}
	return folderIDs, userIDs, nil
}

// Step order indices are rewritten densely from array position on every write.
func insertSteps(ctx context.Context, tx *sql.Tx, sopID string, steps []Step) error {
	for index, step := range steps {
		content := step.Content
		if len(content) == 0 {
			content = json.RawMessage(`{}`)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sop_steps (id, sop_id, title, content, order_index) VALUES ($1, $2, $3, $4, $5)
		`, step.ID, sopID, step.Title, []byte(content), index); err != nil {
			return fmt.Errorf("insert step %d: %w", index, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetSOP(ctx context.Context, sopID string) (SOP, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sopColumns+` FROM sops WHERE id=$1`, sopID)
	sop, err := scanSOP(row)
	if err != nil {
		return SOP{}, err
	}
	steps, err := s.listSteps(ctx, sopID)
	if err != nil {
		return SOP{}, err
	}
	sop.Steps = steps
	return sop, nil
}

func (s *PostgresStore) listSteps(ctx context.Context, sopID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, order_index FROM sop_steps WHERE sop_id=$1 ORDER BY order_index
	`, sopID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := make([]Step, 0)
	for rows.Next() {
		var step Step
		var content []byte
		if err := rows.Scan(&step.ID, &step.Title, &content, &step.OrderIndex); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Content = json.RawMessage(content)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) ListSOPs(ctx context.Context, filter SOPFilter) ([]SOP, error) {
	query := `SELECT ` + sopColumns + ` FROM sops`
	args := []any{}

	switch filter.View {
	case "trash":
		query += ` WHERE status = 'DELETED'`
	case "all":
		query += ` WHERE TRUE`
	default:
		query += ` WHERE status <> 'DELETED'`
	}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.FolderID != "" {
		encoded, err := json.Marshal([]string{filter.FolderID})
		if err != nil {
			return nil, fmt.Errorf("marshal folder filter: %w", err)
		}
		args = append(args, encoded)
		query += fmt.Sprintf(" AND folder_ids @> $%d", len(args))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sops: %w", err)
	}
	defer rows.Close()

	sops := make([]SOP, 0)
	for rows.Next() {
		sop, err := scanSOP(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sop: %w", err)
		}
		sops = append(sops, sop)
	}
	return sops, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSOP(row rowScanner) (SOP, error) {
	var sop SOP
	var folderIDs, userIDs []byte
	err := row.Scan(&sop.ID, &sop.LineageID, &sop.Title, &sop.Description, &sop.Version, &sop.Status,
		&sop.CreatedByID, &folderIDs, &userIDs, &sop.ActiveApprovalRequestID,
		&sop.ApprovedAt, &sop.PublishedAt, &sop.DeletedAt, &sop.DeletedByID, &sop.DeleteReason,
		&sop.PermanentDeleteAt, &sop.CreatedAt, &sop.UpdatedAt)
	if err != nil {
		return SOP{}, err
	}
	if err := json.Unmarshal(folderIDs, &sop.FolderIDs); err != nil {
		return SOP{}, fmt.Errorf("decode folder ids: %w", err)
	}
	if err := json.Unmarshal(userIDs, &sop.AssignedUserIDs); err != nil {
		return SOP{}, fmt.Errorf("decode assigned user ids: %w", err)
	}
	return sop, nil
}

// UpdateSOPContent saves editable fields and replaces the step list. The
// write is conditional on the document still being editable; false means
// the status moved underneath the caller.
func (s *PostgresStore) UpdateSOPContent(ctx context.Context, sop SOP) (bool, error) {
	folderIDs, userIDs, err := encodeAssignments(sop)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin save sop tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE sops SET title=$2, description=$3, folder_ids=$4, assigned_user_ids=$5, updated_at=NOW()
		WHERE id=$1 AND status IN ('DRAFT', 'REJECTED')
	`, sop.ID, sop.Title, sop.Description, folderIDs, userIDs)
	if err != nil {
		return false, fmt.Errorf("save sop: %w", err)
	}
	updated, err := rowsAffected(result)
	if err != nil || !updated {
		return updated, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sop_steps WHERE sop_id=$1`, sop.ID); err != nil {
		return false, fmt.Errorf("clear steps: %w", err)
	}
	if err := insertSteps(ctx, tx, sop.ID, sop.Steps); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit save sop: %w", err)
	}
	return true, nil
}

// Status transitions. Each carries the expected prior status in the WHERE
// clause so racing writers lose cleanly instead of overwriting each other.

func (s *PostgresStore) MarkSOPPending(ctx context.Context, sopID, requestID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sops SET status='PENDING_APPROVAL', active_approval_request_id=$2, updated_at=NOW()
		WHERE id=$1 AND status IN ('DRAFT', 'REJECTED') AND active_approval_request_id IS NULL
	`, sopID, requestID)
	if err != nil {
		return false, fmt.Errorf("mark sop pending: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) MarkSOPApproved(ctx context.Context, sopID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sops SET status='APPROVED', approved_at=NOW(), active_approval_request_id=NULL, updated_at=NOW()
		WHERE id=$1 AND status='PENDING_APPROVAL'
	`, sopID)
	if err != nil {
		return false, fmt.Errorf("mark sop approved: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) MarkSOPRejected(ctx context.Context, sopID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sops SET status='REJECTED', active_approval_request_id=NULL, updated_at=NOW()
		WHERE id=$1 AND status='PENDING_APPROVAL'
	`, sopID)
	if err != nil {
		return false, fmt.Errorf("mark sop rejected: %w", err)
	}
	return rowsAffected(result)
}

// MarkSOPPublished stamps published_at, and approved_at too when publishing
// straight through approve-with-publish where approved_at is not set yet.
func (s *PostgresStore) MarkSOPPublished(ctx context.Context, sopID string, from []SOPStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sops SET status='PUBLISHED', published_at=NOW(),
			approved_at=COALESCE(approved_at, NOW()),
			active_approval_request_id=NULL, updated_at=NOW()
		WHERE id=$1 AND status = ANY($2)
	`, sopID, statusStrings(from))
	if err != nil {
		return false, fmt.Errorf("mark sop published: %w", err)
	}
	return rowsAffected(result)
}

// MarkSOPDraft serves recall and unarchive. It clears the active request
// pointer so a recalled submission leaves no dangling reference.
func (s *PostgresStore) MarkSOPDraft(ctx context.Context, sopID string, from []SOPStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sops SET status='DRAFT', active_approval_request_id=NULL, updated_at=NOW()
		WHERE id=$1 AND status = ANY($2)
	`, sopID, statusStrings(from))
	if err != nil {
		return false, fmt.Errorf("mark sop draft: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) ArchiveSOP(ctx context.Context, sopID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sops SET status='ARCHIVED', updated_at=NOW()
		WHERE id=$1 AND status IN ('PUBLISHED', 'APPROVED')
	`, sopID)
	if err != nil {
		return false, fmt.Errorf("archive sop: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) SoftDeleteSOP(ctx context.Context, sopID, deletedByID, reason string, purgeAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sops SET status='DELETED', deleted_at=NOW(), deleted_by_id=$2, delete_reason=$3,
			permanent_delete_at=$4, active_approval_request_id=NULL, updated_at=NOW()
		WHERE id=$1 AND status <> 'DELETED'
	`, sopID, deletedByID, reason, purgeAt)
	if err != nil {
		return false, fmt.Errorf("soft delete sop: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) RestoreSOP(ctx context.Context, sopID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sops SET status='DRAFT', deleted_at=NULL, deleted_by_id=NULL, delete_reason=NULL,
			permanent_delete_at=NULL, updated_at=NOW()
		WHERE id=$1 AND status='DELETED'
	`, sopID)
	if err != nil {
		return false, fmt.Errorf("restore sop: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) HardDeleteSOP(ctx context.Context, sopID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sops WHERE id=$1 AND status='DELETED'`, sopID)
	if err != nil {
		return false, fmt.Errorf("hard delete sop: %w", err)
	}
	return rowsAffected(result)
}

// PurgeExpiredTrash removes deleted documents whose retention window has
// passed. Returns the number of rows removed.
func (s *PostgresStore) PurgeExpiredTrash(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sops WHERE status='DELETED' AND permanent_delete_at IS NOT NULL AND permanent_delete_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("purge trash: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge trash rows: %w", err)
	}
	return count, nil
}

// NextVersion returns 1 + the highest version recorded for a lineage.
func (s *PostgresStore) NextVersion(ctx context.Context, lineageID string) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM sops WHERE lineage_id=$1
	`, lineageID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}
	return max + 1, nil
}

// Approval requests

const requestColumns = `r.id, r.sop_id, r.type, r.status, r.submitted_by_id, r.message,
	r.reviewed_by_id, r.reviewed_at, r.rejection_reason, r.created_at,
	s.title, s.version, u.display_name, u.role`

func (s *PostgresStore) InsertApprovalRequest(ctx context.Context, request ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, sop_id, type, status, submitted_by_id, message)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, request.ID, request.SOPID, request.Type, request.Status, request.SubmittedByID, request.Message)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApprovalRequest(ctx context.Context, requestID string) (ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM approval_requests r
		JOIN sops s ON s.id = r.sop_id
		JOIN users u ON u.id = r.submitted_by_id
		WHERE r.id = $1
	`, requestID)
	return scanRequest(row)
}

func scanRequest(row rowScanner) (ApprovalRequest, error) {
	var request ApprovalRequest
	err := row.Scan(&request.ID, &request.SOPID, &request.Type, &request.Status, &request.SubmittedByID,
		&request.Message, &request.ReviewedByID, &request.ReviewedAt, &request.RejectionReason,
		&request.CreatedAt, &request.SOPTitle, &request.SOPVersion, &request.SubmitterName, &request.SubmitterRole)
	if err != nil {
		return ApprovalRequest{}, err
	}
	return request, nil
}

// DecideApprovalRequest flips a PENDING request to its terminal status.
// Returns false when another reviewer already decided it.
func (s *PostgresStore) DecideApprovalRequest(ctx context.Context, requestID string, status RequestStatus, reviewerID string, rejectionReason *string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status=$2, reviewed_by_id=$3, reviewed_at=NOW(), rejection_reason=$4
		WHERE id=$1 AND status='PENDING'
	`, requestID, status, reviewerID, rejectionReason)
	if err != nil {
		return false, fmt.Errorf("decide approval request: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) ListPendingRequests(ctx context.Context) ([]ApprovalRequest, error) {
	return s.listRequests(ctx, `WHERE r.status = 'PENDING' ORDER BY r.created_at`)
}

func (s *PostgresStore) ListRequestsBySubmitter(ctx context.Context, userID string) ([]ApprovalRequest, error) {
	return s.listRequests(ctx, `WHERE r.submitted_by_id = $1 ORDER BY r.created_at DESC`, userID)
}

func (s *PostgresStore) listRequests(ctx context.Context, clause string, args ...any) ([]ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM approval_requests r
		JOIN sops s ON s.id = r.sop_id
		JOIN users u ON u.id = r.submitted_by_id
		`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()

	requests := make([]ApprovalRequest, 0)
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}

// ConsumeEditRequest burns one approved, unused EDIT request held by the
// actor for this document. Returns false when none is available.
func (s *PostgresStore) ConsumeEditRequest(ctx context.Context, sopID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET consumed_at=NOW()
		WHERE id = (
			SELECT id FROM approval_requests
			WHERE sop_id=$1 AND submitted_by_id=$2 AND type='EDIT' AND status='APPROVED' AND consumed_at IS NULL
			ORDER BY created_at
			LIMIT 1
		)
	`, sopID, userID)
	if err != nil {
		return false, fmt.Errorf("consume edit request: %w", err)
	}
	return rowsAffected(result)
}

// Approval history

func (s *PostgresStore) InsertApprovalHistory(ctx context.Context, entry ApprovalHistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_history (sop_id, request_id, action, actor_id, actor_name, note, prev_status, new_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.SOPID, entry.RequestID, entry.Action, entry.ActorID, entry.ActorName, entry.Note, entry.PrevStatus, entry.NewStatus)
	if err != nil {
		return fmt.Errorf("insert approval history: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListApprovalHistory(ctx context.Context, sopID string) ([]ApprovalHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sop_id, request_id, action, actor_id, actor_name, note, prev_status, new_status, created_at
		FROM approval_history WHERE sop_id=$1 ORDER BY created_at
	`, sopID)
	if err != nil {
		return nil, fmt.Errorf("list approval history: %w", err)
	}
	defer rows.Close()

	entries := make([]ApprovalHistoryEntry, 0)
	for rows.Next() {
		var entry ApprovalHistoryEntry
		if err := rows.Scan(&entry.ID, &entry.SOPID, &entry.RequestID, &entry.Action, &entry.ActorID,
			&entry.ActorName, &entry.Note, &entry.PrevStatus, &entry.NewStatus, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval history: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Checklists

const checklistColumns = `id, sop_id, sop_title, sop_version, name, status, progress, due_date, created_by_id,
	resolved_at, resolved_by, final_notes, created_at, updated_at`

func (s *PostgresStore) InsertChecklist(ctx context.Context, checklist Checklist) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert checklist tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checklists (id, sop_id, sop_title, sop_version, name, status, progress, due_date, created_by_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, checklist.ID, checklist.SOPID, checklist.SOPTitle, checklist.SOPVersion, checklist.Name,
		checklist.Status, checklist.Progress, checklist.DueDate, checklist.CreatedByID); err != nil {
		return fmt.Errorf("insert checklist: %w", err)
	}

	for index, step := range checklist.Steps {
		content := step.Content
		if len(content) == 0 {
			content = json.RawMessage(`{}`)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checklist_steps (id, checklist_id, title, content, order_index)
			VALUES ($1, $2, $3, $4, $5)
		`, step.ID, checklist.ID, step.Title, []byte(content), index); err != nil {
			return fmt.Errorf("insert checklist step %d: %w", index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert checklist: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChecklist(ctx context.Context, checklistID string) (Checklist, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checklistColumns+` FROM checklists WHERE id=$1`, checklistID)
	checklist, err := scanChecklist(row)
	if err != nil {
		return Checklist{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, checklist_id, title, content, order_index, is_completed, completed_at, completed_by
		FROM checklist_steps WHERE checklist_id=$1 ORDER BY order_index
	`, checklistID)
	if err != nil {
		return Checklist{}, fmt.Errorf("list checklist steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step ChecklistStep
		var content []byte
		if err := rows.Scan(&step.ID, &step.ChecklistID, &step.Title, &content, &step.OrderIndex,
			&step.IsCompleted, &step.CompletedAt, &step.CompletedBy); err != nil {
			return Checklist{}, fmt.Errorf("scan checklist step: %w", err)
		}
		step.Content = json.RawMessage(content)
		checklist.Steps = append(checklist.Steps, step)
	}
	return checklist, rows.Err()
}

func scanChecklist(row rowScanner) (Checklist, error) {
	var checklist Checklist
	err := row.Scan(&checklist.ID, &checklist.SOPID, &checklist.SOPTitle, &checklist.SOPVersion,
		&checklist.Name, &checklist.Status, &checklist.Progress, &checklist.DueDate, &checklist.CreatedByID,
		&checklist.ResolvedAt, &checklist.ResolvedBy, &checklist.FinalNotes, &checklist.CreatedAt, &checklist.UpdatedAt)
	if err != nil {
		return Checklist{}, err
	}
	return checklist, nil
}

func (s *PostgresStore) ListChecklists(ctx context.Context) ([]Checklist, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checklistColumns+` FROM checklists ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list checklists: %w", err)
	}
	defer rows.Close()

	checklists := make([]Checklist, 0)
	for rows.Next() {
		checklist, err := scanChecklist(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checklist: %w", err)
		}
		checklists = append(checklists, checklist)
	}
	return checklists, rows.Err()
}

// SetChecklistStepCompletion flips one step. The checklist status guard is
// inside the statement so a resolved checklist rejects the write atomically.
func (s *PostgresStore) SetChecklistStepCompletion(ctx context.Context, checklistID, stepID string, completed bool, completedBy *string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE checklist_steps SET
			is_completed = $3,
			completed_at = CASE WHEN $3 THEN NOW() ELSE NULL END,
			completed_by = CASE WHEN $3 THEN $4 ELSE NULL END
		WHERE id=$2 AND checklist_id=$1
			AND EXISTS (SELECT 1 FROM checklists c WHERE c.id=$1 AND c.status <> 'RESOLVED')
	`, checklistID, stepID, completed, completedBy)
	if err != nil {
		return false, fmt.Errorf("set checklist step: %w", err)
	}
	return rowsAffected(result)
}

// RecomputeChecklistProgress derives progress from the freshly read step
// rows. Zero steps count as 0%. Never touches a RESOLVED checklist.
func (s *PostgresStore) RecomputeChecklistProgress(ctx context.Context, checklistID string) (int, error) {
	var progress int
	err := s.db.QueryRowContext(ctx, `
		UPDATE checklists SET
			progress = sub.pct,
			status = CASE WHEN sub.pct = 100 THEN 'COMPLETED' ELSE 'ACTIVE' END,
			updated_at = NOW()
		FROM (
			SELECT COALESCE(ROUND(100.0 * COUNT(*) FILTER (WHERE is_completed) / NULLIF(COUNT(*), 0)), 0)::int AS pct
			FROM checklist_steps WHERE checklist_id = $1
		) sub
		WHERE id = $1 AND status <> 'RESOLVED'
		RETURNING progress
	`, checklistID).Scan(&progress)
	if err != nil {
		return 0, fmt.Errorf("recompute checklist progress: %w", err)
	}
	return progress, nil
}

func (s *PostgresStore) ResolveChecklist(ctx context.Context, checklistID, resolvedBy, finalNotes string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE checklists SET status='RESOLVED', resolved_at=NOW(), resolved_by=$2, final_notes=$3, updated_at=NOW()
		WHERE id=$1 AND status <> 'RESOLVED' AND progress = 100
	`, checklistID, resolvedBy, finalNotes)
	if err != nil {
		return false, fmt.Errorf("resolve checklist: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) ResetChecklist(ctx context.Context, checklistID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset checklist tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE checklist_steps SET is_completed=FALSE, completed_at=NULL, completed_by=NULL
		WHERE checklist_id=$1
	`, checklistID); err != nil {
		return fmt.Errorf("reset checklist steps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE checklists SET status='ACTIVE', progress=0, resolved_at=NULL, resolved_by=NULL, final_notes='', updated_at=NOW()
		WHERE id=$1
	`, checklistID); err != nil {
		return fmt.Errorf("reset checklist: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset checklist: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteChecklist(ctx context.Context, checklistID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM checklists WHERE id=$1`, checklistID)
	if err != nil {
		return false, fmt.Errorf("delete checklist: %w", err)
	}
	return rowsAffected(result)
}

// Activity log

func (s *PostgresStore) InsertActivity(ctx context.Context, entry ActivityLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (actor_id, actor_name, action, target_type, target_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ActorID, entry.ActorName, entry.Action, entry.TargetType, entry.TargetID, entry.Detail)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, limit int) ([]ActivityLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, actor_name, action, target_type, target_id, detail, created_at
		FROM activity_log ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	entries := make([]ActivityLog, 0)
	for rows.Next() {
		var entry ActivityLog
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.ActorName, &entry.Action,
			&entry.TargetType, &entry.TargetID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Access token revocation

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2) ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

func rowsAffected(result sql.Result) (bool, error) {
	count, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return count > 0, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func statusStrings(statuses []SOPStatus) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return values
}
