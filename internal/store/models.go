package store

import (
	"encoding/json"
	"time"
)

// SOPStatus is the closed set of lifecycle states for a procedure document.
type SOPStatus string

const (
	StatusDraft           SOPStatus = "DRAFT"
	StatusPendingApproval SOPStatus = "PENDING_APPROVAL"
	StatusApproved        SOPStatus = "APPROVED"
	StatusPublished       SOPStatus = "PUBLISHED"
	StatusRejected        SOPStatus = "REJECTED"
	StatusArchived        SOPStatus = "ARCHIVED"
	StatusDeleted         SOPStatus = "DELETED"
)

type RequestType string

const (
	RequestPublish RequestType = "PUBLISH"
	RequestEdit    RequestType = "EDIT"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
)

type ChecklistStatus string

const (
	ChecklistActive    ChecklistStatus = "ACTIVE"
	ChecklistCompleted ChecklistStatus = "COMPLETED"
	ChecklistResolved  ChecklistStatus = "RESOLVED"
)

type UserStatus string

const (
	UserActive      UserStatus = "ACTIVE"
	UserPending     UserStatus = "PENDING"
	UserDeactivated UserStatus = "DEACTIVATED"
	UserSuspended   UserStatus = "SUSPENDED"
)

type InviteStatus string

const (
	InvitePending  InviteStatus = "PENDING"
	InviteAccepted InviteStatus = "ACCEPTED"
	InviteExpired  InviteStatus = "EXPIRED"
	InviteRevoked  InviteStatus = "REVOKED"
)

// History actions appended to the approval audit trail.
const (
	HistorySubmitted         = "SUBMITTED"
	HistoryApproved          = "APPROVED"
	HistoryRejected          = "REJECTED"
	HistoryPublished         = "PUBLISHED"
	HistoryRevisionRequested = "REVISION_REQUESTED"
	HistoryEditRequested     = "EDIT_REQUESTED"
	HistoryEditApproved      = "EDIT_APPROVED"
)

type User struct {
	ID            string
	DisplayName   string
	Email         string
	PasswordHash  string
	Role          string
	Status        UserStatus
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type UserInvite struct {
	ID          string
	Email       string
	Role        string
	Message     string
	TokenHash   string
	Status      InviteStatus
	InvitedByID string
	ExpiresAt   time.Time
	AcceptedAt  *time.Time
	CreatedAt   time.Time
}

type Folder struct {
	ID        string
	Name      string
	Color     string
	CreatedBy string
	CreatedAt time.Time
}

// SOP is one version record in a procedure lineage. A new version is always
// a new row; version numbers never mutate in place.
type SOP struct {
	ID                      string
	LineageID               string
	Title                   string
	Description             string
	Version                 int
	Status                  SOPStatus
	CreatedByID             string
	FolderIDs               []string
	AssignedUserIDs         []string
	ActiveApprovalRequestID *string
	ApprovedAt              *time.Time
	PublishedAt             *time.Time
	DeletedAt               *time.Time
	DeletedByID             *string
	DeleteReason            *string
	PermanentDeleteAt       *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time

	Steps []Step
}

// Step is one ordered unit of a SOP. Content is rich-text JSON.
type Step struct {
	ID         string
	Title      string
	Content    json.RawMessage
	OrderIndex int
}

type ApprovalRequest struct {
	ID              string
	SOPID           string
	Type            RequestType
	Status          RequestStatus
	SubmittedByID   string
	Message         string
	ReviewedByID    *string
	ReviewedAt      *time.Time
	RejectionReason *string
	CreatedAt       time.Time

	// Joined for queue views.
	SOPTitle      string
	SOPVersion    int
	SubmitterName string
	SubmitterRole string
}

type ApprovalHistoryEntry struct {
	ID         int64
	SOPID      string
	RequestID  *string
	Action     string
	ActorID    string
	ActorName  string
	Note       string
	PrevStatus SOPStatus
	NewStatus  SOPStatus
	CreatedAt  time.Time
}

// Checklist is an executable instance frozen from a SOP version. Its steps
// are copies; later edits to the source never reach a running checklist.
type Checklist struct {
	ID          string
	SOPID       string
	SOPTitle    string
	SOPVersion  int
	Name        string
	Status      ChecklistStatus
	Progress    int
	DueDate     *time.Time
	CreatedByID string
	ResolvedAt  *time.Time
	ResolvedBy  *string
	FinalNotes  string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Steps []ChecklistStep
}

type ChecklistStep struct {
	ID          string
	ChecklistID string
	Title       string
	Content     json.RawMessage
	OrderIndex  int
	IsCompleted bool
	CompletedAt *time.Time
	CompletedBy *string
}

type ActivityLog struct {
	ID         int64
	ActorID    string
	ActorName  string
	Action     string
	TargetType string
	TargetID   string
	Detail     string
	CreatedAt  time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

// SOPFilter selects which library view a list call serves.
type SOPFilter struct {
	View     string // "library", "trash", "all"
	FolderID string
	Status   SOPStatus
}
