package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleApplicant  Role = "applicant"
	RoleExpert     Role = "expert"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Roles lists every role in ascending privilege order.
var Roles = []Role{RoleApplicant, RoleExpert, RoleAdmin, RoleSuperAdmin}

// ParseRole maps user input onto the closed role set.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleApplicant:
		return RoleApplicant, true
	case RoleExpert:
		return RoleExpert, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleSuperAdmin:
		return RoleSuperAdmin, true
	default:
		return "", false
	}
}

// Assignable reports whether the role can be granted through user administration.
func (r Role) Assignable() bool {
	switch r {
	case RoleApplicant, RoleExpert, RoleAdmin:
		return true
	case RoleSuperAdmin:
		return false
	default:
		return false
	}
}

// CanReview reports whether the role may act as an expert reviewer.
func (r Role) CanReview() bool {
	switch r {
	case RoleExpert, RoleAdmin, RoleSuperAdmin:
		return true
	case RoleApplicant:
		return false
	default:
		return false
	}
}

// CanAdminister reports whether the role may open user administration.
func (r Role) CanAdminister() bool {
	switch r {
	case RoleAdmin, RoleSuperAdmin:
		return true
	case RoleApplicant, RoleExpert:
		return false
	default:
		return false
	}
}

type Status string

const (
	StatusDraft        Status = "draft"
	StatusSubmitted    Status = "submitted"
	StatusNeedsChanges Status = "needs_changes"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusCancelled    Status = "cancelled"
)

// Statuses lists every application status.
var Statuses = []Status{
	StatusDraft,
	StatusSubmitted,
	StatusNeedsChanges,
	StatusApproved,
	StatusRejected,
	StatusCancelled,
}

// ParseStatus maps a stored or submitted value onto the closed status set.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusDraft:
		return StatusDraft, true
	case StatusSubmitted:
		return StatusSubmitted, true
	case StatusNeedsChanges:
		return StatusNeedsChanges, true
	case StatusApproved:
		return StatusApproved, true
	case StatusRejected:
		return StatusRejected, true
	case StatusCancelled:
		return StatusCancelled, true
	default:
		return "", false
	}
}

// Terminal reports whether no transition leaves the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

type EventType string

const (
	EventCreated      EventType = "created"
	EventEdited       EventType = "edited"
	EventStatusChange EventType = "status_change"
)

const (
	// MaxTitleLength bounds Application.Title in characters.
	MaxTitleLength = 255
	// MaxFilesPerApplication caps live attachments per application.
	MaxFilesPerApplication = 10
	// PasswordResetTTL is how long a reset token stays usable.
	PasswordResetTTL = 24 * time.Hour
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	IsBlocked    bool      `json:"isBlocked"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Application struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	ShortDescription string    `json:"shortDescription"`
	Status           Status    `json:"status"`
	ExpertComment    *string   `json:"expertComment,omitempty"`
	OwnerID          string    `json:"ownerId"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type ApplicationFile struct {
	ID            string    `json:"id"`
	Filename      string    `json:"-"`
	OriginalName  string    `json:"originalName"`
	ApplicationID string    `json:"applicationId"`
	CreatedAt     time.Time `json:"createdAt"`
}

type HistoryEntry struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"applicationId"`
	ChangedByID   *string   `json:"changedById,omitempty"`
	EventType     EventType `json:"eventType"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Status        Status    `json:"status"`
	Comment       *string   `json:"comment,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type PasswordResetToken struct {
	Token     string    `json:"-"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	Used      bool      `json:"used"`
}

// TokenState classifies a reset token at a point in time.
type TokenState string

const (
	TokenValid    TokenState = "valid"
	TokenConsumed TokenState = "consumed"
	TokenExpired  TokenState = "expired"
)

// State reports whether the token can still be used at now. A consumed token
// stays consumed regardless of its age.
func (t PasswordResetToken) State(now time.Time) TokenState {
	if t.Used {
		return TokenConsumed
	}
	if !now.Before(t.CreatedAt.Add(PasswordResetTTL)) {
		return TokenExpired
	}
	return TokenValid
}

// Stats summarizes applications for the admin dashboard. Drafts are excluded.
type Stats struct {
	ByStatus          map[Status]int `json:"byStatus"`
	TotalUsers        int            `json:"totalUsers"`
	TotalApplications int            `json:"totalApplications"`
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
