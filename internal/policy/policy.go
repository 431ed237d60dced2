// Package policy decides whether an actor may perform an action on a target.
//
// Decisions come from an ordered chain of rules. Each rule either matches and
// returns a decision, or passes to the next one. The first matching rule wins
// and the chain ends with a default deny.
package policy

import (
	"copyreg/pkg/apperr"
	"copyreg/pkg/domain"
)

type Action string

const (
	ActionViewProfile         Action = "view_profile"
	ActionChangePassword      Action = "change_password"
	ActionListOwnApplications Action = "list_own_applications"
	ActionCreateApplication   Action = "create_application"
	ActionViewApplication     Action = "view_application"
	ActionEditApplication     Action = "edit_application"
	ActionSubmitApplication   Action = "submit_application"
	ActionCancelApplication   Action = "cancel_application"
	ActionDeleteApplication   Action = "delete_application"
	ActionUploadFile          Action = "upload_file"
	ActionDownloadFile        Action = "download_file"
	ActionDeleteFile          Action = "delete_file"
	ActionListReviewQueue     Action = "list_review_queue"
	ActionReviewApplication   Action = "review_application"
	ActionAdminListUsers      Action = "admin_list_users"
	ActionAdminUpdateUser     Action = "admin_update_user"
	ActionAdminStats          Action = "admin_stats"
)

// Actor is the user attempting an action. A nil User means anonymous.
type Actor struct {
	User *domain.User
}

// Anonymous returns an actor without a session.
func Anonymous() Actor {
	return Actor{}
}

// As returns an actor for an authenticated user.
func As(u domain.User) Actor {
	return Actor{User: &u}
}

func (a Actor) Authenticated() bool {
	return a.User != nil
}

// ID returns the user id, or "" for anonymous actors.
func (a Actor) ID() string {
	if a.User == nil {
		return ""
	}
	return a.User.ID
}

// Role returns the user's role, or "" for anonymous actors.
func (a Actor) Role() domain.Role {
	if a.User == nil {
		return ""
	}
	return a.User.Role
}

// Request describes one authorization question.
type Request struct {
	Actor       Actor
	Action      Action
	Application *domain.Application
	TargetUser  *domain.User
	// NewRole is set for admin role changes.
	NewRole domain.Role
}

// Decision is the outcome of evaluating a request.
type Decision struct {
	Allowed bool
	Reason  apperr.Reason
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason apperr.Reason) Decision {
	return Decision{Reason: reason}
}

// Rule inspects a request and reports a decision when it matches.
type Rule func(Request) (Decision, bool)

// Policy is an ordered rule chain.
type Policy struct {
	rules []Rule
}

// New builds a policy from rules evaluated in the given order.
func New(rules ...Rule) *Policy {
	return &Policy{rules: rules}
}

// Default returns the registry's access control policy.
func Default() *Policy {
	return New(
		RequireAuthenticated,
		RejectBlocked,
		RejectSelfAdministration,
		EnforceAdminHierarchy,
		RequireOwnership,
		GuardExpertReview,
		AllowSelfService,
	)
}

// Evaluate runs the chain. Requests no rule matches are denied.
func (p *Policy) Evaluate(req Request) Decision {
	for _, rule := range p.rules {
		if d, ok := rule(req); ok {
			return d
		}
	}
	return deny(apperr.ReasonDefaultDeny)
}

// Authorize evaluates the request and converts a denial into an error.
func (p *Policy) Authorize(req Request) error {
	d := p.Evaluate(req)
	if d.Allowed {
		return nil
	}
	if d.Reason == apperr.ReasonNotAuthenticated {
		return apperr.NotAuthenticated(message(d.Reason))
	}
	return apperr.Forbidden(d.Reason, message(d.Reason))
}

func message(reason apperr.Reason) string {
	switch reason {
	case apperr.ReasonNotAuthenticated:
		return "please log in"
	case apperr.ReasonBlocked:
		return "account is blocked"
	case apperr.ReasonSelfAction:
		return "you cannot modify your own account"
	case apperr.ReasonHierarchyViolation:
		return "only a super admin can manage administrators"
	case apperr.ReasonNotOwner:
		return "you do not have access to this application"
	case apperr.ReasonSelfReview:
		return "you cannot review your own application"
	case apperr.ReasonRoleRequired:
		return "your role does not permit this action"
	default:
		return "forbidden"
	}
}
