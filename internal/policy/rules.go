package policy

import (
	"copyreg/pkg/apperr"
	"copyreg/pkg/domain"
)

// RequireAuthenticated denies every action to anonymous actors.
func RequireAuthenticated(req Request) (Decision, bool) {
	if !req.Actor.Authenticated() {
		return deny(apperr.ReasonNotAuthenticated), true
	}
	return Decision{}, false
}

// RejectBlocked denies blocked actors. Super admins cannot be blocked out.
func RejectBlocked(req Request) (Decision, bool) {
	u := req.Actor.User
	if u.IsBlocked && u.Role != domain.RoleSuperAdmin {
		return deny(apperr.ReasonBlocked), true
	}
	return Decision{}, false
}

// RejectSelfAdministration stops administrators from changing their own account.
func RejectSelfAdministration(req Request) (Decision, bool) {
	if req.Action != ActionAdminUpdateUser || req.TargetUser == nil {
		return Decision{}, false
	}
	if req.TargetUser.ID == req.Actor.ID() {
		return deny(apperr.ReasonSelfAction), true
	}
	return Decision{}, false
}

// EnforceAdminHierarchy gates admin actions: only super admins may act on
// administrators or grant the admin role.
func EnforceAdminHierarchy(req Request) (Decision, bool) {
	if !isAdminAction(req.Action) {
		return Decision{}, false
	}
	role := req.Actor.Role()
	if !role.CanAdminister() {
		return deny(apperr.ReasonRoleRequired), true
	}
	if req.Action != ActionAdminUpdateUser {
		return allow(), true
	}
	switch role {
	case domain.RoleSuperAdmin:
		return allow(), true
	case domain.RoleAdmin:
		if req.TargetUser != nil && req.TargetUser.Role.CanAdminister() {
			return deny(apperr.ReasonHierarchyViolation), true
		}
		if req.NewRole == domain.RoleAdmin || req.NewRole == domain.RoleSuperAdmin {
			return deny(apperr.ReasonHierarchyViolation), true
		}
		return allow(), true
	case domain.RoleApplicant, domain.RoleExpert:
		return deny(apperr.ReasonRoleRequired), true
	default:
		return deny(apperr.ReasonRoleRequired), true
	}
}

// RequireOwnership gates application actions. Reads are open to reviewers
// and administrators; mutations need strict ownership.
func RequireOwnership(req Request) (Decision, bool) {
	if !isApplicationAction(req.Action) {
		return Decision{}, false
	}
	if req.Application == nil {
		return deny(apperr.ReasonDefaultDeny), true
	}
	if req.Application.OwnerID == req.Actor.ID() {
		return allow(), true
	}
	switch req.Action {
	case ActionViewApplication, ActionDownloadFile:
		if req.Actor.Role().CanReview() {
			return allow(), true
		}
	}
	return deny(apperr.ReasonNotOwner), true
}

// GuardExpertReview lets reviewers act on any application but their own.
func GuardExpertReview(req Request) (Decision, bool) {
	switch req.Action {
	case ActionListReviewQueue:
		if !req.Actor.Role().CanReview() {
			return deny(apperr.ReasonRoleRequired), true
		}
		return allow(), true
	case ActionReviewApplication:
		if !req.Actor.Role().CanReview() {
			return deny(apperr.ReasonRoleRequired), true
		}
		if req.Application == nil {
			return deny(apperr.ReasonDefaultDeny), true
		}
		if req.Application.OwnerID == req.Actor.ID() {
			return deny(apperr.ReasonSelfReview), true
		}
		return allow(), true
	default:
		return Decision{}, false
	}
}

// AllowSelfService permits actions that only touch the actor's own data.
func AllowSelfService(req Request) (Decision, bool) {
	switch req.Action {
	case ActionViewProfile, ActionChangePassword, ActionListOwnApplications, ActionCreateApplication:
		return allow(), true
	default:
		return Decision{}, false
	}
}

func isAdminAction(a Action) bool {
	switch a {
	case ActionAdminListUsers, ActionAdminUpdateUser, ActionAdminStats:
		return true
	default:
		return false
	}
}

func isApplicationAction(a Action) bool {
	switch a {
	case ActionViewApplication, ActionEditApplication, ActionSubmitApplication,
		ActionCancelApplication, ActionDeleteApplication, ActionUploadFile,
		ActionDownloadFile, ActionDeleteFile:
		return true
	default:
		return false
	}
}
