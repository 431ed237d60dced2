package app

import (
	"context"
	"fmt"

	"copyreg/internal/policy"
	"copyreg/internal/util"
	"copyreg/pkg/apperr"
	"copyreg/pkg/domain"
)

// ListUsers returns every account for the administration screen.
func (a *App) ListUsers(ctx context.Context, actor policy.Actor) ([]domain.User, error) {
	if err := a.authorize(ctx, policy.Request{Actor: actor, Action: policy.ActionAdminListUsers}); err != nil {
		return nil, err
	}
	return a.store.ListUsers(ctx)
}

// ChangeRole assigns a new role to another user. The policy sees the target
// before the role is validated, so self and hierarchy denials win over a bad
// role name.
func (a *App) ChangeRole(ctx context.Context, actor policy.Actor, targetID, rawRole string) (domain.User, error) {
	role, ok := domain.ParseRole(rawRole)
	if !ok || !role.Assignable() {
		if _, err := a.loadTarget(ctx, actor, "", targetID); err != nil {
			return domain.User{}, err
		}
		return domain.User{}, apperr.Validation(fmt.Sprintf("role %q cannot be assigned", rawRole))
	}
	target, err := a.loadTarget(ctx, actor, role, targetID)
	if err != nil {
		return domain.User{}, err
	}
	if target.Role == role {
		return target, nil
	}
	from := target.Role
	target.Role = role
	target.UpdatedAt = a.now()
	if err := a.store.SetUserRole(ctx, target.ID, role, target.UpdatedAt); err != nil {
		return domain.User{}, err
	}
	util.LoggerFromContext(ctx).Info("user role changed",
		"target_id", target.ID,
		"from", from,
		"to", role,
		"user_id", actor.ID(),
	)
	return target, nil
}

// ToggleBlock flips the blocked flag of another user. Blocking also ends
// the user's sessions.
func (a *App) ToggleBlock(ctx context.Context, actor policy.Actor, targetID string) (domain.User, error) {
	target, err := a.loadTarget(ctx, actor, "", targetID)
	if err != nil {
		return domain.User{}, err
	}
	target.IsBlocked = !target.IsBlocked
	target.UpdatedAt = a.now()
	if err := a.store.SetUserBlocked(ctx, target.ID, target.IsBlocked, target.UpdatedAt); err != nil {
		return domain.User{}, err
	}
	if target.IsBlocked {
		a.revokeSessions(ctx, target.ID)
	}
	util.LoggerFromContext(ctx).Info("user block toggled",
		"target_id", target.ID,
		"blocked", target.IsBlocked,
		"user_id", actor.ID(),
	)
	return target, nil
}

// loadTarget authorizes the role change before and after looking up the
// target, so callers without admin rights never learn whether it exists.
func (a *App) loadTarget(ctx context.Context, actor policy.Actor, newRole domain.Role, targetID string) (domain.User, error) {
	req := policy.Request{Actor: actor, Action: policy.ActionAdminUpdateUser, NewRole: newRole}
	if err := a.authorize(ctx, req); err != nil {
		return domain.User{}, err
	}
	target, ok, err := a.store.GetUserByID(ctx, targetID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	req.TargetUser = &target
	if err := a.authorize(ctx, req); err != nil {
		return domain.User{}, err
	}
	return target, nil
}
