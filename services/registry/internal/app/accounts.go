package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"copyreg/internal/policy"
	"copyreg/internal/util"
	"copyreg/pkg/apperr"
	"copyreg/pkg/auth"
	"copyreg/pkg/domain"
	"copyreg/pkg/store"
)

var validate = validator.New()

// NormalizeEmail trims and lower-cases an email and checks its syntax.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", ErrEmailRequired
	}
	if err := validate.Var(email, "required,email,max=254"); err != nil {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// Register creates an applicant account.
func (a *App) Register(ctx context.Context, email, password, confirm string) (domain.User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return domain.User{}, err
	}
	if err := auth.ValidateNewPassword(password, confirm); err != nil {
		return domain.User{}, passwordError(err)
	}
	return a.CreateUser(ctx, email, password, domain.RoleApplicant)
}

// CreateUser adds an account with the given role without going through the
// policy. It backs registration and the operator CLI.
func (a *App) CreateUser(ctx context.Context, email, password string, role domain.Role) (domain.User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return domain.User{}, err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, passwordError(err)
	}
	if _, ok := domain.ParseRole(string(role)); !ok {
		return domain.User{}, apperr.Validation(fmt.Sprintf("unknown role %q", role))
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := a.now()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		return domain.User{}, err
	}
	util.LoggerFromContext(ctx).Info("user created", "user_id", user.ID, "role", user.Role)
	return user, nil
}

// Login verifies credentials and opens a session.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return domain.User{}, "", ErrInvalidCredentials
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("load user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if user.IsBlocked && user.Role != domain.RoleSuperAdmin {
		return domain.User{}, "", ErrUserBlocked
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("create session: %w", err)
	}
	return user, token, nil
}

// Logout drops the session behind token.
func (a *App) Logout(token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return a.sessions.DeleteSession(token)
}

// UserFromToken resolves a session token to an actor. A missing token
// yields the anonymous actor; a bad one yields ErrInvalidSession.
func (a *App) UserFromToken(ctx context.Context, token string) (policy.Actor, error) {
	if strings.TrimSpace(token) == "" {
		return policy.Anonymous(), nil
	}
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return policy.Anonymous(), ErrInvalidSession
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return policy.Anonymous(), fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return policy.Anonymous(), ErrInvalidSession
	}
	return policy.As(user), nil
}

// Profile returns the actor's own account.
func (a *App) Profile(ctx context.Context, actor policy.Actor) (domain.User, error) {
	if err := a.authorize(ctx, policy.Request{Actor: actor, Action: policy.ActionViewProfile}); err != nil {
		return domain.User{}, err
	}
	return *actor.User, nil
}

// ChangePassword replaces the actor's password after checking the current
// one. Other sessions are revoked; the returned token replaces the caller's.
func (a *App) ChangePassword(ctx context.Context, actor policy.Actor, current, next, confirm string) (string, error) {
	if err := a.authorize(ctx, policy.Request{Actor: actor, Action: policy.ActionChangePassword}); err != nil {
		return "", err
	}
	user := *actor.User
	if !auth.CheckPassword(current, user.PasswordHash) {
		return "", apperr.New(apperr.KindValidation, apperr.ReasonInvalidCredentials, "current password is incorrect")
	}
	if err := auth.ValidateNewPassword(next, confirm); err != nil {
		return "", passwordError(err)
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	if err := a.store.UpdatePasswordHash(ctx, user.ID, hash, a.now()); err != nil {
		return "", err
	}
	a.revokeSessions(ctx, user.ID)
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

// RequestPasswordReset mails a reset link when the email belongs to an
// account. The caller sees the same outcome either way.
func (a *App) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return nil
	}
	token, err := util.NewToken(32)
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}
	if err := a.store.SavePasswordResetToken(ctx, domain.PasswordResetToken{
		Token:     token,
		UserID:    user.ID,
		CreatedAt: a.now(),
	}); err != nil {
		return fmt.Errorf("save reset token: %w", err)
	}
	if err := a.notifier.SendPasswordReset(ctx, user.Email, a.ResetLink(token)); err != nil {
		a.metrics.IncNotificationFailure("password_reset")
		util.LoggerFromContext(ctx).Error("password reset notification failed", "user_id", user.ID, "err", err)
	}
	return nil
}

// ResetLink builds the URL mailed to users for token.
func (a *App) ResetLink(token string) string {
	return a.baseURL + "/password/reset/" + token
}

// CheckResetToken reports whether token can still be used.
func (a *App) CheckResetToken(ctx context.Context, token string) error {
	t, ok, err := a.store.GetPasswordResetToken(ctx, strings.TrimSpace(token))
	if err != nil {
		return fmt.Errorf("load reset token: %w", err)
	}
	if !ok {
		return store.ResetTokenError("")
	}
	return store.ResetTokenError(t.State(a.now()))
}

// ResetPassword sets a new password through a reset token and consumes it.
func (a *App) ResetPassword(ctx context.Context, token, password, confirm string) error {
	token = strings.TrimSpace(token)
	if err := a.CheckResetToken(ctx, token); err != nil {
		return err
	}
	if err := auth.ValidateNewPassword(password, confirm); err != nil {
		return passwordError(err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	t, _, err := a.store.GetPasswordResetToken(ctx, token)
	if err != nil {
		return fmt.Errorf("load reset token: %w", err)
	}
	if err := a.store.ConsumePasswordResetToken(ctx, token, hash, a.now()); err != nil {
		return err
	}
	a.revokeSessions(ctx, t.UserID)
	util.LoggerFromContext(ctx).Info("password reset", "user_id", t.UserID)
	return nil
}

func (a *App) revokeSessions(ctx context.Context, userID string) {
	revoker, ok := a.sessions.(store.UserSessionRevoker)
	if !ok {
		return
	}
	// session stores stamp tokens with wall-clock time, not a.now
	if err := revoker.RevokeUserSessions(userID, time.Now()); err != nil {
		util.LoggerFromContext(ctx).Warn("revoke sessions failed", "user_id", userID, "err", err)
	}
}

func passwordError(err error) error {
	switch {
	case errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordTooLong),
		errors.Is(err, auth.ErrPasswordMismatch):
		return apperr.Validation(err.Error())
	default:
		return err
	}
}
