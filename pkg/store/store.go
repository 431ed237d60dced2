package store

import (
	"context"
	"time"

	"copyreg/internal/quota"
	"copyreg/pkg/domain"
)

// Store defines persistence operations for users, applications, files,
// history and password reset tokens. Multi-row mutations are atomic.
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) error
	UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error
	SetUserRole(ctx context.Context, userID string, role domain.Role, now time.Time) error
	SetUserBlocked(ctx context.Context, userID string, blocked bool, now time.Time) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	UserCount(ctx context.Context) (int, error)

	// applications
	CreateApplication(ctx context.Context, app domain.Application, entry domain.HistoryEntry) error
	UpdateApplication(ctx context.Context, app domain.Application, expected []domain.Status, entry domain.HistoryEntry) error
	GetApplication(ctx context.Context, id string) (domain.Application, bool, error)
	ListApplicationsByOwner(ctx context.Context, ownerID string) ([]domain.Application, error)
	ListApplicationsByStatus(ctx context.Context, status domain.Status) ([]domain.Application, error)
	DeleteApplication(ctx context.Context, id string, expected []domain.Status) ([]domain.ApplicationFile, error)
	Stats(ctx context.Context) (domain.Stats, error)

	// history
	ListHistory(ctx context.Context, applicationID string) ([]domain.HistoryEntry, error)

	// files
	AttachFiles(ctx context.Context, applicationID string, expected []domain.Status, files []domain.ApplicationFile, guard quota.Guard, persist PersistFunc) ([]domain.ApplicationFile, quota.Result, error)
	ListFiles(ctx context.Context, applicationID string) ([]domain.ApplicationFile, error)
	GetFile(ctx context.Context, id string) (domain.ApplicationFile, bool, error)
	DeleteFile(ctx context.Context, id string) error
	CountFiles(ctx context.Context, applicationID string) (int, error)

	// password reset
	SavePasswordResetToken(ctx context.Context, t domain.PasswordResetToken) error
	GetPasswordResetToken(ctx context.Context, token string) (domain.PasswordResetToken, bool, error)
	ConsumePasswordResetToken(ctx context.Context, token, passwordHash string, now time.Time) error
}

// PersistFunc stores the content of an admitted file before its row commits.
// Returning an error rolls back the whole batch.
type PersistFunc func(domain.ApplicationFile) error

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is implemented by session stores that can drop every
// session of a user, used after password changes and blocking.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}
