package app

import "copyreg/pkg/apperr"

var (
	// ErrInvalidCredentials does not reveal whether the email exists.
	ErrInvalidCredentials = apperr.New(apperr.KindNotAuthenticated, apperr.ReasonInvalidCredentials, "incorrect email address or password")
	ErrUserBlocked        = apperr.Forbidden(apperr.ReasonBlocked, "account is blocked")
	ErrInvalidSession     = apperr.NotAuthenticated("session is invalid or expired")

	ErrEmailRequired = apperr.Validation("email required")
	ErrInvalidEmail  = apperr.Validation("email address is invalid")

	ErrApplicationNotFound = apperr.NotFound("application not found")
	ErrFileNotFound        = apperr.NotFound("file not found")
	ErrUserNotFound        = apperr.NotFound("user not found")
)
