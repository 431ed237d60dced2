// Package notify delivers user-facing notifications. Delivery is best effort:
// callers log failures and never roll back on them.
package notify

import (
	"context"
	"fmt"
	"strings"

	"copyreg/pkg/domain"
)

// Sender delivers notifications.
type Sender interface {
	SendStatusUpdate(ctx context.Context, app domain.Application, recipient domain.User) error
	SendPasswordReset(ctx context.Context, email, link string) error
}

// Message is a rendered plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// StatusUpdateMessage renders the email sent to an owner after a review.
func StatusUpdateMessage(app domain.Application, recipient domain.User) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "The status of your application %q is now %s.\n", app.Title, statusLabel(app.Status))
	if app.ExpertComment != nil && strings.TrimSpace(*app.ExpertComment) != "" {
		fmt.Fprintf(&b, "\nExpert comment:\n%s\n", *app.ExpertComment)
	}
	return Message{
		To:      recipient.Email,
		Subject: "Application status changed",
		Body:    b.String(),
	}
}

// PasswordResetMessage renders the password reset email.
func PasswordResetMessage(email, link string) Message {
	return Message{
		To:      email,
		Subject: "Password reset",
		Body: fmt.Sprintf("A password reset was requested for your account.\n\n"+
			"Open the link below within 24 hours to choose a new password:\n%s\n\n"+
			"If you did not request this, ignore this email.\n", link),
	}
}

func statusLabel(s domain.Status) string {
	switch s {
	case domain.StatusDraft:
		return "draft"
	case domain.StatusSubmitted:
		return "submitted"
	case domain.StatusNeedsChanges:
		return "needs changes"
	case domain.StatusApproved:
		return "approved"
	case domain.StatusRejected:
		return "rejected"
	case domain.StatusCancelled:
		return "cancelled"
	}
	return string(s)
}
