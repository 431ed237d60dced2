// Package lifecycle holds the application status machine.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"copyreg/pkg/apperr"
	"copyreg/pkg/domain"
)

type Event string

const (
	EventSubmit        Event = "submit"
	EventCancel        Event = "cancel"
	EventApprove       Event = "review_approve"
	EventReject        Event = "review_reject"
	EventRequestChange Event = "review_needs_changes"
)

// Transition is one row of the status table.
type Transition struct {
	Event           Event
	From            []domain.Status
	To              domain.Status
	RequiresComment bool
	Review          bool
}

var table = map[Event]Transition{
	EventSubmit: {
		Event: EventSubmit,
		From:  []domain.Status{domain.StatusDraft, domain.StatusNeedsChanges},
		To:    domain.StatusSubmitted,
	},
	EventCancel: {
		Event: EventCancel,
		From:  []domain.Status{domain.StatusSubmitted},
		To:    domain.StatusCancelled,
	},
	EventApprove: {
		Event:  EventApprove,
		From:   []domain.Status{domain.StatusSubmitted},
		To:     domain.StatusApproved,
		Review: true,
	},
	EventReject: {
		Event:           EventReject,
		From:            []domain.Status{domain.StatusSubmitted},
		To:              domain.StatusRejected,
		RequiresComment: true,
		Review:          true,
	},
	EventRequestChange: {
		Event:           EventRequestChange,
		From:            []domain.Status{domain.StatusSubmitted},
		To:              domain.StatusNeedsChanges,
		RequiresComment: true,
		Review:          true,
	},
}

var editable = []domain.Status{domain.StatusDraft, domain.StatusNeedsChanges}

// Lookup returns the transition for an event.
func Lookup(ev Event) (Transition, bool) {
	t, ok := table[ev]
	return t, ok
}

// Allows reports whether the transition may start from status.
func (t Transition) Allows(status domain.Status) bool {
	return contains(t.From, status)
}

// CanEdit reports whether content edits are allowed in status.
func CanEdit(status domain.Status) bool {
	return contains(editable, status)
}

// EditableStatuses returns the statuses in which content edits are allowed.
func EditableStatuses() []domain.Status {
	return append([]domain.Status(nil), editable...)
}

// ParseDecision maps a reviewer's decision onto a review event.
func ParseDecision(raw string) (Event, error) {
	switch domain.Status(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.StatusApproved:
		return EventApprove, nil
	case domain.StatusRejected:
		return EventReject, nil
	case domain.StatusNeedsChanges:
		return EventRequestChange, nil
	default:
		return "", apperr.Validation("invalid review decision")
	}
}

// Result is the outcome of a successful transition.
type Result struct {
	Application domain.Application
	From        domain.Status
	Transition  Transition
}

// Apply validates ev against app and returns the mutated copy. The input is
// never modified; on error nothing should be persisted.
func Apply(app domain.Application, ev Event, comment string, now time.Time) (Result, error) {
	t, ok := table[ev]
	if !ok {
		return Result{}, apperr.Validation(fmt.Sprintf("unknown event %q", ev))
	}
	if !t.Allows(app.Status) {
		return Result{}, apperr.InvalidState(fmt.Sprintf("cannot %s an application in status %s", verb(ev), app.Status))
	}
	comment = strings.TrimSpace(comment)
	if t.RequiresComment && comment == "" {
		return Result{}, apperr.Validation("a comment is required for this decision")
	}
	if ev == EventSubmit {
		if strings.TrimSpace(app.Title) == "" || strings.TrimSpace(app.ShortDescription) == "" {
			return Result{}, apperr.Validation("title and description are required before submitting")
		}
	}
	next := app
	next.Status = t.To
	if t.Review {
		next.ExpertComment = domain.StringPtr(comment)
	}
	next.UpdatedAt = now
	return Result{Application: next, From: app.Status, Transition: t}, nil
}

// Snapshot builds the history row recording app's current state. The store
// assigns the entry id.
func Snapshot(app domain.Application, ev domain.EventType, changedBy string, comment *string, now time.Time) domain.HistoryEntry {
	return domain.HistoryEntry{
		ApplicationID: app.ID,
		ChangedByID:   domain.StringPtr(changedBy),
		EventType:     ev,
		Title:         app.Title,
		Description:   app.ShortDescription,
		Status:        app.Status,
		Comment:       comment,
		CreatedAt:     now,
	}
}

// ValidateContent checks title and description for create and edit.
func ValidateContent(title, description string) (string, string, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	switch {
	case title == "" && description == "":
		return "", "", apperr.Validation("title and description are required")
	case title == "":
		return "", "", apperr.Validation("title is required")
	case description == "":
		return "", "", apperr.Validation("description is required")
	case len([]rune(title)) > domain.MaxTitleLength:
		return "", "", apperr.Validation(fmt.Sprintf("title must be at most %d characters", domain.MaxTitleLength))
	}
	return title, description, nil
}

func verb(ev Event) string {
	switch ev {
	case EventSubmit:
		return "submit"
	case EventCancel:
		return "cancel"
	default:
		return "review"
	}
}

func contains(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
