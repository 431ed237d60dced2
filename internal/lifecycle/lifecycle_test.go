package lifecycle

import (
	"errors"
	"strings"
	"testing"
	"time"

	"copyreg/pkg/apperr"
	"copyreg/pkg/domain"
)

func draft() domain.Application {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.Application{
		ID:               "app-1",
		Title:            "T",
		ShortDescription: "D",
		Status:           domain.StatusDraft,
		OwnerID:          "owner",
		CreatedAt:        created,
		UpdatedAt:        created,
	}
}

func TestSubmitFromDraftAndNeedsChanges(t *testing.T) {
	now := time.Now().UTC()
	for _, from := range []domain.Status{domain.StatusDraft, domain.StatusNeedsChanges} {
		app := draft()
		app.Status = from
		res, err := Apply(app, EventSubmit, "", now)
		if err != nil {
			t.Fatalf("submit from %s: %v", from, err)
		}
		if res.Application.Status != domain.StatusSubmitted {
			t.Fatalf("unexpected status: %s", res.Application.Status)
		}
		if res.From != from || !res.Application.UpdatedAt.Equal(now) {
			t.Fatalf("unexpected result: %+v", res)
		}
		if app.Status != from {
			t.Fatalf("input application must not be mutated")
		}
	}
}

func TestSubmitFromTerminalFails(t *testing.T) {
	for _, from := range []domain.Status{domain.StatusApproved, domain.StatusRejected, domain.StatusCancelled, domain.StatusSubmitted} {
		app := draft()
		app.Status = from
		_, err := Apply(app, EventSubmit, "", time.Now())
		if !errors.Is(err, apperr.ErrInvalidState) {
			t.Fatalf("submit from %s: expected invalid state, got %v", from, err)
		}
	}
}

func TestSubmitRequiresContent(t *testing.T) {
	app := draft()
	app.ShortDescription = "  "
	_, err := Apply(app, EventSubmit, "", time.Now())
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	events := []Event{EventSubmit, EventCancel, EventApprove, EventReject, EventRequestChange}
	for _, status := range domain.Statuses {
		if !status.Terminal() {
			continue
		}
		for _, ev := range events {
			app := draft()
			app.Status = status
			if _, err := Apply(app, ev, "comment", time.Now()); !errors.Is(err, apperr.ErrInvalidState) {
				t.Fatalf("%s from %s: expected invalid state, got %v", ev, status, err)
			}
		}
	}
}

func TestCancelOnlyFromSubmitted(t *testing.T) {
	app := draft()
	if _, err := Apply(app, EventCancel, "", time.Now()); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("cancel draft: expected invalid state, got %v", err)
	}
	app.Status = domain.StatusSubmitted
	res, err := Apply(app, EventCancel, "", time.Now())
	if err != nil || res.Application.Status != domain.StatusCancelled {
		t.Fatalf("cancel submitted: %+v %v", res, err)
	}
}

func TestReviewCommentRules(t *testing.T) {
	app := draft()
	app.Status = domain.StatusSubmitted

	for _, ev := range []Event{EventReject, EventRequestChange} {
		if _, err := Apply(app, ev, "   ", time.Now()); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("%s without comment: expected validation error, got %v", ev, err)
		}
		res, err := Apply(app, ev, "fix section 2", time.Now())
		if err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
		if res.Application.ExpertComment == nil || *res.Application.ExpertComment != "fix section 2" {
			t.Fatalf("%s: comment not recorded", ev)
		}
	}

	res, err := Apply(app, EventApprove, "", time.Now())
	if err != nil {
		t.Fatalf("approve without comment: %v", err)
	}
	if res.Application.Status != domain.StatusApproved || res.Application.ExpertComment != nil {
		t.Fatalf("unexpected approval result: %+v", res.Application)
	}
}

func TestWrongStateCheckedBeforeComment(t *testing.T) {
	_, err := Apply(draft(), EventReject, "", time.Now())
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestParseDecision(t *testing.T) {
	cases := map[string]Event{
		"approved":      EventApprove,
		" Rejected ":    EventReject,
		"needs_changes": EventRequestChange,
	}
	for raw, want := range cases {
		got, err := ParseDecision(raw)
		if err != nil || got != want {
			t.Fatalf("%q: got %q %v", raw, got, err)
		}
	}
	if _, err := ParseDecision("under_review"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCanEdit(t *testing.T) {
	for _, status := range domain.Statuses {
		want := status == domain.StatusDraft || status == domain.StatusNeedsChanges
		if CanEdit(status) != want {
			t.Fatalf("CanEdit(%s) = %v", status, !want)
		}
	}
}

func TestValidateContent(t *testing.T) {
	title, desc, err := ValidateContent("  T ", " D ")
	if err != nil || title != "T" || desc != "D" {
		t.Fatalf("unexpected: %q %q %v", title, desc, err)
	}
	if _, _, err := ValidateContent("", "D"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for empty title")
	}
	if _, _, err := ValidateContent("T", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for empty description")
	}
	if _, _, err := ValidateContent(strings.Repeat("я", 256), "D"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for long title")
	}
	if _, _, err := ValidateContent(strings.Repeat("я", 255), "D"); err != nil {
		t.Fatalf("255 characters should be accepted: %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	app := draft()
	comment := "ok"
	entry := Snapshot(app, domain.EventCreated, "", &comment, app.CreatedAt)
	if entry.ChangedByID != nil {
		t.Fatalf("system actions carry no author")
	}
	if entry.Title != "T" || entry.Description != "D" || entry.Status != domain.StatusDraft || *entry.Comment != "ok" {
		t.Fatalf("unexpected snapshot: %+v", entry)
	}
}
