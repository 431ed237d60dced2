package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"copyreg/internal/policy"
	"copyreg/pkg/apperr"
	"copyreg/pkg/domain"
	"copyreg/pkg/storage"
)

func TestCreateThenViewRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)

	created, report, err := env.app.CreateApplication(ctx, owner, "  Smart engine ", "A new kind of engine", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(report.Admitted) != 0 || report.Partial() {
		t.Fatalf("unexpected file report: %+v", report)
	}
	view, err := env.app.ViewApplication(ctx, owner, created.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	got := view.Application
	if got.Title != "Smart engine" || got.ShortDescription != "A new kind of engine" {
		t.Fatalf("unexpected content: %+v", got)
	}
	if got.Status != domain.StatusDraft || got.OwnerID != owner.ID() {
		t.Fatalf("unexpected status or owner: %+v", got)
	}
	if len(view.History) != 1 || view.History[0].EventType != domain.EventCreated {
		t.Fatalf("expected one created entry, got %+v", view.History)
	}
}

func TestCreateValidatesContent(t *testing.T) {
	env := newTestEnv(t)
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)

	_, _, err := env.app.CreateApplication(context.Background(), owner, " ", "desc", nil)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	apps, _ := env.app.ListMyApplications(context.Background(), owner)
	if len(apps) != 0 {
		t.Fatalf("nothing should be stored, got %d", len(apps))
	}
}

func TestApproveScenarioHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)
	expert := env.user(t, "expert@example.com", domain.RoleExpert)

	app := env.submitted(t, owner)
	approved, err := env.app.Review(ctx, expert, app.ID, "approved", "looks good")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if approved.Status != domain.StatusApproved || approved.ExpertComment == nil || *approved.ExpertComment != "looks good" {
		t.Fatalf("unexpected result: %+v", approved)
	}

	view, err := env.app.ViewApplication(ctx, owner, app.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	want := []domain.Status{domain.StatusApproved, domain.StatusSubmitted, domain.StatusDraft}
	if len(view.History) != len(want) {
		t.Fatalf("expected %d history rows, got %d", len(want), len(view.History))
	}
	for i, status := range want {
		if view.History[i].Status != status {
			t.Fatalf("history[%d] status = %s, want %s", i, view.History[i].Status, status)
		}
	}
	if view.History[0].EventType != domain.EventStatusChange || view.History[2].EventType != domain.EventCreated {
		t.Fatalf("unexpected event types: %+v", view.History)
	}
	if view.History[0].ChangedByID == nil || *view.History[0].ChangedByID != expert.ID() {
		t.Fatalf("review entry should name the expert")
	}

	if len(env.sender.status) != 1 || env.sender.status[0].recipient.ID != owner.ID() {
		t.Fatalf("expected one notification to the owner, got %+v", env.sender.status)
	}
}

func TestSubmitFromTerminalStatusFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)
	expert := env.user(t, "expert@example.com", domain.RoleExpert)

	approved := env.submitted(t, owner)
	if _, err := env.app.Review(ctx, expert, approved.ID, "approved", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	cancelled := env.submitted(t, owner)
	if _, err := env.app.Cancel(ctx, owner, cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	for _, tc := range []struct {
		id   string
		want domain.Status
	}{
		{approved.ID, domain.StatusApproved},
		{cancelled.ID, domain.StatusCancelled},
	} {
		before := env.historyLen(t, tc.id)
		_, err := env.app.Submit(ctx, owner, tc.id)
		if !errors.Is(err, apperr.ErrInvalidState) {
			t.Fatalf("expected invalid state, got %v", err)
		}
		if got := env.status(t, tc.id); got != tc.want {
			t.Fatalf("status changed to %s", got)
		}
		if env.historyLen(t, tc.id) != before {
			t.Fatalf("history should not grow on a failed transition")
		}
	}
}

func TestResubmitAfterNeedsChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)
	expert := env.user(t, "expert@example.com", domain.RoleExpert)

	app := env.submitted(t, owner)
	if _, err := env.app.Review(ctx, expert, app.ID, "needs_changes", "add drawings"); err != nil {
		t.Fatalf("needs changes: %v", err)
	}
	if _, _, err := env.app.EditApplication(ctx, owner, app.ID, "Smart engine v2", "With drawings", uploads(1)); err != nil {
		t.Fatalf("edit: %v", err)
	}
	resubmitted, err := env.app.Submit(ctx, owner, app.ID)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if resubmitted.Status != domain.StatusSubmitted || resubmitted.Title != "Smart engine v2" {
		t.Fatalf("unexpected application: %+v", resubmitted)
	}
	if n := env.historyLen(t, app.ID); n != 5 {
		t.Fatalf("expected 5 history rows, got %d", n)
	}
}

func TestReviewWithoutCommentDoesNotMutate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)
	expert := env.user(t, "expert@example.com", domain.RoleExpert)
	app := env.submitted(t, owner)

	for _, decision := range []string{"rejected", "needs_changes"} {
		_, err := env.app.Review(ctx, expert, app.ID, decision, "   ")
		if !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", decision, err)
		}
		if got := env.status(t, app.ID); got != domain.StatusSubmitted {
			t.Fatalf("%s: status changed to %s", decision, got)
		}
		if n := env.historyLen(t, app.ID); n != 2 {
			t.Fatalf("%s: history grew to %d", decision, n)
		}
	}
	if len(env.sender.status) != 0 {
		t.Fatalf("no notification expected")
	}
}

func TestReviewRejectsUnknownDecision(t *testing.T) {
	env := newTestEnv(t)
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)
	expert := env.user(t, "expert@example.com", domain.RoleExpert)
	app := env.submitted(t, owner)

	_, err := env.app.Review(context.Background(), expert, app.ID, "under_review", "hmm")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReviewPolicyComesBeforeDecisionParsing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)
	expert := env.user(t, "expert@example.com", domain.RoleExpert)
	app := env.submitted(t, owner)
	own := env.submitted(t, expert)

	cases := []struct {
		name   string
		actor  policy.Actor
		id     string
		reason apperr.Reason
	}{
		{"owner", owner, app.ID, apperr.ReasonRoleRequired},
		{"expert on own application", expert, own.ID, apperr.ReasonSelfReview},
	}
	for _, tc := range cases {
		_, err := env.app.Review(ctx, tc.actor, tc.id, "approve", "")
		if !errors.Is(err, apperr.ForbiddenReason(tc.reason)) {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.reason, err)
		}
	}
}

func TestExpertCannotReviewOwnApplication(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	expert := env.user(t, "expert@example.com", domain.RoleExpert)
	app := env.submitted(t, expert)

	_, err := env.app.Review(ctx, expert, app.ID, "approved", "")
	if !errors.Is(err, apperr.ForbiddenReason(apperr.ReasonSelfReview)) {
		t.Fatalf("expected self_review, got %v", err)
	}
	if got := env.status(t, app.ID); got != domain.StatusSubmitted {
		t.Fatalf("status changed to %s", got)
	}
}

func TestApplicantCannotReview(t *testing.T) {
	env := newTestEnv(t)
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)
	other := env.user(t, "other@example.com", domain.RoleApplicant)
	app := env.submitted(t, owner)

	_, err := env.app.Review(context.Background(), other, app.ID, "approved", "")
	if apperr.ReasonOf(err) != apperr.ReasonRoleRequired {
		t.Fatalf("expected role_required, got %v", err)
	}
	if _, err := env.app.ReviewQueue(context.Background(), other); apperr.ReasonOf(err) != apperr.ReasonRoleRequired {
		t.Fatalf("expected role_required for the queue, got %v", err)
	}
}

func TestOwnershipRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)
	other := env.user(t, "other@example.com", domain.RoleApplicant)
	expert := env.user(t, "expert@example.com", domain.RoleExpert)
	app := env.draft(t, owner)

	if _, err := env.app.ViewApplication(ctx, other, app.ID); apperr.ReasonOf(err) != apperr.ReasonNotOwner {
		t.Fatalf("expected not_owner for view, got %v", err)
	}
	if _, err := env.app.ViewApplication(ctx, expert, app.ID); err != nil {
		t.Fatalf("expert should be able to view: %v", err)
	}
	if _, _, err := env.app.EditApplication(ctx, expert, app.ID, "x", "y", nil); apperr.ReasonOf(err) != apperr.ReasonNotOwner {
		t.Fatalf("expected not_owner for expert edit, got %v", err)
	}
	if _, err := env.app.Submit(ctx, other, app.ID); apperr.ReasonOf(err) != apperr.ReasonNotOwner {
		t.Fatalf("expected not_owner for submit, got %v", err)
	}
}

func TestEditOnlyWhileEditable(t *testing.T) {
	env := newTestEnv(t)
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)
	app := env.submitted(t, owner)

	_, _, err := env.app.EditApplication(context.Background(), owner, app.ID, "New", "New", nil)
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestBlockedUserCannotAct(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	super := env.user(t, "super@example.com", domain.RoleSuperAdmin)
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)
	app := env.draft(t, owner)

	if _, err := env.app.ToggleBlock(ctx, super, owner.ID()); err != nil {
		t.Fatalf("block: %v", err)
	}
	owner = env.refresh(t, owner)
	if _, err := env.app.Submit(ctx, owner, app.ID); !errors.Is(err, apperr.ForbiddenReason(apperr.ReasonBlocked)) {
		t.Fatalf("expected blocked, got %v", err)
	}
	if _, err := env.app.Submit(ctx, owner, "missing"); !errors.Is(err, apperr.ForbiddenReason(apperr.ReasonBlocked)) {
		t.Fatalf("blocked users should not learn about missing ids, got %v", err)
	}
}

func TestDeleteApplicationDraftOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)

	app, report, err := env.app.CreateApplication(ctx, owner, "Title", "Description", uploads(2))
	if err != nil || len(report.Admitted) != 2 {
		t.Fatalf("create: %v %+v", err, report)
	}
	if err := env.app.DeleteApplication(ctx, owner, app.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := env.store.GetApplication(ctx, app.ID); ok {
		t.Fatalf("application should be gone")
	}
	for _, f := range report.Admitted {
		if _, err := env.blobs.Get(ctx, f.Filename); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("blob %s should be removed, got %v", f.Filename, err)
		}
	}

	submitted := env.submitted(t, owner)
	if err := env.app.DeleteApplication(ctx, owner, submitted.ID); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestNotificationFailureDoesNotFailReview(t *testing.T) {
	env := newTestEnv(t)
	env.sender.err = errors.New("smtp down")
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)
	expert := env.user(t, "expert@example.com", domain.RoleExpert)
	app := env.submitted(t, owner)

	if _, err := env.app.Review(context.Background(), expert, app.ID, "rejected", "prior art"); err != nil {
		t.Fatalf("review should succeed despite notification failure: %v", err)
	}
	if got := env.status(t, app.ID); got != domain.StatusRejected {
		t.Fatalf("status = %s", got)
	}
}

func TestReviewQueueAndStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.user(t, "owner@example.com", domain.RoleApplicant)
	expert := env.user(t, "expert@example.com", domain.RoleExpert)
	admin := env.user(t, "admin@example.com", domain.RoleAdmin)

	env.draft(t, owner)
	first := env.submitted(t, owner)
	env.clock.Advance(time.Second)
	second := env.submitted(t, owner)

	queue, err := env.app.ReviewQueue(ctx, expert)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 2 || queue[0].ID != first.ID || queue[1].ID != second.ID {
		t.Fatalf("expected oldest first, got %+v", queue)
	}

	if _, err := env.app.Stats(ctx, expert); apperr.ReasonOf(err) != apperr.ReasonRoleRequired {
		t.Fatalf("expected role_required, got %v", err)
	}
	stats, err := env.app.Stats(ctx, admin)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalApplications != 2 || stats.ByStatus[domain.StatusSubmitted] != 2 || stats.TotalUsers != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, ok := stats.ByStatus[domain.StatusDraft]; ok {
		t.Fatalf("drafts must not be counted")
	}
}
