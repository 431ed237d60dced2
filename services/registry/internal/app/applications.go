package app

import (
	"context"
	"fmt"

	"copyreg/internal/lifecycle"
	"copyreg/internal/policy"
	"copyreg/internal/util"
	"copyreg/pkg/apperr"
	"copyreg/pkg/domain"
)

// ApplicationView is an application with its live files and history.
type ApplicationView struct {
	Application domain.Application       `json:"application"`
	Files       []domain.ApplicationFile `json:"files"`
	History     []domain.HistoryEntry    `json:"history"`
}

// CreateApplication stores a new draft owned by the actor and attaches as
// many uploads as the quota admits.
func (a *App) CreateApplication(ctx context.Context, actor policy.Actor, title, description string, uploads []Upload) (domain.Application, FileReport, error) {
	if err := a.authorize(ctx, policy.Request{Actor: actor, Action: policy.ActionCreateApplication}); err != nil {
		return domain.Application{}, FileReport{}, err
	}
	title, description, err := lifecycle.ValidateContent(title, description)
	if err != nil {
		return domain.Application{}, FileReport{}, err
	}
	now := a.now()
	app := domain.Application{
		ID:               util.NewID(),
		Title:            title,
		ShortDescription: description,
		Status:           domain.StatusDraft,
		OwnerID:          actor.ID(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	entry := lifecycle.Snapshot(app, domain.EventCreated, actor.ID(), nil, now)
	if err := a.store.CreateApplication(ctx, app, entry); err != nil {
		return domain.Application{}, FileReport{}, fmt.Errorf("create application: %w", err)
	}
	util.LoggerFromContext(ctx).Info("application created", "application_id", app.ID, "owner_id", app.OwnerID)

	// the draft is committed; a failed upload batch shows up in the report
	// so a retry edits this draft instead of creating another
	report := a.attachFiles(ctx, app, uploads)
	return app, report, nil
}

// EditApplication replaces title and description while the application is
// editable and attaches new uploads.
func (a *App) EditApplication(ctx context.Context, actor policy.Actor, id, title, description string, uploads []Upload) (domain.Application, FileReport, error) {
	if err := a.precheck(ctx, actor, policy.ActionEditApplication); err != nil {
		return domain.Application{}, FileReport{}, err
	}
	app, err := a.loadApplication(ctx, id)
	if err != nil {
		return domain.Application{}, FileReport{}, err
	}
	if err := a.authorize(ctx, policy.Request{Actor: actor, Action: policy.ActionEditApplication, Application: &app}); err != nil {
		return domain.Application{}, FileReport{}, err
	}
	if !lifecycle.CanEdit(app.Status) {
		return domain.Application{}, FileReport{}, apperr.InvalidState(fmt.Sprintf("cannot edit an application in status %s", app.Status))
	}
	title, description, err = lifecycle.ValidateContent(title, description)
	if err != nil {
		return domain.Application{}, FileReport{}, err
	}
	now := a.now()
	app.Title = title
	app.ShortDescription = description
	app.UpdatedAt = now
	entry := lifecycle.Snapshot(app, domain.EventEdited, actor.ID(), nil, now)
	if err := a.store.UpdateApplication(ctx, app, lifecycle.EditableStatuses(), entry); err != nil {
		return domain.Application{}, FileReport{}, err
	}

	report := a.attachFiles(ctx, app, uploads)
	return app, report, nil
}

// ViewApplication returns the application with files and newest-first history.
func (a *App) ViewApplication(ctx context.Context, actor policy.Actor, id string) (ApplicationView, error) {
	if err := a.precheck(ctx, actor, policy.ActionViewApplication); err != nil {
		return ApplicationView{}, err
	}
	app, err := a.loadApplication(ctx, id)
	if err != nil {
		return ApplicationView{}, err
	}
	if err := a.authorize(ctx, policy.Request{Actor: actor, Action: policy.ActionViewApplication, Application: &app}); err != nil {
		return ApplicationView{}, err
	}
	files, err := a.store.ListFiles(ctx, app.ID)
	if err != nil {
		return ApplicationView{}, fmt.Errorf("list files: %w", err)
	}
	history, err := a.store.ListHistory(ctx, app.ID)
	if err != nil {
		return ApplicationView{}, fmt.Errorf("list history: %w", err)
	}
	return ApplicationView{Application: app, Files: files, History: history}, nil
}

// ListMyApplications returns the actor's applications, newest first.
func (a *App) ListMyApplications(ctx context.Context, actor policy.Actor) ([]domain.Application, error) {
	if err := a.authorize(ctx, policy.Request{Actor: actor, Action: policy.ActionListOwnApplications}); err != nil {
		return nil, err
	}
	return a.store.ListApplicationsByOwner(ctx, actor.ID())
}

// ReviewQueue returns submitted applications, oldest first.
func (a *App) ReviewQueue(ctx context.Context, actor policy.Actor) ([]domain.Application, error) {
	if err := a.authorize(ctx, policy.Request{Actor: actor, Action: policy.ActionListReviewQueue}); err != nil {
		return nil, err
	}
	return a.store.ListApplicationsByStatus(ctx, domain.StatusSubmitted)
}

// Submit sends a draft or a returned application to review.
func (a *App) Submit(ctx context.Context, actor policy.Actor, id string) (domain.Application, error) {
	return a.transition(ctx, actor, id, policy.ActionSubmitApplication, lifecycle.EventSubmit, "")
}

// Cancel withdraws a submitted application.
func (a *App) Cancel(ctx context.Context, actor policy.Actor, id string) (domain.Application, error) {
	return a.transition(ctx, actor, id, policy.ActionCancelApplication, lifecycle.EventCancel, "")
}

// Review records a reviewer's decision (approved, rejected or needs_changes)
// and notifies the owner. The decision is parsed only after the actor has
// been cleared to review this application.
func (a *App) Review(ctx context.Context, actor policy.Actor, id, decision, comment string) (domain.Application, error) {
	app, err := a.authorizedApplication(ctx, actor, id, policy.ActionReviewApplication)
	if err != nil {
		return domain.Application{}, err
	}
	ev, err := lifecycle.ParseDecision(decision)
	if err != nil {
		return domain.Application{}, err
	}
	return a.apply(ctx, actor, app, ev, comment)
}

func (a *App) transition(ctx context.Context, actor policy.Actor, id string, action policy.Action, ev lifecycle.Event, comment string) (domain.Application, error) {
	app, err := a.authorizedApplication(ctx, actor, id, action)
	if err != nil {
		return domain.Application{}, err
	}
	return a.apply(ctx, actor, app, ev, comment)
}

// authorizedApplication loads an application and evaluates the policy for
// action against it.
func (a *App) authorizedApplication(ctx context.Context, actor policy.Actor, id string, action policy.Action) (domain.Application, error) {
	if err := a.precheck(ctx, actor, action); err != nil {
		return domain.Application{}, err
	}
	app, err := a.loadApplication(ctx, id)
	if err != nil {
		return domain.Application{}, err
	}
	if err := a.authorize(ctx, policy.Request{Actor: actor, Action: action, Application: &app}); err != nil {
		return domain.Application{}, err
	}
	return app, nil
}

func (a *App) apply(ctx context.Context, actor policy.Actor, app domain.Application, ev lifecycle.Event, comment string) (domain.Application, error) {
	res, err := lifecycle.Apply(app, ev, comment, a.now())
	if err != nil {
		return domain.Application{}, err
	}
	next := res.Application
	var historyComment *string
	if res.Transition.Review {
		historyComment = next.ExpertComment
	}
	entry := lifecycle.Snapshot(next, domain.EventStatusChange, actor.ID(), historyComment, next.UpdatedAt)
	if err := a.store.UpdateApplication(ctx, next, res.Transition.From, entry); err != nil {
		return domain.Application{}, err
	}
	a.metrics.IncTransition(string(ev), string(next.Status))
	util.LoggerFromContext(ctx).Info("application status changed",
		"application_id", next.ID,
		"event", ev,
		"from", res.From,
		"to", next.Status,
		"user_id", actor.ID(),
	)
	if next.OwnerID != actor.ID() {
		a.notifyOwner(ctx, next)
	}
	return next, nil
}

func (a *App) notifyOwner(ctx context.Context, app domain.Application) {
	logger := util.LoggerFromContext(ctx)
	owner, ok, err := a.store.GetUserByID(ctx, app.OwnerID)
	if err != nil || !ok {
		logger.Warn("status notification skipped: owner lookup failed", "application_id", app.ID, "err", err)
		return
	}
	if err := a.notifier.SendStatusUpdate(ctx, app, owner); err != nil {
		a.metrics.IncNotificationFailure("status_update")
		logger.Error("status notification failed", "application_id", app.ID, "err", err)
	}
}

// DeleteApplication removes a draft with its files and history. Stored
// blobs are removed after the rows are gone.
func (a *App) DeleteApplication(ctx context.Context, actor policy.Actor, id string) error {
	if err := a.precheck(ctx, actor, policy.ActionDeleteApplication); err != nil {
		return err
	}
	app, err := a.loadApplication(ctx, id)
	if err != nil {
		return err
	}
	if err := a.authorize(ctx, policy.Request{Actor: actor, Action: policy.ActionDeleteApplication, Application: &app}); err != nil {
		return err
	}
	if app.Status != domain.StatusDraft {
		return apperr.InvalidState("only drafts can be deleted")
	}
	files, err := a.store.DeleteApplication(ctx, app.ID, []domain.Status{domain.StatusDraft})
	if err != nil {
		return err
	}
	a.deleteBlobs(ctx, files)
	util.LoggerFromContext(ctx).Info("application deleted", "application_id", app.ID, "files", len(files))
	return nil
}

// Stats summarizes non-draft applications for administrators.
func (a *App) Stats(ctx context.Context, actor policy.Actor) (domain.Stats, error) {
	if err := a.authorize(ctx, policy.Request{Actor: actor, Action: policy.ActionAdminStats}); err != nil {
		return domain.Stats{}, err
	}
	return a.store.Stats(ctx)
}

func (a *App) loadApplication(ctx context.Context, id string) (domain.Application, error) {
	app, ok, err := a.store.GetApplication(ctx, id)
	if err != nil {
		return domain.Application{}, fmt.Errorf("load application: %w", err)
	}
	if !ok {
		return domain.Application{}, ErrApplicationNotFound
	}
	return app, nil
}
