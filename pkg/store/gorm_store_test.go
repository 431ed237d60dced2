package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"copyreg/internal/quota"
	"copyreg/pkg/apperr"
	"copyreg/pkg/domain"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewSQLiteStore("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s *GormStore, id string, role domain.Role) domain.User {
	t.Helper()
	now := time.Now().UTC()
	u := domain.User{ID: id, Email: id + "@example.com", PasswordHash: "hash", Role: role, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func seedApplication(t *testing.T, s *GormStore, id, ownerID string, status domain.Status) domain.Application {
	t.Helper()
	now := time.Now().UTC()
	app := domain.Application{
		ID:               id,
		Title:            "Title " + id,
		ShortDescription: "Description",
		Status:           status,
		OwnerID:          ownerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	entry := domain.HistoryEntry{
		ApplicationID: id,
		ChangedByID:   domain.StringPtr(ownerID),
		EventType:     domain.EventCreated,
		Title:         app.Title,
		Description:   app.ShortDescription,
		Status:        status,
		CreatedAt:     now,
	}
	if err := s.CreateApplication(context.Background(), app, entry); err != nil {
		t.Fatalf("create application: %v", err)
	}
	return app
}

func files(appID string, n int) []domain.ApplicationFile {
	out := make([]domain.ApplicationFile, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-f%02d", appID, i)
		out = append(out, domain.ApplicationFile{
			ID:           id,
			Filename:     appID + "/" + id,
			OriginalName: fmt.Sprintf("doc-%d.pdf", i),
			CreatedAt:    time.Now().UTC(),
		})
	}
	return out
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "u1", domain.RoleApplicant)

	dup := u
	dup.ID = "u2"
	err := s.CreateUser(ctx, dup)
	if !errors.Is(err, apperr.ErrConflict) || apperr.ReasonOf(err) != apperr.ReasonDuplicateEmail {
		t.Fatalf("expected duplicate email conflict, got %v", err)
	}

	got, ok, err := s.GetUserByEmail(ctx, u.Email)
	if err != nil || !ok || got.ID != "u1" || got.Role != domain.RoleApplicant {
		t.Fatalf("unexpected lookup: %+v %v %v", got, ok, err)
	}
	if _, ok, err := s.GetUserByID(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing user, got %v %v", ok, err)
	}
}

func TestUserColumnUpdatesLeaveOtherColumnsAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "u1", domain.RoleApplicant)
	now := time.Now().UTC()

	if err := s.SetUserBlocked(ctx, u.ID, true, now); err != nil {
		t.Fatalf("block: %v", err)
	}
	// a stale snapshot of u still says unblocked; writing the hash must not
	// carry that back
	if err := s.UpdatePasswordHash(ctx, u.ID, "new-hash", now); err != nil {
		t.Fatalf("update hash: %v", err)
	}
	if err := s.SetUserRole(ctx, u.ID, domain.RoleExpert, now); err != nil {
		t.Fatalf("set role: %v", err)
	}
	got, _, _ := s.GetUserByID(ctx, "u1")
	if got.Role != domain.RoleExpert || !got.IsBlocked || got.PasswordHash != "new-hash" {
		t.Fatalf("unexpected user: %+v", got)
	}
	if err := s.SetUserBlocked(ctx, "missing", true, now); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateApplicationIsCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "owner", domain.RoleApplicant)
	app := seedApplication(t, s, "app-1", "owner", domain.StatusDraft)

	next := app
	next.Status = domain.StatusSubmitted
	entry := domain.HistoryEntry{ApplicationID: app.ID, EventType: domain.EventStatusChange, Title: app.Title, Description: app.ShortDescription, Status: next.Status, CreatedAt: time.Now().UTC()}
	expected := []domain.Status{domain.StatusDraft, domain.StatusNeedsChanges}
	if err := s.UpdateApplication(ctx, next, expected, entry); err != nil {
		t.Fatalf("first update: %v", err)
	}
	err := s.UpdateApplication(ctx, next, expected, entry)
	if !errors.Is(err, apperr.ErrInvalidState) || apperr.ReasonOf(err) != apperr.ReasonStaleState {
		t.Fatalf("expected stale state, got %v", err)
	}
	history, _ := s.ListHistory(ctx, app.ID)
	if len(history) != 2 {
		t.Fatalf("failed update must not append history, got %d entries", len(history))
	}

	missing := next
	missing.ID = "nope"
	if err := s.UpdateApplication(ctx, missing, expected, entry); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHistoryNewestFirstWithStableTies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "owner", domain.RoleApplicant)
	app := seedApplication(t, s, "app-1", "owner", domain.StatusDraft)

	same := time.Now().UTC().Add(time.Minute)
	for _, status := range []domain.Status{domain.StatusSubmitted, domain.StatusApproved} {
		next := app
		next.Status = status
		entry := domain.HistoryEntry{ApplicationID: app.ID, EventType: domain.EventStatusChange, Title: app.Title, Description: app.ShortDescription, Status: status, CreatedAt: same}
		if err := s.UpdateApplication(ctx, next, domain.Statuses, entry); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	history, err := s.ListHistory(ctx, app.ID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
	if history[0].Status != domain.StatusApproved || history[1].Status != domain.StatusSubmitted || history[2].EventType != domain.EventCreated {
		t.Fatalf("unexpected order: %+v", history)
	}
}

func TestListApplicationsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "owner", domain.RoleApplicant)
	seedApplication(t, s, "app-a", "owner", domain.StatusSubmitted)
	time.Sleep(2 * time.Millisecond)
	seedApplication(t, s, "app-b", "owner", domain.StatusSubmitted)

	mine, err := s.ListApplicationsByOwner(ctx, "owner")
	if err != nil || len(mine) != 2 || mine[0].ID != "app-b" {
		t.Fatalf("expected newest first, got %+v %v", mine, err)
	}
	queue, err := s.ListApplicationsByStatus(ctx, domain.StatusSubmitted)
	if err != nil || len(queue) != 2 || queue[0].ID != "app-a" {
		t.Fatalf("expected oldest first, got %+v %v", queue, err)
	}
}

func TestAttachFilesEnforcesQuota(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "owner", domain.RoleApplicant)
	app := seedApplication(t, s, "app-1", "owner", domain.StatusDraft)

	var persisted int
	admitted, res, err := s.AttachFiles(ctx, app.ID, nil, files(app.ID, 12), quota.Default(), func(domain.ApplicationFile) error {
		persisted++
		return nil
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(admitted) != 10 || res.Admitted != 10 || res.Rejected != 2 || !res.LimitReached || persisted != 10 {
		t.Fatalf("unexpected result: %d %+v persisted=%d", len(admitted), res, persisted)
	}
	if admitted[0].OriginalName != "doc-0.pdf" || admitted[9].OriginalName != "doc-9.pdf" {
		t.Fatalf("files must be admitted in submission order")
	}

	more := files("extra", 1)
	admitted, res, err = s.AttachFiles(ctx, app.ID, nil, more, quota.Default(), nil)
	if err != nil || len(admitted) != 0 || res.Rejected != 1 || !res.LimitReached {
		t.Fatalf("full application should reject the batch: %+v %v", res, err)
	}

	if err := s.DeleteFile(ctx, app.ID+"-f00"); err != nil {
		t.Fatalf("delete file: %v", err)
	}
	if n, _ := s.CountFiles(ctx, app.ID); n != 9 {
		t.Fatalf("expected 9 files after delete, got %d", n)
	}
	admitted, _, err = s.AttachFiles(ctx, app.ID, nil, more, quota.Default(), nil)
	if err != nil || len(admitted) != 1 {
		t.Fatalf("freed slot should admit one file: %v", err)
	}
	if err := s.DeleteFile(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAttachFilesChecksStatusAndRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "owner", domain.RoleApplicant)
	app := seedApplication(t, s, "app-1", "owner", domain.StatusSubmitted)

	editable := []domain.Status{domain.StatusDraft, domain.StatusNeedsChanges}
	if _, _, err := s.AttachFiles(ctx, app.ID, editable, files(app.ID, 1), quota.Default(), nil); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	calls := 0
	_, _, err := s.AttachFiles(ctx, app.ID, nil, files(app.ID, 3), quota.Default(), func(domain.ApplicationFile) error {
		calls++
		if calls == 2 {
			return errors.New("disk full")
		}
		return nil
	})
	if err == nil {
		t.Fatalf("expected persist error")
	}
	if n, _ := s.CountFiles(ctx, app.ID); n != 0 {
		t.Fatalf("failed batch must not leave rows, got %d", n)
	}
	if _, _, err := s.AttachFiles(ctx, "missing", nil, files("missing", 1), quota.Default(), nil); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentBatchesNeverExceedQuota(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "owner", domain.RoleApplicant)
	app := seedApplication(t, s, "app-1", "owner", domain.StatusDraft)

	var g errgroup.Group
	results := make([]quota.Result, 2)
	for i := 0; i < 2; i++ {
		i := i
		g.Go(func() error {
			_, res, err := s.AttachFiles(ctx, app.ID, nil, files(fmt.Sprintf("batch%d", i), 6), quota.Default(), nil)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	n, err := s.CountFiles(ctx, app.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 10 {
		t.Fatalf("expected exactly 10 files, got %d", n)
	}
	if results[0].Admitted+results[1].Admitted != 10 || results[0].Rejected+results[1].Rejected != 2 {
		t.Fatalf("unexpected split: %+v", results)
	}
}

func TestDeleteApplicationCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "owner", domain.RoleApplicant)
	app := seedApplication(t, s, "app-1", "owner", domain.StatusDraft)
	if _, _, err := s.AttachFiles(ctx, app.ID, nil, files(app.ID, 3), quota.Default(), nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	submitted := seedApplication(t, s, "app-2", "owner", domain.StatusSubmitted)

	drafts := []domain.Status{domain.StatusDraft}
	if _, err := s.DeleteApplication(ctx, submitted.ID, drafts); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	removed, err := s.DeleteApplication(ctx, app.ID, drafts)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("expected 3 removed files, got %d", len(removed))
	}
	if _, ok, _ := s.GetApplication(ctx, app.ID); ok {
		t.Fatalf("application should be gone")
	}
	if history, _ := s.ListHistory(ctx, app.ID); len(history) != 0 {
		t.Fatalf("history should be gone")
	}
	if n, _ := s.CountFiles(ctx, app.ID); n != 0 {
		t.Fatalf("files should be gone")
	}
	if _, err := s.DeleteApplication(ctx, app.ID, drafts); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatsExcludeDrafts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "owner", domain.RoleApplicant)
	seedUser(t, s, "expert", domain.RoleExpert)
	seedApplication(t, s, "a1", "owner", domain.StatusDraft)
	seedApplication(t, s, "a2", "owner", domain.StatusSubmitted)
	seedApplication(t, s, "a3", "owner", domain.StatusSubmitted)
	seedApplication(t, s, "a4", "owner", domain.StatusApproved)

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalUsers != 2 || stats.TotalApplications != 3 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if stats.ByStatus[domain.StatusSubmitted] != 2 || stats.ByStatus[domain.StatusApproved] != 1 || stats.ByStatus[domain.StatusRejected] != 0 {
		t.Fatalf("unexpected counts: %+v", stats.ByStatus)
	}
	if _, ok := stats.ByStatus[domain.StatusDraft]; ok {
		t.Fatalf("drafts must be excluded")
	}
}

func TestConsumePasswordResetToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "u1", domain.RoleApplicant)
	now := time.Now().UTC()

	fresh := domain.PasswordResetToken{Token: "fresh", UserID: "u1", CreatedAt: now}
	stale := domain.PasswordResetToken{Token: "stale", UserID: "u1", CreatedAt: now.Add(-25 * time.Hour)}
	for _, tok := range []domain.PasswordResetToken{fresh, stale} {
		if err := s.SavePasswordResetToken(ctx, tok); err != nil {
			t.Fatalf("save token: %v", err)
		}
	}

	if err := s.ConsumePasswordResetToken(ctx, "fresh", "new-hash", now); err != nil {
		t.Fatalf("consume: %v", err)
	}
	u, _, _ := s.GetUserByID(ctx, "u1")
	if u.PasswordHash != "new-hash" {
		t.Fatalf("password not updated")
	}
	got, ok, _ := s.GetPasswordResetToken(ctx, "fresh")
	if !ok || !got.Used {
		t.Fatalf("token should be marked used")
	}

	err := s.ConsumePasswordResetToken(ctx, "fresh", "other", now)
	if apperr.ReasonOf(err) != apperr.ReasonTokenConsumed {
		t.Fatalf("expected consumed, got %v", err)
	}
	err = s.ConsumePasswordResetToken(ctx, "stale", "other", now)
	if apperr.ReasonOf(err) != apperr.ReasonTokenExpired {
		t.Fatalf("expected expired, got %v", err)
	}
	err = s.ConsumePasswordResetToken(ctx, "unknown", "other", now)
	if apperr.ReasonOf(err) != apperr.ReasonTokenUnknown {
		t.Fatalf("expected unknown, got %v", err)
	}
	u, _, _ = s.GetUserByID(ctx, "u1")
	if u.PasswordHash != "new-hash" {
		t.Fatalf("rejected tokens must not change the password")
	}
}
