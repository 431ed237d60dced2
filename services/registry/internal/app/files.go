package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"copyreg/internal/lifecycle"
	"copyreg/internal/policy"
	"copyreg/internal/util"
	"copyreg/pkg/apperr"
	"copyreg/pkg/domain"
	"copyreg/pkg/storage"
)

// Upload is one file submitted with a create or edit request.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// FileReport tells the caller which uploads were kept. A batch over the
// quota is not an error: the surplus is listed in Rejected. Failed lists
// uploads of a batch that could not be stored at all; the application
// change itself has already been committed then.
type FileReport struct {
	Admitted     []domain.ApplicationFile `json:"admitted"`
	Rejected     []string                 `json:"rejected"`
	Failed       []string                 `json:"failed,omitempty"`
	LimitReached bool                     `json:"limitReached"`
}

// Partial reports whether some uploads were turned away.
func (r FileReport) Partial() bool {
	return len(r.Rejected) > 0 || len(r.Failed) > 0
}

// Download is either the content of a file or a URL the client can fetch
// it from directly.
type Download struct {
	File    domain.ApplicationFile
	Content io.ReadCloser
	URL     string
}

// attachFiles runs after the application change has committed, so a failed
// batch is reported in FileReport.Failed rather than returned.
func (a *App) attachFiles(ctx context.Context, app domain.Application, uploads []Upload) FileReport {
	if len(uploads) == 0 {
		return FileReport{}
	}
	now := a.now()
	files := make([]domain.ApplicationFile, 0, len(uploads))
	byID := make(map[string]Upload, len(uploads))
	for _, u := range uploads {
		id := util.NewID()
		files = append(files, domain.ApplicationFile{
			ID:            id,
			Filename:      storage.Key(app.ID, id, u.Name),
			OriginalName:  u.Name,
			ApplicationID: app.ID,
			CreatedAt:     now,
		})
		byID[id] = u
	}

	var (
		mu     sync.Mutex
		stored []domain.ApplicationFile
	)
	persist := func(f domain.ApplicationFile) error {
		u := byID[f.ID]
		if u.Open == nil {
			return fmt.Errorf("upload %s has no content", u.Name)
		}
		r, err := u.Open()
		if err != nil {
			return err
		}
		defer r.Close()
		if err := a.blobs.Put(ctx, f.Filename, r, u.Size, u.ContentType); err != nil {
			return err
		}
		mu.Lock()
		stored = append(stored, f)
		mu.Unlock()
		return nil
	}

	admitted, result, err := a.store.AttachFiles(ctx, app.ID, lifecycle.EditableStatuses(), files, a.quota, persist)
	if err != nil {
		// rows rolled back; drop whatever already reached the blob store
		a.deleteBlobs(ctx, stored)
		report := FileReport{}
		for _, u := range uploads {
			report.Failed = append(report.Failed, u.Name)
		}
		util.LoggerFromContext(ctx).Warn("file upload failed",
			"application_id", app.ID,
			"files", len(uploads),
			"err", err,
		)
		return report
	}
	report := FileReport{Admitted: admitted, LimitReached: result.LimitReached}
	for _, f := range files[result.Admitted:] {
		report.Rejected = append(report.Rejected, f.OriginalName)
	}
	a.metrics.AddFiles(result.Admitted, result.Rejected)
	if report.Partial() {
		util.LoggerFromContext(ctx).Info("file quota reached",
			"application_id", app.ID,
			"admitted", result.Admitted,
			"rejected", result.Rejected,
		)
	}
	return report
}

// OpenFile returns a file of an application the actor may view. Stores that
// can presign URLs hand out a link instead of streaming the content.
func (a *App) OpenFile(ctx context.Context, actor policy.Actor, fileID string) (Download, error) {
	if err := a.precheck(ctx, actor, policy.ActionDownloadFile); err != nil {
		return Download{}, err
	}
	file, app, err := a.loadFile(ctx, fileID)
	if err != nil {
		return Download{}, err
	}
	if err := a.authorize(ctx, policy.Request{Actor: actor, Action: policy.ActionDownloadFile, Application: &app}); err != nil {
		return Download{}, err
	}
	if p, ok := a.blobs.(storage.Presigner); ok {
		url, err := p.PresignGet(ctx, file.Filename, a.downloadURLTTL)
		if err != nil {
			return Download{}, fmt.Errorf("presign download: %w", err)
		}
		return Download{File: file, URL: url}, nil
	}
	r, err := a.blobs.Get(ctx, file.Filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Download{}, apperr.Wrap(err, apperr.KindNotFound, apperr.ReasonNone, "file content is missing")
		}
		return Download{}, fmt.Errorf("open file: %w", err)
	}
	return Download{File: file, Content: r}, nil
}

// DeleteFile removes an attachment. Only the owner may do this, in any
// status, and the slot is freed immediately.
func (a *App) DeleteFile(ctx context.Context, actor policy.Actor, fileID string) error {
	if err := a.precheck(ctx, actor, policy.ActionDeleteFile); err != nil {
		return err
	}
	file, app, err := a.loadFile(ctx, fileID)
	if err != nil {
		return err
	}
	if err := a.authorize(ctx, policy.Request{Actor: actor, Action: policy.ActionDeleteFile, Application: &app}); err != nil {
		return err
	}
	if err := a.store.DeleteFile(ctx, file.ID); err != nil {
		return err
	}
	a.deleteBlobs(ctx, []domain.ApplicationFile{file})
	util.LoggerFromContext(ctx).Info("file deleted", "application_id", app.ID, "file_id", file.ID)
	return nil
}

func (a *App) loadFile(ctx context.Context, fileID string) (domain.ApplicationFile, domain.Application, error) {
	file, ok, err := a.store.GetFile(ctx, fileID)
	if err != nil {
		return domain.ApplicationFile{}, domain.Application{}, fmt.Errorf("load file: %w", err)
	}
	if !ok {
		return domain.ApplicationFile{}, domain.Application{}, ErrFileNotFound
	}
	app, err := a.loadApplication(ctx, file.ApplicationID)
	if err != nil {
		return domain.ApplicationFile{}, domain.Application{}, err
	}
	return file, app, nil
}

// deleteBlobs removes stored content after its rows are gone. Failures only
// leave orphaned blobs, so they are logged.
func (a *App) deleteBlobs(ctx context.Context, files []domain.ApplicationFile) {
	if len(files) == 0 {
		return
	}
	logger := util.LoggerFromContext(ctx)
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(4)
	for _, f := range files {
		g.Go(func() error {
			if err := a.blobs.Delete(gctx, f.Filename); err != nil && !errors.Is(err, storage.ErrNotFound) {
				logger.Warn("delete blob failed", "key", f.Filename, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
