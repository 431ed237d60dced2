package server

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"copyreg/internal/policy"
	"copyreg/internal/util"
	"copyreg/pkg/apperr"
	"copyreg/pkg/domain"
	"copyreg/services/registry/internal/app"
	"copyreg/services/registry/internal/security"
)

type registerRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type applicationRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type applicationResponse struct {
	Application domain.Application `json:"application"`
	Files       app.FileReport     `json:"files"`
	Partial     bool               `json:"partial"`
}

type reviewRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

type roleRequest struct {
	Role string `json:"role"`
}

// accounts

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.registerLimiter, "too many sign-up attempts, try again later") {
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	user, err := s.app.Register(r.Context(), req.Email, req.Password, req.ConfirmPassword)
	if err != nil {
		s.audit(r, security.EventRegister, security.OutcomeFail)
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts, try again later") {
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("login failed", "reason", apperr.ReasonOf(err))
		s.audit(r, security.EventLogin, security.OutcomeFail)
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	if err := s.app.Logout(token); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	user, err := s.app.Profile(r.Context(), actor)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	if !s.allowRate(w, r, s.passwordLimiter, "too many password attempts, try again later") {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	token, err := s.app.ChangePassword(r.Context(), actor, req.CurrentPassword, req.NewPassword, req.ConfirmPassword)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.passwordLimiter, "too many reset requests, try again later") {
		return
	}
	var req forgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := s.app.RequestPasswordReset(r.Context(), req.Email); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "if the address is registered, a reset link has been sent",
	})
}

func (s *Server) handleCheckResetToken(w http.ResponseWriter, r *http.Request) {
	if err := s.app.CheckResetToken(r.Context(), r.PathValue("token")); err != nil {
		s.audit(r, security.EventPasswordReset, security.OutcomeFail)
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "valid"})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.passwordLimiter, "too many password attempts, try again later") {
		return
	}
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := s.app.ResetPassword(r.Context(), r.PathValue("token"), req.Password, req.ConfirmPassword); err != nil {
		s.audit(r, security.EventPasswordReset, security.OutcomeFail)
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// applications

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	apps, err := s.app.ListMyApplications(r.Context(), actor)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": apps})
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	req, uploads, err := s.readApplicationForm(w, r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	created, report, err := s.app.CreateApplication(r.Context(), actor, req.Title, req.Description, uploads)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, applicationResponse{Application: created, Files: report, Partial: report.Partial()})
}

func (s *Server) handleViewApplication(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	view, err := s.app.ViewApplication(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleEditApplication(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	req, uploads, err := s.readApplicationForm(w, r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	updated, report, err := s.app.EditApplication(r.Context(), actor, r.PathValue("id"), req.Title, req.Description, uploads)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, applicationResponse{Application: updated, Files: report, Partial: report.Partial()})
}

func (s *Server) handleDeleteApplication(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	if err := s.app.DeleteApplication(r.Context(), actor, r.PathValue("id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	updated, err := s.app.Submit(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	updated, err := s.app.Cancel(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	var req reviewRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	updated, err := s.app.Review(r.Context(), actor, r.PathValue("id"), req.Decision, req.Comment)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	dl, err := s.app.OpenFile(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if dl.URL != "" {
		http.Redirect(w, r, dl.URL, http.StatusFound)
		return
	}
	defer dl.Content.Close()
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(dl.File.OriginalName)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.File.OriginalName}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Content); err != nil {
		util.LoggerFromContext(r.Context()).Warn("download interrupted", "file_id", dl.File.ID, "err", err)
	}
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	if err := s.app.DeleteFile(r.Context(), actor, r.PathValue("id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// review & admin

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	apps, err := s.app.ReviewQueue(r.Context(), actor)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": apps})
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	users, err := s.app.ListUsers(r.Context(), actor)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleChangeRole(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	user, err := s.app.ChangeRole(r.Context(), actor, r.PathValue("id"), req.Role)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleToggleBlock(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	user, err := s.app.ToggleBlock(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, actor policy.Actor) {
	stats, err := s.app.Stats(r.Context(), actor)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// readApplicationForm accepts either a JSON body or a multipart form with
// title, description and any number of "files" parts.
func (s *Server) readApplicationForm(w http.ResponseWriter, r *http.Request) (applicationRequest, []app.Upload, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req applicationRequest
		if err := decodeJSON(r, &req); err != nil {
			return applicationRequest{}, nil, err
		}
		return req, nil, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return applicationRequest{}, nil, apperr.Validation("upload is too large")
		}
		return applicationRequest{}, nil, apperr.Validation("invalid multipart form")
	}
	req := applicationRequest{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
	}
	var uploads []app.Upload
	for _, fh := range r.MultipartForm.File["files"] {
		if strings.TrimSpace(fh.Filename) == "" {
			continue
		}
		uploads = append(uploads, uploadFromHeader(fh))
	}
	return req, uploads, nil
}

func uploadFromHeader(fh *multipart.FileHeader) app.Upload {
	return app.Upload{
		Name:        filepath.Base(strings.ReplaceAll(fh.Filename, "\\", "/")),
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}
