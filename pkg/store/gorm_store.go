package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"copyreg/internal/quota"
	"copyreg/pkg/apperr"
	"copyreg/pkg/domain"
)

const migrateLockID int64 = 51735173

const sqliteMemoryDSN = "file::memory:?_pragma=foreign_keys(1)"

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a Postgres database and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(migrateModels...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewSQLiteStore opens a SQLite database at path and runs auto-migrations.
// An empty path opens a private in-memory database.
func NewSQLiteStore(path string) (*GormStore, error) {
	dsn := sqliteMemoryDSN
	if strings.TrimSpace(path) != "" {
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps the
	// in-memory database alive and shared.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(migrateModels...); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func gormConfig() *gorm.Config {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return &gorm.Config{Logger: gormLog, TranslateError: true}
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// forUpdate locks the selected rows on Postgres. SQLite serializes writers
// through the single connection, so no clause is needed there.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isDuplicateKey(err) {
			return apperr.Wrap(err, apperr.KindConflict, apperr.ReasonDuplicateEmail, "email already registered")
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UpdatePasswordHash, SetUserRole and SetUserBlocked each write only their
// own column, so concurrent admin and self-service changes do not undo
// each other.
func (s *GormStore) UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error {
	return s.updateUser(ctx, userID, map[string]any{"password_hash": hash, "updated_at": now})
}

func (s *GormStore) SetUserRole(ctx context.Context, userID string, role domain.Role, now time.Time) error {
	return s.updateUser(ctx, userID, map[string]any{"role": string(role), "updated_at": now})
}

func (s *GormStore) SetUserBlocked(ctx context.Context, userID string, blocked bool, now time.Time) error {
	return s.updateUser(ctx, userID, map[string]any{"is_blocked": blocked, "updated_at": now})
}

func (s *GormStore) updateUser(ctx context.Context, userID string, cols map[string]any) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", userID).Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("update user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("user not found")
	}
	return nil
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at asc, id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	users := make([]domain.User, 0, len(models))
	for _, m := range models {
		users = append(users, userFromModel(m))
	}
	return users, nil
}

func (s *GormStore) UserCount(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// CreateApplication inserts app together with its creation history entry.
func (s *GormStore) CreateApplication(ctx context.Context, app domain.Application, entry domain.HistoryEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := applicationToModel(app)
		if err := tx.Omit(clause.Associations).Create(&model).Error; err != nil {
			return fmt.Errorf("create application: %w", err)
		}
		return appendHistory(tx, entry)
	})
}

// UpdateApplication writes app only if its stored status is still one of
// expected, appending entry in the same transaction.
func (s *GormStore) UpdateApplication(ctx context.Context, app domain.Application, expected []domain.Status, entry domain.HistoryEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ApplicationModel{}).
			Where("id = ? AND status IN ?", app.ID, statusStrings(expected)).
			Updates(map[string]any{
				"title":             app.Title,
				"short_description": app.ShortDescription,
				"status":            string(app.Status),
				"expert_comment":    app.ExpertComment,
				"updated_at":        app.UpdatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("update application: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return staleOrMissing(tx, app.ID)
		}
		return appendHistory(tx, entry)
	})
}

func staleOrMissing(tx *gorm.DB, id string) error {
	var count int64
	if err := tx.Model(&ApplicationModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return apperr.NotFound("application not found")
	}
	return apperr.New(apperr.KindInvalidState, apperr.ReasonStaleState, "application status changed concurrently")
}

func appendHistory(tx *gorm.DB, entry domain.HistoryEntry) error {
	model := historyToModel(entry)
	if err := tx.Omit(clause.Associations).Create(&model).Error; err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *GormStore) GetApplication(ctx context.Context, id string) (domain.Application, bool, error) {
	var model ApplicationModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Application{}, false, nil
		}
		return domain.Application{}, false, err
	}
	return applicationFromModel(model), true, nil
}

func (s *GormStore) ListApplicationsByOwner(ctx context.Context, ownerID string) ([]domain.Application, error) {
	return s.listApplications(ctx, "created_at desc, id desc", "owner_id = ?", ownerID)
}

func (s *GormStore) ListApplicationsByStatus(ctx context.Context, status domain.Status) ([]domain.Application, error) {
	return s.listApplications(ctx, "created_at asc, id asc", "status = ?", string(status))
}

func (s *GormStore) listApplications(ctx context.Context, order string, conds ...any) ([]domain.Application, error) {
	var models []ApplicationModel
	if err := s.db.WithContext(ctx).Where(conds[0], conds[1:]...).Order(order).Find(&models).Error; err != nil {
		return nil, err
	}
	apps := make([]domain.Application, 0, len(models))
	for _, m := range models {
		apps = append(apps, applicationFromModel(m))
	}
	return apps, nil
}

// DeleteApplication removes the application with its files and history if its
// status is one of expected. The removed file rows are returned so callers
// can drop the stored blobs after commit.
func (s *GormStore) DeleteApplication(ctx context.Context, id string, expected []domain.Status) ([]domain.ApplicationFile, error) {
	var removed []domain.ApplicationFile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ApplicationModel
		if err := forUpdate(tx).Where("id = ?", id).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("application not found")
			}
			return err
		}
		if !containsStatus(expected, domain.Status(model.Status)) {
			return apperr.InvalidState(fmt.Sprintf("cannot delete an application in status %s", model.Status))
		}
		var files []ApplicationFileModel
		if err := tx.Where("application_id = ?", id).Order("created_at asc, id asc").Find(&files).Error; err != nil {
			return err
		}
		if err := tx.Where("application_id = ?", id).Delete(&ApplicationFileModel{}).Error; err != nil {
			return fmt.Errorf("delete files: %w", err)
		}
		if err := tx.Where("application_id = ?", id).Delete(&HistoryModel{}).Error; err != nil {
			return fmt.Errorf("delete history: %w", err)
		}
		if err := tx.Delete(&ApplicationModel{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete application: %w", err)
		}
		for _, f := range files {
			removed = append(removed, fileFromModel(f))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Stats counts non-draft applications by status plus totals.
func (s *GormStore) Stats(ctx context.Context) (domain.Stats, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&ApplicationModel{}).
		Select("status, count(*) as count").
		Where("status <> ?", string(domain.StatusDraft)).
		Group("status").
		Scan(&rows).Error; err != nil {
		return domain.Stats{}, fmt.Errorf("count applications: %w", err)
	}
	stats := domain.Stats{ByStatus: make(map[domain.Status]int, len(domain.Statuses))}
	for _, status := range domain.Statuses {
		if status != domain.StatusDraft {
			stats.ByStatus[status] = 0
		}
	}
	for _, r := range rows {
		stats.ByStatus[domain.Status(r.Status)] = int(r.Count)
		stats.TotalApplications += int(r.Count)
	}
	users, err := s.UserCount(ctx)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("count users: %w", err)
	}
	stats.TotalUsers = users
	return stats, nil
}

// ListHistory returns entries newest first.
func (s *GormStore) ListHistory(ctx context.Context, applicationID string) ([]domain.HistoryEntry, error) {
	var models []HistoryModel
	if err := s.db.WithContext(ctx).
		Where("application_id = ?", applicationID).
		Order("created_at desc, id desc").
		Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]domain.HistoryEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, historyFromModel(m))
	}
	return entries, nil
}

// AttachFiles admits files against guard while holding the application row.
// persist runs for each admitted file before the rows commit; any error rolls
// back the whole batch.
func (s *GormStore) AttachFiles(ctx context.Context, applicationID string, expected []domain.Status, files []domain.ApplicationFile, guard quota.Guard, persist PersistFunc) ([]domain.ApplicationFile, quota.Result, error) {
	var (
		admitted []domain.ApplicationFile
		result   quota.Result
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var app ApplicationModel
		if err := forUpdate(tx).Where("id = ?", applicationID).First(&app).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("application not found")
			}
			return err
		}
		if len(expected) > 0 && !containsStatus(expected, domain.Status(app.Status)) {
			return apperr.InvalidState(fmt.Sprintf("cannot attach files to an application in status %s", app.Status))
		}
		var current int64
		if err := tx.Model(&ApplicationFileModel{}).Where("application_id = ?", applicationID).Count(&current).Error; err != nil {
			return fmt.Errorf("count files: %w", err)
		}
		result = guard.Admit(int(current), len(files))
		for _, f := range files[:result.Admitted] {
			f.ApplicationID = applicationID
			if persist != nil {
				if err := persist(f); err != nil {
					return fmt.Errorf("persist file %s: %w", f.OriginalName, err)
				}
			}
			model := fileToModel(f)
			if err := tx.Omit(clause.Associations).Create(&model).Error; err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			admitted = append(admitted, f)
		}
		return nil
	})
	if err != nil {
		return nil, quota.Result{}, err
	}
	return admitted, result, nil
}

func (s *GormStore) ListFiles(ctx context.Context, applicationID string) ([]domain.ApplicationFile, error) {
	var models []ApplicationFileModel
	if err := s.db.WithContext(ctx).
		Where("application_id = ?", applicationID).
		Order("created_at asc, id asc").
		Find(&models).Error; err != nil {
		return nil, err
	}
	files := make([]domain.ApplicationFile, 0, len(models))
	for _, m := range models {
		files = append(files, fileFromModel(m))
	}
	return files, nil
}

func (s *GormStore) GetFile(ctx context.Context, id string) (domain.ApplicationFile, bool, error) {
	var model ApplicationFileModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ApplicationFile{}, false, nil
		}
		return domain.ApplicationFile{}, false, err
	}
	return fileFromModel(model), true, nil
}

func (s *GormStore) DeleteFile(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&ApplicationFileModel{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete file: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("file not found")
	}
	return nil
}

func (s *GormStore) CountFiles(ctx context.Context, applicationID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ApplicationFileModel{}).Where("application_id = ?", applicationID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *GormStore) SavePasswordResetToken(ctx context.Context, t domain.PasswordResetToken) error {
	model := resetTokenToModel(t)
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&model).Error; err != nil {
		return fmt.Errorf("save reset token: %w", err)
	}
	return nil
}

func (s *GormStore) GetPasswordResetToken(ctx context.Context, token string) (domain.PasswordResetToken, bool, error) {
	var model PasswordResetTokenModel
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.PasswordResetToken{}, false, nil
		}
		return domain.PasswordResetToken{}, false, err
	}
	return resetTokenFromModel(model), true, nil
}

// ConsumePasswordResetToken sets the owner's password hash and marks the token
// used, provided the token is still valid at now.
func (s *GormStore) ConsumePasswordResetToken(ctx context.Context, token, passwordHash string, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model PasswordResetTokenModel
		if err := forUpdate(tx).Where("token = ?", token).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ResetTokenError(domain.TokenState(""))
			}
			return err
		}
		if err := ResetTokenError(resetTokenFromModel(model).State(now)); err != nil {
			return err
		}
		res := tx.Model(&UserModel{}).Where("id = ?", model.UserID).Updates(map[string]any{
			"password_hash": passwordHash,
			"updated_at":    now,
		})
		if res.Error != nil {
			return fmt.Errorf("update password: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("user not found")
		}
		if err := tx.Model(&PasswordResetTokenModel{}).Where("token = ?", token).Update("used", true).Error; err != nil {
			return fmt.Errorf("mark token used: %w", err)
		}
		return nil
	})
}

// ResetTokenError maps a token state to the error reported to the user. A
// valid token yields nil; an empty state means the token does not exist.
func ResetTokenError(state domain.TokenState) error {
	switch state {
	case domain.TokenValid:
		return nil
	case domain.TokenConsumed:
		return apperr.InvalidToken(apperr.ReasonTokenConsumed, "reset link has already been used")
	case domain.TokenExpired:
		return apperr.InvalidToken(apperr.ReasonTokenExpired, "reset link has expired")
	default:
		return apperr.InvalidToken(apperr.ReasonTokenUnknown, "reset link is invalid")
	}
}

func containsStatus(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func statusStrings(list []domain.Status) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, string(s))
	}
	return out
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		IsBlocked:    u.IsBlocked,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.Role(m.Role),
		IsBlocked:    m.IsBlocked,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func applicationToModel(a domain.Application) ApplicationModel {
	return ApplicationModel{
		ID:               a.ID,
		Title:            a.Title,
		ShortDescription: a.ShortDescription,
		Status:           string(a.Status),
		ExpertComment:    a.ExpertComment,
		OwnerID:          a.OwnerID,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func applicationFromModel(m ApplicationModel) domain.Application {
	return domain.Application{
		ID:               m.ID,
		Title:            m.Title,
		ShortDescription: m.ShortDescription,
		Status:           domain.Status(m.Status),
		ExpertComment:    m.ExpertComment,
		OwnerID:          m.OwnerID,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func fileToModel(f domain.ApplicationFile) ApplicationFileModel {
	return ApplicationFileModel{
		ID:            f.ID,
		Filename:      f.Filename,
		OriginalName:  f.OriginalName,
		ApplicationID: f.ApplicationID,
		CreatedAt:     f.CreatedAt,
	}
}

func fileFromModel(m ApplicationFileModel) domain.ApplicationFile {
	return domain.ApplicationFile{
		ID:            m.ID,
		Filename:      m.Filename,
		OriginalName:  m.OriginalName,
		ApplicationID: m.ApplicationID,
		CreatedAt:     m.CreatedAt,
	}
}

func historyToModel(e domain.HistoryEntry) HistoryModel {
	return HistoryModel{
		ApplicationID: e.ApplicationID,
		ChangedByID:   e.ChangedByID,
		EventType:     string(e.EventType),
		Title:         e.Title,
		Description:   e.Description,
		Status:        string(e.Status),
		Comment:       e.Comment,
		CreatedAt:     e.CreatedAt,
	}
}

func historyFromModel(m HistoryModel) domain.HistoryEntry {
	return domain.HistoryEntry{
		ID:            strconv.FormatUint(m.ID, 10),
		ApplicationID: m.ApplicationID,
		ChangedByID:   m.ChangedByID,
		EventType:     domain.EventType(m.EventType),
		Title:         m.Title,
		Description:   m.Description,
		Status:        domain.Status(m.Status),
		Comment:       m.Comment,
		CreatedAt:     m.CreatedAt,
	}
}

func resetTokenToModel(t domain.PasswordResetToken) PasswordResetTokenModel {
	return PasswordResetTokenModel{
		Token:     t.Token,
		UserID:    t.UserID,
		CreatedAt: t.CreatedAt,
		Used:      t.Used,
	}
}

func resetTokenFromModel(m PasswordResetTokenModel) domain.PasswordResetToken {
	return domain.PasswordResetToken{
		Token:     m.Token,
		UserID:    m.UserID,
		CreatedAt: m.CreatedAt,
		Used:      m.Used,
	}
}
