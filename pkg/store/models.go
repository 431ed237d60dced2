package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null;index"`
	IsBlocked    bool      `gorm:"not null;default:false"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type ApplicationModel struct {
	ID               string    `gorm:"primaryKey"`
	Title            string    `gorm:"size:255;not null"`
	ShortDescription string    `gorm:"type:text;not null"`
	Status           string    `gorm:"not null;index"`
	ExpertComment    *string   `gorm:"type:text"`
	OwnerID          string    `gorm:"not null;index"`
	Owner            UserModel `gorm:"foreignKey:OwnerID;constraint:OnDelete:RESTRICT"`
	CreatedAt        time.Time `gorm:"not null;index"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type ApplicationFileModel struct {
	ID            string           `gorm:"primaryKey"`
	Filename      string           `gorm:"not null;uniqueIndex"`
	OriginalName  string           `gorm:"not null"`
	ApplicationID string           `gorm:"not null;index"`
	Application   ApplicationModel `gorm:"foreignKey:ApplicationID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time        `gorm:"not null"`
}

// HistoryModel is append-only. The autoincrement id doubles as a tiebreaker
// for entries sharing a timestamp.
type HistoryModel struct {
	ID            uint64           `gorm:"primaryKey;autoIncrement"`
	ApplicationID string           `gorm:"not null;index"`
	Application   ApplicationModel `gorm:"foreignKey:ApplicationID;constraint:OnDelete:CASCADE"`
	ChangedByID   *string          `gorm:"index"`
	ChangedBy     *UserModel       `gorm:"foreignKey:ChangedByID;constraint:OnDelete:SET NULL"`
	EventType     string           `gorm:"not null"`
	Title         string           `gorm:"not null"`
	Description   string           `gorm:"type:text;not null"`
	Status        string           `gorm:"not null"`
	Comment       *string          `gorm:"type:text"`
	CreatedAt     time.Time        `gorm:"not null;index"`
}

type PasswordResetTokenModel struct {
	Token     string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	User      UserModel `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time `gorm:"not null"`
	Used      bool      `gorm:"not null;default:false"`
}

func (ApplicationModel) TableName() string        { return "applications" }
func (ApplicationFileModel) TableName() string    { return "application_files" }
func (HistoryModel) TableName() string            { return "application_history" }
func (PasswordResetTokenModel) TableName() string { return "password_reset_tokens" }
func (UserModel) TableName() string               { return "users" }

var migrateModels = []any{
	&UserModel{},
	&ApplicationModel{},
	&ApplicationFileModel{},
	&HistoryModel{},
	&PasswordResetTokenModel{},
}
