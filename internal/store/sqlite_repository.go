/**
 * @description
 * This file implements the Repository on SQLite through gorm. It backs local
 * development and the test suites, and mirrors the PostgreSQL semantics: one
 * bank per (user, institution), atomic upserts and creation-time ordering.
 *
 * @dependencies
 * - gorm.io/gorm: ORM used for models, migrations and conflict clauses.
 * - github.com/glebarez/sqlite: Pure Go SQLite driver for gorm.
 * - github.com/google/uuid: Primary keys.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/swipe/banklink-service/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type userRecord struct {
	ID             string    `gorm:"column:id;primaryKey"`
	ExternalUserID string    `gorm:"column:external_user_id;not null;uniqueIndex"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (userRecord) TableName() string { return "users" }

type bankRecord struct {
	ID                       string     `gorm:"column:id;primaryKey"`
	UserID                   string     `gorm:"column:user_id;not null;uniqueIndex:idx_connected_banks_user_institution"`
	InstitutionID            string     `gorm:"column:institution_id;not null;uniqueIndex:idx_connected_banks_user_institution"`
	InstitutionName          string     `gorm:"column:institution_name;not null"`
	AccessToken              string     `gorm:"column:access_token;not null"`
	ItemID                   string     `gorm:"column:item_id;not null"`
	AccountMask              *string    `gorm:"column:account_mask"`
	AccountType              *string    `gorm:"column:account_type"`
	LogoURL                  *string    `gorm:"column:logo_url"`
	Nickname                 *string    `gorm:"column:nickname"`
	AccountIDs               []string   `gorm:"column:account_ids;serializer:json"`
	Status                   string     `gorm:"column:status;not null;default:connected"`
	ErrorMessage             *string    `gorm:"column:error_message"`
	LastSyncTransactionCount *int       `gorm:"column:last_sync_transaction_count"`
	LastSyncAt               *time.Time `gorm:"column:last_sync_at"`
	CreatedAt                time.Time  `gorm:"column:created_at;index"`
	UpdatedAt                time.Time  `gorm:"column:updated_at"`
}

func (bankRecord) TableName() string { return "connected_banks" }

func (b bankRecord) toDomain() domain.ConnectedBank {
	accountIDs := b.AccountIDs
	if accountIDs == nil {
		accountIDs = []string{}
	}
	return domain.ConnectedBank{
		ID:                       b.ID,
		UserID:                   b.UserID,
		InstitutionID:            b.InstitutionID,
		InstitutionName:          b.InstitutionName,
		AccessToken:              b.AccessToken,
		ItemID:                   b.ItemID,
		AccountMask:              b.AccountMask,
		AccountType:              b.AccountType,
		LogoURL:                  b.LogoURL,
		Nickname:                 b.Nickname,
		AccountIDs:               accountIDs,
		Status:                   domain.BankStatus(b.Status),
		ErrorMessage:             b.ErrorMessage,
		LastSyncTransactionCount: b.LastSyncTransactionCount,
		LastSyncAt:               b.LastSyncAt,
		CreatedAt:                b.CreatedAt,
		UpdatedAt:                b.UpdatedAt,
	}
}

// SQLiteRepository is the gorm/SQLite implementation of the Repository.
type SQLiteRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// SQLiteFileDSN builds a DSN for an on-disk database with a busy timeout and
// foreign keys enabled.
func SQLiteFileDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
}

// SQLiteMemoryDSN builds a DSN for a named in-memory database shared by all
// connections of one process.
func SQLiteMemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

// NewSQLiteRepository opens the database and migrates the tables.
func NewSQLiteRepository(dsn string) (*SQLiteRepository, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; serialising on one connection keeps the
	// upsert path free of SQLITE_BUSY under concurrent requests.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&userRecord{}, &bankRecord{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLiteRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *SQLiteRepository) GetUser(ctx context.Context, externalID string) (*domain.User, error) {
	var rec userRecord
	err := r.db.WithContext(ctx).Where("external_user_id = ?", externalID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &domain.User{ID: rec.ID, UserID: rec.ExternalUserID, CreatedAt: rec.CreatedAt}, nil
}

func (r *SQLiteRepository) EnsureUser(ctx context.Context, externalID string) (*domain.User, error) {
	rec := userRecord{ID: uuid.NewString(), ExternalUserID: externalID, CreatedAt: r.now()}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_user_id"}}, DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return nil, err
	}
	return r.GetUser(ctx, externalID)
}

func (r *SQLiteRepository) ListBanks(ctx context.Context, userID string) ([]domain.ConnectedBank, error) {
	var recs []bankRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	banks := make([]domain.ConnectedBank, 0, len(recs))
	for _, rec := range recs {
		banks = append(banks, rec.toDomain())
	}
	return banks, nil
}

func (r *SQLiteRepository) FindBank(ctx context.Context, userID, institutionID string) (*domain.ConnectedBank, error) {
	var rec bankRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND institution_id = ?", userID, institutionID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBankNotFound
		}
		return nil, err
	}
	b := rec.toDomain()
	return &b, nil
}

func (r *SQLiteRepository) UpsertBank(ctx context.Context, bank *domain.ConnectedBank) (*domain.ConnectedBank, error) {
	now := r.now()
	accountIDs := bank.AccountIDs
	if accountIDs == nil {
		accountIDs = []string{}
	}
	rec := bankRecord{
		ID:              uuid.NewString(),
		UserID:          bank.UserID,
		InstitutionID:   bank.InstitutionID,
		InstitutionName: bank.InstitutionName,
		AccessToken:     bank.AccessToken,
		ItemID:          bank.ItemID,
		AccountMask:     bank.AccountMask,
		AccountType:     bank.AccountType,
		LogoURL:         bank.LogoURL,
		Nickname:        bank.Nickname,
		AccountIDs:      accountIDs,
		Status:          string(domain.BankStatusConnected),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	columns := []string{"institution_name", "access_token", "item_id", "account_ids", "status", "updated_at"}
	// Absent optional fields keep their stored values.
	optional := []struct {
		column string
		value  *string
	}{
		{"account_mask", bank.AccountMask},
		{"account_type", bank.AccountType},
		{"logo_url", bank.LogoURL},
		{"nickname", bank.Nickname},
	}
	for _, o := range optional {
		if o.value != nil {
			columns = append(columns, o.column)
		}
	}
	updates := clause.AssignmentColumns(columns)
	updates = append(updates, clause.Assignments(map[string]interface{}{"error_message": nil})...)

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "institution_id"}},
		DoUpdates: updates,
	}).Create(&rec).Error
	if err != nil {
		return nil, err
	}
	return r.FindBank(ctx, bank.UserID, bank.InstitutionID)
}

func (r *SQLiteRepository) PatchBank(ctx context.Context, userID, institutionID string, patch domain.BankPatch) (*domain.ConnectedBank, error) {
	now := r.now()
	updates := map[string]interface{}{"updated_at": now}
	if patch.Status.Value != nil && *patch.Status.Value != "" {
		updates["status"] = *patch.Status.Value
	}
	if patch.LastSyncTransactionCount.Set {
		updates["last_sync_transaction_count"] = patch.LastSyncTransactionCount.Value
	}
	if patch.ErrorMessage.Set {
		updates["error_message"] = patch.ErrorMessage.Value
	}
	if patch.Nickname.Set {
		updates["nickname"] = patch.Nickname.Value
	}
	if patch.MarksConnected() {
		updates["last_sync_at"] = now
	}

	res := r.db.WithContext(ctx).Model(&bankRecord{}).
		Where("user_id = ? AND institution_id = ?", userID, institutionID).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrBankNotFound
	}
	return r.FindBank(ctx, userID, institutionID)
}

func (r *SQLiteRepository) DeleteBank(ctx context.Context, userID, institutionID string) error {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND institution_id = ?", userID, institutionID).
		Delete(&bankRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBankNotFound
	}
	return nil
}

func (r *SQLiteRepository) ListAllBanks(ctx context.Context) ([]domain.ConnectedBank, error) {
	var users []userRecord
	if err := r.db.WithContext(ctx).Find(&users).Error; err != nil {
		return nil, err
	}
	owners := make(map[string]string, len(users))
	for _, u := range users {
		owners[u.ID] = u.ExternalUserID
	}

	var recs []bankRecord
	if err := r.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	banks := make([]domain.ConnectedBank, 0, len(recs))
	for _, rec := range recs {
		owner, ok := owners[rec.UserID]
		if !ok {
			continue
		}
		b := rec.toDomain()
		b.OwnerExternalID = owner
		banks = append(banks, b)
	}
	return banks, nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *SQLiteRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
