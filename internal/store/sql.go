package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sweeney/relay-scheduler/internal/schedule"
)

// accountRow holds one account document.
type accountRow struct {
	ID        string  `gorm:"primaryKey;size:64"`
	Email     *string `gorm:"uniqueIndex;size:255"`
	Data      string  `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (accountRow) TableName() string { return "accounts" }

// SQL is a Backend on a relational database through GORM.
type SQL struct {
	db *gorm.DB
}

// Connect opens a gorm connection for backend and migrates the schema.
func Connect(backend, dsn string) (*SQL, error) {
	var dialector gorm.Dialector

	switch backend {
	case BackendPostgres:
		dialector = postgres.Open(dsn)
	case BackendMySQL:
		dialector = mysql.Open(dsn)
	case BackendSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database backend: %s", backend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", backend, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := db.AutoMigrate(&accountRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQL{db: db}, nil
}

// Get implements Backend.
func (s *SQL) Get(ctx context.Context, id string) (Account, error) {
	var row accountRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("account %s: %w", id, schedule.ErrNotFound)
	}
	if err != nil {
		return Account{}, err
	}
	return decodeAccount(row.ID, []byte(row.Data))
}

// Put implements Backend.
func (s *SQL) Put(ctx context.Context, acct Account) error {
	data, err := encodeAccount(acct)
	if err != nil {
		return err
	}
	row := accountRow{ID: acct.ID, Data: string(data)}
	if email := normalizeEmail(acct.Email); email != "" {
		row.Email = &email
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// FindByEmail implements Backend.
func (s *SQL) FindByEmail(ctx context.Context, email string) (Account, error) {
	var row accountRow
	err := s.db.WithContext(ctx).First(&row, "email = ?", normalizeEmail(email)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("account %q: %w", email, schedule.ErrNotFound)
	}
	if err != nil {
		return Account{}, err
	}
	return decodeAccount(row.ID, []byte(row.Data))
}

// Delete implements Backend.
func (s *SQL) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&accountRow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %s: %w", id, schedule.ErrNotFound)
	}
	return nil
}

// AccountIDs implements Backend.
func (s *SQL) AccountIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&accountRow{}).Order("id").Pluck("id", &ids).Error
	return ids, err
}

// Close releases database resources.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
