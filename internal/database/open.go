package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/sessions"
	"github.com/MarcoPoloResearchLab/tether/internal/statesync"
	"github.com/MarcoPoloResearchLab/tether/internal/updates"
	"github.com/MarcoPoloResearchLab/tether/internal/users"
	sqlite "github.com/glebarez/sqlite"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrMissingDataSource indicates an empty database path or DSN.
	ErrMissingDataSource = errors.New("database: data source is required")
	// ErrUnsupportedDriver indicates a driver name other than sqlite or postgres.
	ErrUnsupportedDriver = errors.New("database: unsupported driver")
)

// Models lists every table the sync server owns, in migration order.
func Models() []any {
	return []any{
		&entities.Thread{},
		&entities.Membership{},
		&entities.Entry{},
		&entities.Message{},
		&users.Identity{},
		&users.User{},
		&updates.Record{},
		&sessions.Session{},
		&sessions.Cookie{},
		&statesync.InconsistencyReport{},
		&migrationRecord{},
	}
}

// Open connects to the configured database and performs schema migrations.
// For sqlite the source is a file path, for postgres a lib/pq DSN.
func Open(driver string, source string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ErrMissingDataSource
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(source)
	case DriverPostgres:
		db, err = openPostgres(source)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driver))
	return db, nil
}

func openSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(dsn string) (*gorm.DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}
