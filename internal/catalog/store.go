package catalog

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"animecatalog/internal/metrics"
)

var ErrStoreUnavailable = errors.New("catalog store unavailable")

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Store is the only writer of catalog tables. Every write either succeeds or
// resolves a uniqueness conflict by re-reading the winning row.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

type StoreOption func(*Store)

func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

func Open(driverName, dsn string, options ...StoreOption) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driverName)) {
	case DriverMySQL:
		dialector = mysql.Open(mysqlDSN(dsn))
	case DriverSQLite, "":
		dialector = sqlite.Open(sqliteDSN(dsn))
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", driverName)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if dialector.Name() == DriverSQLite {
		// One writer at a time; concurrent pipelines queue on the pool.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
	}

	store := &Store{db: db, logger: slog.Default()}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	if store.logger == nil {
		store.logger = slog.Default()
	}
	return store, nil
}

func sqliteDSN(dsn string) string {
	value := strings.TrimSpace(dsn)
	if value == "" {
		value = "catalog.db"
	}
	if strings.Contains(value, "?") || value == ":memory:" {
		return value
	}
	return value + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

func mysqlDSN(dsn string) string {
	value := strings.TrimSpace(dsn)
	if strings.Contains(value, "parseTime=") {
		return value
	}
	sep := "?"
	if strings.Contains(value, "?") {
		sep = "&"
	}
	return value + sep + "parseTime=true&charset=utf8mb4"
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// read runs fn and, on a connectivity error, runs it exactly once more.
// fn must be a read that is safe to repeat and must not reuse state from a
// failed transaction.
func (s *Store) read(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	err := fn(s.db.WithContext(ctx))
	if err == nil || !isConnectivityError(err) {
		return err
	}
	s.logger.Warn("catalog read failed, retrying once",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	if err = fn(s.db.WithContext(ctx)); err == nil {
		metrics.StoreReadRetriesTotal.WithLabelValues("recovered").Inc()
		return nil
	}
	if isConnectivityError(err) {
		metrics.StoreReadRetriesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return err
}

func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "bad connection") ||
		strings.Contains(lower, "invalid connection") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "broken pipe") ||
		strings.Contains(lower, "database is locked") ||
		strings.Contains(lower, "server has gone away")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique constraint failed") ||
		strings.Contains(lower, "duplicate entry") ||
		strings.Contains(lower, "duplicate key")
}
