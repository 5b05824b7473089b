package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/julienbonastre/haiti-shipping/internal/config"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_mysql.sql
var mysqlSchema string

// Supported drivers
const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// DB wraps the settings database
type DB struct {
	*sql.DB
	driver string
}

// Setting is one key/value record of the settings table
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// Open opens or creates the database and applies the schema.
// MySQL DSNs need parseTime=true.
func Open(cfg config.DBConfig) (*DB, error) {
	var schema string
	switch cfg.Driver {
	case DriverSQLite:
		schema = sqliteSchema
	case DriverMySQL:
		schema = mysqlSchema
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema one statement at a time; the MySQL driver rejects
	// multi-statement Exec unless the DSN opts in.
	for _, stmt := range splitStatements(schema) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &DB{DB: db, driver: cfg.Driver}, nil
}

func splitStatements(script string) []string {
	var stmts []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// Driver returns the name of the SQL driver in use
func (db *DB) Driver() string {
	return db.driver
}

// HealthCheck performs a simple health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// GetSetting returns a single setting by key, or nil if it does not exist
func (db *DB) GetSetting(ctx context.Context, key string) (*Setting, error) {
	var s Setting
	err := db.QueryRowContext(ctx, "SELECT `key`, `value`, `updated_at`, `updated_by` FROM settings WHERE `key` = ?", key).
		Scan(&s.Key, &s.Value, &s.UpdatedAt, &s.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, nil // Setting not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return &s, nil
}

// GetAllSettings returns every stored setting ordered by key
func (db *DB) GetAllSettings(ctx context.Context) ([]Setting, error) {
	rows, err := db.QueryContext(ctx, "SELECT `key`, `value`, `updated_at`, `updated_by` FROM settings ORDER BY `key`")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []Setting
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.UpdatedAt, &s.UpdatedBy); err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

// PutSetting inserts or replaces the value stored under key
func (db *DB) PutSetting(ctx context.Context, key, value, updatedBy string) error {
	var query string
	if db.driver == DriverMySQL {
		query = "INSERT INTO settings (`key`, `value`, `updated_at`, `updated_by`) VALUES (?, ?, ?, ?) " +
			"ON DUPLICATE KEY UPDATE `value` = VALUES(`value`), `updated_at` = VALUES(`updated_at`), `updated_by` = VALUES(`updated_by`)"
	} else {
		query = "INSERT INTO settings (`key`, `value`, `updated_at`, `updated_by`) VALUES (?, ?, ?, ?) " +
			"ON CONFLICT(`key`) DO UPDATE SET `value` = excluded.`value`, `updated_at` = excluded.`updated_at`, `updated_by` = excluded.`updated_by`"
	}
	if _, err := db.ExecContext(ctx, query, key, value, time.Now().UTC(), updatedBy); err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

// PutSettingIfAbsent stores value only when key has no record yet.
// It reports whether a row was written.
func (db *DB) PutSettingIfAbsent(ctx context.Context, key, value, updatedBy string) (bool, error) {
	var query string
	if db.driver == DriverMySQL {
		query = "INSERT IGNORE INTO settings (`key`, `value`, `updated_at`, `updated_by`) VALUES (?, ?, ?, ?)"
	} else {
		query = "INSERT INTO settings (`key`, `value`, `updated_at`, `updated_by`) VALUES (?, ?, ?, ?) ON CONFLICT(`key`) DO NOTHING"
	}
	result, err := db.ExecContext(ctx, query, key, value, time.Now().UTC(), updatedBy)
	if err != nil {
		return false, fmt.Errorf("failed to seed setting %s: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
