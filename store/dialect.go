/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

// Dialect isolates what differs between the supported databases.
type Dialect interface {
	Name() string

	// DriverName is the database/sql driver to open.
	DriverName() string

	// DSN adjusts a user-supplied data source name with the settings the
	// store depends on.
	DSN(dsn string) (string, error)

	// Rebind converts ? placeholders when the driver wants another style.
	Rebind(query string) string

	Configure(db *sql.DB) error

	// Migrations is the subdirectory of the embedded migration tree.
	Migrations() string

	Goose() goose.Dialect

	IsUniqueViolation(err error) bool
}

func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect{}, nil
	case "mysql", "mariadb":
		return mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

var placeholder = regexp.MustCompile(`\?`)

func rebindNumbered(query string) string {
	n := 0

	return placeholder.ReplaceAllStringFunc(query, func(string) string {
		n++
		return "$" + strconv.Itoa(n)
	})
}

func configurePool(db *sql.DB, open int) {
	db.SetMaxOpenConns(open)
	db.SetMaxIdleConns(min(open, 5))
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite3" }

func (sqliteDialect) DSN(dsn string) (string, error) {
	if dsn == "" {
		return "", errors.New("sqlite requires a database path")
	}

	params := "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params, nil
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}

	return dsn + "?" + params, nil
}

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) Configure(db *sql.DB) error {
	configurePool(db, 8)

	return nil
}

func (sqliteDialect) Migrations() string   { return "sqlite" }
func (sqliteDialect) Goose() goose.Dialect { return goose.DialectSQLite3 }

func (sqliteDialect) IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}

	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "pgx" }

func (postgresDialect) DSN(dsn string) (string, error) {
	if dsn == "" {
		return "", errors.New("postgres requires a connection string")
	}

	return dsn, nil
}

func (postgresDialect) Rebind(query string) string { return rebindNumbered(query) }

func (postgresDialect) Configure(db *sql.DB) error {
	configurePool(db, 25)

	return nil
}

func (postgresDialect) Migrations() string   { return "postgres" }
func (postgresDialect) Goose() goose.Dialect { return goose.DialectPostgres }

func (postgresDialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}

	// 23505 is unique_violation
	return pgErr.Code == "23505"
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string       { return "mysql" }
func (mysqlDialect) DriverName() string { return "mysql" }

// DSN enables clientFoundRows so that a conditional UPDATE reports matched
// rows rather than changed rows.
func (mysqlDialect) DSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ClientFoundRows = true

	return cfg.FormatDSN(), nil
}

func (mysqlDialect) Rebind(query string) string { return query }

func (mysqlDialect) Configure(db *sql.DB) error {
	configurePool(db, 25)

	if _, err := db.Exec("SET FOREIGN_KEY_CHECKS = 1"); err != nil {
		return err
	}

	return nil
}

func (mysqlDialect) Migrations() string   { return "mysql" }
func (mysqlDialect) Goose() goose.Dialect { return goose.DialectMySQL }

func (mysqlDialect) IsUniqueViolation(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}

	// ER_DUP_ENTRY
	return me.Number == 1062
}
