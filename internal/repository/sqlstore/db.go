// Package sqlstore — SQL-хранилище реестра, транзакций, витрины и журнала попыток.
// Один и тот же код работает поверх Postgres (pgx) и SQLite (modernc): запросы
// пишутся с плейсхолдерами $N и переписываются под диалект.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/xela07ax/vots-relay/internal/infra"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New оборачивает готовое соединение (используется в тестах с sqlmock).
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Open открывает пул, проверяет соединение и при необходимости накатывает миграции.
func Open(ctx context.Context, cfg infra.DatabaseConfig) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch Dialect(cfg.Driver) {
	case Postgres:
		db, err = sql.Open("pgx", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres: open: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MinConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	case SQLite:
		db, err = sql.Open("sqlite", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("sqlite: open: %w", err)
		}
		// Один писатель: запросы не вкладываются, пока открыт rows
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}

	s := New(db, Dialect(cfg.Driver))
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping: %w", cfg.Driver, err)
	}
	if s.dialect == SQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
		}
	}
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

var placeholderRe = regexp.MustCompile(`\$\d+`)

// q переписывает $N в ? для SQLite. Плейсхолдеры идут строго по порядку и не повторяются.
func (s *Store) q(query string) string {
	if s.dialect == SQLite {
		return placeholderRe.ReplaceAllString(query, "?")
	}
	return query
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch code := sqErr.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case code&0xff == sqlite3.SQLITE_CONSTRAINT:
			// без расширенных кодов остается только текст
			return strings.Contains(sqErr.Error(), "UNIQUE")
		}
	}
	return false
}

// Множества хранятся строкой ",a,b," — фильтр по элементу одинаково пишется
// в обоих диалектах через LIKE.
func encodeSet(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return "," + strings.Join(items, ",") + ","
}

func decodeSet(s string) []string {
	s = strings.Trim(s, ",")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

// setContains — шаблон для where.add, %d заменяется номером плейсхолдера.
const setContains = " LIKE '%%,' || $%d || ',%%'"

// where собирает условия с нумерацией плейсхолдеров по мере добавления.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}
