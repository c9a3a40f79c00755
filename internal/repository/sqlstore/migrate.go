package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Migrate применяет все ожидающие goose-миграции своего диалекта.
func (s *Store) Migrate(ctx context.Context) error {
	dir := "migrations/" + string(s.dialect)
	gooseDialect := goose.DialectPostgres
	if s.dialect == SQLite {
		gooseDialect = goose.DialectSQLite3
	}

	provider, err := goose.NewProvider(gooseDialect, s.db, mustSub(dir))
	if err != nil {
		return fmt.Errorf("%s: init migrations: %w", s.dialect, err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("%s: run migrations: %w", s.dialect, err)
	}
	return nil
}

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(migrations, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
