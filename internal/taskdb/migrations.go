package taskdb

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type migration struct {
	id   int
	name string
	sql  string
}

// getMigrations returns the embedded migrations ordered by the numeric prefix of their file names.
func getMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	migrations := make([]migration, 0, len(entries))
	for _, entry := range entries {
		id, err := strconv.Atoi(strings.Split(entry.Name(), "_")[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s has no numeric prefix", entry.Name())
		}
		content, err := migrationFiles.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		migrations = append(migrations, migration{id: id, name: entry.Name(), sql: string(content)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].id < migrations[j].id })
	return migrations, nil
}

// updateDatabase applies every migration newer than the schema version recorded in the database's user_version.
func updateDatabase(ctx *flowcontext.Context, db *sql.DB, migrations []migration) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return errors.WithStack(err)
	}
	ctx.Log.Debugf("Current schema version %d", version)

	for _, m := range migrations {
		if m.id <= version {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.WithStack(err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "applying migration %s", m.name)
		}
		// PRAGMA arguments can't be bound as parameters; m.id is an int parsed from an embedded file name.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.id)); err != nil {
			_ = tx.Rollback()
			return errors.WithStack(err)
		}
		if err := tx.Commit(); err != nil {
			return errors.WithStack(err)
		}
		version = m.id
		ctx.Log.Infof("Applied migration %s", m.name)
	}
	return nil
}
