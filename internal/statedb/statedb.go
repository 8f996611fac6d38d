// Package statedb captures and checks the store's embedded SQLite database.
package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/rowjay/posvault/internal/model"
)

// Sidecars lists the suffixes of files SQLite keeps next to a database.
var Sidecars = []string{"-wal", "-shm", "-journal"}

func openReadOnly(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?mode=ro&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Snapshot writes a transactionally consistent copy of the live database at
// livePath to dest using VACUUM INTO. Writers on the live file are not
// blocked for longer than SQLite's own read transaction.
func Snapshot(ctx context.Context, livePath, dest string) error {
	if livePath == "" {
		return fmt.Errorf("state_path is required")
	}
	if _, err := os.Stat(livePath); err != nil {
		return model.Wrap(model.KindSourceCorrupted, "snapshot", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	// VACUUM INTO refuses to overwrite.
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	db, err := openReadOnly(livePath)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		_ = os.Remove(dest)
		if isNotADatabase(err) {
			return model.Wrap(model.KindSourceCorrupted, "snapshot", err)
		}
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}

// Validate opens the database at path and runs SQLite's integrity check.
// Any failure is a DatabaseValidationFailure.
func Validate(ctx context.Context, path string) error {
	fail := func(err error) error {
		return model.Wrap(model.KindDatabaseValidation, "validate", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fail(err)
	}
	if info.Size() == 0 {
		return fail(fmt.Errorf("%s is empty", path))
	}

	db, err := openReadOnly(path)
	if err != nil {
		return fail(err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fail(err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fail(err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fail(err)
	}
	if len(problems) > 0 {
		return fail(fmt.Errorf("integrity check: %s", strings.Join(problems, "; ")))
	}
	return nil
}

func isNotADatabase(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed")
}
