package docstore

import (
	"context"
	"database/sql"
)

// DB exposes the internal *sql.DB for test helpers in docstore_test.
// This file only compiles during `go test`.
func (s *Store) DB() *sql.DB {
	return s.db
}

// FailCommits makes every commit return err until the returned restore func
// is called.
func (s *Store) FailCommits(err error) (restore func()) {
	prev := s.hooks.commit
	s.hooks.commit = func(tx *sql.Tx) error {
		_ = tx.Rollback()
		return err
	}
	return func() { s.hooks.commit = prev }
}

// FailExec makes every hooked exec return err.
func (s *Store) FailExec(err error) (restore func()) {
	prev := s.hooks.exec
	s.hooks.exec = func(context.Context, execer, string, ...any) (sql.Result, error) {
		return nil, err
	}
	return func() { s.hooks.exec = prev }
}
