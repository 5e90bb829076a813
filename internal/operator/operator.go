// Package operator resolves the operator (matrícula) currently tagged
// onto frames, falling back to a sentinel when none is logged in.
package operator

import (
	"context"
	"database/sql"
	"fmt"
)

// Sentinel is returned by Current when no operator is registered.
const Sentinel = "UNASSIGNED"

// Store wraps the operator table: at minimum a current registration.
type Store struct {
	db *sql.DB
}

// New wraps db, creating the operator table if it does not exist.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	const stmt = `
CREATE TABLE IF NOT EXISTS operator (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	registration TEXT NOT NULL
);`
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("operator: migrate: %w", err)
	}
	return s, nil
}

// Current returns the logged-in operator's registration, or
// (Sentinel, false) if none is logged in.
func (s *Store) Current(ctx context.Context) (string, bool) {
	var reg string
	err := s.db.QueryRowContext(ctx, `SELECT registration FROM operator WHERE id = 1`).Scan(&reg)
	if err != nil || reg == "" {
		return Sentinel, false
	}
	return reg, true
}

// SetCurrent logs an operator in, replacing any prior registration.
func (s *Store) SetCurrent(ctx context.Context, registration string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operator (id, registration) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET registration = excluded.registration`, registration)
	if err != nil {
		return fmt.Errorf("operator: set current: %w", err)
	}
	return nil
}

// Logout clears the current operator registration.
func (s *Store) Logout(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM operator WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("operator: logout: %w", err)
	}
	return nil
}
