// Package auth holds the persisted bearer credential and its expiry logic.
package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when no usable credential is available:
// the slot is empty, the token has expired, or the server revoked it.
var ErrUnauthenticated = errors.New("unauthenticated")

// Credential is an encoded bearer token with an embedded expiry claim.
// The client decodes the expiry locally; it never verifies the signature.
type Credential string

// ExpiresAt decodes the credential's exp claim without verifying it.
func (c Credential) ExpiresAt() (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(string(c), claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode credential: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read expiry claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, errors.New("credential has no expiry claim")
	}
	return exp.Time, nil
}

// Expired reports whether the credential is unusable. An empty or
// undecodable credential counts as expired.
func (c Credential) Expired() bool {
	if c == "" {
		return true
	}
	exp, err := c.ExpiresAt()
	if err != nil {
		return true
	}
	return !time.Now().Before(exp)
}

// Store is the persisted single-slot credential store.
type Store interface {
	Get() (Credential, bool, error)
	Set(Credential) error
	Clear() error
}

// SQLiteStore keeps the credential in a named slot of the local database,
// mirroring the single localStorage entry of the web client.
type SQLiteStore struct {
	db   *sql.DB
	slot string
}

// NewSQLiteStore creates a store bound to one slot name.
func NewSQLiteStore(db *sql.DB, slot string) *SQLiteStore {
	return &SQLiteStore{db: db, slot: slot}
}

func (s *SQLiteStore) Get() (Credential, bool, error) {
	var token string
	err := s.db.QueryRow("SELECT token FROM credentials WHERE slot = ?", s.slot).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read credential: %w", err)
	}
	return Credential(token), true, nil
}

func (s *SQLiteStore) Set(c Credential) error {
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO credentials (slot, token) VALUES (?, ?)",
		s.slot, string(c),
	); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec("DELETE FROM credentials WHERE slot = ?", s.slot); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}
