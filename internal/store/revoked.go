package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/HyphaGroup/portcullis/internal/logger"
)

// RevocationStore is the revoked-token denylist: durable rows in SQLite
// with an in-memory cache in front so the per-request check never touches
// the database. Revocation applies immediately and survives restarts.
type RevocationStore struct {
	db    *sql.DB
	cache *cache.Cache
}

// NewRevocationStore creates the store and hydrates the cache from the
// database so checks are warm from the first request.
func NewRevocationStore(s *Store) (*RevocationStore, error) {
	rs := &RevocationStore{
		db:    s.db,
		cache: cache.New(cache.NoExpiration, 0),
	}
	if err := rs.hydrate(); err != nil {
		return nil, err
	}
	return rs, nil
}

// Revoke adds a token id to the denylist. Revoking an already revoked
// token is a no-op.
func (rs *RevocationStore) Revoke(jti string) error {
	if _, err := rs.db.Exec(`INSERT OR IGNORE INTO revoked_tokens (jti) VALUES (?)`, jti); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	rs.cache.Set(jti, true, cache.NoExpiration)
	return nil
}

// IsRevoked reports whether a token id is on the denylist. Served from
// the cache; never errors.
func (rs *RevocationStore) IsRevoked(jti string) bool {
	_, found := rs.cache.Get(jti)
	return found
}

// List returns every revoked token id with its revocation time
func (rs *RevocationStore) List() (map[string]time.Time, error) {
	rows, err := rs.db.Query(`SELECT jti, revoked_at FROM revoked_tokens ORDER BY revoked_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list revoked tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]time.Time)
	for rows.Next() {
		var jti string
		var at time.Time
		if err := rows.Scan(&jti, &at); err != nil {
			return nil, fmt.Errorf("failed to scan revoked token: %w", err)
		}
		out[jti] = at
	}
	return out, rows.Err()
}

func (rs *RevocationStore) hydrate() error {
	rows, err := rs.db.Query(`SELECT jti FROM revoked_tokens`)
	if err != nil {
		return fmt.Errorf("failed to load revoked tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	n := 0
	for rows.Next() {
		var jti string
		if err := rows.Scan(&jti); err != nil {
			return fmt.Errorf("failed to scan revoked token: %w", err)
		}
		rs.cache.Set(jti, true, cache.NoExpiration)
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if n > 0 {
		logger.Info("Loaded %d revoked token(s) into denylist cache", n)
	}
	return nil
}
