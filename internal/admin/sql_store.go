package admin

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore persists API keys in SQL backends (SQLite or Postgres).
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// OpenStore returns the key store named by kind ("memory", "sqlite" or
// "postgres").
func OpenStore(kind, dsn string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewKeyStore(), nil
	case "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown key store %q", kind)
	}
}

// NewSQLiteStore creates a SQLite-backed key store.
// dsn can be a file path (e.g. /tmp/keys.db) or SQLite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "capgate-keys.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	store := &SQLStore{db: db, dialect: dialectSQLite}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore creates a Postgres-backed key store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	store := &SQLStore{db: db, dialect: dialectPostgres}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}

	ts := "DATETIME"
	if s.dialect == dialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS admin_keys (
	id TEXT PRIMARY KEY,
	key_hash TEXT UNIQUE NOT NULL,
	prefix TEXT NOT NULL,
	name TEXT NOT NULL,
	scopes TEXT NOT NULL,
	created_at %[1]s NOT NULL,
	revoked_at %[1]s NULL,
	expires_at %[1]s NULL,
	rotated_at %[1]s NULL,
	last_used_at %[1]s NULL,
	usage_count INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL
)`, ts)

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s store schema: %w", s.dialect, err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// Create inserts a new key. The returned value carries the secret.
func (s *SQLStore) Create(name string, scopes []string, expiresAt *time.Time) (*APIKey, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	k, err := s.insert(secret, name, scopes, expiresAt)
	if err != nil {
		return nil, err
	}
	k.Key = secret
	return k, nil
}

// Register stores a caller-supplied secret. Registering the same secret
// twice returns the existing key.
func (s *SQLStore) Register(secret, name string, scopes []string) (*APIKey, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	existing, err := s.scanOne(s.bind(selectKeys+" WHERE key_hash = ?"), hashSecret(secret))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup key: %w", err)
	}
	return s.insert(secret, name, scopes, nil)
}

func (s *SQLStore) insert(secret, name string, scopes []string, expiresAt *time.Time) (*APIKey, error) {
	scopes = defaultScopes(scopes)
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return nil, fmt.Errorf("encode scopes: %w", err)
	}
	if expiresAt != nil {
		t := expiresAt.UTC()
		expiresAt = &t
	}
	k := &APIKey{
		ID:        newID(),
		Prefix:    displayPrefix(secret),
		Name:      name,
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
		Active:    true,
	}

	q := s.bind(`
INSERT INTO admin_keys(id, key_hash, prefix, name, scopes, created_at, expires_at, usage_count, active)
VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?)`)
	if _, err := s.db.Exec(q, k.ID, hashSecret(secret), k.Prefix, k.Name, string(scopesJSON), k.CreatedAt, expiresAt, true); err != nil {
		return nil, fmt.Errorf("create key: %w", err)
	}
	return k, nil
}

const selectKeys = `
SELECT id, prefix, name, scopes, created_at, revoked_at, expires_at, rotated_at, last_used_at, usage_count, active
FROM admin_keys`

// Get retrieves an API key by ID.
func (s *SQLStore) Get(id string) (*APIKey, bool) {
	key, err := s.scanOne(s.bind(selectKeys+" WHERE id = ?"), id)
	if err != nil {
		return nil, false
	}
	return key, true
}

// List returns every key, oldest first.
func (s *SQLStore) List() []*APIKey {
	rows, err := s.db.Query(selectKeys + " ORDER BY created_at")
	if err != nil {
		return []*APIKey{}
	}
	defer func() {
		_ = rows.Close()
	}()

	keys := make([]*APIKey, 0)
	for rows.Next() {
		k, scanErr := scanAPIKey(rows)
		if scanErr != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// Revoke marks an API key as inactive and records the revocation timestamp.
func (s *SQLStore) Revoke(id string) error {
	return s.execOne("revoke key", id, `UPDATE admin_keys SET revoked_at = ?, active = ? WHERE id = ?`, time.Now().UTC(), false, id)
}

// Delete removes an API key by ID.
func (s *SQLStore) Delete(id string) error {
	return s.execOne("delete key", id, `DELETE FROM admin_keys WHERE id = ?`, id)
}

// RotateKey replaces the secret of a key. The returned value carries the
// new secret.
func (s *SQLStore) RotateKey(id string) (*APIKey, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	if err := s.execOne("rotate key", id, `UPDATE admin_keys SET key_hash = ?, prefix = ?, rotated_at = ? WHERE id = ?`,
		hashSecret(secret), displayPrefix(secret), time.Now().UTC(), id); err != nil {
		return nil, err
	}
	updated, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("key not found: %s", id)
	}
	updated.Key = secret
	return updated, nil
}

// ValidateKey validates a secret and updates usage counters.
func (s *SQLStore) ValidateKey(secret string) (*APIKey, bool) {
	apiKey, err := s.scanOne(s.bind(selectKeys+" WHERE key_hash = ?"), hashSecret(secret))
	if err != nil {
		return nil, false
	}
	now := time.Now().UTC()
	if !apiKey.Usable(now) {
		return nil, false
	}
	q := s.bind(`UPDATE admin_keys SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`)
	if _, err := s.db.Exec(q, now, apiKey.ID); err != nil {
		return nil, false
	}
	apiKey.UsageCount++
	apiKey.LastUsedAt = &now
	return apiKey, true
}

func (s *SQLStore) execOne(op, id, query string, args ...interface{}) error {
	res, err := s.db.Exec(s.bind(query), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("key not found: %s", id)
	}
	return nil
}

func (s *SQLStore) scanOne(query string, arg interface{}) (*APIKey, error) {
	return scanAPIKey(s.db.QueryRow(query, arg))
}

func scanAPIKey(scanner interface {
	Scan(dest ...interface{}) error
}) (*APIKey, error) {
	var (
		k         APIKey
		scopesRaw string
		revoked   sql.NullTime
		expires   sql.NullTime
		rotated   sql.NullTime
		lastUsed  sql.NullTime
	)
	err := scanner.Scan(
		&k.ID,
		&k.Prefix,
		&k.Name,
		&scopesRaw,
		&k.CreatedAt,
		&revoked,
		&expires,
		&rotated,
		&lastUsed,
		&k.UsageCount,
		&k.Active,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopesRaw), &k.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	k.RevokedAt = nullTime(revoked)
	k.ExpiresAt = nullTime(expires)
	k.RotatedAt = nullTime(rotated)
	k.LastUsedAt = nullTime(lastUsed)
	return &k, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
