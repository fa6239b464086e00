package admin

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store defines API key storage. KeyStore keeps keys in memory; SQLStore
// persists them in SQLite or Postgres. Only the SHA-256 of a secret is
// kept; the secret itself is returned once, by Create or RotateKey.
type Store interface {
	Create(name string, scopes []string, expiresAt *time.Time) (*APIKey, error)
	Register(secret, name string, scopes []string) (*APIKey, error)
	Get(id string) (*APIKey, bool)
	List() []*APIKey
	Revoke(id string) error
	Delete(id string) error
	ValidateKey(secret string) (*APIKey, bool)
	RotateKey(id string) (*APIKey, error)
}

// APIKey is an operator credential for the admin API.
type APIKey struct {
	ID         string     `json:"id"`
	Key        string     `json:"key,omitempty"`
	Prefix     string     `json:"prefix"`
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RotatedAt  *time.Time `json:"rotated_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UsageCount int64      `json:"usage_count"`
	Active     bool       `json:"active"`
}

// Usable reports whether k may authenticate at now.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.Active || k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

const secretPrefix = "cg-"

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return secretPrefix + hex.EncodeToString(b), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// displayPrefix is the part of a secret that is safe to show in listings.
func displayPrefix(secret string) string {
	if len(secret) > 10 {
		return secret[:10] + "..."
	}
	return "***"
}

func defaultScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return []string{ScopeReadOnly}
	}
	return scopes
}

func newID() string { return uuid.NewString() }
