// Package storage persists OAuth tokens and dynamic client registrations in
// a bbolt database so credentials survive restarts.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	tokensBucket        = "oauth_tokens"
	registrationsBucket = "oauth_registrations"

	openTimeout = 5 * time.Second
)

// TokenRecord is a stored OAuth token set, keyed by server name.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	Updated      time.Time `json:"updated"`
}

// Expired reports whether the token is past (or within buffer of) expiry.
// Tokens without expiry information are treated as valid.
func (r *TokenRecord) Expired(buffer time.Duration) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(buffer).After(r.ExpiresAt)
}

// RegistrationRecord is a cached RFC 7591 dynamic client registration, keyed
// by server URL.
type RegistrationRecord struct {
	ClientID              string    `json:"client_id"`
	ClientSecret          string    `json:"client_secret,omitempty"`
	AuthorizationEndpoint string    `json:"authorization_endpoint"`
	TokenEndpoint         string    `json:"token_endpoint"`
	Resource              string    `json:"resource"`
	RegisteredAt          time.Time `json:"registered_at"`
}

// Store wraps the bbolt database.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// Open creates or opens the credential database under dataDir.
func Open(dataDir string, logger *zap.Logger) (*Store, error) {
	path := filepath.Join(dataDir, "credentials.db")
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{tokensBucket, registrationsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger.Named("storage")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveToken stores the token set for a server.
func (s *Store) SaveToken(server string, rec *TokenRecord) error {
	rec.Updated = time.Now()
	return s.put(tokensBucket, server, rec)
}

// GetToken loads the token set for a server, or nil when none is stored.
func (s *Store) GetToken(server string) (*TokenRecord, error) {
	var rec TokenRecord
	ok, err := s.get(tokensBucket, server, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// DeleteToken removes the token set for a server.
func (s *Store) DeleteToken(server string) error {
	return s.delete(tokensBucket, server)
}

// SaveRegistration caches a dynamic client registration for a server URL.
func (s *Store) SaveRegistration(serverURL string, rec *RegistrationRecord) error {
	return s.put(registrationsBucket, serverURL, rec)
}

// GetRegistration loads the cached registration for a server URL, or nil.
func (s *Store) GetRegistration(serverURL string) (*RegistrationRecord, error) {
	var rec RegistrationRecord
	ok, err := s.get(registrationsBucket, serverURL, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// DeleteRegistration drops the cached registration for a server URL.
func (s *Store) DeleteRegistration(serverURL string) error {
	return s.delete(registrationsBucket, serverURL)
}

func (s *Store) put(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (s *Store) get(bucket, key string, v any) (bool, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket([]byte(bucket)).Get([]byte(key)); raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("discarding corrupt credential record",
			zap.String("bucket", bucket), zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (s *Store) delete(bucket, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}
