// Package auth stores the tracking server access token.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "churnctl"
	keyringUser    = "tracking_token"

	// TokenFileName is the fallback file used when no OS keychain is available.
	TokenFileName = "tracking_token"

	fileMode = 0600
)

// ErrNoToken is returned when neither the keychain nor the token file hold a token.
var ErrNoToken = errors.New("no tracking token saved")

// Store saves and retrieves the token, preferring the OS keychain.
type Store struct {
	dir string
}

// NewStore returns a store using dir for the file fallback.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) filePath() string {
	return filepath.Join(s.dir, TokenFileName)
}

// Save stores token in the keychain, falling back to a file.
func (s *Store) Save(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is required")
	}

	if err := keyring.Set(keyringService, keyringUser, token); err != nil {
		slog.Warn("keychain unavailable, falling back to file", "error", err)
		if err := os.WriteFile(s.filePath(), []byte(token), fileMode); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		return nil
	}

	// legacy file is superseded by the keychain entry
	os.Remove(s.filePath())
	return nil
}

// Get returns the saved token. A token found only in the fallback file is
// migrated to the keychain when possible.
func (s *Store) Get() (string, error) {
	token, err := keyring.Get(keyringService, keyringUser)
	if err == nil && token != "" {
		return token, nil
	}

	b, err := os.ReadFile(s.filePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("reading token file %s: %w", s.filePath(), err)
	}
	token = strings.TrimSpace(string(b))
	if token == "" {
		return "", ErrNoToken
	}

	if err := keyring.Set(keyringService, keyringUser, token); err == nil {
		slog.Info("migrated token from file to OS keychain")
		os.Remove(s.filePath())
	}
	return token, nil
}

// Delete removes the token from both locations.
func (s *Store) Delete() error {
	if err := keyring.Delete(keyringService, keyringUser); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		slog.Debug("keychain delete failed", "error", err)
	}
	if err := os.Remove(s.filePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing token file: %w", err)
	}
	return nil
}

// Resolve returns the explicit token when set, else the saved one. A missing
// saved token is not an error; the tracking server may not require one.
func (s *Store) Resolve(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	token, err := s.Get()
	if errors.Is(err, ErrNoToken) {
		return "", nil
	}
	return token, err
}
