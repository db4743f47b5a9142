package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/parkit/camera-console/internal/logging"
)

// ErrEmptyAPIKey is returned by Login for a blank key
var ErrEmptyAPIKey = errors.New("API key cannot be empty")

// ErrInvalidAPIKey is returned by Login when the backend rejects the key
var ErrInvalidAPIKey = errors.New("invalid API key")

// KeyStore persists the API key
type KeyStore interface {
	APIKey() string
	SetAPIKey(key string) error
	ClearAPIKey() error
}

// KeyValidator checks a candidate key against the backend
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context, apiKey string) bool
}

// Manager holds the operator's API key. The key is loaded from the store at
// construction and written back on Login and Logout.
type Manager struct {
	mu        sync.RWMutex
	apiKey    string
	store     KeyStore
	validator KeyValidator
	logger    *logging.Logger
}

// NewManager creates a manager, restoring any stored key
func NewManager(store KeyStore) *Manager {
	m := &Manager{
		store:  store,
		logger: logging.NewLogger("Auth"),
	}
	if store != nil {
		m.apiKey = store.APIKey()
	}
	return m
}

// SetValidator enables backend validation on Login
func (m *Manager) SetValidator(v KeyValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validator = v
}

// Login trims and stores apiKey. With a validator set, the key must also be
// accepted by the backend.
func (m *Manager) Login(ctx context.Context, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ErrEmptyAPIKey
	}

	m.mu.RLock()
	v := m.validator
	m.mu.RUnlock()

	if v != nil && !v.ValidateAPIKey(ctx, apiKey) {
		m.logger.Warn("Login rejected by backend")
		return ErrInvalidAPIKey
	}

	m.mu.Lock()
	m.apiKey = apiKey
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SetAPIKey(apiKey); err != nil {
			return err
		}
	}

	m.logger.Info("Logged in")
	return nil
}

// Logout forgets the API key
func (m *Manager) Logout() error {
	m.mu.Lock()
	wasAuthenticated := m.apiKey != ""
	m.apiKey = ""
	m.mu.Unlock()

	if wasAuthenticated {
		m.logger.Info("Logged out")
	}
	if m.store != nil {
		return m.store.ClearAPIKey()
	}
	return nil
}

// IsAuthenticated reports whether an API key is held
func (m *Manager) IsAuthenticated() bool {
	return m.APIKey() != ""
}

// APIKey returns the current key, or ""
func (m *Manager) APIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.apiKey
}
