/**
 * Operator preferences
 *
 * Small durable key/value store for values the console remembers between
 * runs: the API key, the last camera URL, and the last session and camera ids
 * used for an upload. Backed by BadgerDB.
 */

package prefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/parkit/camera-console/internal/logging"
)

const keyPrefix = "pref:"

// Preference keys
const (
	KeyAPIKey        = "api_key"
	KeyCameraURL     = "camera_url"
	KeyLastSessionID = "last_session_id"
	KeyLastCameraID  = "last_camera_id"
)

// Snapshot is the set of remembered values, minus the API key
type Snapshot struct {
	CameraURL     string `json:"camera_url"`
	LastSessionID string `json:"last_session_id"`
	LastCameraID  string `json:"last_camera_id"`
	Authenticated bool   `json:"authenticated"`
}

// Store persists operator preferences
type Store struct {
	db     *badger.DB
	logger *logging.Logger
}

// Open opens (or creates) the store in dir
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("preference store directory is required")
	}
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory opens a store that is discarded on Close
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	logger := logging.NewLogger("Prefs")
	opts = opts.WithLogger(badgerLogger{logger: logger}).WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open preference store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value of key and whether it was set
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key. An empty value deletes the key.
func (s *Store) Set(key, value string) error {
	if value == "" {
		return s.Delete(key)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key; deleting a missing key is not an error
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) getOrEmpty(key string) string {
	v, _, err := s.Get(key)
	if err != nil {
		s.logger.Warn("Failed to read preference", "key", key, "error", err)
	}
	return v
}

// APIKey returns the stored API key, or ""
func (s *Store) APIKey() string { return s.getOrEmpty(KeyAPIKey) }

// SetAPIKey stores the API key
func (s *Store) SetAPIKey(key string) error { return s.Set(KeyAPIKey, key) }

// ClearAPIKey removes the API key
func (s *Store) ClearAPIKey() error { return s.Delete(KeyAPIKey) }

// CameraURL returns the last connected camera URL
func (s *Store) CameraURL() string { return s.getOrEmpty(KeyCameraURL) }

// SetCameraURL remembers the camera URL
func (s *Store) SetCameraURL(url string) error { return s.Set(KeyCameraURL, url) }

// LastSessionID returns the session id of the last upload
func (s *Store) LastSessionID() string { return s.getOrEmpty(KeyLastSessionID) }

// SetLastSessionID remembers the session id
func (s *Store) SetLastSessionID(id string) error { return s.Set(KeyLastSessionID, id) }

// LastCameraID returns the camera id of the last upload
func (s *Store) LastCameraID() string { return s.getOrEmpty(KeyLastCameraID) }

// SetLastCameraID remembers the camera id
func (s *Store) SetLastCameraID(id string) error { return s.Set(KeyLastCameraID, id) }

// Snapshot returns the remembered values
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		CameraURL:     s.CameraURL(),
		LastSessionID: s.LastSessionID(),
		LastCameraID:  s.LastCameraID(),
		Authenticated: s.APIKey() != "",
	}
}

// RunGC reclaims value log space until there is nothing left to collect
func (s *Store) RunGC() {
	for {
		start := time.Now()
		if err := s.db.RunValueLogGC(0.5); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) && !errors.Is(err, badger.ErrGCInMemoryMode) {
				s.logger.Warn("Value log GC failed", "error", err)
			}
			return
		}
		s.logger.Debug("Value log GC pass completed", "duration", time.Since(start))
	}
}

// GCInterval is how often Serve runs value log GC
const GCInterval = 10 * time.Minute

// Serve runs value log GC periodically until ctx is done
func (s *Store) Serve(ctx context.Context) error {
	ticker := time.NewTicker(GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunGC()
		}
	}
}

// badgerLogger routes badger's internal logging through the console logger
type badgerLogger struct {
	logger *logging.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
