// Package instance manages which cache store is active.
//
// There is at most one active store at a time. An authenticated user gets a
// file-backed store under a directory of their own, so one user's records
// are never visible to another. Without a user the manager opens an
// in-memory store that is discarded on the next switch.
package instance

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moodlog/moodlog/internal/cache/db"
	"github.com/moodlog/moodlog/internal/cache/errs"
)

// DBFileName is the store file inside each user directory.
const DBFileName = "moodlog.db"

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger. It is also handed to every store.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager owns the active store handle.
type Manager struct {
	root   string
	logger *zap.Logger

	mu         sync.RWMutex
	handle     *db.DB
	userID     string
	hasUser    bool
	instanceID string
}

// NewManager creates a Manager that keeps user stores under root/users.
// No store is open until Open is called.
func NewManager(root string, opts ...Option) *Manager {
	m := &Manager{
		root:   root,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UserDir returns the directory that holds userID's store.
func (m *Manager) UserDir(userID string) string {
	return filepath.Join(m.root, "users", sanitizeUserID(userID))
}

// Open makes a store for userID the active one, closing any previous
// handle first. A nil userID opens an ephemeral in-memory store.
//
// On failure the error wraps errs.ErrStoreInitializationFailed and no
// store is active.
func (m *Manager) Open(ctx context.Context, userID *string) (*db.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.closeLocked(); err != nil {
		m.logger.Warn("failed to close previous cache store", zap.Error(err))
	}

	var (
		handle *db.DB
		err    error
	)
	if userID == nil {
		handle, err = db.OpenMemory(ctx, m.logger)
	} else {
		if *userID == "" {
			return nil, fmt.Errorf("%w: empty user id", errs.ErrStoreInitializationFailed)
		}
		handle, err = db.Open(ctx, filepath.Join(m.UserDir(*userID), DBFileName), m.logger)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrStoreInitializationFailed, err)
	}

	m.handle = handle
	m.instanceID = uuid.NewString()
	if userID != nil {
		m.userID, m.hasUser = *userID, true
	}

	m.logger.Info("cache store opened",
		zap.String("instance", m.instanceID),
		zap.Bool("ephemeral", handle.IsEphemeral()),
		zap.String("path", handle.Path()))
	return handle, nil
}

// SwitchUser drops the current store and opens one for userID. It is the
// hook for login and logout.
func (m *Manager) SwitchUser(ctx context.Context, userID *string) (*db.DB, error) {
	return m.Open(ctx, userID)
}

// CurrentUserID reports the user of the active store. It satisfies
// repo.IdentityProvider.
func (m *Manager) CurrentUserID() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userID, m.hasUser
}

// Handle returns the active store or errs.ErrNotInitialized.
func (m *Manager) Handle() (*db.DB, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.handle == nil {
		return nil, errs.ErrNotInitialized
	}
	return m.handle, nil
}

// InstanceID identifies the active store for log correlation. It changes
// on every Open and is empty when no store is active.
func (m *Manager) InstanceID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instanceID
}

// Close closes the active store, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *Manager) closeLocked() error {
	if m.handle == nil {
		return nil
	}
	err := m.handle.Close()
	m.logger.Debug("cache store closed", zap.String("instance", m.instanceID))
	m.handle = nil
	m.userID, m.hasUser = "", false
	m.instanceID = ""
	return err
}

// sanitizeUserID maps a user id to a single safe path element. Ids made
// only of [A-Za-z0-9_-] are used as is; anything else is hex encoded with
// an "x-" prefix so distinct ids never collide.
func sanitizeUserID(id string) string {
	safe := id != ""
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			safe = false
			break
		}
	}
	if safe && !strings.HasPrefix(id, "x-") {
		return id
	}
	return "x-" + hex.EncodeToString([]byte(id))
}
