package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sweeney/relay-scheduler/internal/schedule"
)

// Backend kinds accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendRedis    = "redis"
)

// Backend persists whole account documents.
type Backend interface {
	// Get returns the account with id, or schedule.ErrNotFound.
	Get(ctx context.Context, id string) (Account, error)
	// Put creates or replaces the account document.
	Put(ctx context.Context, acct Account) error
	// FindByEmail returns the account registered with email, or schedule.ErrNotFound.
	FindByEmail(ctx context.Context, email string) (Account, error)
	// AccountIDs lists every stored account in sorted order.
	AccountIDs(ctx context.Context) ([]string, error)
	// Delete removes the account document and its email index, or returns
	// schedule.ErrNotFound.
	Delete(ctx context.Context, id string) error
	Close() error
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func encodeAccount(acct Account) ([]byte, error) {
	data, err := json.Marshal(acct)
	if err != nil {
		return nil, fmt.Errorf("encode account %s: %w", acct.ID, err)
	}
	return data, nil
}

func decodeAccount(id string, data []byte) (Account, error) {
	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return Account{}, fmt.Errorf("decode account %s: %w", id, err)
	}
	acct.ID = id
	return acct, nil
}

// Memory is an in-process Backend. Documents are stored encoded so callers
// never share maps with the store.
type Memory struct {
	mu     sync.RWMutex
	docs   map[string][]byte
	emails map[string]string
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte), emails: make(map[string]string)}
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, id string) (Account, error) {
	m.mu.RLock()
	data, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return Account{}, fmt.Errorf("account %s: %w", id, schedule.ErrNotFound)
	}
	return decodeAccount(id, data)
}

// Put implements Backend.
func (m *Memory) Put(_ context.Context, acct Account) error {
	data, err := encodeAccount(acct)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[acct.ID] = data
	if email := normalizeEmail(acct.Email); email != "" {
		m.emails[email] = acct.ID
	}
	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("account %s: %w", id, schedule.ErrNotFound)
	}
	delete(m.docs, id)
	for email, owner := range m.emails {
		if owner == id {
			delete(m.emails, email)
		}
	}
	return nil
}

// FindByEmail implements Backend.
func (m *Memory) FindByEmail(ctx context.Context, email string) (Account, error) {
	m.mu.RLock()
	id, ok := m.emails[normalizeEmail(email)]
	m.mu.RUnlock()
	if !ok {
		return Account{}, fmt.Errorf("account %q: %w", email, schedule.ErrNotFound)
	}
	return m.Get(ctx, id)
}

// AccountIDs implements Backend.
func (m *Memory) AccountIDs(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Backend.
func (m *Memory) Close() error { return nil }

// Open returns the Backend named by kind. dsn addresses SQL backends; redis
// is used only for BackendRedis.
func Open(ctx context.Context, kind, dsn string, redis RedisConfig) (Backend, error) {
	switch kind {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendSQLite, BackendPostgres, BackendMySQL:
		db, err := Connect(kind, dsn)
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendRedis:
		r, err := NewRedis(ctx, redis)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown store backend: %s", kind)
}
