package testutil

import (
	"context"
	"sync"

	"github.com/onnwee/tvyt/backend/chat"
)

type tokenKey struct {
	user     string
	platform chat.Platform
}

// MemStore is an in-memory token store with the room lookups of db.Store.
type MemStore struct {
	mu      sync.Mutex
	rooms   map[string]string // room id -> username
	access  map[tokenKey]string
	refresh map[tokenKey]string
	// Err, when set, is returned by every call wrapped as a *chat.StoreError.
	Err error

	Deletes int
}

func NewMemStore() *MemStore {
	return &MemStore{
		rooms:   make(map[string]string),
		access:  make(map[tokenKey]string),
		refresh: make(map[tokenKey]string),
	}
}

// AddUser registers username as the owner of roomID.
func (m *MemStore) AddUser(username, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[roomID] = username
}

// Seed stores already-sealed tokens; an empty value leaves the field unset.
func (m *MemStore) Seed(username string, p chat.Platform, sealedAccess, sealedRefresh string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sealedAccess != "" {
		m.access[tokenKey{username, p}] = sealedAccess
	}
	if sealedRefresh != "" {
		m.refresh[tokenKey{username, p}] = sealedRefresh
	}
}

func (m *MemStore) fail(op string) error {
	if m.Err != nil {
		return &chat.StoreError{Op: op, Err: m.Err}
	}
	return nil
}

func (m *MemStore) GetUserForRoomID(_ context.Context, roomID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("get user for room"); err != nil {
		return "", err
	}
	return m.rooms[roomID], nil
}

func (m *MemStore) GetRoomIDForUser(_ context.Context, username string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("get room for user"); err != nil {
		return "", err
	}
	for room, user := range m.rooms {
		if user == username {
			return room, nil
		}
	}
	return "", nil
}

func (m *MemStore) GetAccessToken(_ context.Context, username string, p chat.Platform) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("get access token"); err != nil {
		return "", err
	}
	return m.access[tokenKey{username, p}], nil
}

func (m *MemStore) GetRefreshToken(_ context.Context, username string, p chat.Platform) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("get refresh token"); err != nil {
		return "", err
	}
	return m.refresh[tokenKey{username, p}], nil
}

func (m *MemStore) SetAccessToken(_ context.Context, username string, p chat.Platform, sealed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("set access token"); err != nil {
		return err
	}
	m.access[tokenKey{username, p}] = sealed
	return nil
}

func (m *MemStore) SetRefreshToken(_ context.Context, username string, p chat.Platform, sealed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("set refresh token"); err != nil {
		return err
	}
	m.refresh[tokenKey{username, p}] = sealed
	return nil
}

func (m *MemStore) DeleteToken(_ context.Context, username string, p chat.Platform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("delete token"); err != nil {
		return err
	}
	m.Deletes++
	delete(m.access, tokenKey{username, p})
	return nil
}

// AccessToken returns the sealed access token currently stored.
func (m *MemStore) AccessToken(username string, p chat.Platform) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access[tokenKey{username, p}]
}
