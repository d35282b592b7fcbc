package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/tvyt/backend/crypto"
	"github.com/onnwee/tvyt/backend/oauth"
)

type tokenKey struct {
	user     string
	platform Platform
}

type memStore struct {
	mu       sync.Mutex
	access   map[tokenKey]string
	refresh  map[tokenKey]string
	deletes  int
	getCalls int
	// getErrs are returned by successive GetAccessToken calls; nil entries succeed.
	getErrs []error
}

func newMemStore() *memStore {
	return &memStore{access: map[tokenKey]string{}, refresh: map[tokenKey]string{}}
}

func (m *memStore) GetAccessToken(_ context.Context, user string, p Platform) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if len(m.getErrs) > 0 {
		err := m.getErrs[0]
		m.getErrs = m.getErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return m.access[tokenKey{user, p}], nil
}

func (m *memStore) GetRefreshToken(_ context.Context, user string, p Platform) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh[tokenKey{user, p}], nil
}

func (m *memStore) SetAccessToken(_ context.Context, user string, p Platform, sealed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access[tokenKey{user, p}] = sealed
	return nil
}

func (m *memStore) SetRefreshToken(_ context.Context, user string, p Platform, sealed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenKey{user, p}] = sealed
	return nil
}

func (m *memStore) DeleteToken(_ context.Context, user string, p Platform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.access, tokenKey{user, p})
	return nil
}

func (m *memStore) accessToken(user string, p Platform) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access[tokenKey{user, p}]
}

func (m *memStore) deleteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}

type refresherFunc func(ctx context.Context, platform, rt string) (oauth.Token, error)

func (f refresherFunc) Refresh(ctx context.Context, platform, rt string) (oauth.Token, error) {
	return f(ctx, platform, rt)
}

type fakeConn struct {
	done   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan error, 1), closed: make(chan struct{})}
}

func (c *fakeConn) Done() <-chan error { return c.done }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeUpstream accepts tokens listed in valid and serves Open from openFn.
type fakeUpstream struct {
	platform Platform

	mu     sync.Mutex
	valid  map[string]bool
	probes int
	opens  int
	openFn func(n int) (Conn, error)
	emit   func(ChatEvent)
}

func newFakeUpstream(p Platform, valid ...string) *fakeUpstream {
	u := &fakeUpstream{platform: p, valid: map[string]bool{}}
	for _, v := range valid {
		u.valid[v] = true
	}
	u.openFn = func(int) (Conn, error) { return newFakeConn(), nil }
	return u
}

func (u *fakeUpstream) Platform() Platform { return u.platform }

func (u *fakeUpstream) Probe(_ context.Context, token string) (Identity, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.probes++
	if !u.valid[token] {
		return Identity{}, ErrUnauthorized
	}
	return Identity{ID: "1", Login: "streamer"}, nil
}

func (u *fakeUpstream) Open(_ context.Context, _ Identity, _ string, emit func(ChatEvent)) (Conn, error) {
	u.mu.Lock()
	u.opens++
	n := u.opens
	u.emit = emit
	fn := u.openFn
	u.mu.Unlock()
	return fn(n)
}

func (u *fakeUpstream) counts() (probes, opens int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.probes, u.opens
}

type notice struct {
	kind     string
	platform Platform
	message  string
	code     int
}

type recorder struct {
	mu      sync.Mutex
	chats   []ChatEvent
	notices []notice
}

func (r *recorder) Chat(ev ChatEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, ev)
}

func (r *recorder) Error(p Platform, message string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice{"error", p, message, code})
}

func (r *recorder) Success(p Platform, message string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice{"success", p, message, code})
}

func (r *recorder) errors() []notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notice
	for _, n := range r.notices {
		if n.kind == "error" {
			out = append(out, n)
		}
	}
	return out
}

func testVault(t *testing.T) *crypto.Vault {
	t.Helper()
	v, err := crypto.NewVault("test-passphrase")
	if err != nil {
		t.Fatalf("NewVault() error = %v", err)
	}
	return v
}

func seal(t *testing.T, v *crypto.Vault, s string) string {
	t.Helper()
	out, err := v.Encrypt(s)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	return out
}

type harness struct {
	store     *memStore
	vault     *crypto.Vault
	upstream  *fakeUpstream
	notifier  *recorder
	clock     *clockwork.FakeClock
	refreshes int
	terminal  chan *Session
	refresh   func(rt string) (oauth.Token, error)
	mu        sync.Mutex
}

func newHarness(t *testing.T, p Platform, valid ...string) *harness {
	t.Helper()
	return &harness{
		store:    newMemStore(),
		vault:    testVault(t),
		upstream: newFakeUpstream(p, valid...),
		notifier: &recorder{},
		clock:    clockwork.NewFakeClock(),
		terminal: make(chan *Session, 4),
		refresh: func(string) (oauth.Token, error) {
			return oauth.Token{}, &oauth.RefreshError{Platform: string(p), Reason: "not configured"}
		},
	}
}

func (h *harness) session(t *testing.T, room, owner string) *Session {
	t.Helper()
	s := NewSession(context.Background(), room, owner, SessionDeps{
		Store: h.store,
		Vault: h.vault,
		Refresher: refresherFunc(func(_ context.Context, _ string, rt string) (oauth.Token, error) {
			h.mu.Lock()
			h.refreshes++
			h.mu.Unlock()
			return h.refresh(rt)
		}),
		Upstream:   h.upstream,
		Notifier:   h.notifier,
		Schedule:   DefaultSchedule,
		Clock:      h.clock,
		OnTerminal: func(s *Session) { h.terminal <- s },
	})
	t.Cleanup(s.Stop)
	return s
}

func (h *harness) refreshCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshes
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// advance waits for the scheduler to start its timer and then fires it.
func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("scheduler never waited: %v", err)
	}
	h.clock.Advance(d)
}

var errDial = errors.New("dial tcp: connection refused")
