package testutil

import (
	"context"
	"sync"

	"github.com/onnwee/tvyt/backend/chat"
)

// FakeConn is a chat.Conn whose end is triggered by the test.
type FakeConn struct {
	done   chan error
	closed chan struct{}
	once   sync.Once
}

func NewFakeConn() *FakeConn {
	return &FakeConn{done: make(chan error, 1), closed: make(chan struct{})}
}

func (c *FakeConn) Done() <-chan error { return c.done }

func (c *FakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Drop ends the connection as if the platform hung up.
func (c *FakeConn) Drop(err error) { c.done <- err }

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// FakeUpstream accepts the tokens it was built with and counts connections.
type FakeUpstream struct {
	platform chat.Platform

	mu    sync.Mutex
	valid map[string]bool
	opens int
	conns []*FakeConn
	emits []func(chat.ChatEvent)
	// OpenErr, when set, fails every Open.
	OpenErr error
	// Gate, when set, is received from before Open returns.
	Gate chan struct{}
}

func NewFakeUpstream(p chat.Platform, valid ...string) *FakeUpstream {
	u := &FakeUpstream{platform: p, valid: make(map[string]bool)}
	for _, v := range valid {
		u.valid[v] = true
	}
	return u
}

func (u *FakeUpstream) Platform() chat.Platform { return u.platform }

func (u *FakeUpstream) Probe(_ context.Context, token string) (chat.Identity, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.valid[token] {
		return chat.Identity{}, chat.ErrUnauthorized
	}
	return chat.Identity{ID: "1", Login: "streamer"}, nil
}

func (u *FakeUpstream) Open(ctx context.Context, _ chat.Identity, _ string, emit func(chat.ChatEvent)) (chat.Conn, error) {
	u.mu.Lock()
	u.opens++
	gate, openErr := u.Gate, u.OpenErr
	u.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, chat.ConnectError(u.platform, openErr)
	}
	c := NewFakeConn()
	u.mu.Lock()
	u.conns = append(u.conns, c)
	u.emits = append(u.emits, emit)
	u.mu.Unlock()
	return c, nil
}

// Opens returns how many connections were attempted.
func (u *FakeUpstream) Opens() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.opens
}

// Conn returns the i-th successful connection.
func (u *FakeUpstream) Conn(i int) *FakeConn {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conns[i]
}

// Emit delivers ev through the most recent connection.
func (u *FakeUpstream) Emit(ev chat.ChatEvent) {
	u.mu.Lock()
	emit := u.emits[len(u.emits)-1]
	u.mu.Unlock()
	emit(ev)
}
