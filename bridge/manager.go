// Package bridge keeps one chat session per room and platform and ties their
// output to the room's subscribers.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/tvyt/backend/chat"
	"github.com/onnwee/tvyt/backend/crypto"
	"github.com/onnwee/tvyt/backend/push"
	"github.com/onnwee/tvyt/backend/telemetry"
)

var (
	// ErrRoomNotFound means no user owns the room id.
	ErrRoomNotFound = errors.New("room not found")
	// ErrPlatformDisabled means no upstream is configured for the platform.
	ErrPlatformDisabled = errors.New("platform not enabled")
)

// RoomStore is the token store plus the room slug lookup.
type RoomStore interface {
	chat.TokenStore
	GetUserForRoomID(ctx context.Context, roomID string) (string, error)
}

// Options configures a Manager.
type Options struct {
	Store     RoomStore
	Vault     crypto.Encryptor
	Refresher chat.TokenRefresher
	// Upstreams are tried in this order by StartBridgeForRoom.
	Upstreams []chat.Upstream
	Publisher push.Publisher
	Schedule  chat.RetrySchedule
	Clock     clockwork.Clock
}

type roomEntry struct {
	owner    string
	sessions map[chat.Platform]*chat.Session
}

// Manager is the registry of live sessions, keyed by room then platform.
// At most one session exists per key.
type Manager struct {
	ctx       context.Context
	opts      Options
	upstreams map[chat.Platform]chat.Upstream
	order     []chat.Platform
	log       *slog.Logger

	// Separate groups so a room id can never collide with a session key.
	owners   singleflight.Group
	sessions singleflight.Group

	mu    sync.Mutex
	rooms map[string]*roomEntry
}

// NewManager builds a Manager. Sessions live until ctx is cancelled, their
// room is torn down or they fail.
func NewManager(ctx context.Context, opts Options) *Manager {
	m := &Manager{
		ctx:       ctx,
		opts:      opts,
		upstreams: make(map[chat.Platform]chat.Upstream, len(opts.Upstreams)),
		log:       slog.Default().With(slog.String("component", "bridge")),
		rooms:     make(map[string]*roomEntry),
	}
	for _, u := range opts.Upstreams {
		if _, dup := m.upstreams[u.Platform()]; dup {
			continue
		}
		m.upstreams[u.Platform()] = u
		m.order = append(m.order, u.Platform())
	}
	return m
}

// Platforms returns the enabled platforms in start order.
func (m *Manager) Platforms() []chat.Platform {
	return append([]chat.Platform(nil), m.order...)
}

func (m *Manager) lookup(roomID string, p chat.Platform) *chat.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.rooms[roomID]; ok {
		return e.sessions[p]
	}
	return nil
}

// owner resolves the room's user once per room.
func (m *Manager) owner(ctx context.Context, roomID string) (string, error) {
	m.mu.Lock()
	if e, ok := m.rooms[roomID]; ok && e.owner != "" {
		m.mu.Unlock()
		return e.owner, nil
	}
	m.mu.Unlock()

	v, err, _ := m.owners.Do(roomID, func() (any, error) {
		user, err := m.opts.Store.GetUserForRoomID(ctx, roomID)
		if err != nil {
			return "", err
		}
		if user == "" {
			return "", fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
		}
		return user, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Ensure returns the session for roomID and p, creating and starting it if
// none is registered. Concurrent callers for one key share a single creation
// and a single upstream connection. The returned session may already be
// Failed, in which case it is no longer registered.
func (m *Manager) Ensure(ctx context.Context, roomID string, p chat.Platform) (*chat.Session, error) {
	if s := m.lookup(roomID, p); s != nil {
		return s, nil
	}
	up, ok := m.upstreams[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlatformDisabled, p)
	}

	v, err, shared := m.sessions.Do(roomID+"\x00"+string(p), func() (any, error) {
		if s := m.lookup(roomID, p); s != nil {
			return s, nil
		}
		owner, err := m.owner(ctx, roomID)
		if err != nil {
			return nil, err
		}
		s := chat.NewSession(m.ctx, roomID, owner, chat.SessionDeps{
			Store:      m.opts.Store,
			Vault:      m.opts.Vault,
			Refresher:  m.opts.Refresher,
			Upstream:   up,
			Notifier:   NewBroadcaster(roomID, m.opts.Publisher),
			Schedule:   m.opts.Schedule,
			Clock:      m.opts.Clock,
			OnTerminal: m.remove,
		})
		m.register(roomID, owner, s)
		m.log.Info("session created", slog.String("room", roomID), slog.String("platform", string(p)))
		s.Start(ctx)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.log.Debug("joined in-flight session creation", slog.String("room", roomID), slog.String("platform", string(p)))
	}
	return v.(*chat.Session), nil
}

func (m *Manager) register(roomID, owner string, s *chat.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rooms[roomID]
	if !ok {
		e = &roomEntry{sessions: make(map[chat.Platform]*chat.Session)}
		m.rooms[roomID] = e
	}
	e.owner = owner
	e.sessions[s.Platform()] = s
}

// remove drops a terminal session if it is still the registered one, and the
// room with it once no sessions remain.
func (m *Manager) remove(s *chat.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rooms[s.RoomID()]
	if !ok || e.sessions[s.Platform()] != s {
		return
	}
	delete(e.sessions, s.Platform())
	if len(e.sessions) == 0 {
		delete(m.rooms, s.RoomID())
	}
	m.log.Info("failed session removed", slog.String("room", s.RoomID()), slog.String("platform", string(s.Platform())))
}

// Report is the outcome of StartBridgeForRoom.
type Report struct {
	RoomID    string                        `json:"roomId"`
	Status    string                        `json:"status"`
	Code      int                           `json:"code"`
	Platforms map[chat.Platform]chat.Result `json:"platforms"`
}

// StartBridgeForRoom ensures a session for every enabled platform. The
// aggregate code is 200 when any platform is live or connecting, 503 when
// any is reconnecting, and otherwise the first platform's failure code.
// Calling it again for a running room only reports.
func (m *Manager) StartBridgeForRoom(ctx context.Context, roomID string) (Report, error) {
	ctx, span := telemetry.StartSpan(ctx, "chat-bridge", "bridge.start", telemetry.RoomAttr(roomID))
	defer span.End()

	rep := Report{RoomID: roomID, Platforms: make(map[chat.Platform]chat.Result, len(m.order))}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, p := range m.order {
		wg.Add(1)
		go func(p chat.Platform) {
			defer wg.Done()
			s, err := m.Ensure(ctx, roomID, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			rep.Platforms[p] = s.Result()
		}(p)
	}
	wg.Wait()
	if firstErr != nil {
		telemetry.RecordError(span, firstErr)
		return Report{}, firstErr
	}

	rep.Code = aggregate(m.order, rep.Platforms)
	rep.Status = "error"
	if rep.Code < http.StatusBadRequest {
		rep.Status = "ok"
	}
	telemetry.LoggerWithCorr(ctx).Info("bridge started",
		slog.String("component", "bridge"), slog.String("room", roomID), slog.Int("code", rep.Code))
	telemetry.SetSpanSuccess(span)
	return rep, nil
}

func aggregate(order []chat.Platform, results map[chat.Platform]chat.Result) int {
	code := 0
	retrying := false
	for _, p := range order {
		r, ok := results[p]
		if !ok {
			continue
		}
		switch r.Status {
		case chat.Live, chat.Connecting:
			return http.StatusOK
		case chat.Retrying:
			retrying = true
		case chat.Failed:
			if code == 0 {
				code = r.Code
			}
		}
	}
	if retrying {
		return http.StatusServiceUnavailable
	}
	if code == 0 {
		code = http.StatusServiceUnavailable
	}
	return code
}

// StopBridgeForRoom stops every session of the room.
func (m *Manager) StopBridgeForRoom(roomID string) { m.Teardown(roomID) }

// Teardown removes the room and stops its sessions, cancelling pending
// reconnects and closing upstream connections. Unknown rooms are ignored.
func (m *Manager) Teardown(roomID string) {
	m.mu.Lock()
	e, ok := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, s := range e.sessions {
		s.Stop()
	}
	m.log.Info("room torn down", slog.String("room", roomID), slog.Int("sessions", len(e.sessions)))
}

// Close tears down every room.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Teardown(id)
	}
}

// RoomStatus is one room in a Snapshot.
type RoomStatus struct {
	RoomID    string                        `json:"roomId"`
	Owner     string                        `json:"owner"`
	Platforms map[chat.Platform]chat.Result `json:"platforms"`
}

// Snapshot lists the registered rooms sorted by id.
func (m *Manager) Snapshot() []RoomStatus {
	m.mu.Lock()
	out := make([]RoomStatus, 0, len(m.rooms))
	sessions := make([][]*chat.Session, 0, len(m.rooms))
	for id, e := range m.rooms {
		out = append(out, RoomStatus{RoomID: id, Owner: e.owner, Platforms: map[chat.Platform]chat.Result{}})
		ss := make([]*chat.Session, 0, len(e.sessions))
		for _, s := range e.sessions {
			ss = append(ss, s)
		}
		sessions = append(sessions, ss)
	}
	m.mu.Unlock()

	for i := range out {
		for _, s := range sessions[i] {
			out[i].Platforms[s.Platform()] = s.Result()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}
