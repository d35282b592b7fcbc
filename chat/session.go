package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/tvyt/backend/crypto"
	"github.com/onnwee/tvyt/backend/oauth"
	"github.com/onnwee/tvyt/backend/telemetry"
)

const tracerName = "chat-bridge"

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, platform, refreshToken string) (oauth.Token, error)
}

// SessionDeps are the collaborators of a Session.
type SessionDeps struct {
	Store     TokenStore
	Vault     crypto.Encryptor
	Refresher TokenRefresher
	Upstream  Upstream
	Notifier  Notifier
	Schedule  RetrySchedule
	Clock     clockwork.Clock
	// OnTerminal is called once, after the Failed event has been sent.
	OnTerminal func(*Session)
}

// Session is the bridge to one platform's chat for one room.
type Session struct {
	roomID   string
	owner    string
	platform Platform
	deps     SessionDeps
	sched    *Scheduler
	log      *slog.Logger

	// ctx bounds the upstream connection and every attempt; Stop cancels it.
	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool

	mu            sync.Mutex
	status        Status
	code          int
	message       string
	retryCount    int
	storeFailures int // consecutive attempts that failed in the token store
	conn          Conn
}

// NewSession builds an Idle session for roomID whose tokens belong to owner.
// parent bounds the session's lifetime; it should outlive any single request.
func NewSession(parent context.Context, roomID, owner string, deps SessionDeps) *Session {
	ctx, cancel := context.WithCancel(parent)
	p := deps.Upstream.Platform()
	return &Session{
		roomID:   roomID,
		owner:    owner,
		platform: p,
		deps:     deps,
		sched:    NewScheduler(deps.Schedule, deps.Clock),
		log:      slog.Default().With(slog.String("component", "chat"), slog.String("room", roomID), slog.String("platform", string(p))),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Session) RoomID() string     { return s.roomID }
func (s *Session) Platform() Platform { return s.platform }

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RetryCount is the number of the reconnect attempt in progress, 0 while Live.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// Result reports the current state with the code subscribers would see.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultLocked()
}

func (s *Session) resultLocked() Result {
	switch s.status {
	case Live:
		return Result{Status: Live, Code: http.StatusOK, Message: fmt.Sprintf("%s chat started", s.platform)}
	case Connecting:
		return Result{Status: Connecting, Code: http.StatusAccepted, Message: fmt.Sprintf("%s chat connecting", s.platform)}
	case Retrying:
		return Result{Status: Retrying, Code: http.StatusServiceUnavailable, Message: fmt.Sprintf("%s chat reconnecting", s.platform)}
	case Failed:
		return Result{Status: Failed, Code: s.code, Message: s.message}
	default:
		return Result{Status: s.status}
	}
}

// Start runs the first connection attempt and reports its outcome. On any
// state other than Idle it only reports the current state, so at most one
// upstream connection is ever opened by a session.
func (s *Session) Start(ctx context.Context) Result {
	s.mu.Lock()
	if s.status != Idle || s.stopped.Load() {
		r := s.resultLocked()
		s.mu.Unlock()
		return r
	}
	s.setStatusLocked(Connecting)
	s.mu.Unlock()

	// Attempts run on the session context so a caller going away does not
	// abort a connection other subscribers are waiting on.
	actx := telemetry.WithCorrelation(s.ctx, telemetry.GetCorrelation(ctx))
	actx = trace.ContextWithSpan(actx, trace.SpanFromContext(ctx))
	if err := s.attempt(actx); err != nil {
		s.handleFailure(err)
	}
	return s.Result()
}

// Stop cancels any pending retry or attempt and closes the upstream
// connection. It is idempotent; a stopped session never reconnects.
func (s *Session) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.status != Failed {
		s.setStatusLocked(Idle)
	}
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Warn("closing upstream connection", slog.Any("err", err))
		}
	}
	s.log.Info("session stopped")
}

func (s *Session) alive() bool { return !s.stopped.Load() }

// setStatusLocked records a transition. Callers hold s.mu.
func (s *Session) setStatusLocked(next Status) {
	prev := s.status
	if prev == next {
		return
	}
	s.status = next
	if prev == Live {
		telemetry.AddLiveSessions(string(s.platform), -1)
	}
	if next == Live {
		telemetry.AddLiveSessions(string(s.platform), 1)
	}
	telemetry.RecordTransition(string(s.platform), next.String())
	s.log.Info("session transition", slog.String("from", prev.String()), slog.String("status", next.String()), slog.Int("retry", s.retryCount))
}

// attempt is one pass through the connect path. Plaintext tokens never leave
// this call.
func (s *Session) attempt(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.attempt",
		telemetry.RoomAttr(s.roomID), telemetry.PlatformAttr(string(s.platform)))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()

	sealed, err := s.deps.Store.GetAccessToken(ctx, s.owner, s.platform)
	if err != nil {
		return err
	}
	if sealed == "" {
		return &SessionError{Code: http.StatusNotFound, Message: fmt.Sprintf("User has no %s token", s.platform), Err: ErrNoToken}
	}
	token, err := s.deps.Vault.Decrypt(sealed)
	if err != nil {
		s.dropToken(ctx)
		return &SessionError{Code: http.StatusUnauthorized, Message: fmt.Sprintf("Stored %s token is invalid", s.platform), Err: err}
	}

	id, err := s.deps.Upstream.Probe(ctx, token)
	if errors.Is(err, ErrUnauthorized) {
		s.log.Info("access token rejected; refreshing")
		if token, err = s.refresh(ctx); err != nil {
			return err
		}
		id, err = s.deps.Upstream.Probe(ctx, token)
		if errors.Is(err, ErrUnauthorized) {
			s.dropToken(ctx)
			return &SessionError{Code: http.StatusUnauthorized, Message: fmt.Sprintf("%s rejected the refreshed token", s.platform), Err: err}
		}
	}
	if err != nil {
		return err
	}

	conn, err := s.deps.Upstream.Open(s.ctx, id, token, s.emit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrStopped
	}
	s.conn = conn
	s.retryCount = 0
	s.storeFailures = 0
	s.setStatusLocked(Live)
	s.mu.Unlock()

	s.deps.Notifier.Success(s.platform, fmt.Sprintf("%s chat started", s.platform), http.StatusOK)
	go s.watch(conn)
	return nil
}

// refresh swaps the stored refresh token for a new access token and persists
// the re-sealed result. A refresh the provider refuses drops the stored access
// token; transport failures leave it for the next attempt.
func (s *Session) refresh(ctx context.Context) (string, error) {
	sealedRT, err := s.deps.Store.GetRefreshToken(ctx, s.owner, s.platform)
	if err != nil {
		return "", err
	}
	if sealedRT == "" {
		s.dropToken(ctx)
		return "", &SessionError{Code: http.StatusUnauthorized, Message: "Refresh token not found", Err: ErrUnauthorized}
	}
	rt, err := s.deps.Vault.Decrypt(sealedRT)
	if err != nil {
		s.dropToken(ctx)
		return "", &SessionError{Code: http.StatusUnauthorized, Message: "Failed to refresh token", Err: err}
	}
	tok, err := s.deps.Refresher.Refresh(ctx, string(s.platform), rt)
	if err != nil {
		// The stored credential is only dropped when the provider refused it.
		if !errors.Is(err, oauth.ErrRefresh) {
			return "", ConnectError(s.platform, err)
		}
		s.dropToken(ctx)
		return "", &SessionError{Code: http.StatusUnauthorized, Message: "Failed to refresh token", Err: err}
	}

	sealed, err := s.deps.Vault.Encrypt(tok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("seal refreshed token: %w", err)
	}
	if err := s.deps.Store.SetAccessToken(ctx, s.owner, s.platform, sealed); err != nil {
		return "", err
	}
	if tok.RefreshToken != "" {
		sealedRT, err := s.deps.Vault.Encrypt(tok.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("seal rotated refresh token: %w", err)
		}
		if err := s.deps.Store.SetRefreshToken(ctx, s.owner, s.platform, sealedRT); err != nil {
			return "", err
		}
	}
	s.log.Info("access token refreshed and stored", slog.Bool("rotated", tok.RefreshToken != ""))
	return tok.AccessToken, nil
}

func (s *Session) dropToken(ctx context.Context) {
	if err := s.deps.Store.DeleteToken(ctx, s.owner, s.platform); err != nil {
		s.log.Error("failed to delete stale token", slog.Any("err", err))
		return
	}
	s.log.Warn("stale token deleted; user must re-authenticate")
}

func (s *Session) emit(ev ChatEvent) {
	if s.stopped.Load() {
		return
	}
	telemetry.RecordChatEvent(string(s.platform))
	s.deps.Notifier.Chat(ev)
}

// watch waits for conn to end and hands the session to the scheduler.
func (s *Session) watch(conn Conn) {
	err := <-conn.Done()
	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
	}
	s.mu.Unlock()
	if !current || s.stopped.Load() {
		return
	}
	if err == nil {
		err = ProtocolError(s.platform, errors.New("connection closed by upstream"))
	}
	s.log.Warn("upstream connection lost", slog.Any("err", err))
	s.handleFailure(err)
}

func (s *Session) handleFailure(err error) {
	if s.stopped.Load() || errors.Is(err, ErrStopped) {
		return
	}
	err = s.noteStore(err)
	if Classify(err) == Terminal {
		s.fail(err)
		return
	}
	s.mu.Lock()
	s.setStatusLocked(Retrying)
	s.mu.Unlock()
	s.log.Warn("recoverable failure; scheduling reconnect", slog.Any("err", err))
	go s.reconnect()
}

// reconnect drives the scheduler until the session is Live again or gives up.
func (s *Session) reconnect() {
	err := s.sched.Run(s.ctx, func(ctx context.Context) error {
		s.mu.Lock()
		s.setStatusLocked(Connecting)
		s.mu.Unlock()
		err := s.noteStore(s.attempt(ctx))
		if err != nil && Classify(err) == Recoverable && s.alive() {
			s.mu.Lock()
			s.setStatusLocked(Retrying)
			s.mu.Unlock()
			s.log.Warn("reconnect attempt failed", slog.Any("err", err))
		}
		return err
	}, s.alive, func(n int) {
		s.mu.Lock()
		s.retryCount = n
		s.mu.Unlock()
		telemetry.RecordReconnect(string(s.platform))
		s.log.Info("reconnect attempt", slog.Int("attempt", n), slog.Int("of", s.sched.Len()))
	})

	switch {
	case err == nil, errors.Is(err, ErrStopped):
	case errors.Is(err, ErrScheduleExhausted):
		s.fail(&SessionError{
			Code:    http.StatusServiceUnavailable,
			Message: fmt.Sprintf("%s chat unavailable after %d reconnect attempts", s.platform, s.sched.Len()),
			Err:     err,
		})
	default:
		s.fail(err)
	}
}

// noteStore lets one token store failure through as recoverable. A second in
// a row becomes ErrStoreUnavailable. Any other outcome resets the count.
func (s *Session) noteStore(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !errors.Is(err, ErrStore) {
		s.storeFailures = 0
		return err
	}
	s.storeFailures++
	if s.storeFailures < 2 {
		return err
	}
	return &SessionError{
		Code:    http.StatusServiceUnavailable,
		Message: fmt.Sprintf("%s chat unavailable: token store is down", s.platform),
		Err:     fmt.Errorf("%w: %w", ErrStoreUnavailable, err),
	}
}

// fail moves the session to Failed, emits the single error event and tells
// the owner. Later calls are ignored.
func (s *Session) fail(err error) {
	code, msg := http.StatusInternalServerError, fmt.Sprintf("%s chat failed", s.platform)
	var se *SessionError
	if errors.As(err, &se) {
		code, msg = se.Code, se.Message
	} else if Classify(err) == Terminal {
		code = http.StatusUnauthorized
	}

	s.mu.Lock()
	if s.status == Failed || s.stopped.Load() {
		s.mu.Unlock()
		return
	}
	s.code, s.message = code, msg
	s.setStatusLocked(Failed)
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.log.Error("session failed", slog.Int("code", code), slog.Any("err", err))
	s.deps.Notifier.Error(s.platform, msg, code)
	s.cancel()
	if s.deps.OnTerminal != nil {
		s.deps.OnTerminal(s)
	}
}
