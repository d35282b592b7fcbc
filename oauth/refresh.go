// Package oauth exchanges refresh tokens for new access tokens. Each platform
// registers its own RefreshFunc; the Refresher adds a timeout, logging, metrics
// and the RefreshError wrapping callers rely on. It never retries: retry policy
// belongs to the caller's reconnect logic.
//
// Only a provider's answer can invalidate a credential. A RefreshFunc marks
// such answers with ErrRejected; transport failures and timeouts pass through
// unwrapped so the caller can retry them.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/tvyt/backend/telemetry"
)

const defaultTimeout = 15 * time.Second

// Token is the result of a successful exchange. RefreshToken is set only when
// the provider rotated it.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// RefreshFunc performs the provider-specific refresh_token grant.
type RefreshFunc func(ctx context.Context, refreshToken string) (Token, error)

var (
	// ErrRefresh is the errors.Is target for every *RefreshError.
	ErrRefresh = errors.New("token refresh failed")
	// ErrRejected is wrapped by a RefreshFunc when the provider answered the
	// grant with an error, such as invalid_grant or a revoked client.
	ErrRejected = errors.New("refresh rejected by provider")
)

// RefreshError reports that the provider rejected a refresh, or that no
// refresh can be attempted at all. The session holding the credential cannot recover without the
// user re-authenticating.
type RefreshError struct {
	Platform string
	Reason   string
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("%s token refresh: %s", e.Platform, e.Reason)
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Is(target error) bool { return target == ErrRefresh }

// Refresher dispatches refresh requests to the registered platform functions.
type Refresher struct {
	Timeout time.Duration

	mu    sync.RWMutex
	funcs map[string]RefreshFunc
}

// NewRefresher returns an empty Refresher.
func NewRefresher() *Refresher {
	return &Refresher{funcs: make(map[string]RefreshFunc)}
}

// Register installs fn for platform, replacing any previous function.
func (r *Refresher) Register(platform string, fn RefreshFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[platform] = fn
}

// Refresh exchanges refreshToken for a new access token.
func (r *Refresher) Refresh(ctx context.Context, platform, refreshToken string) (Token, error) {
	r.mu.RLock()
	fn, ok := r.funcs[platform]
	r.mu.RUnlock()
	if !ok {
		return Token{}, &RefreshError{Platform: platform, Reason: "no refresher registered"}
	}
	if refreshToken == "" {
		return Token{}, &RefreshError{Platform: platform, Reason: "refresh token is empty"}
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx2, cancel := context.WithTimeout(ctx, timeout)
	tok, err := fn(ctx2, refreshToken)
	cancel()
	if err != nil {
		telemetry.RecordTokenRefresh(platform, false)
		slog.Warn("token refresh failed", slog.String("component", "oauth"), slog.String("platform", platform), slog.Any("err", err))
		var re *RefreshError
		if errors.As(err, &re) {
			return Token{}, re
		}
		if errors.Is(err, ErrRejected) {
			return Token{}, &RefreshError{Platform: platform, Reason: err.Error(), Err: err}
		}
		return Token{}, fmt.Errorf("%s token refresh: %w", platform, err)
	}
	if tok.AccessToken == "" {
		telemetry.RecordTokenRefresh(platform, false)
		return Token{}, &RefreshError{Platform: platform, Reason: "empty access_token in response"}
	}
	telemetry.RecordTokenRefresh(platform, true)
	slog.Info("token refreshed", slog.String("component", "oauth"), slog.String("platform", platform), slog.Bool("rotated", tok.RefreshToken != ""))
	return tok, nil
}
