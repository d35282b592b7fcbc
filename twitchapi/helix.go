// Package twitchapi contains minimal helpers for the Twitch Helix and identity
// APIs: resolving the user a token belongs to and refreshing user tokens.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const defaultHelixURL = "https://api.twitch.tv/helix"

// ErrUnauthorized is returned when Helix rejects the access token (HTTP 401).
var ErrUnauthorized = errors.New("twitch: access token rejected")

// StatusError carries a non-2xx Helix response other than 401.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("twitch helix: unexpected status %d: %s", e.StatusCode, e.Body)
}

// User is the subset of a Helix user object the bridge needs.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// HelixClient issues user-token authenticated Helix calls.
type HelixClient struct {
	ClientID   string
	BaseURL    string // defaults to https://api.twitch.tv/helix
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return defaultHelixURL
}

// GetAuthenticatedUser returns the user that owns accessToken. A rejected
// token yields ErrUnauthorized so callers can decide to refresh.
func (hc *HelixClient) GetAuthenticatedUser(ctx context.Context, accessToken string) (User, error) {
	if accessToken == "" {
		return User{}, fmt.Errorf("access token empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL()+"/users", nil)
	if err != nil {
		return User{}, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := hc.http().Do(req)
	if err != nil {
		return User{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return User{}, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return User{}, &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return User{}, fmt.Errorf("decode helix users: %w", err)
	}
	if len(body.Data) == 0 {
		return User{}, fmt.Errorf("user not found")
	}
	return body.Data[0], nil
}
