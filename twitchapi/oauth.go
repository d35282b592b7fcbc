package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/tvyt/backend/oauth"
)

const defaultTokenURL = "https://id.twitch.tv/oauth2/token"

// RefreshResult represents the response from a refresh_token grant.
type RefreshResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// TokenClient talks to the Twitch identity token endpoint.
type TokenClient struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // defaults to https://id.twitch.tv/oauth2/token
	HTTPClient   *http.Client
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// RefreshToken exchanges a refresh token for a new access token.
func (c *TokenClient) RefreshToken(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if c.ClientID == "" || c.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	tokenURL := c.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("twitch refresh failed: %s: %s", resp.Status, string(b))
		// A 4xx is Twitch refusing the grant; a 5xx may clear on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			err = fmt.Errorf("%w: %w", oauth.ErrRejected, err)
		}
		return nil, err
	}
	var res RefreshResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RefreshFunc adapts the client to oauth.RefreshFunc. Twitch echoes the
// refresh token on every grant; it is reported as rotated only when it changed.
func (c *TokenClient) RefreshFunc() oauth.RefreshFunc {
	return func(ctx context.Context, refreshToken string) (oauth.Token, error) {
		res, err := c.RefreshToken(ctx, refreshToken)
		if err != nil {
			return oauth.Token{}, err
		}
		tok := oauth.Token{AccessToken: res.AccessToken, Expiry: ComputeExpiry(res.ExpiresIn)}
		if res.RefreshToken != "" && res.RefreshToken != refreshToken {
			tok.RefreshToken = res.RefreshToken
		}
		return tok, nil
	}
}
