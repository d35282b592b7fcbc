// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data API
// for reading live chat: identity probing, active broadcast lookup, chat message
// polling and refresh-token exchange.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/tvyt/backend/config"
	"github.com/onnwee/tvyt/backend/oauth"
)

var (
	// ErrUnauthorized is returned when the API rejects the access token.
	ErrUnauthorized = errors.New("youtube: access token rejected")
	// ErrNoActiveBroadcast means the channel is not live right now.
	ErrNoActiveBroadcast = errors.New("youtube: no active broadcast")
)

type Service struct {
	oauth *oauth2.Config

	// Endpoint overrides the Data API base URL.
	Endpoint string
	// HTTPClient is the transport beneath the OAuth2 layer.
	HTTPClient *http.Client
}

func New(cfg *config.Config) *Service {
	return &Service{oauth: &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{yt.YoutubeReadonlyScope},
	}}
}

// SetTokenURL points refresh grants at a different token endpoint.
func (s *Service) SetTokenURL(u string) { s.oauth.Endpoint.TokenURL = u }

func (s *Service) withHTTPClient(ctx context.Context) context.Context {
	if s.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, s.HTTPClient)
	}
	return ctx
}

// RefreshFunc exchanges a refresh token at Google's token endpoint. Google
// omits refresh_token when it is not rotated; the oauth2 package then copies
// the old one forward, so rotation is detected by comparison.
func (s *Service) RefreshFunc() oauth.RefreshFunc {
	return func(ctx context.Context, refreshToken string) (oauth.Token, error) {
		ts := s.oauth.TokenSource(s.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
		newTok, err := ts.Token()
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
				return oauth.Token{}, fmt.Errorf("%w: %w", oauth.ErrRejected, err)
			}
			return oauth.Token{}, err
		}
		tok := oauth.Token{AccessToken: newTok.AccessToken, Expiry: newTok.Expiry}
		if newTok.RefreshToken != "" && newTok.RefreshToken != refreshToken {
			tok.RefreshToken = newTok.RefreshToken
		}
		return tok, nil
	}
}

// Client returns a Data API client authorized with accessToken. The token is
// used as-is; refreshing is the caller's decision.
func (s *Service) Client(ctx context.Context, accessToken string) (*Client, error) {
	hc := oauth2.NewClient(s.withHTTPClient(ctx), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if s.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.Endpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// Client issues Data API calls for one access token.
type Client struct {
	svc *yt.Service
}

// ChannelID returns the channel owned by the token.
func (c *Client) ChannelID(ctx context.Context) (string, error) {
	res, err := c.svc.Channels.List([]string{"id"}).Mine(true).Context(ctx).Do()
	if err != nil {
		return "", mapErr("channels.list", err)
	}
	if len(res.Items) == 0 {
		return "", fmt.Errorf("youtube channels.list: no channel for token")
	}
	return res.Items[0].Id, nil
}

// ActiveLiveChatID returns the live chat id of the token owner's active broadcast.
func (c *Client) ActiveLiveChatID(ctx context.Context) (string, error) {
	res, err := c.svc.LiveBroadcasts.List([]string{"snippet"}).
		BroadcastStatus("active").
		BroadcastType("all").
		Context(ctx).Do()
	if err != nil {
		return "", mapErr("liveBroadcasts.list", err)
	}
	for _, b := range res.Items {
		if b.Snippet != nil && b.Snippet.LiveChatId != "" {
			return b.Snippet.LiveChatId, nil
		}
	}
	return "", ErrNoActiveBroadcast
}

// Message is one text chat message.
type Message struct {
	ID        string
	Author    string
	Text      string
	Published time.Time
	Owner     bool
	Moderator bool
	Sponsor   bool
}

// ChatPage is one liveChatMessages.list response.
type ChatPage struct {
	Messages      []Message
	NextPageToken string
	PollInterval  time.Duration
	// Offline is set once the chat has ended.
	Offline bool
}

// ChatMessages fetches the page after pageToken (empty for the first page).
func (c *Client) ChatMessages(ctx context.Context, liveChatID, pageToken string) (*ChatPage, error) {
	call := c.svc.LiveChatMessages.List(liveChatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return nil, mapErr("liveChatMessages.list", err)
	}
	page := &ChatPage{
		NextPageToken: res.NextPageToken,
		PollInterval:  time.Duration(res.PollingIntervalMillis) * time.Millisecond,
		Offline:       res.OfflineAt != "",
	}
	for _, item := range res.Items {
		if m, ok := toMessage(item); ok {
			page.Messages = append(page.Messages, m)
		}
	}
	return page, nil
}

func toMessage(item *yt.LiveChatMessage) (Message, bool) {
	if item == nil || item.Snippet == nil || item.Snippet.DisplayMessage == "" {
		return Message{}, false
	}
	m := Message{ID: item.Id, Text: item.Snippet.DisplayMessage}
	if ts, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
		m.Published = ts
	}
	if a := item.AuthorDetails; a != nil {
		m.Author = a.DisplayName
		m.Owner = a.IsChatOwner
		m.Moderator = a.IsChatModerator
		m.Sponsor = a.IsChatSponsor
	}
	return m, true
}

func mapErr(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized {
		return fmt.Errorf("youtube %s: %w", op, ErrUnauthorized)
	}
	return fmt.Errorf("youtube %s: %w", op, err)
}
