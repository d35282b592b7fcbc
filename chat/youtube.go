package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/tvyt/backend/youtubeapi"
)

// pollFloor bounds the poll rate when neither the API nor the caller sets one.
const pollFloor = time.Second

// YouTubeAPI is the part of youtubeapi.Client the adapter uses.
type YouTubeAPI interface {
	ChannelID(ctx context.Context) (string, error)
	ActiveLiveChatID(ctx context.Context) (string, error)
	ChatMessages(ctx context.Context, liveChatID, pageToken string) (*youtubeapi.ChatPage, error)
}

// YouTubeUpstream probes tokens with channels.list and polls the active
// broadcast's live chat.
type YouTubeUpstream struct {
	// NewClient builds an API client for one access token.
	NewClient func(ctx context.Context, accessToken string) (YouTubeAPI, error)
	// MinPollInterval floors the interval the API asks for. Values under one
	// second are raised to one second.
	MinPollInterval time.Duration
	Clock           clockwork.Clock
}

// NewYouTubeUpstream adapts svc.
func NewYouTubeUpstream(svc *youtubeapi.Service, minPoll time.Duration) *YouTubeUpstream {
	return &YouTubeUpstream{
		NewClient: func(ctx context.Context, accessToken string) (YouTubeAPI, error) {
			return svc.Client(ctx, accessToken)
		},
		MinPollInterval: minPoll,
	}
}

func (y *YouTubeUpstream) Platform() Platform { return YouTube }

func (y *YouTubeUpstream) clock() clockwork.Clock {
	if y.Clock != nil {
		return y.Clock
	}
	return clockwork.NewRealClock()
}

func (y *YouTubeUpstream) Probe(ctx context.Context, accessToken string) (Identity, error) {
	api, err := y.NewClient(ctx, accessToken)
	if err != nil {
		return Identity{}, ConnectError(YouTube, err)
	}
	id, err := api.ChannelID(ctx)
	if errors.Is(err, youtubeapi.ErrUnauthorized) {
		return Identity{}, fmt.Errorf("youtube channels: %w", ErrUnauthorized)
	}
	if err != nil {
		return Identity{}, ConnectError(YouTube, err)
	}
	return Identity{ID: id}, nil
}

// Open finds the active broadcast and starts polling its chat. The first page
// only positions the cursor; backlog from before the connection is skipped.
func (y *YouTubeUpstream) Open(ctx context.Context, id Identity, accessToken string, emit func(ChatEvent)) (Conn, error) {
	api, err := y.NewClient(ctx, accessToken)
	if err != nil {
		return nil, ConnectError(YouTube, err)
	}
	chatID, err := api.ActiveLiveChatID(ctx)
	if err != nil {
		return nil, ConnectError(YouTube, err)
	}
	page, err := api.ChatMessages(ctx, chatID, "")
	if err != nil {
		return nil, ConnectError(YouTube, err)
	}
	if page.Offline {
		return nil, ConnectError(YouTube, errors.New("live chat already ended"))
	}

	pctx, cancel := context.WithCancel(ctx)
	c := &youtubeConn{cancel: cancel, done: make(chan error, 1)}
	go c.poll(pctx, y, api, chatID, page, emit)
	slog.Info("youtube live chat polling", slog.String("component", "chat"), slog.String("channel", id.ID))
	return c, nil
}

type youtubeConn struct {
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func (c *youtubeConn) Done() <-chan error { return c.done }

func (c *youtubeConn) Close() error {
	c.once.Do(c.cancel)
	return nil
}

func (c *youtubeConn) poll(ctx context.Context, y *YouTubeUpstream, api YouTubeAPI, chatID string, page *youtubeapi.ChatPage, emit func(ChatEvent)) {
	clock := y.clock()
	for {
		wait := max(page.PollInterval, y.MinPollInterval, pollFloor)
		select {
		case <-ctx.Done():
			return
		case <-clock.After(wait):
		}

		next, err := api.ChatMessages(ctx, chatID, page.NextPageToken)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.done <- ProtocolError(YouTube, err)
			return
		}
		for _, m := range next.Messages {
			emit(fromYouTube(m).event())
		}
		if next.Offline {
			c.done <- ProtocolError(YouTube, errors.New("live chat ended"))
			return
		}
		page = next
	}
}

// youtubeMessage is the part of a liveChatMessage the bridge keeps.
type youtubeMessage struct {
	Author    string
	Text      string
	Published time.Time
	Owner     bool
	Moderator bool
	Sponsor   bool
}

func fromYouTube(m youtubeapi.Message) youtubeMessage {
	return youtubeMessage{
		Author:    m.Author,
		Text:      m.Text,
		Published: m.Published,
		Owner:     m.Owner,
		Moderator: m.Moderator,
		Sponsor:   m.Sponsor,
	}
}

func (m youtubeMessage) event() ChatEvent {
	var badges BadgeSet
	if m.Owner {
		badges |= BadgeBroadcaster
	}
	if m.Moderator {
		badges |= BadgeModerator
	}
	if m.Sponsor {
		badges |= BadgeSubscriber
	}
	ts := m.Published
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ChatEvent{Platform: YouTube, Username: m.Author, Badges: badges, Text: m.Text, Timestamp: ts}
}
