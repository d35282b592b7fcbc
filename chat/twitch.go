package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/tvyt/backend/twitchapi"
)

// TwitchUpstream probes tokens against Helix and reads chat over IRC.
type TwitchUpstream struct {
	Helix *twitchapi.HelixClient
	// IrcAddress overrides the IRC server; empty uses the library default.
	IrcAddress     string
	ConnectTimeout time.Duration
}

func (t *TwitchUpstream) Platform() Platform { return Twitch }

// Probe resolves the token owner; the owner's login is also the channel joined.
func (t *TwitchUpstream) Probe(ctx context.Context, accessToken string) (Identity, error) {
	u, err := t.Helix.GetAuthenticatedUser(ctx, accessToken)
	if errors.Is(err, twitchapi.ErrUnauthorized) {
		return Identity{}, fmt.Errorf("twitch helix: %w", ErrUnauthorized)
	}
	if err != nil {
		return Identity{}, ConnectError(Twitch, err)
	}
	return Identity{ID: u.ID, Login: u.Login}, nil
}

// Open connects as id.Login and joins its own channel.
func (t *TwitchUpstream) Open(ctx context.Context, id Identity, accessToken string, emit func(ChatEvent)) (Conn, error) {
	client := twitch.NewClient(id.Login, "oauth:"+accessToken)
	if t.IrcAddress != "" {
		client.IrcAddress = t.IrcAddress
	}

	connected := make(chan struct{})
	var once sync.Once
	client.OnConnect(func() { once.Do(func() { close(connected) }) })
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		emit(fromTwitch(msg).event())
	})
	client.Join(id.Login)

	c := &twitchConn{client: client, done: make(chan error, 1)}
	go func() { c.done <- client.Connect() }()

	timeout := t.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-connected:
		slog.Info("twitch irc connected", slog.String("component", "chat"), slog.String("channel", id.Login))
		return c, nil
	case err := <-c.done:
		return nil, ConnectError(Twitch, err)
	case <-timer.C:
		_ = c.Close()
		return nil, ConnectError(Twitch, fmt.Errorf("no welcome from irc after %s", timeout))
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

type twitchConn struct {
	client    *twitch.Client
	done      chan error
	closeOnce sync.Once
}

func (c *twitchConn) Done() <-chan error { return c.done }

func (c *twitchConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.client.Disconnect() })
	if errors.Is(err, twitch.ErrConnectionIsNotOpen) {
		return nil
	}
	return err
}

// twitchMessage is the part of an IRC PRIVMSG the bridge keeps.
type twitchMessage struct {
	DisplayName string
	Text        string
	Time        time.Time
	Broadcaster bool
	Moderator   bool
	Subscriber  bool
}

func fromTwitch(msg twitch.PrivateMessage) twitchMessage {
	name := msg.User.DisplayName
	if name == "" {
		name = msg.User.Name
	}
	b := msg.User.Badges
	return twitchMessage{
		DisplayName: name,
		Text:        msg.Message,
		Time:        msg.Time,
		Broadcaster: b["broadcaster"] > 0,
		Moderator:   b["moderator"] > 0,
		Subscriber:  b["subscriber"] > 0 || b["founder"] > 0,
	}
}

func (m twitchMessage) event() ChatEvent {
	var badges BadgeSet
	if m.Broadcaster {
		badges |= BadgeBroadcaster
	}
	if m.Moderator {
		badges |= BadgeModerator
	}
	if m.Subscriber {
		badges |= BadgeSubscriber
	}
	ts := m.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ChatEvent{Platform: Twitch, Username: m.DisplayName, Badges: badges, Text: m.Text, Timestamp: ts}
}
