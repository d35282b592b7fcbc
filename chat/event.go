package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Platform is a chat source. The string value is the wire name sent to subscribers.
type Platform string

const (
	Twitch  Platform = "Twitch"
	YouTube Platform = "YouTube"
)

// ParsePlatform accepts a platform name in any case.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "twitch":
		return Twitch, nil
	case "youtube":
		return YouTube, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// BadgeSet holds the roles a chatter has in the channel.
type BadgeSet uint8

const (
	BadgeBroadcaster BadgeSet = 1 << iota
	BadgeModerator
	BadgeSubscriber
)

// Has reports whether every badge in x is set.
func (b BadgeSet) Has(x BadgeSet) bool { return b&x == x }

// Names returns the set badges in a fixed order.
func (b BadgeSet) Names() []string {
	var out []string
	if b.Has(BadgeBroadcaster) {
		out = append(out, "broadcaster")
	}
	if b.Has(BadgeModerator) {
		out = append(out, "moderator")
	}
	if b.Has(BadgeSubscriber) {
		out = append(out, "subscriber")
	}
	return out
}

// ChatEvent is one chat message, normalized across platforms.
type ChatEvent struct {
	Platform  Platform
	Username  string
	Badges    BadgeSet
	Text      string
	Timestamp time.Time
}

// Status is the state of a Session.
type Status int

const (
	Idle Status = iota
	Connecting
	Live
	Retrying
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Live:
		return "Live"
	case Retrying:
		return "Retrying"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText accepts the names MarshalText produces.
func (s *Status) UnmarshalText(b []byte) error {
	for st := Idle; st <= Failed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", b)
}

// Result is what Start and Snapshot report to callers.
type Result struct {
	Status  Status `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Identity is the account an access token belongs to.
type Identity struct {
	ID    string
	Login string
}

// Upstream connects to one platform.
type Upstream interface {
	Platform() Platform
	// Probe resolves the token owner. A rejected token yields an error
	// matching ErrUnauthorized.
	Probe(ctx context.Context, accessToken string) (Identity, error)
	// Open starts receiving chat for id and returns once the connection is up.
	// emit is called once per inbound message until the Conn is closed.
	Open(ctx context.Context, id Identity, accessToken string, emit func(ChatEvent)) (Conn, error)
}

// Conn is an open upstream connection.
type Conn interface {
	// Done yields once when the connection ends for any reason other than Close.
	Done() <-chan error
	Close() error
}

// TokenStore reads and writes sealed tokens keyed by username and platform.
// A missing token is returned as "" with a nil error.
type TokenStore interface {
	GetAccessToken(ctx context.Context, username string, p Platform) (string, error)
	GetRefreshToken(ctx context.Context, username string, p Platform) (string, error)
	SetAccessToken(ctx context.Context, username string, p Platform, sealed string) error
	SetRefreshToken(ctx context.Context, username string, p Platform, sealed string) error
	DeleteToken(ctx context.Context, username string, p Platform) error
}

// Notifier receives a session's output.
type Notifier interface {
	Chat(ev ChatEvent)
	Error(p Platform, message string, code int)
	Success(p Platform, message string, code int)
}
