package db

import (
	"context"
	"errors"
	"testing"

	"github.com/onnwee/tvyt/backend/chat"
)

func TestColumn(t *testing.T) {
	tests := []struct {
		p       chat.Platform
		refresh bool
		want    string
	}{
		{chat.Twitch, false, "twitch_token"},
		{chat.Twitch, true, "twitch_refresh_token"},
		{chat.YouTube, false, "youtube_token"},
		{chat.YouTube, true, "youtube_refresh_token"},
	}
	for _, tt := range tests {
		got, err := column(tt.p, tt.refresh)
		if err != nil || got != tt.want {
			t.Errorf("column(%s, %v) = %q, %v", tt.p, tt.refresh, got, err)
		}
	}
	if _, err := column("Kick", false); err == nil {
		t.Error("column(Kick) accepted an unknown platform")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := openTestDB(t)
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func TestStoreTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertUser(ctx, "alice", "abc123"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAccessToken(ctx, "alice", chat.Twitch)
	if err != nil || got != "" {
		t.Errorf("unset token = %q, %v", got, err)
	}
	if got, err := s.GetAccessToken(ctx, "nobody", chat.YouTube); err != nil || got != "" {
		t.Errorf("missing user = %q, %v", got, err)
	}

	if err := s.SetAccessToken(ctx, "alice", chat.Twitch, "n:a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRefreshToken(ctx, "alice", chat.Twitch, "n:r"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetAccessToken(ctx, "alice", chat.Twitch); got != "n:a" {
		t.Errorf("access = %q", got)
	}
	if got, _ := s.GetAccessToken(ctx, "alice", chat.YouTube); got != "" {
		t.Errorf("youtube access leaked from twitch: %q", got)
	}

	if err := s.DeleteToken(ctx, "alice", chat.Twitch); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetAccessToken(ctx, "alice", chat.Twitch); got != "" {
		t.Errorf("access after delete = %q", got)
	}
	if got, _ := s.GetRefreshToken(ctx, "alice", chat.Twitch); got != "n:r" {
		t.Errorf("refresh after delete = %q, want kept", got)
	}
}

func TestStoreRooms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertUser(ctx, "bob", "xyz789"); err != nil {
		t.Fatal(err)
	}
	if u, err := s.GetUserForRoomID(ctx, "xyz789"); err != nil || u != "bob" {
		t.Errorf("GetUserForRoomID() = %q, %v", u, err)
	}
	if r, err := s.GetRoomIDForUser(ctx, "bob"); err != nil || r != "xyz789" {
		t.Errorf("GetRoomIDForUser() = %q, %v", r, err)
	}
	if u, err := s.GetUserForRoomID(ctx, "unknown"); err != nil || u != "" {
		t.Errorf("unknown room = %q, %v", u, err)
	}
	if err := s.UpsertUser(ctx, "carol", "xyz789"); !errors.Is(err, chat.ErrStore) {
		t.Errorf("duplicate chat_id error = %v, want StoreError", err)
	}
}

func TestListUserTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.UpsertUser(ctx, "b", "room-b")
	_ = s.UpsertUser(ctx, "a", "room-a")
	if err := s.SetToken(ctx, "a", TokenField{chat.YouTube, true}, "yt-refresh"); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListUserTokens(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Username != "a" {
		t.Fatalf("ListUserTokens() = %+v", all)
	}
	if len(all[0].Tokens) != 1 || all[0].Tokens[TokenField{chat.YouTube, true}] != "yt-refresh" {
		t.Errorf("tokens = %+v", all[0].Tokens)
	}
	one, err := s.ListUserTokens(ctx, "b")
	if err != nil || len(one) != 1 || len(one[0].Tokens) != 0 {
		t.Errorf("ListUserTokens(b) = %+v, %v", one, err)
	}
}
