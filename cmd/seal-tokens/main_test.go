package main

import (
	"context"
	"errors"
	"testing"

	"github.com/onnwee/tvyt/backend/chat"
	"github.com/onnwee/tvyt/backend/crypto"
	"github.com/onnwee/tvyt/backend/db"
	"github.com/onnwee/tvyt/backend/testutil"
)

type memTokens struct {
	users  []db.UserTokens
	setErr error
	writes int
}

func (m *memTokens) ListUserTokens(_ context.Context, username string) ([]db.UserTokens, error) {
	var out []db.UserTokens
	for _, u := range m.users {
		if username == "" || u.Username == username {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memTokens) SetToken(_ context.Context, username string, f db.TokenField, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.writes++
	for _, u := range m.users {
		if u.Username == username {
			u.Tokens[f] = value
		}
	}
	return nil
}

func newVault(t *testing.T) *crypto.Vault {
	t.Helper()
	v, err := crypto.NewVault("seal-tokens-test")
	if err != nil {
		t.Fatal(err)
	}
	return v
}

var (
	twitchAccess   = db.TokenField{Platform: chat.Twitch}
	youtubeRefresh = db.TokenField{Platform: chat.YouTube, Refresh: true}
)

func TestSealTokens(t *testing.T) {
	v := newVault(t)
	already, err := v.Encrypt("sealed-before")
	if err != nil {
		t.Fatal(err)
	}
	store := &memTokens{users: []db.UserTokens{
		{Username: "alice", Tokens: map[db.TokenField]string{twitchAccess: "plain-access", youtubeRefresh: already}},
		{Username: "bob", Tokens: map[db.TokenField]string{youtubeRefresh: "plain-refresh"}},
	}}

	n, err := sealTokens(context.Background(), store, v, false, "")
	if err != nil || n != 2 {
		t.Fatalf("sealTokens() = %d, %v; want 2, nil", n, err)
	}
	if store.writes != 2 {
		t.Errorf("writes = %d, want 2", store.writes)
	}
	for _, tc := range []struct {
		user  int
		field db.TokenField
		want  string
	}{
		{0, twitchAccess, "plain-access"},
		{0, youtubeRefresh, "sealed-before"},
		{1, youtubeRefresh, "plain-refresh"},
	} {
		got, err := v.Decrypt(store.users[tc.user].Tokens[tc.field])
		if err != nil || got != tc.want {
			t.Errorf("%s %v = %q, %v; want %q", store.users[tc.user].Username, tc.field, got, err, tc.want)
		}
	}

	// A second run finds nothing left to seal.
	if n, err := sealTokens(context.Background(), store, v, false, ""); err != nil || n != 0 {
		t.Errorf("second run = %d, %v", n, err)
	}
}

func TestSealTokensDryRun(t *testing.T) {
	store := &memTokens{users: []db.UserTokens{
		{Username: "alice", Tokens: map[db.TokenField]string{twitchAccess: "plain"}},
		{Username: "bob", Tokens: map[db.TokenField]string{twitchAccess: "plain"}},
	}}
	n, err := sealTokens(context.Background(), store, newVault(t), true, "bob")
	if err != nil || n != 1 {
		t.Errorf("dry run = %d, %v; want 1", n, err)
	}
	if store.writes != 0 || store.users[1].Tokens[twitchAccess] != "plain" {
		t.Error("dry run modified the store")
	}
}

func TestSealTokensReportsErrors(t *testing.T) {
	store := &memTokens{
		users:  []db.UserTokens{{Username: "alice", Tokens: map[db.TokenField]string{twitchAccess: "plain"}}},
		setErr: errors.New("write failed"),
	}
	if _, err := sealTokens(context.Background(), store, newVault(t), false, ""); err == nil {
		t.Error("expected an error when a write fails")
	}
}

func TestSealTokensPostgres(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := db.NewStore(database)
	if err := store.UpsertUser(ctx, "carol", "room-c"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetAccessToken(ctx, "carol", chat.Twitch, "plain-access"); err != nil {
		t.Fatal(err)
	}

	v := newVault(t)
	if n, err := sealTokens(ctx, store, v, false, "carol"); err != nil || n != 1 {
		t.Fatalf("sealTokens() = %d, %v", n, err)
	}
	stored, err := store.GetAccessToken(ctx, "carol", chat.Twitch)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := v.Decrypt(stored); err != nil || got != "plain-access" {
		t.Errorf("stored token opens to %q, %v", got, err)
	}
}
