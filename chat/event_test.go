package chat

import (
	"encoding/json"
	"slices"
	"testing"
)

func TestParsePlatform(t *testing.T) {
	for in, want := range map[string]Platform{"twitch": Twitch, " YouTube ": YouTube, "TWITCH": Twitch} {
		if got, err := ParsePlatform(in); err != nil || got != want {
			t.Errorf("ParsePlatform(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePlatform("kick"); err == nil {
		t.Error("ParsePlatform(kick) should fail")
	}
}

func TestBadgeNames(t *testing.T) {
	b := BadgeSubscriber | BadgeBroadcaster
	if got := b.Names(); !slices.Equal(got, []string{"broadcaster", "subscriber"}) {
		t.Errorf("Names() = %v", got)
	}
	if BadgeSet(0).Names() != nil {
		t.Error("empty set should have no names")
	}
}

func TestStatusText(t *testing.T) {
	raw, err := json.Marshal(Result{Status: Retrying, Code: 503})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"status":"Retrying","code":503}` {
		t.Errorf("Marshal = %s", raw)
	}
	var back Result
	if err := json.Unmarshal(raw, &back); err != nil || back.Status != Retrying {
		t.Errorf("Unmarshal = %+v, %v", back, err)
	}
	if err := json.Unmarshal([]byte(`{"status":"Sleeping"}`), &back); err == nil {
		t.Error("unknown status should not decode")
	}
}
