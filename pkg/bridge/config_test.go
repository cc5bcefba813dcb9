package bridge

import (
	"testing"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

func TestPuppetMXIDRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	mxid := cfg.FormatPuppetMXID(12345)
	if mxid != "@twitter_12345:example.com" {
		t.Fatalf("unexpected puppet mxid: %s", mxid)
	}
	twid, ok := cfg.ParsePuppetMXID(mxid)
	if !ok || twid != 12345 {
		t.Fatalf("round trip failed: got %d, %v", twid, ok)
	}
}

func TestParsePuppetMXIDRejectsForeignUsers(t *testing.T) {
	cfg := testConfig(t)
	cases := []id.UserID{
		"@alice:example.com",
		"@twitter_12345:other.com",
		"@twitter_abc:example.com",
		"@twitterbot:example.com",
		"@twitter_:example.com",
		"not-a-user-id",
	}
	for _, userID := range cases {
		if twid, ok := cfg.ParsePuppetMXID(userID); ok {
			t.Fatalf("%s unexpectedly parsed as ghost of %d", userID, twid)
		}
	}
}

func TestFormatDisplayname(t *testing.T) {
	cfg := testConfig(t)
	name := cfg.FormatDisplayname(DisplaynameParams{Name: "Jane", ID: 99})
	if name != "Jane (Twitter)" {
		t.Fatalf("unexpected displayname: %q", name)
	}
	name = cfg.FormatDisplayname(DisplaynameParams{ID: 99})
	if name != "(Twitter)" {
		t.Fatalf("unexpected displayname for empty name: %q", name)
	}
}

func TestExampleConfigParses(t *testing.T) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	if cfg.Homeserver.Domain != "example.com" {
		t.Fatalf("unexpected homeserver domain: %q", cfg.Homeserver.Domain)
	}
	if cfg.Appservice.Bot.Username != "twitterbot" {
		t.Fatalf("unexpected bot username: %q", cfg.Appservice.Bot.Username)
	}
	if got := cfg.FormatUsername(7); got != "twitter_7" {
		t.Fatalf("username template not applied: %q", got)
	}
	if cfg.Database.Type != "sqlite3-fk-wal" {
		t.Fatalf("unexpected database type: %q", cfg.Database.Type)
	}
}
