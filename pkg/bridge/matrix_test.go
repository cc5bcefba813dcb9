package bridge

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNewMatrixConnector(t *testing.T) {
	cfg := testConfig(t)
	cfg.Homeserver.Address = "https://matrix.example.com"
	cfg.Appservice.ID = "twitterdm"
	mc, err := NewMatrixConnector(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mc.BotActor().UserID(); got != "@twitterbot:example.com" {
		t.Fatalf("unexpected bot user id: %s", got)
	}

	cfg.Homeserver.Address = "://bad"
	if _, err = NewMatrixConnector(cfg, zerolog.Nop()); err == nil {
		t.Fatalf("invalid homeserver address accepted")
	}
}
