package appconfig

import (
	"testing"
	"time"
)

func TestDefaultConfigSessionUnderHome(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.Auth.SessionFile != "/home/tester/.mcpize/session.json" {
		t.Fatalf("session file = %q", cfg.Auth.SessionFile)
	}
	if cfg.Auth.RefreshMargin() != time.Minute {
		t.Fatalf("refresh margin = %s", cfg.Auth.RefreshMargin())
	}
}
