package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"LISTEN_ADDR", "REDIS_ADDR", "NATS_URL", "RATE_LIMIT", "MODERATORS"} {
		t.Setenv(k, "")
	}
	c := Load(filepath.Join(t.TempDir(), "missing.env"))
	d := Defaults()
	if c.ListenAddr != d.ListenAddr || c.RateLimit != 10 || c.RateWindow != time.Minute {
		t.Errorf("unexpected defaults %+v", c)
	}
	if c.RedisAddr != "" || c.NATSURL != "" || c.Moderators != nil {
		t.Errorf("external services should default to disabled: %+v", c)
	}
}

func TestLoad_Environment(t *testing.T) {
	tests := []struct {
		key, val string
		check    func(Config) bool
	}{
		{"LISTEN_ADDR", ":9000", func(c Config) bool { return c.ListenAddr == ":9000" }},
		{"RATE_LIMIT", "3", func(c Config) bool { return c.RateLimit == 3 && c.MessageRule().Limit == 3 }},
		{"RATE_LIMIT", "-1", func(c Config) bool { return c.RateLimit == 10 }},
		{"RATE_LIMIT", "ten", func(c Config) bool { return c.RateLimit == 10 }},
		{"RATE_WINDOW", "30s", func(c Config) bool { return c.MessageRule().Window == 30*time.Second }},
		{"PRESENCE_TIMEOUT", "bogus", func(c Config) bool { return c.PresenceTimeout == Defaults().PresenceTimeout }},
		{"MODERATORS", " alice, ,bob ", func(c Config) bool { return reflect.DeepEqual(c.Moderators, []string{"alice", "bob"}) }},
		{"FLAG_HIDE_THRESHOLD", "2", func(c Config) bool { return c.FlagHideThreshold == 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.val, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if c := Load(filepath.Join(t.TempDir(), "missing.env")); !tt.check(c) {
				t.Errorf("%s=%q produced %+v", tt.key, tt.val, c)
			}
		})
	}
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "ADMIN_TOKEN=from-file\nSERVER_NAME=file-node\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERVER_NAME", "env-node")
	os.Unsetenv("ADMIN_TOKEN")
	t.Cleanup(func() { os.Unsetenv("ADMIN_TOKEN") })

	c := Load(path)
	if c.AdminToken != "from-file" {
		t.Errorf("AdminToken = %q, want from-file", c.AdminToken)
	}
	if c.ServerName != "env-node" {
		t.Errorf("ServerName = %q, want env-node", c.ServerName)
	}
}
