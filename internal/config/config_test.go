package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleYAML = `
server:
  url: wss://rt.example.com/ws
  connect_timeout: 15s
auth:
  token: file-token
router:
  mute_kinds: [message]
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: sqlite
  path: ./circlelink.db
  retention: 168h
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	p := writeFile(t, "config.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.URL != "wss://rt.example.com/ws" {
		t.Fatalf("server.url = %q", cfg.Server.URL)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage not parsed: %+v", cfg.Storage)
	}
	if len(cfg.Router.MuteKinds) != 1 || cfg.Router.MuteKinds[0] != "message" {
		t.Fatalf("router.mute_kinds = %v", cfg.Router.MuteKinds)
	}
}

func TestParseJSONRejectsUnknownAndTrailing(t *testing.T) {
	p := writeFile(t, "config.json", `{"server":{"url":"ws://x"},"nope":1}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}

	p = writeFile(t, "config.json", `{"server":{"url":"ws://x"}}{"server":{}}`)
	_, err := NewConfigManager(p).Parse()
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CIRCLELINK_TOKEN", "env-token")
	t.Setenv("CIRCLELINK_LOG_LEVEL", "debug")
	t.Setenv("CIRCLELINK_API_URL", "https://api.example.com")

	p := writeFile(t, "config.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Auth.Token != "env-token" {
		t.Fatalf("auth.token = %q, want env override", cfg.Auth.Token)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Mute.APIURL != "https://api.example.com" {
		t.Fatalf("mute.api_url = %q", cfg.Mute.APIURL)
	}
	if cfg.Server.URL != "wss://rt.example.com/ws" {
		t.Fatalf("unset env var must keep file value, got %q", cfg.Server.URL)
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected negative duration error")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil || !strings.Contains(err.Error(), "x:") {
		t.Fatalf("expected path-qualified error, got %v", err)
	}
	if d, _ := ParseDurationOrDefault("x", "0s", 3*time.Second); d != 3*time.Second {
		t.Fatalf("default not applied: %v", d)
	}
}

func TestSummarizeChangeNeverLeaksTokens(t *testing.T) {
	oldCfg := &Config{Auth: AuthConfig{Token: "secret-a"}}
	newCfg := &Config{
		Auth:    AuthConfig{Token: "secret-b"},
		Control: ControlConfig{Enabled: true, Token: "secret-c"},
		Delivery: DeliveryConfig{Native: NativeConfig{
			Backend:  "telegram",
			Telegram: TelegramConfig{Token: "secret-d", ChatID: 42},
		}},
	}
	sections, attrs := SummarizeChange(oldCfg, newCfg)
	want := []string{"auth", "control", "delivery"}
	if strings.Join(sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Msg("summary")
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("summary leaked a token: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"control.token_set":true`) {
		t.Fatalf("summary missing token_set flag: %s", buf.String())
	}
	if !RequiresReconnect(oldCfg, newCfg) {
		t.Fatal("token change must require reconnect")
	}
	if got := RequiresRestart(sections); len(got) != 0 {
		t.Fatalf("restart sections = %v", got)
	}
	if got := RequiresRestart([]string{"logging", "server", "storage"}); len(got) != 2 {
		t.Fatalf("restart sections = %v", got)
	}
}

func TestSummarizeChangeNoop(t *testing.T) {
	cfg := &Config{Router: RouterConfig{MuteKinds: []string{"message"}}}
	cp := *cfg
	cp.Router.MuteKinds = []string{"message"}
	if sections, _ := SummarizeChange(cfg, &cp); len(sections) != 0 {
		t.Fatalf("sections = %v, want none", sections)
	}
	if RequiresReconnect(cfg, &cp) {
		t.Fatal("unchanged config must not require reconnect")
	}
}

func TestSubscribeDeliversLatest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatal("slow subscriber should receive the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	p := writeFile(t, "config.json", `{"server":{"url":"ws://a"},"logging":{"level":"info","console":false,"file":{"enabled":false,"path":""}}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Server.URL == "" {
			return os.ErrInvalid
		}
		return nil
	})
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(p, []byte(`{"server":{"url":"ws://b"},"logging":{"level":"debug","console":false,"file":{"enabled":false,"path":""}}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Server.URL != "ws://b" {
			t.Fatalf("published url = %q", cfg.Server.URL)
		}
		if m.Get().Server.URL != "ws://b" {
			t.Fatal("published config was not committed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestReloadRejectsAndSkipsUnchanged(t *testing.T) {
	p := writeFile(t, "config.json", `{"server":{"url":"ws://a"}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)

	changed, err := m.Reload(context.Background())
	if err != nil || changed {
		t.Fatalf("unchanged reload: changed=%v err=%v", changed, err)
	}

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if strings.HasPrefix(cfg.Server.URL, "ws://bad") {
			return os.ErrInvalid
		}
		return nil
	})
	if err := os.WriteFile(p, []byte(`{"server":{"url":"ws://bad"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if m.Get().Server.URL != "ws://a" {
		t.Fatal("rejected config must not be committed")
	}

	if err := os.WriteFile(p, []byte(`{"server":{"url":"ws://b"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	changed, err = m.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("changed reload: changed=%v err=%v", changed, err)
	}
	if got := <-ch; got.Server.URL != "ws://b" {
		t.Fatalf("published url = %q", got.Server.URL)
	}
}

func TestEmptyYAMLIsEmptyConfig(t *testing.T) {
	p := writeFile(t, "config.yml", "")
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.URL != "" {
		t.Fatalf("unexpected url %q", cfg.Server.URL)
	}
}
