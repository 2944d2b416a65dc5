package app

import (
	"fmt"
	"strings"
	"time"

	"circlelink/internal/dedup"
	"circlelink/internal/delivery"
	"circlelink/internal/delivery/relay"
	"circlelink/internal/event"
	"circlelink/internal/mute"
	"circlelink/internal/notifier"
	"circlelink/internal/observability/control"
	"circlelink/internal/realtime"
	"circlelink/internal/router"
	logx "circlelink/pkg/logx"
)

// Version is stamped by the build.
var Version = "dev"

func userAgent() string { return "circlelink/" + Version }

func mapPolicy(cfg *Config) (realtime.Policy, error) {
	if cfg.Reconnect.MaxAttempts < 0 {
		return realtime.Policy{}, fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	base, err := parseDurationOrDefault("reconnect.base_delay", cfg.Reconnect.BaseDelay, realtime.DefaultBaseDelay)
	if err != nil {
		return realtime.Policy{}, err
	}
	maxDelay, err := parseDurationOrDefault("reconnect.max_delay", cfg.Reconnect.MaxDelay, realtime.DefaultMaxDelay)
	if err != nil {
		return realtime.Policy{}, err
	}
	if maxDelay < base {
		return realtime.Policy{}, fmt.Errorf("reconnect.max_delay (%s) must be >= reconnect.base_delay (%s)", maxDelay, base)
	}
	return realtime.Policy{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BaseDelay:   base,
		MaxDelay:    maxDelay,
	}, nil
}

type realtimeSettings struct {
	ws        realtime.WSConfig
	heartbeat time.Duration
	connect   time.Duration
}

func mapRealtime(cfg *Config) (realtimeSettings, error) {
	url := strings.TrimSpace(cfg.Server.URL)
	if url == "" {
		return realtimeSettings{}, fmt.Errorf("server.url is required")
	}
	connect, err := parseDurationOrDefault("server.connect_timeout", cfg.Server.ConnectTimeout, realtime.DefaultConnectTimeout)
	if err != nil {
		return realtimeSettings{}, err
	}
	hb, err := parseDurationOrDefault("server.heartbeat_interval", cfg.Server.HeartbeatInterval, realtime.DefaultHeartbeatInterval)
	if err != nil {
		return realtimeSettings{}, err
	}
	return realtimeSettings{
		ws: realtime.WSConfig{
			URL:              url,
			HandshakeTimeout: connect,
			// Two missed heartbeats and a bit means the peer is gone.
			IdleTimeout: 2*hb + hb/2,
			UserAgent:   userAgent(),
		},
		heartbeat: hb,
		connect:   connect,
	}, nil
}

type dedupSettings struct {
	window  time.Duration
	softCap int
}

func mapDedup(cfg *Config) (dedupSettings, error) {
	if cfg.Router.DedupSoftCap < 0 {
		return dedupSettings{}, fmt.Errorf("router.dedup_soft_cap must be >= 0")
	}
	w, err := parseDurationOrDefault("router.dedup_window", cfg.Router.DedupWindow, dedup.DefaultWindow)
	if err != nil {
		return dedupSettings{}, err
	}
	return dedupSettings{window: w, softCap: cfg.Router.DedupSoftCap}, nil
}

func mapRouterConfig(cfg *Config) (router.Config, error) {
	timeout, err := parseDurationOrDefault("router.mute_timeout", cfg.Router.MuteTimeout, router.DefaultMuteTimeout)
	if err != nil {
		return router.Config{}, err
	}
	out := router.Config{MuteTimeout: timeout}
	if cfg.Router.MuteKinds != nil {
		out.MuteKinds = make([]event.Kind, 0, len(cfg.Router.MuteKinds))
		for _, s := range cfg.Router.MuteKinds {
			k, ok := event.ParseKind(strings.TrimSpace(s))
			if !ok {
				return router.Config{}, fmt.Errorf("router.mute_kinds: unknown kind %q", s)
			}
			out.MuteKinds = append(out.MuteKinds, k)
		}
	}
	return out, nil
}

func mapHostState(cfg *Config) (delivery.HostState, error) {
	st := delivery.HostState{Hidden: cfg.Host.Hidden}
	switch s := delivery.Surface(strings.ToLower(strings.TrimSpace(cfg.Host.Surface))); s {
	case "":
		st.Surface = delivery.SurfaceWeb
	case delivery.SurfaceWeb, delivery.SurfaceDesktop, delivery.SurfaceNative:
		st.Surface = s
	default:
		return delivery.HostState{}, fmt.Errorf("host.surface: unknown surface %q", cfg.Host.Surface)
	}
	p, err := parsePermission(cfg.Host.BrowserPermission)
	if err != nil {
		return delivery.HostState{}, fmt.Errorf("host.browser_permission: %w", err)
	}
	st.Permission = p
	return st, nil
}

// parsePermission is strict, unlike delivery.ParsePermission: operator input
// with a typo should be rejected, not silently downgraded.
func parsePermission(raw string) (delivery.Permission, error) {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "":
		return delivery.PermissionDefault, nil
	case string(delivery.PermissionGranted), string(delivery.PermissionDefault), string(delivery.PermissionDenied):
		return delivery.ParsePermission(v), nil
	default:
		return "", fmt.Errorf("unknown permission %q", raw)
	}
}

func mapMuteConfig(cfg *Config) (mute.Config, bool, error) {
	timeout, err := parseDurationOrDefault("mute.timeout", cfg.Mute.Timeout, 5*time.Second)
	if err != nil {
		return mute.Config{}, false, err
	}
	url := strings.TrimSpace(cfg.Mute.APIURL)
	if url == "" {
		return mute.Config{}, false, nil
	}
	return mute.Config{APIURL: url, Timeout: timeout, UserAgent: userAgent()}, true, nil
}

type deliverySettings struct {
	toast   delivery.ToastConfig
	browser delivery.BrowserConfig
}

func mapDelivery(cfg *Config) (deliverySettings, error) {
	d := cfg.Delivery
	if d.Toast.MaxVisible < 0 {
		return deliverySettings{}, fmt.Errorf("delivery.toast.max_visible must be >= 0")
	}
	tag, err := parseDurationOrDefault("delivery.tag_window", d.TagWindow, delivery.DefaultTagWindow)
	if err != nil {
		return deliverySettings{}, err
	}
	dup, err := parseDurationField("delivery.toast.duplicate_window", d.Toast.DuplicateWindow)
	if err != nil {
		return deliverySettings{}, err
	}
	return deliverySettings{
		toast: delivery.ToastConfig{
			MaxVisible:      d.Toast.MaxVisible,
			DuplicateWindow: dup,
			TagWindow:       tag,
		},
		browser: delivery.BrowserConfig{
			AutoClose: delivery.DefaultAutoClose,
			TagWindow: tag,
		},
	}, nil
}

func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	n := cfg.Delivery.Native
	if n.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("delivery.native.rate_per_sec must be >= 0")
	}
	if n.QueueSize < 0 {
		return notifier.Config{}, fmt.Errorf("delivery.native.queue_size must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(n.Backend)) {
	case "", "log", "telegram":
	default:
		return notifier.Config{}, fmt.Errorf("delivery.native.backend: unknown backend %q", n.Backend)
	}
	return notifier.Config{
		Workers:    2,
		QueueSize:  n.QueueSize,
		RatePerSec: n.RatePerSec,
		RetryMax:   3,
	}, nil
}

// mapTelegram returns ok=false when no bot is configured. A telegram backend
// or log relay without a bot is a config error.
func mapTelegram(cfg *Config) (relay.TelegramConfig, bool, error) {
	t := cfg.Delivery.Native.Telegram
	needed := strings.EqualFold(strings.TrimSpace(cfg.Delivery.Native.Backend), "telegram") || cfg.Logging.Relay.Enabled
	if strings.TrimSpace(t.Token) == "" {
		if needed {
			return relay.TelegramConfig{}, false, fmt.Errorf("delivery.native.telegram.token is required by the telegram backend or logging.relay")
		}
		return relay.TelegramConfig{}, false, nil
	}
	if t.ChatID == 0 {
		return relay.TelegramConfig{}, false, fmt.Errorf("delivery.native.telegram.chat_id is required")
	}
	return relay.TelegramConfig{Token: t.Token, ChatID: t.ChatID, ThreadID: t.ThreadID}, true, nil
}

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Relay: logx.RelayConfig{
			Enabled:    cfg.Logging.Relay.Enabled,
			MinLevel:   cfg.Logging.Relay.MinLevel,
			RatePerSec: cfg.Logging.Relay.RatePerSec,
		},
	}
}

func mapControlConfig(cfg *Config) (control.Config, error) {
	c := cfg.Control
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = control.DefaultAddr
	}
	out := control.Config{
		Enabled: c.Enabled,
		Addr:    addr,
		Token:   strings.TrimSpace(c.Token),
		Pprof:   c.Pprof,
	}
	if c.Enabled && out.Token == "" && !control.IsLoopbackAddr(addr) {
		return control.Config{}, fmt.Errorf("control.token is required when control.addr is not loopback (%s)", addr)
	}
	return out, nil
}

// validateConfig runs every mapper so a bad file or hot reload is rejected
// before anything is committed.
func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapPolicy(cfg); err != nil {
		return err
	}
	if _, err := mapRealtime(cfg); err != nil {
		return err
	}
	if _, err := mapDedup(cfg); err != nil {
		return err
	}
	if _, err := mapRouterConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHostState(cfg); err != nil {
		return err
	}
	if _, _, err := mapMuteConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDelivery(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, err := mapControlConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPruneConfig(cfg, nil); err != nil {
		return err
	}
	return nil
}

// ValidateFile parses path and runs the same checks as a hot reload.
func ValidateFile(path string) (*Config, error) {
	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
