package config

import (
	"reflect"
	"sort"
	"strings"

	logx "circlelink/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections and safe
// structured attrs for logging. Tokens are reported only as "*_set" booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.url", strings.TrimSpace(newCfg.Server.URL)),
			logx.String("server.connect_timeout", strings.TrimSpace(newCfg.Server.ConnectTimeout)),
			logx.String("server.heartbeat_interval", strings.TrimSpace(newCfg.Server.HeartbeatInterval)),
		)
	}

	if oldCfg.Reconnect != newCfg.Reconnect {
		changed = append(changed, "reconnect")
		attrs = append(attrs,
			logx.String("reconnect.base_delay", newCfg.Reconnect.BaseDelay),
			logx.String("reconnect.max_delay", newCfg.Reconnect.MaxDelay),
			logx.Int("reconnect.max_attempts", newCfg.Reconnect.MaxAttempts),
		)
	}

	// Auth (never log token)
	if oldCfg.Auth.Token != newCfg.Auth.Token {
		changed = append(changed, "auth")
		attrs = append(attrs, logx.Bool("auth.token_set", strings.TrimSpace(newCfg.Auth.Token) != ""))
	}

	if oldCfg.Host != newCfg.Host {
		changed = append(changed, "host")
		attrs = append(attrs,
			logx.String("host.surface", newCfg.Host.Surface),
			logx.Bool("host.hidden", newCfg.Host.Hidden),
			logx.String("host.browser_permission", newCfg.Host.BrowserPermission),
		)
	}

	if !reflect.DeepEqual(oldCfg.Router, newCfg.Router) {
		changed = append(changed, "router")
		attrs = append(attrs,
			logx.String("router.dedup_window", newCfg.Router.DedupWindow),
			logx.Int("router.dedup_soft_cap", newCfg.Router.DedupSoftCap),
			logx.String("router.mute_timeout", newCfg.Router.MuteTimeout),
			logx.String("router.mute_kinds", strings.Join(newCfg.Router.MuteKinds, ",")),
		)
	}

	if oldCfg.Mute != newCfg.Mute {
		changed = append(changed, "mute")
		attrs = append(attrs,
			logx.Bool("mute.api_url_set", strings.TrimSpace(newCfg.Mute.APIURL) != ""),
			logx.String("mute.timeout", newCfg.Mute.Timeout),
		)
	}

	// Delivery (never log telegram token)
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		n := newCfg.Delivery.Native
		attrs = append(attrs,
			logx.String("delivery.tag_window", newCfg.Delivery.TagWindow),
			logx.Int("delivery.toast.max_visible", newCfg.Delivery.Toast.MaxVisible),
			logx.String("delivery.native.backend", n.Backend),
			logx.Int("delivery.native.rate_per_sec", n.RatePerSec),
			logx.Int("delivery.native.queue_size", n.QueueSize),
			logx.Bool("delivery.native.telegram.token_set", strings.TrimSpace(n.Telegram.Token) != ""),
			logx.Int64("delivery.native.telegram.chat_id", n.Telegram.ChatID),
		)
	}

	// Storage: nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.retention", nS.Retention),
			logx.String("storage.prune_schedule", nS.PruneSchedule),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.relay_enabled", newCfg.Logging.Relay.Enabled),
		)
	}

	// Control (never log token)
	if oldCfg.Control != newCfg.Control {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", newCfg.Control.Enabled),
			logx.String("control.addr", strings.TrimSpace(newCfg.Control.Addr)),
			logx.Bool("control.token_set", strings.TrimSpace(newCfg.Control.Token) != ""),
			logx.Bool("control.pprof", newCfg.Control.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresReconnect reports whether the credential changed, so the live
// session must be replaced.
func RequiresReconnect(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return oldCfg != newCfg
	}
	return strings.TrimSpace(oldCfg.Auth.Token) != strings.TrimSpace(newCfg.Auth.Token)
}

// RequiresRestart lists changed sections that only take effect after a
// process restart.
func RequiresRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "server", "reconnect", "storage":
			out = append(out, s)
		}
	}
	return out
}
