package config

// Config is the agent configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Server    ServerConfig    `json:"server"`
	Reconnect ReconnectConfig `json:"reconnect,omitempty"`
	Auth      AuthConfig      `json:"auth"`
	Host      HostConfig      `json:"host,omitempty"`
	Router    RouterConfig    `json:"router,omitempty"`
	Mute      MuteConfig      `json:"mute,omitempty"`
	Delivery  DeliveryConfig  `json:"delivery,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Control   ControlConfig   `json:"control,omitempty"`
}

type ServerConfig struct {
	URL               string `json:"url" env:"CIRCLELINK_SERVER_URL"`
	ConnectTimeout    string `json:"connect_timeout,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
}

// ReconnectConfig controls the linear reconnect backoff.
//
// Defaults (when fields are omitted/zero):
//   - base_delay: "1s"
//   - max_delay: "30s"
//   - max_attempts: 15
type ReconnectConfig struct {
	BaseDelay   string `json:"base_delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

type AuthConfig struct {
	Token string `json:"token" env:"CIRCLELINK_TOKEN"` // do not log
}

// HostConfig describes where alerts are shown. Hidden and BrowserPermission
// are normally driven through the control API; the file sets their initial
// values.
type HostConfig struct {
	Surface           string `json:"surface,omitempty"` // web | desktop | native
	Hidden            bool   `json:"hidden,omitempty"`
	BrowserPermission string `json:"browser_permission,omitempty"` // granted | default | denied
}

type RouterConfig struct {
	DedupWindow  string   `json:"dedup_window,omitempty"`
	DedupSoftCap int      `json:"dedup_soft_cap,omitempty"`
	MuteTimeout  string   `json:"mute_timeout,omitempty"`
	MuteKinds    []string `json:"mute_kinds,omitempty"`
}

// MuteConfig points at the REST API that answers mute queries. An empty
// api_url disables mute checks.
type MuteConfig struct {
	APIURL  string `json:"api_url,omitempty" env:"CIRCLELINK_API_URL"`
	Timeout string `json:"timeout,omitempty"`
}

type DeliveryConfig struct {
	TagWindow string       `json:"tag_window,omitempty"`
	Toast     ToastConfig  `json:"toast,omitempty"`
	Native    NativeConfig `json:"native,omitempty"`
}

type ToastConfig struct {
	MaxVisible      int    `json:"max_visible,omitempty"`
	DuplicateWindow string `json:"duplicate_window,omitempty"`
}

// NativeConfig controls the OS-notification channel. Backend "log" writes
// notifications to the log; "telegram" posts them to a chat.
type NativeConfig struct {
	Backend    string         `json:"backend,omitempty"`
	RatePerSec int            `json:"rate_per_sec,omitempty"`
	QueueSize  int            `json:"queue_size,omitempty"`
	Telegram   TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// StorageConfig controls the optional delivery audit store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./circlelink.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	// Retention bounds how long delivery rows are kept. "0s" keeps them forever.
	Retention string `json:"retention,omitempty"`
	// PruneSchedule is a cron spec (robfig/cron, with optional seconds field).
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level" env:"CIRCLELINK_LOG_LEVEL"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Relay   LoggingRelay `json:"relay,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRelay forwards warn-and-above records to the Telegram chat
// configured under delivery.native.telegram.
type LoggingRelay struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// ControlConfig controls the local HTTP control API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7391").
//   - Binding to a non-loopback address requires a token.
type ControlConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"`
}
