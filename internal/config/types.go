package config

// Config is the file form of the settings (JSON or YAML). Durations are Go
// duration strings ("15s", "2m"); empty means the default.
type Config struct {
	Source       SourceConfig        `json:"source"`
	Schedule     ScheduleConfig      `json:"schedule"`
	State        StateConfig         `json:"state"`
	Telegram     TelegramConfig      `json:"telegram"`
	Destinations []DestinationConfig `json:"destinations,omitempty"`
	Notify       NotifyConfig        `json:"notify"`
	Texts        TextsConfig         `json:"texts"`
	Logging      LoggingConfig       `json:"logging"`
}

type SourceConfig struct {
	URL string `json:"url"`
	// Format: "html" (CSS selector) or "feed" (RSS/Atom).
	Format   string `json:"format,omitempty"`
	Marker   string `json:"marker,omitempty"`
	Selector string `json:"selector,omitempty"`
	Origin   string `json:"origin,omitempty"`

	// NormalizeIdentity lowercases scheme/host and drops the fragment of the
	// item identity. Off by default: identities are compared byte-exact.
	NormalizeIdentity bool `json:"normalize_identity,omitempty"`

	UserAgent string `json:"user_agent,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
	MaxBytes  int64  `json:"max_bytes,omitempty"`
}

type ScheduleConfig struct {
	// Every: "15m", "00:15", "interval:15m", "cron:*/15 * * * *", "@hourly".
	Every             string `json:"every"`
	Timezone          string `json:"timezone,omitempty"`
	FailureBackoff    string `json:"failure_backoff,omitempty"`
	FailureBackoffMax string `json:"failure_backoff_max,omitempty"`
	CycleTimeout      string `json:"cycle_timeout,omitempty"`
}

type StateConfig struct {
	// Driver: "file" (default), "sqlite" or "memory".
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
	AllowedUsers []int64 `json:"allowed_users,omitempty"`
	// LogChatID receives warnings/errors when logging.telegram.enabled is set.
	LogChatID   int64 `json:"log_chat_id,omitempty"`
	LogThreadID int   `json:"log_thread_id,omitempty"`
}

// DestinationConfig is one delivery target. Kind selects which fields apply.
type DestinationConfig struct {
	Name string `json:"name,omitempty"`
	// Kind: "channel" or "webhook".
	Kind string `json:"kind"`
	// channel
	ChatID  int64  `json:"chat_id,omitempty"`
	Threads string `json:"threads,omitempty"` // auto | always | never
	// webhook
	URL string `json:"url,omitempty"`
}

type NotifyConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

type TextsConfig struct {
	Username           string `json:"username,omitempty"`
	WebhookDescription string `json:"webhook_description,omitempty"`
	ChannelDescription string `json:"channel_description,omitempty"`
	Footer             string `json:"footer,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level"`
	Console  bool              `json:"console"`
	File     LogFileConfig     `json:"file"`
	Telegram LogTelegramConfig `json:"telegram"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LogTelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

const (
	DefaultSourceURL    = "https://playvalorant.com/en-us/news/tags/patch-notes/"
	DefaultEvery        = "900s"
	DefaultStatePath    = "state.json"
	DefaultHTTPTimeout  = "15s"
	DefaultCycleTimeout = "2m"
)

// Default returns the settings used when no file and no environment is set.
func Default() Config {
	return Config{
		Source:   SourceConfig{URL: DefaultSourceURL, Format: "html"},
		Schedule: ScheduleConfig{Every: DefaultEvery, CycleTimeout: DefaultCycleTimeout},
		State:    StateConfig{Driver: "file", Path: DefaultStatePath},
		Logging:  LoggingConfig{Level: "info", Console: true},
	}
}
