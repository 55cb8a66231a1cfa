// Package config loads the bridge's TOML configuration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file inside the config directory.
const FileName = "config.toml"

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "OPENCODE_BRIDGE_CONFIG"

// legacyFileName is the JSON file written by the original plugin bridge.
const legacyFileName = "telegram-bridge.json"

// Config is the complete daemon configuration.
type Config struct {
	// ProjectName labels notifications when the session has no directory.
	ProjectName string `toml:"project_name"`

	Telegram   TelegramSettings   `toml:"telegram"`
	OpenCode   OpenCodeSettings   `toml:"opencode"`
	Completion CompletionSettings `toml:"completion"`
	Web        WebSettings        `toml:"web"`
	Push       PushSettings       `toml:"push"`
	Logs       LogSettings        `toml:"logs"`
	State      StateSettings      `toml:"state"`

	// Path is where the config was loaded from (empty for defaults).
	Path string `toml:"-"`
}

// TelegramSettings configures the notification bot and inbound command channel.
type TelegramSettings struct {
	BotToken string `toml:"bot_token"`
	ChatID   int64  `toml:"chat_id"`

	// APIBase defaults to https://api.telegram.org
	APIBase string `toml:"api_base"`

	// PollTimeoutSeconds is the getUpdates long-poll timeout (default: 25)
	PollTimeoutSeconds int `toml:"poll_timeout_seconds"`

	// SendsPerSecond paces outgoing messages (default: 1)
	SendsPerSecond float64 `toml:"sends_per_second"`

	// MaxAttempts bounds retries per message chunk (default: 4)
	MaxAttempts int `toml:"max_attempts"`

	// DisableCommands turns off the inbound command channel.
	DisableCommands bool `toml:"disable_commands"`
}

// OpenCodeSettings points at the OpenCode server that supplies session data.
type OpenCodeSettings struct {
	// BaseURL of `opencode serve` (default: http://127.0.0.1:4096)
	BaseURL  string `toml:"base_url"`
	Username string `toml:"username"`
	Password string `toml:"password"`

	// Directory is forwarded as the ?directory= query when set.
	Directory string `toml:"directory"`

	// RequestTimeoutMs bounds data-source reads (default: 10000)
	RequestTimeoutMs int `toml:"request_timeout_ms"`

	// PromptTimeoutMs bounds how long a forwarded command waits for
	// acknowledgement before it is reported as pending (default: 5000)
	PromptTimeoutMs int `toml:"prompt_timeout_ms"`

	// StorageDir is OpenCode's on-disk storage root
	// (default: ~/.local/share/opencode/storage)
	StorageDir string `toml:"storage_dir"`

	// WatchStorage turns on the fsnotify activity watcher.
	WatchStorage bool `toml:"watch_storage"`
}

// CompletionSettings tunes the completion debounce state machine.
type CompletionSettings struct {
	StabilityDelayMs       int      `toml:"stability_delay_ms"`
	RecheckIntervalMs      int      `toml:"recheck_interval_ms"`
	QuietWindowMs          int      `toml:"quiet_window_ms"`
	MaxEmptyRetries        int      `toml:"max_empty_retries"`
	RecentActivityWindowMs int      `toml:"recent_activity_window_ms"`
	SubagentMarkers        []string `toml:"subagent_markers"`
}

// WebSettings configures the optional local HTTP surface.
type WebSettings struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Token   string `toml:"token"`
}

// PushSettings configures Web Push delivery.
type PushSettings struct {
	VAPIDPublicKey  string `toml:"vapid_public_key"`
	VAPIDPrivateKey string `toml:"vapid_private_key"`
	Subject         string `toml:"subject"`

	// SubscriptionsFile defaults to <state dir>/push_subscriptions.json
	SubscriptionsFile string `toml:"subscriptions_file"`
}

// LogSettings mirrors logging.Config.
type LogSettings struct {
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	Pprof      bool   `toml:"pprof"`
}

// StateSettings locates the sqlite state database.
type StateSettings struct {
	// DBPath defaults to <state dir>/state.db
	DBPath string `toml:"db_path"`
}

// Defaults for the completion state machine.
const (
	DefaultStabilityDelay       = 12 * time.Second
	DefaultRecheckInterval      = 3 * time.Second
	DefaultQuietWindow          = 5 * time.Second
	DefaultMaxEmptyRetries      = 4
	DefaultRecentActivityWindow = 30 * time.Second
)

func msOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// GetStabilityDelay returns the quiet period before verification starts.
func (c *CompletionSettings) GetStabilityDelay() time.Duration {
	return msOr(c.StabilityDelayMs, DefaultStabilityDelay)
}

// GetRecheckInterval returns the gap between the two verification snapshots.
func (c *CompletionSettings) GetRecheckInterval() time.Duration {
	return msOr(c.RecheckIntervalMs, DefaultRecheckInterval)
}

// GetQuietWindow returns the busy suppression window.
func (c *CompletionSettings) GetQuietWindow() time.Duration {
	return msOr(c.QuietWindowMs, DefaultQuietWindow)
}

// GetMaxEmptyRetries returns the retry gate bound.
func (c *CompletionSettings) GetMaxEmptyRetries() int {
	if c.MaxEmptyRetries <= 0 {
		return DefaultMaxEmptyRetries
	}
	return c.MaxEmptyRetries
}

// GetRecentActivityWindow returns the window used for status confidence.
func (c *CompletionSettings) GetRecentActivityWindow() time.Duration {
	return msOr(c.RecentActivityWindowMs, DefaultRecentActivityWindow)
}

// GetSubagentMarkers returns the configured markers. Nil means the monitor's
// built-in list.
func (c *CompletionSettings) GetSubagentMarkers() []string {
	var out []string
	for _, m := range c.SubagentMarkers {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// GetAPIBase returns the Telegram Bot API root without a trailing slash.
func (t *TelegramSettings) GetAPIBase() string {
	base := strings.TrimRight(strings.TrimSpace(t.APIBase), "/")
	if base == "" {
		return "https://api.telegram.org"
	}
	return base
}

// GetPollTimeout returns the long-poll timeout.
func (t *TelegramSettings) GetPollTimeout() time.Duration {
	if t.PollTimeoutSeconds <= 0 {
		return 25 * time.Second
	}
	return time.Duration(t.PollTimeoutSeconds) * time.Second
}

// GetSendsPerSecond returns the outgoing message rate.
func (t *TelegramSettings) GetSendsPerSecond() float64 {
	if t.SendsPerSecond <= 0 {
		return 1
	}
	return t.SendsPerSecond
}

// GetMaxAttempts returns the per-chunk attempt bound.
func (t *TelegramSettings) GetMaxAttempts() int {
	if t.MaxAttempts <= 0 {
		return 4
	}
	return t.MaxAttempts
}

// Enabled reports whether both credentials are present.
func (t *TelegramSettings) Enabled() bool {
	return strings.TrimSpace(t.BotToken) != "" && t.ChatID != 0
}

// GetBaseURL returns the OpenCode server URL without a trailing slash.
func (o *OpenCodeSettings) GetBaseURL() string {
	base := strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
	if base == "" {
		return "http://127.0.0.1:4096"
	}
	return base
}

// GetRequestTimeout returns the per-request timeout for reads.
func (o *OpenCodeSettings) GetRequestTimeout() time.Duration {
	return msOr(o.RequestTimeoutMs, 10*time.Second)
}

// GetPromptTimeout returns how long a prompt waits before being reported pending.
func (o *OpenCodeSettings) GetPromptTimeout() time.Duration {
	return msOr(o.PromptTimeoutMs, 5*time.Second)
}

// GetStorageDir returns OpenCode's storage root.
func (o *OpenCodeSettings) GetStorageDir() string {
	if dir := strings.TrimSpace(o.StorageDir); dir != "" {
		return expandHome(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "opencode", "storage")
}

// GetListen returns the web listen address.
func (w *WebSettings) GetListen() string {
	if l := strings.TrimSpace(w.Listen); l != "" {
		return l
	}
	return "127.0.0.1:8421"
}

// Enabled reports whether both VAPID keys are present.
func (p *PushSettings) Enabled() bool {
	return strings.TrimSpace(p.VAPIDPublicKey) != "" && strings.TrimSpace(p.VAPIDPrivateKey) != ""
}

// GetSubject returns the VAPID subject.
func (p *PushSettings) GetSubject() string {
	if s := strings.TrimSpace(p.Subject); s != "" {
		return s
	}
	return "mailto:opencode-bridge@localhost"
}

// GetSubscriptionsFile returns the Web Push subscription store path.
func (c *Config) GetSubscriptionsFile() string {
	if f := strings.TrimSpace(c.Push.SubscriptionsFile); f != "" {
		return expandHome(f)
	}
	return filepath.Join(StateDir(), "push_subscriptions.json")
}

// GetDBPath returns the state database path.
func (c *Config) GetDBPath() string {
	if p := strings.TrimSpace(c.State.DBPath); p != "" {
		return expandHome(p)
	}
	return filepath.Join(StateDir(), "state.db")
}

// GetLogDir returns the log directory.
func (c *Config) GetLogDir() string {
	if d := strings.TrimSpace(c.Logs.Dir); d != "" {
		return expandHome(d)
	}
	return filepath.Join(StateDir(), "logs")
}

// GetProjectName returns the fallback project label.
func (c *Config) GetProjectName() string {
	if n := strings.TrimSpace(c.ProjectName); n != "" {
		return n
	}
	if wd, err := os.Getwd(); err == nil {
		if base := filepath.Base(wd); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return "Unknown"
}

// Problems lists configuration gaps that disable features. An empty result
// means every notification channel that was configured is usable.
func (c *Config) Problems() []string {
	var out []string
	if !c.Telegram.Enabled() {
		out = append(out, "telegram disabled: bot_token and chat_id are required")
	}
	if c.Push.Enabled() && !c.Web.Enabled {
		out = append(out, "push keys set but [web] is disabled; browsers cannot subscribe")
	}
	pub, priv := strings.TrimSpace(c.Push.VAPIDPublicKey), strings.TrimSpace(c.Push.VAPIDPrivateKey)
	if (pub == "") != (priv == "") {
		out = append(out, "push disabled: both vapid_public_key and vapid_private_key are required")
	}
	return out
}

// HasNotifier reports whether at least one notification channel can deliver.
func (c *Config) HasNotifier() bool {
	return c.Telegram.Enabled() || c.Push.Enabled() || c.Web.Enabled
}

// Dir returns the config directory (~/.config/opencode-bridge).
func Dir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "opencode-bridge")
	}
	return filepath.Join(os.TempDir(), "opencode-bridge")
}

// StateDir returns the directory for the database, logs, and push store.
func StateDir() string {
	if s := os.Getenv("XDG_STATE_HOME"); s != "" {
		return filepath.Join(s, "opencode-bridge")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "opencode-bridge")
	}
	return filepath.Join(os.TempDir(), "opencode-bridge")
}

// DefaultPath returns the config file location, honouring EnvConfigPath.
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return expandHome(p)
	}
	return filepath.Join(Dir(), FileName)
}

// LegacyPath returns where the original plugin kept its JSON config.
func LegacyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "opencode", legacyFileName)
}

// Load reads the config at path (DefaultPath when empty). A missing file is
// not an error: the legacy JSON config is imported when present, otherwise
// defaults are returned and Problems() reports what is disabled.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := &Config{}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if legacy := LegacyPath(); legacy != "" {
			if imported, err := loadLegacy(legacy); err == nil {
				return imported, nil
			}
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return &Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// legacyConfig holds the credentials of the plugin's JSON file. Its update
// offset is imported separately by statedb.MigrateFromJSON.
type legacyConfig struct {
	BotToken string `json:"botToken"`
	ChatID   int64  `json:"chatId"`
}

func loadLegacy(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var legacy legacyConfig
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("config: parse legacy %s: %w", path, err)
	}
	cfg := &Config{
		Telegram: TelegramSettings{
			BotToken: legacy.BotToken,
			ChatID:   legacy.ChatID,
		},
		Path: path,
	}
	return cfg, nil
}

// Save writes cfg to path atomically (temp file, fsync, rename).
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# opencode-bridge configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("config: write temp: %w", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: finalize: %w", err)
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
