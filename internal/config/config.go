package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultModel           = "gemini-2.0-flash"
	DefaultMaxTokens       = 2048
	DefaultTemperature     = 0.7
	DefaultAdminModel      = "claude-sonnet-4-5-20250929"
	DefaultAdminMaxTokens  = 8192
	DefaultAdminIterations = 10
	DefaultRateLimitMax    = 8
	DefaultRateLimitWindow = time.Minute
	DefaultLoopWindow      = 3
	DefaultLoopSimilarity  = 0.8
	DefaultLoopTieBreak    = 1
	DefaultLoopHalt        = 30 * time.Minute
	DefaultBotConfidence   = 0.8
	DefaultStaleAfter      = 5 * time.Minute
	DefaultCooldown        = 5 * time.Minute
	DefaultTypingPause     = 90 * time.Second
	DefaultSessionCap      = 200
	DefaultSessionTTL      = 30 * time.Minute
	DefaultSessionSweep    = 5 * time.Minute
	DefaultCompressAfter   = 60
	DefaultKeepRecent      = 20
	DefaultRetainSummaries = 5
	DefaultFollowUpDue     = 24 * time.Hour
	DefaultFollowUpMax     = 3
	DefaultFollowUpSweep   = 15 * time.Minute
	DefaultResumeSweep     = 2 * time.Minute
	DefaultOutboundBufSize = 100
)

type Config struct {
	Owner    OwnerConfig    `json:"owner"`
	Provider ProviderConfig `json:"provider"`
	Admin    AdminConfig    `json:"admin"`
	Channels ChannelsConfig `json:"channels"`
	Store    StoreConfig    `json:"store"`
	Safety   SafetyConfig   `json:"safety"`
	Presence PresenceConfig `json:"presence"`
	Session  SessionConfig  `json:"session"`
	Memory   MemoryConfig   `json:"memory"`
	FollowUp FollowUpConfig `json:"followUp"`
	Router   RouterConfig   `json:"router"`
}

// OwnerConfig identifies the human the bot answers for.
type OwnerConfig struct {
	Name        string `json:"name"`
	JID         string `json:"jid"`
	PersonaPath string `json:"personaPath,omitempty"`
}

// ProviderConfig is the AI completion endpoint. APIKeys is a rotating pool;
// the session cache advances through it on quota rejections.
type ProviderConfig struct {
	BaseURL     string   `json:"baseUrl"`
	APIKeys     []string `json:"apiKeys"`
	Model       string   `json:"model"`
	MaxTokens   int      `json:"maxTokens"`
	Temperature float64  `json:"temperature"`
	TimeoutSec  int      `json:"timeoutSec,omitempty"`
}

// AdminConfig drives the owner-facing admin runtime (agentsdk-go).
type AdminConfig struct {
	Type              string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey            string `json:"apiKey"`
	BaseURL           string `json:"baseUrl,omitempty"`
	Model             string `json:"model"`
	MaxTokens         int    `json:"maxTokens"`
	MaxToolIterations int    `json:"maxToolIterations"`
	Workspace         string `json:"workspace"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
}

type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled"`
	StorePath string `json:"storePath,omitempty"`
}

// TelegramConfig is the owner surface: mood alerts, follow-up reminders and
// forwarded conversations go here, never contact-facing replies.
type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	OwnerChatID string `json:"ownerChatId"`
	Proxy       string `json:"proxy,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type SafetyConfig struct {
	RateLimitMax      int      `json:"rateLimitMax"`
	RateLimitWindowMs int64    `json:"rateLimitWindowMs"`
	LoopWindow        int      `json:"loopWindow"`
	LoopSimilarity    float64  `json:"loopSimilarity"`
	LoopTieBreak      int      `json:"loopTieBreak"`
	LoopHaltMinutes   int      `json:"loopHaltMinutes"`
	BotConfidence     float64  `json:"botConfidence"`
	BotJIDDenylist    []string `json:"botJidDenylist,omitempty"`
	StaleAfterSec     int      `json:"staleAfterSec"`
}

type PresenceConfig struct {
	CooldownMinutes int `json:"cooldownMinutes"`
	TypingPauseSec  int `json:"typingPauseSec"`
}

type SessionConfig struct {
	MaxSessions  int `json:"maxSessions"`
	IdleTTLMin   int `json:"idleTtlMin"`
	SweepMinutes int `json:"sweepMinutes"`
}

type MemoryConfig struct {
	CompressAfter   int `json:"compressAfter"`
	KeepRecent      int `json:"keepRecent"`
	RetainSummaries int `json:"retainSummaries"`
}

type FollowUpConfig struct {
	DefaultDueHours int `json:"defaultDueHours"`
	MaxReminders    int `json:"maxReminders"`
	SweepMinutes    int `json:"sweepMinutes"`
}

type RouterConfig struct {
	ResumeSweepMinutes int  `json:"resumeSweepMinutes"`
	ForwardToOwner     bool `json:"forwardToOwner"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Owner: OwnerConfig{
			PersonaPath: filepath.Join(ConfigDir(), "PERSONA.md"),
		},
		Provider: ProviderConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
		},
		Admin: AdminConfig{
			Model:             DefaultAdminModel,
			MaxTokens:         DefaultAdminMaxTokens,
			MaxToolIterations: DefaultAdminIterations,
			Workspace:         filepath.Join(home, ".friday", "workspace"),
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{Enabled: true},
		},
		Safety: SafetyConfig{
			RateLimitMax:      DefaultRateLimitMax,
			RateLimitWindowMs: DefaultRateLimitWindow.Milliseconds(),
			LoopWindow:        DefaultLoopWindow,
			LoopSimilarity:    DefaultLoopSimilarity,
			LoopTieBreak:      DefaultLoopTieBreak,
			LoopHaltMinutes:   int(DefaultLoopHalt.Minutes()),
			BotConfidence:     DefaultBotConfidence,
			StaleAfterSec:     int(DefaultStaleAfter.Seconds()),
		},
		Presence: PresenceConfig{
			CooldownMinutes: int(DefaultCooldown.Minutes()),
			TypingPauseSec:  int(DefaultTypingPause.Seconds()),
		},
		Session: SessionConfig{
			MaxSessions:  DefaultSessionCap,
			IdleTTLMin:   int(DefaultSessionTTL.Minutes()),
			SweepMinutes: int(DefaultSessionSweep.Minutes()),
		},
		Memory: MemoryConfig{
			CompressAfter:   DefaultCompressAfter,
			KeepRecent:      DefaultKeepRecent,
			RetainSummaries: DefaultRetainSummaries,
		},
		FollowUp: FollowUpConfig{
			DefaultDueHours: int(DefaultFollowUpDue.Hours()),
			MaxReminders:    DefaultFollowUpMax,
			SweepMinutes:    int(DefaultFollowUpSweep.Minutes()),
		},
		Router: RouterConfig{
			ResumeSweepMinutes: int(DefaultResumeSweep.Minutes()),
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".friday")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if keys := os.Getenv("FRIDAY_API_KEYS"); keys != "" {
		cfg.Provider.APIKeys = splitKeys(keys)
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && len(cfg.Provider.APIKeys) == 0 {
		cfg.Provider.APIKeys = splitKeys(key)
	}
	if url := os.Getenv("FRIDAY_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("FRIDAY_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if key := os.Getenv("FRIDAY_ADMIN_API_KEY"); key != "" {
		cfg.Admin.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Admin.APIKey == "" {
		cfg.Admin.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Admin.APIKey == "" {
		cfg.Admin.APIKey = key
		if cfg.Admin.Type == "" {
			cfg.Admin.Type = "openai"
		}
	}
	if token := os.Getenv("FRIDAY_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if chatID := os.Getenv("FRIDAY_TELEGRAM_OWNER_CHAT"); chatID != "" {
		cfg.Channels.Telegram.OwnerChatID = chatID
	}
	if jid := os.Getenv("FRIDAY_OWNER_JID"); jid != "" {
		cfg.Owner.JID = jid
	}
	if dbPath := os.Getenv("FRIDAY_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if v := os.Getenv("FRIDAY_SESSION_CAP"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Session.MaxSessions = parsed
		}
	}

	cfg.applyFloors()
	return cfg, nil
}

// applyFloors backfills zero or negative tunables so a partial config file
// cannot disable a safety gate by accident.
func (c *Config) applyFloors() {
	if c.Safety.RateLimitMax <= 0 {
		c.Safety.RateLimitMax = DefaultRateLimitMax
	}
	if c.Safety.RateLimitWindowMs <= 0 {
		c.Safety.RateLimitWindowMs = DefaultRateLimitWindow.Milliseconds()
	}
	if c.Safety.LoopWindow <= 0 {
		c.Safety.LoopWindow = DefaultLoopWindow
	}
	if c.Safety.LoopSimilarity <= 0 {
		c.Safety.LoopSimilarity = DefaultLoopSimilarity
	}
	if c.Safety.LoopHaltMinutes <= 0 {
		c.Safety.LoopHaltMinutes = int(DefaultLoopHalt.Minutes())
	}
	if c.Safety.BotConfidence <= 0 {
		c.Safety.BotConfidence = DefaultBotConfidence
	}
	if c.Safety.StaleAfterSec <= 0 {
		c.Safety.StaleAfterSec = int(DefaultStaleAfter.Seconds())
	}
	if c.Presence.CooldownMinutes <= 0 {
		c.Presence.CooldownMinutes = int(DefaultCooldown.Minutes())
	}
	if c.Presence.TypingPauseSec <= 0 {
		c.Presence.TypingPauseSec = int(DefaultTypingPause.Seconds())
	}
	if c.Session.MaxSessions <= 0 {
		c.Session.MaxSessions = DefaultSessionCap
	}
	if c.Session.IdleTTLMin <= 0 {
		c.Session.IdleTTLMin = int(DefaultSessionTTL.Minutes())
	}
	if c.Session.SweepMinutes <= 0 {
		c.Session.SweepMinutes = int(DefaultSessionSweep.Minutes())
	}
	if c.Memory.CompressAfter <= 0 {
		c.Memory.CompressAfter = DefaultCompressAfter
	}
	if c.Memory.KeepRecent <= 0 {
		c.Memory.KeepRecent = DefaultKeepRecent
	}
	if c.Memory.RetainSummaries <= 0 {
		c.Memory.RetainSummaries = DefaultRetainSummaries
	}
	if c.FollowUp.DefaultDueHours <= 0 {
		c.FollowUp.DefaultDueHours = int(DefaultFollowUpDue.Hours())
	}
	if c.FollowUp.MaxReminders <= 0 {
		c.FollowUp.MaxReminders = DefaultFollowUpMax
	}
	if c.FollowUp.SweepMinutes <= 0 {
		c.FollowUp.SweepMinutes = int(DefaultFollowUpSweep.Minutes())
	}
	if c.Router.ResumeSweepMinutes <= 0 {
		c.Router.ResumeSweepMinutes = int(DefaultResumeSweep.Minutes())
	}
	if c.Provider.MaxTokens <= 0 {
		c.Provider.MaxTokens = DefaultMaxTokens
	}
	if c.Provider.Temperature <= 0 {
		c.Provider.Temperature = DefaultTemperature
	}
	if c.Admin.Workspace == "" {
		c.Admin.Workspace = DefaultConfig().Admin.Workspace
	}
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Safety.RateLimitWindowMs) * time.Millisecond
}

func (c *Config) LoopHalt() time.Duration {
	return time.Duration(c.Safety.LoopHaltMinutes) * time.Minute
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Safety.StaleAfterSec) * time.Second
}

func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Presence.CooldownMinutes) * time.Minute
}

func (c *Config) TypingPause() time.Duration {
	return time.Duration(c.Presence.TypingPauseSec) * time.Second
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.IdleTTLMin) * time.Minute
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

func splitKeys(raw string) []string {
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}
