// Package config resolves runtime settings from defaults, an optional JSON
// file and the environment, in that order.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultProvider          = "predictionguard"
	defaultModel             = "gpt-oss-120b"
	defaultMaxTokens         = 10000
	defaultMaxTurns          = 8
	defaultMCPURL            = "http://localhost:8000/mcp"
	defaultDiscoveryTimeout  = 30 * time.Second
	defaultToolTimeout       = 60 * time.Second
	defaultCompletionTimeout = 2 * time.Minute
	defaultTurnTimeout       = 5 * time.Minute
	defaultSessionIdleTTL    = 2 * time.Hour
	defaultHistoryBudget     = 32000
	defaultHTTPAddr          = "127.0.0.1:8080"
	defaultWhatsAppAddr      = ":5001"
	defaultWhatsAppNumber    = "whatsapp:+14155238886"
	defaultShutdownTimeout   = 5 * time.Second
)

// DefaultPath is where init writes the config file.
const DefaultPath = "~/.greekroom/config.json"

const DefaultSystemPrompt = `You are an expert bible translator and consultant. You are responsible for analyzing translation tasks and provide accurate analysis and recommendations. You can either use the tools provided to you or answer directly.

Here are some important guidelines to follow:
- First, determine if the user query indicates some kind of analysis is needed. If yes, then use the appropriate tool. Otherwise, you can respond directly.
- If the user query indicates a text analysis is needed, intelligently demarcate the ` + "`input_text`" + ` to be analyzed. Do not truncate or summarize it arbitrarily; include the full text that is relevant to the user query.
- If the user uploaded a file, make sure to include the ` + "`input_filename`" + ` in your tool call.
- If the user query is ambiguous, ask clarifying questions before proceeding with analysis.
- Do not make up your own analysis, only use the tools provided.`

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	Provider     string
	Model        string
	BaseURL      string
	APIKey       string
	Temperature  *float64 // nil: provider default
	MaxTokens    int
	MaxTurns     int
	SystemPrompt string

	MCPURL       string
	MCPAuthToken string

	DiscoveryTimeout  time.Duration
	ToolTimeout       time.Duration
	CompletionTimeout time.Duration
	TurnTimeout       time.Duration
	CatalogTTL        time.Duration
	SessionIdleTTL    time.Duration

	HistoryTokenBudget int
	MaxHistoryMessages int
	TokenEncoding      string

	HTTPAddr        string
	ShutdownTimeout time.Duration

	WhatsAppAddr         string
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioWhatsAppNumber string
	ValidateTwilio       bool
	PublicURL            string

	TelegramToken string

	JWTSecret    string
	JWTAlgorithm string
	JWTIssuer    string
	JWTAudience  string

	LogLevel            slog.Level
	LogFormat           LogFormat
	MiddlewareLog       string
	DisabledMiddlewares []string
}

func Default() Config {
	return Config{
		Provider:             defaultProvider,
		Model:                defaultModel,
		MaxTokens:            defaultMaxTokens,
		MaxTurns:             defaultMaxTurns,
		SystemPrompt:         DefaultSystemPrompt,
		MCPURL:               defaultMCPURL,
		DiscoveryTimeout:     defaultDiscoveryTimeout,
		ToolTimeout:          defaultToolTimeout,
		CompletionTimeout:    defaultCompletionTimeout,
		TurnTimeout:          defaultTurnTimeout,
		SessionIdleTTL:       defaultSessionIdleTTL,
		HistoryTokenBudget:   defaultHistoryBudget,
		HTTPAddr:             defaultHTTPAddr,
		ShutdownTimeout:      defaultShutdownTimeout,
		WhatsAppAddr:         defaultWhatsAppAddr,
		TwilioWhatsAppNumber: defaultWhatsAppNumber,
		LogLevel:             slog.LevelInfo,
		LogFormat:            LogFormatText,
	}
}

// File is the JSON shape of the config file. Durations are written as
// Go duration strings ("30s", "2h").
type File struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	BaseURL      string   `json:"base_url,omitempty"`
	APIKey       string   `json:"api_key,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	MaxTurns     int      `json:"max_turns,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`

	MCPURL       string `json:"mcp_url,omitempty"`
	MCPAuthToken string `json:"mcp_auth_token,omitempty"`

	DiscoveryTimeout  string `json:"discovery_timeout,omitempty"`
	ToolTimeout       string `json:"tool_timeout,omitempty"`
	CompletionTimeout string `json:"completion_timeout,omitempty"`
	TurnTimeout       string `json:"turn_timeout,omitempty"`
	CatalogTTL        string `json:"catalog_ttl,omitempty"`
	SessionIdleTTL    string `json:"session_idle_ttl,omitempty"`

	HistoryTokenBudget *int   `json:"history_token_budget,omitempty"`
	MaxHistoryMessages *int   `json:"max_history_messages,omitempty"`
	TokenEncoding      string `json:"token_encoding,omitempty"`

	HTTPAddr     string `json:"http_addr,omitempty"`
	WhatsAppAddr string `json:"whatsapp_addr,omitempty"`
	PublicURL    string `json:"public_url,omitempty"`

	LogLevel            string              `json:"log_level,omitempty"`
	LogFormat           string              `json:"log_format,omitempty"`
	MiddlewareLog       string              `json:"middleware_log,omitempty"`
	Middlewares         []MiddlewareSetting `json:"middlewares,omitempty"`
	DisabledMiddlewares []string            `json:"disabled_middlewares,omitempty"`
}

type MiddlewareSetting struct {
	ID      string            `json:"id"`
	Enabled bool              `json:"enabled"`
	EnvVars map[string]string `json:"env_vars,omitempty"`
}

// Load reads .env (if present), then path (if non-empty), then the
// environment. Later sources win.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if strings.TrimSpace(path) != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := cfg.applyFile(fc); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads the JSON config file, expanding a leading ~/.
func LoadFile(path string) (*File, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc File
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

// Save writes f as indented JSON, creating parent directories. The file may
// hold an API key, so it is only readable by the owner.
func (f *File) Save(path string) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[2:]), nil
}

func (c *Config) applyFile(fc *File) error {
	setString(&c.Provider, fc.Provider)
	setString(&c.Model, fc.Model)
	setString(&c.BaseURL, fc.BaseURL)
	setString(&c.APIKey, fc.APIKey)
	if fc.Temperature != nil {
		t := *fc.Temperature
		c.Temperature = &t
	}
	if fc.MaxTokens > 0 {
		c.MaxTokens = fc.MaxTokens
	}
	if fc.MaxTurns > 0 {
		c.MaxTurns = fc.MaxTurns
	}
	setString(&c.SystemPrompt, fc.SystemPrompt)
	setString(&c.MCPURL, fc.MCPURL)
	setString(&c.MCPAuthToken, fc.MCPAuthToken)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"discovery_timeout", fc.DiscoveryTimeout, &c.DiscoveryTimeout},
		{"tool_timeout", fc.ToolTimeout, &c.ToolTimeout},
		{"completion_timeout", fc.CompletionTimeout, &c.CompletionTimeout},
		{"turn_timeout", fc.TurnTimeout, &c.TurnTimeout},
		{"catalog_ttl", fc.CatalogTTL, &c.CatalogTTL},
		{"session_idle_ttl", fc.SessionIdleTTL, &c.SessionIdleTTL},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.name, d.raw); err != nil {
			return err
		}
	}

	if fc.HistoryTokenBudget != nil {
		c.HistoryTokenBudget = *fc.HistoryTokenBudget
	}
	if fc.MaxHistoryMessages != nil {
		c.MaxHistoryMessages = *fc.MaxHistoryMessages
	}
	setString(&c.TokenEncoding, fc.TokenEncoding)
	setString(&c.HTTPAddr, fc.HTTPAddr)
	setString(&c.WhatsAppAddr, fc.WhatsAppAddr)
	setString(&c.PublicURL, fc.PublicURL)
	setString(&c.MiddlewareLog, fc.MiddlewareLog)

	if fc.LogLevel != "" {
		lvl, err := ParseLogLevel(fc.LogLevel)
		if err != nil {
			return err
		}
		c.LogLevel = lvl
	}
	if fc.LogFormat != "" {
		c.LogFormat = LogFormat(strings.ToLower(fc.LogFormat))
	}

	c.DisabledMiddlewares = append(c.DisabledMiddlewares, fc.DisabledMiddlewares...)
	for _, m := range fc.Middlewares {
		if !m.Enabled {
			c.DisabledMiddlewares = append(c.DisabledMiddlewares, m.ID)
		}
		// Plugins read their own settings from the environment; the file can
		// seed them without overriding what the operator exported.
		for k, v := range m.EnvVars {
			if v != "" && os.Getenv(k) == "" {
				_ = os.Setenv(k, v)
			}
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Provider, firstEnv("GREEKROOM_PROVIDER"))
	setString(&c.Model, firstEnv("GREEKROOM_MODEL", "PREDICTIONGUARD_DEFAULT_MODEL"))
	setString(&c.BaseURL, firstEnv("GREEKROOM_BASE_URL", "PREDICTIONGUARD_URL"))
	setString(&c.APIKey, firstEnv("GREEKROOM_API_KEY", "PREDICTIONGUARD_API_KEY"))
	setString(&c.SystemPrompt, firstEnv("GREEKROOM_SYSTEM_PROMPT"))
	setString(&c.MCPURL, firstEnv("MCP_URL"))
	setString(&c.MCPAuthToken, firstEnv("MCP_AUTH_TOKEN"))
	setString(&c.TokenEncoding, firstEnv("GREEKROOM_TOKEN_ENCODING"))
	setString(&c.HTTPAddr, firstEnv("GREEKROOM_HTTP_ADDR"))
	setString(&c.PublicURL, firstEnv("GREEKROOM_PUBLIC_URL"))
	setString(&c.TwilioAccountSID, firstEnv("TWILIO_ACCOUNT_SID"))
	setString(&c.TwilioAuthToken, firstEnv("TWILIO_AUTH_TOKEN"))
	setString(&c.TwilioWhatsAppNumber, firstEnv("TWILIO_WHATSAPP_NUMBER"))
	setString(&c.TelegramToken, firstEnv("TELEGRAM_BOT_TOKEN"))
	setString(&c.JWTSecret, firstEnv("JWT_SECRET_KEY"))
	setString(&c.JWTAlgorithm, firstEnv("JWT_ALGORITHM"))
	setString(&c.JWTIssuer, firstEnv("JWT_ISSUER"))
	setString(&c.JWTAudience, firstEnv("JWT_AUDIENCE"))
	setString(&c.MiddlewareLog, firstEnv("GREEKROOM_MIDDLEWARE_LOG"))

	if port := firstEnv("WHATSAPP_PORT"); port != "" {
		c.WhatsAppAddr = ":" + port
	}
	setString(&c.WhatsAppAddr, firstEnv("GREEKROOM_WHATSAPP_ADDR"))

	if v := firstEnv("GREEKROOM_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse GREEKROOM_TEMPERATURE: %w", err)
		}
		c.Temperature = &f
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"GREEKROOM_MAX_TOKENS", &c.MaxTokens},
		{"GREEKROOM_MAX_TURNS", &c.MaxTurns},
		{"GREEKROOM_HISTORY_TOKEN_BUDGET", &c.HistoryTokenBudget},
		{"GREEKROOM_MAX_HISTORY_MESSAGES", &c.MaxHistoryMessages},
	}
	for _, i := range ints {
		v := firstEnv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", i.key, err)
		}
		*i.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"GREEKROOM_DISCOVERY_TIMEOUT", &c.DiscoveryTimeout},
		{"GREEKROOM_TOOL_TIMEOUT", &c.ToolTimeout},
		{"GREEKROOM_COMPLETION_TIMEOUT", &c.CompletionTimeout},
		{"GREEKROOM_TURN_TIMEOUT", &c.TurnTimeout},
		{"GREEKROOM_CATALOG_TTL", &c.CatalogTTL},
		{"GREEKROOM_SESSION_IDLE_TTL", &c.SessionIdleTTL},
		{"GREEKROOM_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key, firstEnv(d.key)); err != nil {
			return err
		}
	}

	if v := firstEnv("GREEKROOM_TWILIO_VALIDATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse GREEKROOM_TWILIO_VALIDATE: %w", err)
		}
		c.ValidateTwilio = b
	}
	if v := firstEnv("GREEKROOM_LOG_LEVEL"); v != "" {
		lvl, err := ParseLogLevel(v)
		if err != nil {
			return err
		}
		c.LogLevel = lvl
	}
	if v := firstEnv("GREEKROOM_LOG_FORMAT"); v != "" {
		c.LogFormat = LogFormat(strings.ToLower(v))
	}
	if v := firstEnv("GREEKROOM_DISABLED_MIDDLEWARES"); v != "" {
		c.DisabledMiddlewares = append(c.DisabledMiddlewares, SplitList(v)...)
	}
	return nil
}

func (c Config) Validate() error {
	if c.MaxTurns <= 0 {
		return errors.New("validate config: max turns must be > 0")
	}
	if c.MaxTokens < 0 {
		return errors.New("validate config: max tokens must be >= 0")
	}
	if c.HistoryTokenBudget < 0 || c.MaxHistoryMessages < 0 {
		return errors.New("validate config: history limits must be >= 0")
	}
	if c.CatalogTTL < 0 || c.SessionIdleTTL < 0 {
		return errors.New("validate config: TTLs must be >= 0")
	}
	for name, d := range map[string]time.Duration{
		"discovery timeout":  c.DiscoveryTimeout,
		"tool timeout":       c.ToolTimeout,
		"completion timeout": c.CompletionTimeout,
		"turn timeout":       c.TurnTimeout,
		"shutdown timeout":   c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("validate config: %s must be > 0", name)
		}
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("validate config: unsupported log format %q (allowed: %q, %q)", c.LogFormat, LogFormatText, LogFormatJSON)
	}
	if c.ValidateTwilio && c.TwilioAuthToken == "" {
		return errors.New("validate config: Twilio signature validation requires TWILIO_AUTH_TOKEN")
	}
	return nil
}

func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("parse log level: unsupported value %q", raw)
	}
}

// SplitList splits a comma separated value, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}
