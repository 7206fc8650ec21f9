// Package config loads the chat client configuration: defaults, then a YAML
// file, then N8NCHAT_* environment overrides. Command-line flags are applied
// by the caller before Validate.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/flintttan/n8n-chat-widget/pkg/events"
	"github.com/flintttan/n8n-chat-widget/pkg/history"
	"github.com/flintttan/n8n-chat-widget/pkg/kv"
	"github.com/flintttan/n8n-chat-widget/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "N8NCHAT_"

var ErrMissingEndpoint = errors.New("config: missing or invalid webhook_url")

type Config struct {
	WebhookURL string            `yaml:"webhook_url" env:"WEBHOOK_URL"`
	Headers    map[string]string `yaml:"custom_headers" env:"CUSTOM_HEADERS" envSeparator:"," envKeyValSeparator:":"`
	// DisableStreaming reads every reply as a single buffered document.
	DisableStreaming bool          `yaml:"disable_streaming" env:"DISABLE_STREAMING"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
	LogLevel         string        `yaml:"log_level" env:"LOG_LEVEL"`

	Text        TextConfig       `yaml:"text" envPrefix:"TEXT_"`
	Theme       ThemeConfig      `yaml:"theme" envPrefix:"THEME_"`
	History     HistoryConfig    `yaml:"history" envPrefix:"HISTORY_"`
	Attachments AttachmentConfig `yaml:"attachments" envPrefix:"ATTACHMENTS_"`
	Storage     kv.Settings      `yaml:"storage" envPrefix:"STORAGE_"`
	Events      events.Settings  `yaml:"events" envPrefix:"EVENTS_"`
	Render      RenderConfig     `yaml:"render" envPrefix:"RENDER_"`
	Server      ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
}

type TextConfig struct {
	Title                 string `yaml:"title" env:"TITLE"`
	Description           string `yaml:"description" env:"DESCRIPTION"`
	Placeholder           string `yaml:"placeholder" env:"PLACEHOLDER"`
	EmptyStateTitle       string `yaml:"empty_state_title" env:"EMPTY_STATE_TITLE"`
	EmptyStateDescription string `yaml:"empty_state_description" env:"EMPTY_STATE_DESCRIPTION"`
}

type ThemeConfig struct {
	PrimaryColor   string `yaml:"primary_color" env:"PRIMARY_COLOR"`
	AccentColor    string `yaml:"accent_color" env:"ACCENT_COLOR"`
	HighlightColor string `yaml:"highlight_color" env:"HIGHLIGHT_COLOR"`
	TextColor      string `yaml:"text_color" env:"TEXT_COLOR"`
	TextColorMuted string `yaml:"text_color_muted" env:"TEXT_COLOR_MUTED"`
}

type HistoryConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	MaxItems int    `yaml:"max_items" env:"MAX_ITEMS"`
	Key      string `yaml:"key" env:"KEY"`
}

type AttachmentConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// UploadTypes is a preset (image, pdf, csv, all) or a MIME list.
	UploadTypes string `yaml:"upload_types" env:"UPLOAD_TYPES"`
	// DefaultPrompt is sent when a turn has attachments and no text.
	DefaultPrompt string `yaml:"default_prompt" env:"DEFAULT_PROMPT"`
}

type RenderConfig struct {
	Markdown bool   `yaml:"markdown" env:"MARKDOWN"`
	Style    string `yaml:"style" env:"STYLE"`
	Width    int    `yaml:"width" env:"WIDTH"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// Default mirrors the browser widget's defaults.
func Default() *Config {
	return &Config{
		Headers:  map[string]string{},
		LogLevel: "info",
		Text: TextConfig{
			Title:                 "AI Assistant",
			Description:           "Ask me anything",
			Placeholder:           "Type your question...",
			EmptyStateTitle:       "Start a conversation",
			EmptyStateDescription: "I can help answer your questions",
		},
		Theme: ThemeConfig{
			PrimaryColor:   "#0A1F2A",
			AccentColor:    "#FF7557",
			HighlightColor: "#FF1D5E",
			TextColor:      "#111827",
			TextColorMuted: "#6B7280",
		},
		History: HistoryConfig{
			Enabled:  true,
			MaxItems: history.DefaultMaxItems,
			Key:      history.DefaultKey,
		},
		Attachments: AttachmentConfig{
			Enabled:       true,
			UploadTypes:   "image",
			DefaultPrompt: "Please analyze this image",
		},
		Storage: kv.Settings{Backend: kv.BackendFile, Path: defaultDataDir()},
		Events:  events.Settings{Topic: events.DefaultTopic},
		Render:  RenderConfig{Markdown: true, Style: "auto", Width: 100},
		Server:  ServerConfig{Addr: "127.0.0.1:8089"},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "n8nchat", "history")
	}
	return filepath.Join(".", ".n8nchat", "history")
}

// DefaultPath is where the CLI looks for a config file when --config is not
// given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "n8nchat", "config.yaml")
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
		if err := cfg.parseYAML(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.Environ()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse applies YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.parseYAML(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseYAML(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, "config: parse")
	}
	return nil
}

func (c *Config) applyEnv(environ []string) error {
	vars := map[string]string{}
	for _, pair := range environ {
		if k, v, ok := strings.Cut(pair, "="); ok {
			vars[k] = v
		}
	}
	err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix, Environment: vars})
	return errors.Wrap(err, "config: environment")
}

// Validate reports every problem at once. A missing or non-http(s) webhook
// URL wraps ErrMissingEndpoint.
func (c *Config) Validate() error {
	var errs []string
	endpointBad := false

	u, err := url.Parse(strings.TrimSpace(c.WebhookURL))
	switch {
	case strings.TrimSpace(c.WebhookURL) == "":
		errs = append(errs, "webhook_url is required")
		endpointBad = true
	case err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "":
		errs = append(errs, fmt.Sprintf("webhook_url %q must be an http(s) URL", c.WebhookURL))
		endpointBad = true
	}
	if c.History.MaxItems < 1 {
		errs = append(errs, "history.max_items must be at least 1")
	}
	if c.Timeout < 0 {
		errs = append(errs, "timeout must not be negative")
	}
	if c.Attachments.Enabled && strings.TrimSpace(c.Attachments.UploadTypes) == "" {
		errs = append(errs, "attachments.upload_types is required when attachments are enabled")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case "", kv.BackendMemory, kv.BackendRedis:
	case kv.BackendFile, kv.BackendBolt, kv.BackendSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, fmt.Sprintf("storage.path is required for the %s backend", c.Storage.Backend))
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is unknown", c.Storage.Backend))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("log_level %q is invalid", c.LogLevel))
	}
	if c.Render.Width < 0 {
		errs = append(errs, "render.width must not be negative")
	}

	if len(errs) == 0 {
		return nil
	}
	msg := "config: validation failed: " + strings.Join(errs, "; ")
	if endpointBad {
		return errors.Wrap(ErrMissingEndpoint, msg)
	}
	return errors.New(msg)
}

func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		URL:              c.WebhookURL,
		Headers:          c.Headers,
		DisableStreaming: c.DisableStreaming,
		Timeout:          c.Timeout,
	}
}

func (c *Config) HistoryOptions() history.Options {
	return history.Options{
		Key:      c.History.Key,
		MaxItems: c.History.MaxItems,
		Disabled: !c.History.Enabled,
	}
}

func (c *Config) Accept() transport.AcceptList {
	return transport.ParseAccept(c.Attachments.UploadTypes)
}
