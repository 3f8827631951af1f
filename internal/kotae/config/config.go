// Package config loads, validates and persists Kotae's config.yaml.
//
// The file is the single source of operator settings. A missing file is
// replaced with the documented defaults on first start. Running instances
// pick up later edits through Watcher, which publishes Change values instead
// of mutating shared state.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kotae/common/environment"
	"github.com/bdobrica/Kotae/common/fsutil"
)

// DefaultPath is used when neither --config nor KOTAE_CONFIG is given.
const DefaultPath = "config.yaml"

// Built-in prompt defaults.
const (
	DefaultSystemPrompt  = "You are a friendly chatbot taking part in a casual chat conversation. Keep replies short and conversational."
	DefaultBotPrompt     = "Reply briefly to {name}."
	DefaultFallbackReply = "Couldn't think of a reply."
)

// ErrMissingCredential is returned by RequireCredentials when the Matrix
// access token or user ID is absent.
var ErrMissingCredential = errors.New("config: platform credential not configured")

// Error reports an invalid configuration value.
type Error struct {
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Msg)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Duration is a time.Duration that reads and writes as "1s"-style strings.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(time.Duration(d).String()) }

// Config mirrors config.yaml.
type Config struct {
	// Upstream model endpoint.
	APIURL         string   `yaml:"api_url" json:"api_url"`
	Model          string   `yaml:"model" json:"model"`
	SystemPrompt   string   `yaml:"system_prompt" json:"system_prompt"`
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`

	// Matrix account.
	BotToken   string `yaml:"bot_token" json:"bot_token"`
	Homeserver string `yaml:"homeserver" json:"homeserver"`
	UserID     string `yaml:"user_id" json:"user_id"`
	BotName    string `yaml:"bot_name" json:"bot_name"`

	// Response policy.
	CooldownSeconds  int      `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	SelectedChannels []string `yaml:"selected_channels" json:"selected_channels"`
	AutoSelectNewDMs bool     `yaml:"auto_select_new_dms" json:"auto_select_new_dms"`
	GroupMaxMembers  int      `yaml:"group_max_members" json:"group_max_members"`

	// Pipeline.
	MaxSavedMessages int      `yaml:"max_saved_messages" json:"max_saved_messages"`
	MaxRetries       int      `yaml:"max_retries" json:"max_retries"`
	RetryDelay       Duration `yaml:"retry_delay" json:"retry_delay"`
	BotPrompt        string   `yaml:"bot_prompt" json:"bot_prompt"`
	FallbackReply    string   `yaml:"fallback_reply" json:"fallback_reply"`

	// Storage.
	MemoryBackend string `yaml:"memory_backend" json:"memory_backend"`
	MemoryFile    string `yaml:"memory_file" json:"memory_file"`
	DatabasePath  string `yaml:"database_path" json:"database_path"`

	// Observability.
	LogLevel    string `yaml:"log_level" json:"log_level"`
	LogFormat   string `yaml:"log_format" json:"log_format"`
	LogFile     string `yaml:"log_file" json:"log_file"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		APIURL:           "http://localhost:11434/api/chat",
		Model:            "dolphin3",
		SystemPrompt:     DefaultSystemPrompt,
		RequestTimeout:   Duration(30 * time.Second),
		Homeserver:       "https://matrix.org",
		BotName:          "kotae",
		CooldownSeconds:  10,
		SelectedChannels: []string{},
		GroupMaxMembers:  10,
		MaxSavedMessages: 50,
		MaxRetries:       3,
		RetryDelay:       Duration(time.Second),
		BotPrompt:        DefaultBotPrompt,
		FallbackReply:    DefaultFallbackReply,
		MemoryBackend:    "file",
		MemoryFile:       "memory.json",
		DatabasePath:     "kotae.db",
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	cp.SelectedChannels = make([]string, len(c.SelectedChannels))
	copy(cp.SelectedChannels, c.SelectedChannels)
	return &cp
}

// Cooldown returns CooldownSeconds as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// PathFromEnv resolves the config path: explicit flag value, then
// KOTAE_CONFIG, then DefaultPath.
func PathFromEnv(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return environment.StringOr("KOTAE_CONFIG", DefaultPath)
}

// Load reads and validates the config file at path. When the file does not
// exist the defaults are written to path and returned with created = true.
// Keys absent from an existing file keep their default values.
func Load(path string) (cfg *Config, created bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		if err := Save(path, cfg); err != nil {
			return nil, false, fmt.Errorf("write default config: %w", err)
		}
		slog.Info("wrote default configuration", "path", path)
		return cfg, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err = Parse(data)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, false, nil
}

// Read is Load without the side effect: a missing file yields the defaults
// and nothing is written. Inspection commands use it.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &Error{Msg: "parse yaml", Err: err}
		}
	}
	if cfg.SelectedChannels == nil {
		cfg.SelectedChannels = []string{}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment overrides. Overrides are never written back
// by Save because callers only apply them to the in-memory copy they run with.
func ApplyEnv(cfg *Config) {
	if v, ok := environment.Lookup("KOTAE_BOT_TOKEN"); ok {
		cfg.BotToken = v
	}
	if v, ok := environment.Lookup("KOTAE_USER_ID"); ok {
		cfg.UserID = v
	}
	if v, ok := environment.Lookup("KOTAE_API_URL"); ok {
		cfg.APIURL = v
	}
	cfg.SelectedChannels = environment.StringSliceOr("KOTAE_SELECTED_CHANNELS", cfg.SelectedChannels)
	cfg.CooldownSeconds = environment.IntOr("KOTAE_COOLDOWN_SECONDS", cfg.CooldownSeconds)
	cfg.LogLevel = environment.StringOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = environment.StringOr("LOG_FORMAT", cfg.LogFormat)
}

// RequireCredentials checks the values that are only needed to connect to
// the homeserver. Commands that merely edit the file skip it.
func RequireCredentials(cfg *Config) error {
	var missing []string
	if strings.TrimSpace(cfg.BotToken) == "" {
		missing = append(missing, "bot_token")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: set %s in the config file or environment", ErrMissingCredential, strings.Join(missing, ", "))
	}
	return nil
}

//go:embed config.schema.json
var schemaJSON string

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("config.schema.json", schemaJSON)
})

// Validate checks cfg against the embedded JSON Schema and the rules the
// schema cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &Error{Msg: "config must not be nil"}
	}

	schema, err := compiledSchema()
	if err != nil {
		return &Error{Msg: "compile schema", Err: err}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return &Error{Msg: "encode for validation", Err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return &Error{Msg: "decode for validation", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			leaf := verr
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			field := strings.TrimPrefix(leaf.InstanceLocation, "/")
			return &Error{Field: field, Msg: leaf.Message, Err: err}
		}
		return &Error{Msg: "schema validation failed", Err: err}
	}

	if cfg.MemoryBackend == "file" && strings.TrimSpace(cfg.MemoryFile) == "" {
		return &Error{Field: "memory_file", Msg: "required when memory_backend is \"file\""}
	}
	if cfg.RequestTimeout.D() <= 0 {
		return &Error{Field: "request_timeout", Msg: "must be positive"}
	}
	if cfg.RetryDelay.D() < 0 {
		return &Error{Field: "retry_delay", Msg: "must not be negative"}
	}
	return nil
}

const fileHeader = "# Kotae configuration. Edits are picked up while the bot is running.\n"

// Save writes cfg to path atomically (temp file + rename).
func Save(path string, cfg *Config) error {
	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o600)
}

// Update loads the file at path, applies mutate and saves the result. It is
// the read-modify-write used by the CLI and by auto-selection of new DMs.
func Update(path string, mutate func(*Config) error) (*Config, error) {
	cfg, _, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := mutate(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if err := Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
