package config

import "time"

// Config is the complete relay service configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Listener ListenerConfig `yaml:"listener,omitempty"`
	Journal  JournalConfig  `yaml:"journal"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Clients  []ClientConfig `yaml:"clients,omitempty" validate:"dive"`

	// Include lists further files merged into this one, relative to it.
	Include []string `yaml:"include,omitempty"`
}

// ServiceConfig identifies the instance and sets up logging.
type ServiceConfig struct {
	Name      string `yaml:"name" validate:"required,max=64"`
	Tag       string `yaml:"tag,omitempty" validate:"max=64"`
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json text"`
}

// DispatchConfig tunes the call pipeline.
type DispatchConfig struct {
	MaxParents     *int          `yaml:"max_parents,omitempty" validate:"omitempty,gte=0"`
	Timeout        time.Duration `yaml:"timeout" validate:"gte=0"`
	History        bool          `yaml:"history"`
	HistoryTTL     time.Duration `yaml:"history_ttl" validate:"gte=0"`
	StrictResult   bool          `yaml:"strict_result"`
	StrictOverride bool          `yaml:"strict_override"`
	EventBuffer    int           `yaml:"event_buffer" validate:"gte=0"`
}

// ListenerConfig exposes the instance over HTTP.
type ListenerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen" validate:"omitempty,hostname_port"`
	Secret       string        `yaml:"secret,omitempty"`
	Token        string        `yaml:"token,omitempty"`
	Tokens       []TokenConfig `yaml:"tokens,omitempty" validate:"dive"`
	MaxBodySize  int64         `yaml:"max_body_size" validate:"gte=0"`
	ReplyTimeout time.Duration `yaml:"reply_timeout" validate:"gte=0"`
}

// TokenConfig is a listener bearer token limited to some scopes.
type TokenConfig struct {
	Token  string   `yaml:"token" validate:"required"`
	Scopes []string `yaml:"scopes" validate:"required,min=1,dive,oneof=act reply read *"`
}

// JournalConfig locates the SQLite call journal. An empty path disables it.
type JournalConfig struct {
	Path      string        `yaml:"path,omitempty"`
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// JanitorConfig sets how often expired records are pruned.
type JanitorConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// ClientConfig mounts a remote listener under a local pattern.
type ClientConfig struct {
	Pattern string        `yaml:"pattern" validate:"required"`
	URL     string        `yaml:"url" validate:"required,url"`
	Secret  string        `yaml:"secret,omitempty"`
	Token   string        `yaml:"token,omitempty"`
	Async   bool          `yaml:"async,omitempty"`
	ReplyTo string        `yaml:"reply_to,omitempty" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`
}

// Defaults returns a Config with every optional setting filled in.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "relay",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Dispatch: DispatchConfig{
			MaxParents:  intPtr(33),
			Timeout:     22222 * time.Millisecond,
			HistoryTTL:  time.Minute,
			EventBuffer: 256,
		},
		Listener: ListenerConfig{
			Listen:       "127.0.0.1:8484",
			MaxBodySize:  1 << 20,
			ReplyTimeout: 10 * time.Second,
		},
		Journal: JournalConfig{
			Retention: 7 * 24 * time.Hour,
		},
		Janitor: JanitorConfig{
			Interval: 30 * time.Second,
		},
	}
}

func intPtr(n int) *int { return &n }
