package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "BOQSYNC"

var ErrInvalidConfig = errors.New("invalid config")

// Config holds every knob shared by the client daemon and the dev hub. Values
// come from defaults, then an optional config file, then BOQSYNC_* variables.
type Config struct {
	APIURL      string `mapstructure:"api_url"`
	StreamURL   string `mapstructure:"stream_url"`
	Token       string `mapstructure:"token"`
	TokenFile   string `mapstructure:"token_file"`
	ProjectID   string `mapstructure:"project_id"`
	SnapshotDSN string `mapstructure:"snapshot_dsn"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	JoinTimeout    time.Duration `mapstructure:"join_timeout"`
	ConflictWindow time.Duration `mapstructure:"conflict_window"`

	Reconnect     ReconnectConfig     `mapstructure:"reconnect"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Hub           HubConfig           `mapstructure:"hub"`
}

type ReconnectConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Keepalive      time.Duration `mapstructure:"keepalive"`
}

type NotificationsConfig struct {
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollJitter   float64       `mapstructure:"poll_jitter"`
}

type HubConfig struct {
	Addr      string `mapstructure:"addr"`
	Secret    string `mapstructure:"secret"`
	RateLimit int    `mapstructure:"rate_limit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_url", "http://127.0.0.1:8080")
	v.SetDefault("stream_url", "")
	v.SetDefault("token", "")
	v.SetDefault("token_file", "")
	v.SetDefault("project_id", "")
	v.SetDefault("snapshot_dsn", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("join_timeout", 10*time.Second)
	v.SetDefault("conflict_window", 3*time.Second)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.initial_backoff", time.Second)
	v.SetDefault("reconnect.max_backoff", 5*time.Second)
	v.SetDefault("reconnect.keepalive", 25*time.Second)
	v.SetDefault("notifications.stale_after", 30*time.Second)
	v.SetDefault("notifications.poll_interval", 60*time.Second)
	v.SetDefault("notifications.poll_jitter", 0.2)
	v.SetDefault("hub.addr", ":8080")
	v.SetDefault("hub.secret", "")
	v.SetDefault("hub.rate_limit", 0)
}

// Load reads configuration. path may be empty, in which case only defaults and
// the environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if cfg.Token == "" && cfg.TokenFile != "" {
		token, err := ReadToken(cfg.TokenFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Token = token
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	c.StreamURL = strings.TrimSpace(c.StreamURL)
	c.Token = strings.TrimSpace(c.Token)
	c.TokenFile = strings.TrimSpace(c.TokenFile)
	c.ProjectID = strings.TrimSpace(c.ProjectID)
	c.SnapshotDSN = strings.TrimSpace(c.SnapshotDSN)
	if c.StreamURL == "" && c.APIURL != "" {
		c.StreamURL = DeriveStreamURL(c.APIURL)
	}
}

// Validate checks the fields the client daemon needs to connect.
func (c Config) Validate() error {
	var problems []string
	if _, err := parseHTTPURL(c.APIURL); err != nil {
		problems = append(problems, "api_url: "+err.Error())
	}
	if c.StreamURL != "" {
		parsed, err := url.Parse(c.StreamURL)
		if err != nil || parsed.Host == "" {
			problems = append(problems, "stream_url: must be an absolute URL")
		} else {
			switch parsed.Scheme {
			case "ws", "wss", "http", "https":
			default:
				problems = append(problems, "stream_url: unsupported scheme "+parsed.Scheme)
			}
		}
	}
	if c.Token == "" {
		problems = append(problems, "token: set token or token_file")
	}
	if c.Reconnect.MaxAttempts < 0 {
		problems = append(problems, "reconnect.max_attempts: must not be negative")
	}
	if c.Reconnect.InitialBackoff <= 0 || c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		problems = append(problems, "reconnect: backoff must be positive and max_backoff >= initial_backoff")
	}
	if c.Notifications.PollJitter < 0 || c.Notifications.PollJitter > 1 {
		problems = append(problems, "notifications.poll_jitter: must be within [0,1]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// DeriveStreamURL maps an API base URL to its websocket stream endpoint.
func DeriveStreamURL(apiURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil || parsed.Host == "" {
		return ""
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/stream"
	parsed.RawQuery = ""
	return parsed.String()
}

func ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func parseHTTPURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("must be http or https")
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return parsed, nil
}
