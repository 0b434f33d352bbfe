package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/oauth2/clientcredentials"
)

const envPrefix = "GEOCHAT"

// Configuration is the root settings tree. AppVersion is reported by
// heartbeats so stale clients can reload.
type Configuration struct {
	ListenAddr    string
	SessionSecret string
	BaseURL       string
	AppVersion    int
	LogLevel      string
	Database      DatabaseSettings
	GeoIP         GeoIPSettings
	Cache         struct {
		MaxEntries uint64
	}
	Mqtt  MqttSettings
	Relay RelaySettings
}

type DatabaseSettings struct {
	Driver   string
	User     string
	Password string
	Host     string
	DB       string
	SSLMode  string
	// Path is the SQLite database file.
	Path string
}

type GeoIPSettings struct {
	// URL is a template with a single %s for the address.
	URL        string
	FallbackIP string
	Timeout    time.Duration
	OAuth      clientcredentials.Config
}

type MqttSettings struct {
	ListenAddr string
	TopicRoot  string
	// PublicURL is the broker address handed to clients.
	PublicURL string
}

type RelaySettings struct {
	SquelchThreshold float64
	DecayWindow      time.Duration
	PresenceTTL      time.Duration
	PlaybackSize     int
	HistoryLimit     int
	ChannelKeyReuse  time.Duration
	ChannelKeyTTL    time.Duration
	HandleValidity   time.Duration
	TrimInterval     time.Duration
	// TaskToken guards the trim endpoint. Empty disables it.
	TaskToken     string
	MaxMessageLen int
}

var defaults = map[string]any{
	"listenaddr":               ":8080",
	"baseurl":                  "http://localhost:8080",
	"appversion":               1,
	"loglevel":                 "info",
	"sessionsecret":            "",
	"database.driver":          "sqlite",
	"database.user":            "geochat",
	"database.password":        "",
	"database.host":            "localhost:5432",
	"database.db":              "geochat",
	"database.sslmode":         "disable",
	"database.path":            "geochat.db",
	"geoip.url":                "https://freegeoip.app/json/%s",
	"geoip.fallbackip":         "129.42.38.1",
	"geoip.timeout":            "5s",
	"geoip.oauth.clientid":     "",
	"geoip.oauth.clientsecret": "",
	"geoip.oauth.tokenurl":     "",
	"geoip.oauth.scopes":       []string{},
	"cache.maxentries":         100000,
	"mqtt.listenaddr":          ":1883",
	"mqtt.topicroot":           "geochat",
	"mqtt.publicurl":           "tcp://localhost:1883",
	"relay.squelchthreshold":   1.8,
	"relay.decaywindow":        "600s",
	"relay.presencettl":        "60s",
	"relay.playbacksize":       100,
	"relay.historylimit":       100,
	"relay.channelkeyreuse":    "3500s",
	"relay.channelkeyttl":      "3600s",
	"relay.handlevalidity":     "2h",
	"relay.triminterval":       "1h",
	"relay.tasktoken":          "",
	"relay.maxmessagelen":      500,
}

// Load reads configuration from an optional .env file, a YAML file and
// GEOCHAT_* environment variables, in increasing order of precedence. With
// an empty path, ./config.yaml is used if present.
func Load(path string) (*Configuration, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Configuration
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Configuration) Validate() error {
	var result *multierror.Error
	if c.ListenAddr == "" {
		result = multierror.Append(result, errors.New("listenaddr is required"))
	}
	if len(c.SessionSecret) < 32 {
		result = multierror.Append(result, errors.New("sessionsecret must be at least 32 characters"))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	if strings.Count(c.GeoIP.URL, "%s") != 1 {
		result = multierror.Append(result, errors.New("geoip.url must contain exactly one %s"))
	}
	if c.Relay.SquelchThreshold <= 0 {
		result = multierror.Append(result, errors.New("relay.squelchthreshold must be positive"))
	}
	if c.Relay.ChannelKeyReuse >= c.Relay.ChannelKeyTTL {
		result = multierror.Append(result, errors.New("relay.channelkeyreuse must be shorter than relay.channelkeyttl"))
	}
	if c.Relay.ChannelKeyTTL > c.Relay.HandleValidity {
		result = multierror.Append(result, errors.New("relay.channelkeyttl must not outlive relay.handlevalidity"))
	}
	if c.Relay.PlaybackSize > c.Relay.HistoryLimit {
		result = multierror.Append(result, errors.New("relay.playbacksize must not exceed relay.historylimit"))
	}
	return result.ErrorOrNil()
}

// DSN returns the connection string for the configured driver.
func (c *Configuration) DSN() string {
	db := c.Database
	if db.Driver == "sqlite" {
		return db.Path
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(db.User, db.Password),
		Host:     db.Host,
		Path:     db.DB,
		RawQuery: url.Values{"sslmode": {db.SSLMode}}.Encode(),
	}
	return u.String()
}

// SlogLevel parses LogLevel, defaulting to info.
func (c *Configuration) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
