package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CHATTY_DB_DSN.
const EnvPrefix = "CHATTY"

type Config struct {
	Env             string
	Addr            string
	ShutdownTimeout time.Duration

	DB   DBConfig
	JWT  JWTConfig
	NATS NATSConfig
	WS   WSConfig
}

type DBConfig struct {
	Driver string
	DSN    string
}

type JWTConfig struct {
	Secret string
}

// NATSConfig selects the distributed fabric. An empty URL keeps fan-out
// inside the process.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type WSConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
	AllowedOrigins []string
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("addr", ":8080")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("db.driver", "sqlite3")
	v.SetDefault("db.dsn", "chatty.db")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "chat.group")
	v.SetDefault("ws.write_wait", 10*time.Second)
	v.SetDefault("ws.pong_wait", 60*time.Second)
	v.SetDefault("ws.max_message_size", 64*1024)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.allowed_origins", []string{})
}

// Bind makes v read CHATTY_* environment variables, dots becoming
// underscores.
func Bind(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the config held by v and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Env:             strings.TrimSpace(v.GetString("env")),
		Addr:            v.GetString("addr"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		DB: DBConfig{
			Driver: v.GetString("db.driver"),
			DSN:    v.GetString("db.dsn"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		NATS: NATSConfig{
			URL:           strings.TrimSpace(v.GetString("nats.url")),
			SubjectPrefix: v.GetString("nats.subject_prefix"),
		},
		WS: WSConfig{
			WriteWait:      v.GetDuration("ws.write_wait"),
			PongWait:       v.GetDuration("ws.pong_wait"),
			MaxMessageSize: v.GetInt64("ws.max_message_size"),
			SendBuffer:     v.GetInt("ws.send_buffer"),
			AllowedOrigins: splitAndTrim(v.GetStringSlice("ws.allowed_origins")),
		},
	}

	if cfg.JWT.Secret == "" {
		return Config{}, errors.New("jwt.secret is required (CHATTY_JWT_SECRET)")
	}
	switch cfg.DB.Driver {
	case "sqlite3", "postgres":
	default:
		return Config{}, errors.Errorf("unsupported db.driver %q", cfg.DB.Driver)
	}
	if cfg.DB.DSN == "" {
		return Config{}, errors.New("db.dsn is required")
	}
	if cfg.WS.PongWait <= cfg.WS.WriteWait {
		return Config{}, errors.Errorf("ws.pong_wait (%s) must exceed ws.write_wait (%s)", cfg.WS.PongWait, cfg.WS.WriteWait)
	}
	return cfg, nil
}

// splitAndTrim flattens comma separated entries, as environment variables
// arrive as a single string.
func splitAndTrim(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
		}
	}
	return out
}
