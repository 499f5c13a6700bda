// Package config reads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every setting consumed by the server.
type Config struct {
	Port string

	StoreDriver     string
	StorageConnStr  string
	TasksTable      string
	UsersTable      string
	DatabaseURL     string
	RedisConnStr    string
	EventsQueue     string
	RelayChannel    string
	CacheTTL        time.Duration
	JWTSecret       string
	TokenTTL        time.Duration
	DenylistTTL     time.Duration
	JWKSURL         string
	AuthAudience    string
	AuthIssuer      string
	StreamBuffer    int
	StreamHeartbeat time.Duration
	ExportWorkers   int
	ExportBuffer    int
	ExportTimeout   time.Duration
	CORSOrigins     []string
	Debug           bool
	LogJSON         bool
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv.
func LoadFrom(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}
	c := Config{
		Port:            r.str("PORT", "3000"),
		StoreDriver:     strings.ToLower(r.str("STORE_DRIVER", "memory")),
		StorageConnStr:  r.str("STORAGE_CONNECTION_STRING", ""),
		TasksTable:      r.str("TASKS_TABLE", "tasks"),
		UsersTable:      r.str("USERS_TABLE", "users"),
		DatabaseURL:     r.str("DATABASE_URL", ""),
		RedisConnStr:    r.str("REDIS_CONNECTION_STRING", ""),
		EventsQueue:     r.str("EVENTS_QUEUE", ""),
		RelayChannel:    r.str("RELAY_CHANNEL", "taskboard:events"),
		CacheTTL:        r.dur("CACHE_TTL", time.Minute),
		JWTSecret:       r.str("JWT_SECRET", ""),
		TokenTTL:        r.dur("TOKEN_TTL", 0),
		DenylistTTL:     r.dur("DENYLIST_TTL", 24*time.Hour),
		JWKSURL:         r.str("JWKS_URL", ""),
		AuthAudience:    r.str("AUTH_AUDIENCE", ""),
		AuthIssuer:      r.str("AUTH_ISSUER", ""),
		StreamBuffer:    r.positiveInt("STREAM_BUFFER", 64),
		StreamHeartbeat: r.dur("STREAM_HEARTBEAT", 30*time.Second),
		ExportWorkers:   r.positiveInt("EXPORT_WORKERS", 4),
		ExportBuffer:    r.positiveInt("EXPORT_BUFFER", 1024),
		ExportTimeout:   r.dur("EXPORT_TIMEOUT", 10*time.Second),
		CORSOrigins:     r.list("CORS_ORIGINS", []string{"*"}),
		Debug:           r.boolean("DEBUG"),
		LogJSON:         strings.EqualFold(r.str("LOG_FORMAT", ""), "json"),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	return c, c.validate()
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("missing JWT_SECRET")
	}
	switch c.StoreDriver {
	case "memory":
	case "tables":
		if c.StorageConnStr == "" {
			return errors.New("STORE_DRIVER=tables requires STORAGE_CONNECTION_STRING")
		}
	case "postgres", "sqlite":
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_DRIVER=%s requires DATABASE_URL", c.StoreDriver)
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}
	if c.EventsQueue != "" && c.StorageConnStr == "" {
		return errors.New("EVENTS_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	if c.TokenTTL < 0 {
		return errors.New("invalid TOKEN_TTL: must not be negative")
	}
	if c.StreamHeartbeat <= 0 {
		return errors.New("invalid STREAM_HEARTBEAT: must be greater than zero")
	}
	return nil
}

// reader keeps the first parse error so Load reports it once.
type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) positiveInt(key string, def int) int {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		r.fail(fmt.Errorf("invalid %s: must be a positive integer", key))
		return def
	}
	return n
}

func (r *reader) dur(key string, def time.Duration) time.Duration {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) boolean(key string) bool {
	b, err := strconv.ParseBool(r.getenv(key))
	return err == nil && b
}

func (r *reader) list(key string, def []string) []string {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
