package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the bridge process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Trunk    TrunkConfig
	Rooms    RoomConfig
	Agent    AgentConfig
	Session  SessionConfig
	Dispatch DispatchConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for hosted-Postgres posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional: when Host is empty, per-trunk call caps are
// disabled and the bridge runs without Redis.
type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// TrunkConfig selects and configures the trunk adapter.
//
// Provider "sip" runs a sipgo UAS; "http" accepts gateway webhooks and posts
// commands back to GatewayURL.
type TrunkConfig struct {
	Provider string // "sip" or "http"

	// SIP adapter.
	SIPListenAddr string // e.g. "0.0.0.0:5060"
	MediaHost     string // advertised in SDP answers; the media gateway's address
	MediaPort     int

	// HTTP gateway adapter.
	GatewayURL string
}

// RoomConfig selects the media room backend.
// Provider "livekit" talks to a LiveKit server; "memory" is for local runs.
type RoomConfig struct {
	Provider  string
	URL       string
	APIKey    string
	APISecret string
}

type AgentConfig struct {
	// WorkerCommand is the agent worker launch command, space-separated.
	// The room name, agent profile and agent id are passed via env.
	WorkerCommand string

	// ReadyMarker is the stdout line fragment signaling worker readiness.
	ReadyMarker string
}

// SessionConfig bounds every external wait in the session state machine.
type SessionConfig struct {
	RoomCreateTimeout time.Duration
	AgentReadyTimeout time.Duration
	TeardownTimeout   time.Duration

	// TerminalGrace keeps terminal sessions in the registry so late duplicate
	// events are recognized and dropped.
	TerminalGrace time.Duration

	// MaxCallsPerTrunk caps concurrent live calls per trunk id (0 = unlimited).
	// Requires Redis.
	MaxCallsPerTrunk int
}

type DispatchConfig struct {
	// RulesPath points at the YAML dispatch rule file.
	RulesPath string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = optDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = optDuration("JWT_REFRESH_TTL")

	c.Trunk.Provider = strings.TrimSpace(os.Getenv("TRUNK_PROVIDER"))
	c.Trunk.SIPListenAddr = strings.TrimSpace(os.Getenv("SIP_LISTEN_ADDR"))
	c.Trunk.MediaHost = strings.TrimSpace(os.Getenv("SIP_MEDIA_HOST"))
	if v := strings.TrimSpace(os.Getenv("SIP_MEDIA_PORT")); v != "" {
		n, err := mustInt("SIP_MEDIA_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Trunk.MediaPort = n
	}
	c.Trunk.GatewayURL = strings.TrimSpace(os.Getenv("TRUNK_GATEWAY_URL"))

	c.Rooms.Provider = strings.TrimSpace(os.Getenv("ROOM_PROVIDER"))
	c.Rooms.URL = strings.TrimSpace(os.Getenv("LIVEKIT_URL"))
	c.Rooms.APIKey = strings.TrimSpace(os.Getenv("LIVEKIT_API_KEY"))
	c.Rooms.APISecret = os.Getenv("LIVEKIT_API_SECRET")

	c.Agent.WorkerCommand = strings.TrimSpace(os.Getenv("AGENT_WORKER_COMMAND"))
	c.Agent.ReadyMarker = strings.TrimSpace(os.Getenv("AGENT_READY_MARKER"))

	c.Session.RoomCreateTimeout = optDuration("SESSION_ROOM_CREATE_TIMEOUT")
	c.Session.AgentReadyTimeout = optDuration("SESSION_AGENT_READY_TIMEOUT")
	c.Session.TeardownTimeout = optDuration("SESSION_TEARDOWN_TIMEOUT")
	c.Session.TerminalGrace = optDuration("SESSION_TERMINAL_GRACE")
	if v := strings.TrimSpace(os.Getenv("TRUNK_MAX_CALLS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("TRUNK_MAX_CALLS must be an integer, got %q", v))
		}
		c.Session.MaxCallsPerTrunk = n
	}

	c.Dispatch.RulesPath = strings.TrimSpace(os.Getenv("DISPATCH_RULES_PATH"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Session.MaxCallsPerTrunk < 0 {
		errs = append(errs, errors.New("TRUNK_MAX_CALLS must be >= 0"))
	}
	if c.Session.MaxCallsPerTrunk > 0 && c.Redis.Host == "" {
		errs = append(errs, errors.New("TRUNK_MAX_CALLS requires REDIS_HOST"))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	switch c.Trunk.Provider {
	case "":
		errs = append(errs, errors.New("TRUNK_PROVIDER is required (sip or http)"))
	case "sip":
		if c.Trunk.SIPListenAddr == "" {
			errs = append(errs, errors.New("SIP_LISTEN_ADDR is required for the sip trunk provider"))
		}
		if c.Trunk.MediaHost == "" {
			errs = append(errs, errors.New("SIP_MEDIA_HOST is required for the sip trunk provider"))
		}
		if c.Trunk.MediaPort <= 0 || c.Trunk.MediaPort > 65535 {
			errs = append(errs, fmt.Errorf("SIP_MEDIA_PORT must be a valid port, got %d", c.Trunk.MediaPort))
		}
	case "http":
		if c.Trunk.GatewayURL == "" {
			errs = append(errs, errors.New("TRUNK_GATEWAY_URL is required for the http trunk provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("TRUNK_PROVIDER must be sip or http, got %q", c.Trunk.Provider))
	}

	switch c.Rooms.Provider {
	case "":
		errs = append(errs, errors.New("ROOM_PROVIDER is required (livekit or memory)"))
	case "livekit":
		if c.Rooms.URL == "" || c.Rooms.APIKey == "" || c.Rooms.APISecret == "" {
			errs = append(errs, errors.New("LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required for the livekit room provider"))
		}
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("ROOM_PROVIDER memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("ROOM_PROVIDER must be livekit or memory, got %q", c.Rooms.Provider))
	}

	if c.Agent.WorkerCommand == "" {
		errs = append(errs, errors.New("AGENT_WORKER_COMMAND is required"))
	}
	if c.Agent.ReadyMarker == "" {
		c.Agent.ReadyMarker = "agent ready"
	}

	if c.Session.RoomCreateTimeout <= 0 {
		c.Session.RoomCreateTimeout = 10 * time.Second
	}
	if c.Session.AgentReadyTimeout <= 0 {
		c.Session.AgentReadyTimeout = 20 * time.Second
	}
	if c.Session.TeardownTimeout <= 0 {
		c.Session.TeardownTimeout = 10 * time.Second
	}
	if c.Session.TerminalGrace <= 0 {
		c.Session.TerminalGrace = 30 * time.Second
	}

	if c.Dispatch.RulesPath == "" {
		errs = append(errs, errors.New("DISPATCH_RULES_PATH is required"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	for i, e := range errs {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(e.Error())
	}
	return errors.New(b.String())
}
