// Package config loads the process configuration through a three-layer
// hierarchy: built-in defaults, an optional TOML file, then environment
// variables (prefix GATEWAY_, "__" as the nested-field separator). Any
// layer may be absent; later layers override earlier ones.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/discordant/realtime-core/internal/logging"
)

const envPrefix = "GATEWAY_"

// RateLimitRule is a (window, burst) pair used for every named limiter
// instance described in spec §4.1/§4.5.
type RateLimitRule struct {
	Window time.Duration `toml:"window"`
	Burst  int64         `toml:"burst"`
}

// HTTPIngressRule models the reverse proxy's ingress limiter as two
// independent allowances: a steady-state Rate (e.g. 100 req/min) and a
// shorter-window Burst spike allowance (e.g. 20 req/5s) layered on top of
// it, matching spec §4.5's "100 req/min default, burst 20" wording — one
// RateLimitRule cannot represent both numbers at once.
type HTTPIngressRule struct {
	Rate  RateLimitRule `toml:"rate"`
	Burst RateLimitRule `toml:"burst"`
}

type RateLimitConfig struct {
	SendMessage    RateLimitRule   `toml:"send_message"`
	OtherFrames    RateLimitRule   `toml:"other_frames"`
	HTTPIngress    HTTPIngressRule `toml:"http_ingress"`
	LockoutStrikes int             `toml:"lockout_strikes"`
	LockoutFor     time.Duration   `toml:"lockout_for"`
}

type JWTConfig struct {
	Secret   string `toml:"secret"`
	Issuer   string `toml:"issuer"`
	Audience string `toml:"audience"`
	TTL      time.Duration `toml:"ttl"`
}

type SFUConfig struct {
	BaseURL          string        `toml:"base_url"`
	APIKey           string        `toml:"api_key"`
	APISecret        string        `toml:"api_secret"`
	WebhookSecret    string        `toml:"webhook_secret"`
	TokenTTL         time.Duration `toml:"token_ttl"`
	AllowPrivateHost bool          `toml:"allow_private_host"`
}

type TURNConfig struct {
	Enabled bool          `toml:"enabled"`
	Secret  string        `toml:"secret"`
	Realm   string        `toml:"realm"`
	TTL     time.Duration `toml:"ttl"`
	URIs    []string      `toml:"uris"`
	STUNURIs []string     `toml:"stun_uris"`
	PortMin int           `toml:"port_min"`
	PortMax int           `toml:"port_max"`
}

type ProxyRoute struct {
	PathPrefix string `toml:"path_prefix"`
	TargetURL  string `toml:"target_url"`
}

type Config struct {
	Env             string          `toml:"env"`
	LogLevel        string          `toml:"log_level"`
	GatewayBindAddr string          `toml:"gateway_bind_addr"`
	ProxyBindAddr   string          `toml:"proxy_bind_addr"`
	AllowedOrigins  []string        `toml:"allowed_origins"`

	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`

	JWT JWTConfig `toml:"jwt"`
	SFU SFUConfig `toml:"sfu"`
	TURN TURNConfig `toml:"turn"`

	RateLimit RateLimitConfig `toml:"rate_limit"`

	PresenceGraceWindow    time.Duration `toml:"presence_grace_window"`
	PresenceLivenessWindow time.Duration `toml:"presence_liveness_window"`
	VoiceEmptyTimeout      time.Duration `toml:"voice_empty_timeout"`
	VoiceMaxParticipants   int           `toml:"voice_max_participants"`

	MonitoringEnabled bool   `toml:"monitoring_enabled"`
	MonitoringPath    string `toml:"monitoring_path"`

	ChatCollaboratorURL string `toml:"chat_collaborator_url"`

	ProxyDefaultTarget string       `toml:"proxy_default_target"`
	ProxyRoutes        []ProxyRoute `toml:"proxy_routes"`
	GatewayUpstreamURL string       `toml:"gateway_upstream_url"`

	OTELCollectorAddr string `toml:"otel_collector_addr"`
}

// Default returns the built-in defaults (layer 1).
func Default() *Config {
	return &Config{
		Env:                    "production",
		LogLevel:               "info",
		GatewayBindAddr:        ":8080",
		ProxyBindAddr:          ":8000",
		AllowedOrigins:         []string{"http://localhost:3000"},
		RateLimit: RateLimitConfig{
			SendMessage:    RateLimitRule{Window: 60 * time.Second, Burst: 10},
			OtherFrames:    RateLimitRule{Window: 60 * time.Second, Burst: 60},
			HTTPIngress: HTTPIngressRule{
				Rate:  RateLimitRule{Window: time.Minute, Burst: 100},
				Burst: RateLimitRule{Window: 5 * time.Second, Burst: 20},
			},
			LockoutStrikes: 5,
			LockoutFor:     time.Minute,
		},
		JWT: JWTConfig{
			TTL: time.Hour,
		},
		SFU: SFUConfig{
			TokenTTL: 12 * time.Hour,
		},
		TURN: TURNConfig{
			TTL: 24 * time.Hour,
		},
		PresenceGraceWindow:    10 * time.Minute,
		PresenceLivenessWindow: 15 * time.Minute,
		VoiceEmptyTimeout:      time.Hour,
		VoiceMaxParticipants:   99,
		MonitoringEnabled:      true,
		MonitoringPath:         "/metrics",
		ProxyDefaultTarget:     "http://localhost:9000",
		GatewayUpstreamURL:     "http://localhost:8080",
	}
}

// Load builds the effective configuration: defaults, then an optional
// TOML file at path (ignored if empty or missing), then environment
// overrides. It returns a *apperr-free* error (config errors are fatal at
// startup and handled directly by main).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logValidated(cfg)
	return cfg, nil
}

// applyEnvOverrides walks the small set of environment variables this
// service recognizes. Nested options use "__" as separator, e.g.
// GATEWAY_RATE_LIMIT__SEND_MESSAGE__BURST=20.
func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v == "true"
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	i64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}

	str("ENV", &cfg.Env)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("GATEWAY_BIND_ADDR", &cfg.GatewayBindAddr)
	str("PROXY_BIND_ADDR", &cfg.ProxyBindAddr)
	if v, ok := os.LookupEnv(envPrefix + "ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = strings.Split(v, ",")
	}

	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)

	str("JWT__SECRET", &cfg.JWT.Secret)
	str("JWT__ISSUER", &cfg.JWT.Issuer)
	str("JWT__AUDIENCE", &cfg.JWT.Audience)
	dur("JWT__TTL", &cfg.JWT.TTL)

	str("SFU__BASE_URL", &cfg.SFU.BaseURL)
	str("SFU__API_KEY", &cfg.SFU.APIKey)
	str("SFU__API_SECRET", &cfg.SFU.APISecret)
	str("SFU__WEBHOOK_SECRET", &cfg.SFU.WebhookSecret)
	dur("SFU__TOKEN_TTL", &cfg.SFU.TokenTTL)
	boolean("SFU__ALLOW_PRIVATE_HOST", &cfg.SFU.AllowPrivateHost)

	boolean("TURN__ENABLED", &cfg.TURN.Enabled)
	str("TURN__SECRET", &cfg.TURN.Secret)
	str("TURN__REALM", &cfg.TURN.Realm)
	dur("TURN__TTL", &cfg.TURN.TTL)
	integer("TURN__PORT_MIN", &cfg.TURN.PortMin)
	integer("TURN__PORT_MAX", &cfg.TURN.PortMax)
	if v, ok := os.LookupEnv(envPrefix + "TURN__URIS"); ok {
		cfg.TURN.URIs = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv(envPrefix + "TURN__STUN_URIS"); ok {
		cfg.TURN.STUNURIs = strings.Split(v, ",")
	}

	dur("RATE_LIMIT__SEND_MESSAGE__WINDOW", &cfg.RateLimit.SendMessage.Window)
	i64("RATE_LIMIT__SEND_MESSAGE__BURST", &cfg.RateLimit.SendMessage.Burst)
	dur("RATE_LIMIT__OTHER_FRAMES__WINDOW", &cfg.RateLimit.OtherFrames.Window)
	i64("RATE_LIMIT__OTHER_FRAMES__BURST", &cfg.RateLimit.OtherFrames.Burst)
	dur("RATE_LIMIT__HTTP_INGRESS__RATE__WINDOW", &cfg.RateLimit.HTTPIngress.Rate.Window)
	i64("RATE_LIMIT__HTTP_INGRESS__RATE__BURST", &cfg.RateLimit.HTTPIngress.Rate.Burst)
	dur("RATE_LIMIT__HTTP_INGRESS__BURST__WINDOW", &cfg.RateLimit.HTTPIngress.Burst.Window)
	i64("RATE_LIMIT__HTTP_INGRESS__BURST__BURST", &cfg.RateLimit.HTTPIngress.Burst.Burst)
	integer("RATE_LIMIT__LOCKOUT_STRIKES", &cfg.RateLimit.LockoutStrikes)
	dur("RATE_LIMIT__LOCKOUT_FOR", &cfg.RateLimit.LockoutFor)

	dur("PRESENCE_GRACE_WINDOW", &cfg.PresenceGraceWindow)
	dur("PRESENCE_LIVENESS_WINDOW", &cfg.PresenceLivenessWindow)
	dur("VOICE_EMPTY_TIMEOUT", &cfg.VoiceEmptyTimeout)
	integer("VOICE_MAX_PARTICIPANTS", &cfg.VoiceMaxParticipants)

	boolean("MONITORING_ENABLED", &cfg.MonitoringEnabled)
	str("MONITORING_PATH", &cfg.MonitoringPath)

	str("CHAT_COLLABORATOR_URL", &cfg.ChatCollaboratorURL)
	str("PROXY_DEFAULT_TARGET", &cfg.ProxyDefaultTarget)
	str("GATEWAY_UPSTREAM_URL", &cfg.GatewayUpstreamURL)
	str("OTEL_COLLECTOR_ADDR", &cfg.OTELCollectorAddr)
}

// Validate enforces the invariants the spec pins down exactly (JWT
// secret presence and length, a Redis address, and a TURN secret when
// TURN is enabled); bind addresses are not checked, and all other fields
// have safe defaults and are not fatal if left unset.
func (c *Config) Validate() error {
	var errs []string

	if c.JWT.Secret == "" {
		errs = append(errs, "jwt.secret (GATEWAY_JWT__SECRET) is required")
	} else if len(c.JWT.Secret) < 32 {
		errs = append(errs, fmt.Sprintf("jwt.secret must be at least 32 bytes (got %d)", len(c.JWT.Secret)))
	}

	if c.RedisAddr == "" {
		errs = append(errs, "redis_addr (GATEWAY_REDIS_ADDR) is required")
	}

	if c.TURN.Enabled && c.TURN.Secret == "" {
		errs = append(errs, "turn.secret is required when turn.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func logValidated(cfg *Config) {
	logging.Info(context.Background(), "configuration validated",
		zap.String("env", cfg.Env),
		zap.String("gateway_bind_addr", cfg.GatewayBindAddr),
		zap.String("proxy_bind_addr", cfg.ProxyBindAddr),
		zap.String("jwt_secret", logging.RedactSecret(cfg.JWT.Secret)),
		zap.String("redis_addr", logging.RedactURL(cfg.RedisAddr)),
		zap.String("sfu_base_url", cfg.SFU.BaseURL),
		zap.Bool("turn_enabled", cfg.TURN.Enabled),
		zap.Bool("monitoring_enabled", cfg.MonitoringEnabled),
	)
}
