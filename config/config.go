package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zllovesuki/schoolplan/plan"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	extErrors "github.com/pkg/errors"
)

// Environment determines the logger, Sentry environment and the .env file to load
type Environment string

// Defining the environments
const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds every setting of the api and task binaries
type Config struct {
	Env         Environment `validate:"oneof=development production"`
	ListenAddr  string      `validate:"required"`
	PostgresURI string      `validate:"required"`
	RedisURI    string
	RedisPW     string
	AMQPURI     string

	StripeKey           string `validate:"required"`
	StripeWebhookSecret string `validate:"required"`
	StripeSyncPlans     bool

	PlansFile      string
	JWTSigningKey  string          `validate:"min=16"`
	PlanResolution plan.Resolution `validate:"oneof=snapshot live"`
	CORSOrigins    []string

	SweepSchedule       string `validate:"required"`
	ReconcileSchedule   string `validate:"required"`
	PlanRefreshSchedule string `validate:"required"`
	SweepConcurrency    int    `validate:"min=1"`
	PastDueWindow       time.Duration
	GraceWindow         time.Duration
	FailureThreshold    int `validate:"min=1"`
	RenewalLeeway       time.Duration
	WebhookTimeout      time.Duration `validate:"gt=0"`
}

// DotFile returns the .env file of the environment named by env
func DotFile(env string) string {
	if env == string(EnvProduction) {
		return ".env.production"
	}
	return ".env.development"
}

// Load reads dotFiles into the process environment (existing variables win), then
// builds the Config from it
func Load(getenv func(string) string, dotFiles ...string) (*Config, error) {
	if len(dotFiles) > 0 {
		if err := godotenv.Load(dotFiles...); err != nil {
			return nil, extErrors.Wrap(err, "Cannot load configurations from .env")
		}
	}
	return FromEnv(getenv)
}

type reader struct {
	getenv func(string) string
	errs   []string
}

func (r *reader) str(key, fallback string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (r *reader) integer(key string, fallback int) int {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return fallback
	}
	return d
}

func (r *reader) boolean(key string) bool {
	v := r.str(key, "")
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
	}
	return b
}

func (r *reader) list(key string) []string {
	var out []string
	for _, item := range strings.Split(r.str(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// FromEnv builds and validates a Config from getenv, applying defaults for unset keys
func FromEnv(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		return nil, fmt.Errorf("nil getenv is invalid")
	}
	r := &reader{getenv: getenv}
	c := &Config{
		Env:         Environment(r.str("ENV", string(EnvDevelopment))),
		ListenAddr:  r.str("LISTEN_ADDR", ":42069"),
		PostgresURI: r.str("POSTGRES_URI", ""),
		RedisURI:    r.str("REDIS_URI", ""),
		RedisPW:     r.str("REDIS_PW", ""),
		AMQPURI:     r.str("AMQP_URI", ""),

		StripeKey:           r.str("STRIPE_KEY", ""),
		StripeWebhookSecret: r.str("STRIPE_WEBHOOK_SECRET", ""),
		StripeSyncPlans:     r.boolean("STRIPE_SYNC_PLANS"),

		PlansFile:      r.str("PLANS_FILE", ""),
		JWTSigningKey:  r.str("JWT_SIGNING_KEY", ""),
		PlanResolution: plan.Resolution(r.str("PLAN_RESOLUTION", string(plan.ResolveSnapshot))),
		CORSOrigins:    r.list("CORS_ORIGINS"),

		SweepSchedule:       r.str("SWEEP_SCHEDULE", "@every 1h"),
		ReconcileSchedule:   r.str("RECONCILE_SCHEDULE", "@every 6h"),
		PlanRefreshSchedule: r.str("PLAN_REFRESH_SCHEDULE", "@every 1m"),
		SweepConcurrency:    r.integer("SWEEP_CONCURRENCY", 8),
		PastDueWindow:       r.duration("PAST_DUE_WINDOW", 72*time.Hour),
		GraceWindow:         r.duration("GRACE_WINDOW", 168*time.Hour),
		FailureThreshold:    r.integer("FAILURE_THRESHOLD", 3),
		RenewalLeeway:       r.duration("RENEWAL_LEEWAY", 0),
		WebhookTimeout:      r.duration("WEBHOOK_TIMEOUT", 10*time.Second),
	}
	if len(r.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(r.errs, "; "))
	}
	if err := validator.New().Struct(c); err != nil {
		return nil, extErrors.Wrap(err, "Invalid configuration")
	}
	return c, nil
}

// IsProduction reports whether the binaries run in production
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}
