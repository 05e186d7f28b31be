package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"grimstack.io/grim/src/oops"
)

// The process-wide configuration. Filled by Load before any command runs.
var Config = Defaults()

func Defaults() GrimConfig {
	return GrimConfig{
		Env:       Dev,
		Addr:      ":9001",
		DbPath:    "grim.db",
		LogLevel:  zerolog.InfoLevel,
		LogFormat: "pretty",
		Auth: AuthConfig{
			SessionDuration: time.Hour * 24 * 14,
		},
		Comments: CommentsConfig{
			MinLength:      5,
			MaxLength:      8000,
			MaxLevel:       32,
			QueryMaxLevel:  6,
			QueryAmount:    50,
			MaxAmount:      50,
			MaxAmountAdmin: 500,
		},
		Expiry: ExpiryConfig{
			SweepInterval: time.Second,
		},
		RateLimit: RateLimitConfig{
			CreateHits:   3,
			CreateWindow: time.Minute * 2,
			EditHits:     3,
			EditWindow:   time.Minute * 5,
		},
	}
}

// RegisterFlags adds the settings that are commonly overridden on the command
// line. Everything else is set through GRIM_* environment variables.
func RegisterFlags(cmd *cobra.Command) {
	def := Defaults()
	flags := cmd.PersistentFlags()
	flags.String("env", string(def.Env), "Environment (live, beta, dev)")
	flags.String("addr", def.Addr, "Address the website listens on")
	flags.String("db-path", def.DbPath, "Path of the database file")
	flags.String("log-level", def.LogLevel.String(), "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", def.LogFormat, "Log format (pretty, json)")
}

// Loads each file that exists into the environment. Variables that are
// already set win over the files.
func loadDotenv(filenames ...string) error {
	for _, filename := range filenames {
		err := godotenv.Load(filename)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return oops.New(err, "failed to read %s", filename)
		}
	}
	return nil
}

// Load reads .env files, GRIM_* environment variables, and any flags
// registered on cmd (which may be nil) into a new config.
func Load(cmd *cobra.Command) (GrimConfig, error) {
	if err := loadDotenv(".env", ".env.local"); err != nil {
		return GrimConfig{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("grim")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	def := Defaults()
	v.SetDefault("env", string(def.Env))
	v.SetDefault("addr", def.Addr)
	v.SetDefault("db-path", def.DbPath)
	v.SetDefault("log-level", def.LogLevel.String())
	v.SetDefault("log-format", def.LogFormat)
	v.SetDefault("auth.cookie-domain", def.Auth.CookieDomain)
	v.SetDefault("auth.cookie-secure", def.Auth.CookieSecure)
	v.SetDefault("auth.session-duration", def.Auth.SessionDuration)
	v.SetDefault("comments.min-length", def.Comments.MinLength)
	v.SetDefault("comments.max-length", def.Comments.MaxLength)
	v.SetDefault("comments.max-level", def.Comments.MaxLevel)
	v.SetDefault("comments.query-max-level", def.Comments.QueryMaxLevel)
	v.SetDefault("comments.query-amount", def.Comments.QueryAmount)
	v.SetDefault("comments.max-amount", def.Comments.MaxAmount)
	v.SetDefault("comments.max-amount-admin", def.Comments.MaxAmountAdmin)
	v.SetDefault("expiry.sweep-interval", def.Expiry.SweepInterval)
	v.SetDefault("ratelimit.create-hits", def.RateLimit.CreateHits)
	v.SetDefault("ratelimit.create-window", def.RateLimit.CreateWindow)
	v.SetDefault("ratelimit.edit-hits", def.RateLimit.EditHits)
	v.SetDefault("ratelimit.edit-window", def.RateLimit.EditWindow)

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return GrimConfig{}, oops.New(err, "failed to bind command line flags")
		}
	}

	level, err := zerolog.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return GrimConfig{}, oops.New(err, "invalid log level")
	}

	env := Environment(v.GetString("env"))
	switch env {
	case Live, Beta, Dev:
	default:
		return GrimConfig{}, oops.New(nil, "unknown environment '%s'", env)
	}

	conf := GrimConfig{
		Env:       env,
		Addr:      v.GetString("addr"),
		DbPath:    v.GetString("db-path"),
		LogLevel:  level,
		LogFormat: v.GetString("log-format"),
		Auth: AuthConfig{
			CookieDomain:    v.GetString("auth.cookie-domain"),
			CookieSecure:    v.GetBool("auth.cookie-secure"),
			SessionDuration: v.GetDuration("auth.session-duration"),
		},
		Comments: CommentsConfig{
			MinLength:      v.GetInt("comments.min-length"),
			MaxLength:      v.GetInt("comments.max-length"),
			MaxLevel:       v.GetInt("comments.max-level"),
			QueryMaxLevel:  v.GetInt("comments.query-max-level"),
			QueryAmount:    v.GetInt("comments.query-amount"),
			MaxAmount:      v.GetInt("comments.max-amount"),
			MaxAmountAdmin: v.GetInt("comments.max-amount-admin"),
		},
		Expiry: ExpiryConfig{
			SweepInterval: v.GetDuration("expiry.sweep-interval"),
		},
		RateLimit: RateLimitConfig{
			CreateHits:   v.GetInt("ratelimit.create-hits"),
			CreateWindow: v.GetDuration("ratelimit.create-window"),
			EditHits:     v.GetInt("ratelimit.edit-hits"),
			EditWindow:   v.GetDuration("ratelimit.edit-window"),
		},
	}
	if conf.Expiry.SweepInterval <= 0 {
		return GrimConfig{}, oops.New(nil, "expiry sweep interval must be positive")
	}

	return conf, nil
}
