package config

import (
	"time"

	"github.com/rs/zerolog"
)

type Environment string

const (
	Live Environment = "live"
	Beta Environment = "beta"
	Dev  Environment = "dev"
)

type GrimConfig struct {
	Env       Environment
	Addr      string
	DbPath    string
	LogLevel  zerolog.Level
	LogFormat string // "pretty" or "json"

	Auth      AuthConfig
	Comments  CommentsConfig
	Expiry    ExpiryConfig
	RateLimit RateLimitConfig
}

type AuthConfig struct {
	CookieDomain    string
	CookieSecure    bool
	SessionDuration time.Duration
}

// Defaults applied to roots that have never saved their own comment settings.
type CommentsConfig struct {
	MinLength      int
	MaxLength      int
	MaxLevel       int
	QueryMaxLevel  int
	QueryAmount    int
	MaxAmount      int
	MaxAmountAdmin int
}

type ExpiryConfig struct {
	SweepInterval time.Duration
}

type RateLimitConfig struct {
	CreateHits   int
	CreateWindow time.Duration
	EditHits     int
	EditWindow   time.Duration
}
