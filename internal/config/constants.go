package config

import "time"

// Database connection pool floor. DBReservedConns are kept free of
// dispatch fan-out for inbox reads and scheduled jobs.
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBReservedConns   = 10
	DBConnMaxLifetime = 5 * time.Minute
)

// Redis connections kept beyond the dispatch fan-out for the bridge reader
// and the rate limiter.
const RedisReservedConns = 4

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for startup and health checks
const DBPingTimeout = 5 * time.Second

// Scheduled task run timeouts
const (
	RescanJobTimeout    = 2 * time.Minute
	RetentionJobTimeout = 30 * time.Second
)

// Default rate limiting
const DefaultRateLimitPerMin = 120
