// Package config defines the aimtest-server binary's flag-driven
// configuration, following the teacher server command's flag layout.
package config

import (
	"flag"
	"time"
)

// Config holds every environment input the server binary needs at
// startup. Values are populated from command-line flags by Parse.
type Config struct {
	ListenAddr            string
	DataDir               string
	MinTestDuration       time.Duration
	MaxTestDuration       time.Duration
	ByteBudgetMiB         int64
	MaxConcurrentSessions int
	ServerID              string
	LogLevel              string
}

var (
	flagListenAddr            = flag.String("listen", ":8080", "Listen address/port for HTTP and WebSocket connections")
	flagDataDir               = flag.String("datadir", "./data", "Directory to archive completed test results in")
	flagMinTestDuration       = flag.Duration("min_duration", 5*time.Second, "Minimum allowed download/upload stage duration")
	flagMaxTestDuration       = flag.Duration("max_duration", 30*time.Second, "Maximum allowed download/upload stage duration")
	flagByteBudgetMiB         = flag.Int64("byte_budget_mib", 500, "Per-session byte budget for a bulk transfer stage, in MiB")
	flagMaxConcurrentSessions = flag.Int("max_sessions", 50, "Maximum number of concurrently running test sessions")
	flagServerID              = flag.String("server_id", "aimtest-1", "Identifier this server reports in results and the server list")
	flagLogLevel              = flag.String("log_level", "info", "Logging level: debug, info, warn, or error")
)

// Parse parses the command-line flags and returns the resulting Config.
// Callers must call flag.Parse (or rely on it having been called) before
// Parse is invoked; Parse itself does not call flag.Parse so tests can
// construct a Config without touching the process's global flag set.
func Parse() Config {
	return Config{
		ListenAddr:            *flagListenAddr,
		DataDir:               *flagDataDir,
		MinTestDuration:       *flagMinTestDuration,
		MaxTestDuration:       *flagMaxTestDuration,
		ByteBudgetMiB:         *flagByteBudgetMiB,
		MaxConcurrentSessions: *flagMaxConcurrentSessions,
		ServerID:              *flagServerID,
		LogLevel:              *flagLogLevel,
	}
}
