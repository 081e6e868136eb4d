package stream

import (
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	// DefaultCachedEvents is the default ring capacity.
	DefaultCachedEvents = 10000

	// DefaultFetchDelay is the producer's default idle poll interval.
	DefaultFetchDelay = 1000 * time.Millisecond

	// DefaultCleanupDelay is the cleaner's default sweep interval.
	DefaultCleanupDelay = 10000 * time.Millisecond

	// optimizeEventConsumptionEnv overrides Config.OptimizeEventConsumption
	// when set to a value strconv.ParseBool accepts, matching the
	// specification's "env/system property" override.
	optimizeEventConsumptionEnv = "OPTIMIZE_EVENT_CONSUMPTION"
)

// LaunchHook is invoked once per background goroutine the store
// starts (the producer loop, the cleaner loop), named for logging or
// runtime labeling purposes. It is the Go stand-in for the
// specification's threadFactory: Go has no thread objects to
// construct, only a function to run, so callers that want named
// goroutines (pprof labels, debug.SetGoroutineLabels, …) hook in
// here instead of handing the store a factory.
type LaunchHook func(name string, fn func())

func defaultLaunchHook(_ string, fn func()) { go fn() }

// Config holds construction-time options for EmbeddedEventStore. New
// replaces zero or negative CachedEvents, FetchDelay and CleanupDelay
// and a nil LaunchHook or Logger with their defaults;
// OptimizeEventConsumption is used as given, so the zero value leaves
// it off. Use DefaultConfig (or NewWithDefaults) to start from every
// default, including the environment override.
type Config struct {
	CachedEvents             int64
	FetchDelay               time.Duration
	CleanupDelay             time.Duration
	LaunchHook               LaunchHook
	OptimizeEventConsumption bool
	Logger                   hclog.Logger
}

// DefaultConfig returns a Config with every field set to its
// specification default, including the OptimizeEventConsumption
// environment override.
func DefaultConfig() Config {
	return Config{
		CachedEvents:             DefaultCachedEvents,
		FetchDelay:               DefaultFetchDelay,
		CleanupDelay:             DefaultCleanupDelay,
		LaunchHook:               defaultLaunchHook,
		OptimizeEventConsumption: optimizeEventConsumptionDefault(),
		Logger:                   hclog.NewNullLogger(),
	}
}

func optimizeEventConsumptionDefault() bool {
	if raw, ok := os.LookupEnv(optimizeEventConsumptionEnv); ok {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return true
}

func (c Config) withDefaults() Config {
	out := c
	if out.CachedEvents <= 0 {
		out.CachedEvents = DefaultCachedEvents
	}
	if out.FetchDelay <= 0 {
		out.FetchDelay = DefaultFetchDelay
	}
	if out.CleanupDelay <= 0 {
		out.CleanupDelay = DefaultCleanupDelay
	}
	if out.LaunchHook == nil {
		out.LaunchHook = defaultLaunchHook
	}
	if out.Logger == nil {
		out.Logger = hclog.NewNullLogger()
	}
	return out
}
