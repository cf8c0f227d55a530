package taskloom

import "time"

// Config holds the tunables shared by every dispatcher loop.
type Config struct {
	// Dispatchers is the number of concurrent polling loops to run.
	Dispatchers int

	// PollInterval is how long a dispatcher sleeps when the ready set
	// is exhausted.
	PollInterval time.Duration

	// LeaseDuration bounds how long a claim on a unit stays exclusive.
	// An expired lease makes the unit re-claimable; it is the engine's
	// only timeout mechanism.
	LeaseDuration time.Duration

	// FetchLimit caps how many ready units a single poll fetches.
	FetchLimit int

	// MaxAttempts is the default transient-failure budget for units
	// that don't set their own.
	MaxAttempts int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// StuckLeaseCheck is how often the expired-lease observer scans for
	// units whose lease lapsed without a terminal commit. Zero disables
	// the observer; it exists for visibility, not correctness.
	StuckLeaseCheck time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Dispatchers:     4,
		PollInterval:    1 * time.Second,
		LeaseDuration:   5 * time.Minute,
		FetchLimit:      16,
		MaxAttempts:     3,
		ShutdownTimeout: 30 * time.Second,
		StuckLeaseCheck: 1 * time.Minute,
	}
}
