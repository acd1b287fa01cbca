package fastsync

// Defaults. All times are in milliseconds.
const (
	DefaultResurrectDrainedTime        int64 = 10000
	DefaultResurrectUnresponsiveTime   int64 = 20000
	DefaultParallelism                       = 10
	DefaultExitDelay                   int64 = 60000
	DefaultJobTimeout                  int64 = 10000
	DefaultLoopInterval                int64 = 100
	DefaultMustSyncUntilHeight         int64 = -1
	DefaultMaxErrorsBeforeBlacklisting       = 10
	DefaultBlacklistingTimeout         int64 = 60000
)

// Request pacing. A height is asked again once its deadline passes; the delay
// grows by BackoffMultiplier per attempt up to MaxBackoffFactor times the
// initial delay.
const (
	BlockHeightAheadCount int64   = 3
	InitialBackoff        int64   = 1000
	MaxBackoffFactor      int64   = 30
	BackoffMultiplier     float64 = 1.1
)

// Parameters tunes the FastSynchronizer.
type Parameters struct {
	// A drained peer is asked again after this long.
	ResurrectDrainedTime int64 `mapstructure:"resurrect-drained"`

	// An unresponsive peer is asked again after this long.
	ResurrectUnresponsiveTime int64 `mapstructure:"resurrect-unresponsive"`

	// Number of heights requested concurrently. Worst case memory use is
	// about Parallelism blocks.
	Parallelism int `mapstructure:"parallelism"`

	// A validator does not give up on syncing before this long, so that
	// connections to enough peers are established. Single node tests use 0.
	ExitDelay int64 `mapstructure:"exit-delay"`

	// A peer that leaves a request unanswered this long is unresponsive.
	JobTimeout int64 `mapstructure:"job-timeout"`

	LoopInterval int64 `mapstructure:"loop-interval"`

	// Syncing never ends below this height. -1 disables the check.
	MustSyncUntilHeight int64 `mapstructure:"must-sync-until"`

	MaxErrorsBeforeBlacklisting int   `mapstructure:"max-errors"`
	BlacklistingTimeout         int64 `mapstructure:"blacklist-timeout"`
}

// DefaultParameters returns the production tuning.
func DefaultParameters() Parameters {
	return Parameters{
		ResurrectDrainedTime:        DefaultResurrectDrainedTime,
		ResurrectUnresponsiveTime:   DefaultResurrectUnresponsiveTime,
		Parallelism:                 DefaultParallelism,
		ExitDelay:                   DefaultExitDelay,
		JobTimeout:                  DefaultJobTimeout,
		LoopInterval:                DefaultLoopInterval,
		MustSyncUntilHeight:         DefaultMustSyncUntilHeight,
		MaxErrorsBeforeBlacklisting: DefaultMaxErrorsBeforeBlacklisting,
		BlacklistingTimeout:         DefaultBlacklistingTimeout,
	}
}

// NextDeadline returns when a height requested for the attempt-th time
// should be asked again.
func NextDeadline(now int64, attempt int) int64 {
	delay := float64(InitialBackoff)
	max := float64(InitialBackoff * MaxBackoffFactor)

	for i := 0; i < attempt && delay < max; i++ {
		delay *= BackoffMultiplier
	}

	if delay > max {
		delay = max
	}

	return now + int64(delay)
}
