package node

import (
	"testing"
	"time"

	"github.com/mosaicnetworks/ebft/src/blockdb"
	"github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/fastsync"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Config holds the timing parameters of a node. Durations expressed as int64
// are in milliseconds, measured against Clock.
type Config struct {
	TickInterval      time.Duration       `mapstructure:"tick"`
	RevoltTimeout     int64               `mapstructure:"revolt-timeout"`
	StatusInterval    int64               `mapstructure:"status-interval"`
	StatusLogInterval int64               `mapstructure:"status-log-interval"`
	IntentBackoff     int64               `mapstructure:"intent-backoff"`
	FastSync          fastsync.Parameters `mapstructure:"fastsync"`
	Build             blockdb.BuildParams `mapstructure:"block"`

	Clock    common.Clock
	Registry metrics.Registry
	Logger   *logrus.Logger
}

// NewConfig ...
func NewConfig(tick time.Duration,
	revoltTimeout int64,
	statusInterval int64,
	statusLogInterval int64,
	intentBackoff int64,
	fastSync fastsync.Parameters,
	build blockdb.BuildParams,
	logger *logrus.Logger) *Config {

	return &Config{
		TickInterval:      tick,
		RevoltTimeout:     revoltTimeout,
		StatusInterval:    statusInterval,
		StatusLogInterval: statusLogInterval,
		IntentBackoff:     intentBackoff,
		FastSync:          fastSync,
		Build:             build,
		Clock:             common.SystemClock{},
		Registry:          metrics.NewRegistry(),
		Logger:            logger,
	}
}

// DefaultConfig ...
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		TickInterval:      20 * time.Millisecond,
		RevoltTimeout:     10000,
		StatusInterval:    1000,
		StatusLogInterval: 10000,
		IntentBackoff:     1000,
		FastSync:          fastsync.DefaultParameters(),
		Build:             blockdb.DefaultBuildParams(),
		Clock:             common.SystemClock{},
		Registry:          metrics.NewRegistry(),
		Logger:            logger,
	}
}

// TestConfig returns a DefaultConfig that logs through t and does not wait
// around in fast sync.
func TestConfig(t testing.TB) *Config {
	config := DefaultConfig()
	config.Logger = common.NewTestLogger(t, common.TestLogLevel)
	config.FastSync.ExitDelay = 0
	config.FastSync.LoopInterval = 5
	return config
}
