package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/ebft/src/blockdb"
	"github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/fastsync"
	"github.com/mosaicnetworks/ebft/src/node"
	"github.com/mosaicnetworks/ebft/src/proxy"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the validator's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultPeersFile is the default name of the file listing the validators
	DefaultPeersFile = "peers.json"
)

// Default configuration values.
const (
	DefaultLogLevel          = "debug"
	DefaultBindAddr          = "127.0.0.1:1337"
	DefaultServiceAddr       = "127.0.0.1:8000"
	DefaultTCPTimeout        = 1000 * time.Millisecond
	DefaultMaxPool           = 2
	DefaultStore             = false
	DefaultBlockchainRID     = "ebft"
	DefaultTickInterval      = 20 * time.Millisecond
	DefaultRevoltTimeout     = 10000
	DefaultStatusInterval    = 1000
	DefaultStatusLogInterval = 10000
	DefaultIntentBackoff     = 1000
	DefaultTxQueueSize       = 2500
)

// Config contains all the configuration properties of a node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, receives a JSON copy of every log entry.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node talks to the other
	// validators. Use AdvertiseAddr when it is not routable.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP diagnostics service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP diagnostics service.
	ServiceAddr string `mapstructure:"service-listen"`

	// MaxPool controls how many connections are pooled per target.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of peer connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// Store activates persistant storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// BlockchainRID identifies the chain. It is the previous RID of the
	// first block.
	BlockchainRID string `mapstructure:"blockchain-rid"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// TickInterval is the period of the dispatch loop.
	TickInterval time.Duration `mapstructure:"tick"`

	// RevoltTimeout is how long, in milliseconds, we wait for progress before
	// revolting against the primary.
	RevoltTimeout int64 `mapstructure:"revolt-timeout"`

	// StatusInterval is the maximum time, in milliseconds, between two
	// broadcasts of our status.
	StatusInterval int64 `mapstructure:"status-interval"`

	// StatusLogInterval is the period, in milliseconds, of the status summary
	// in the logs.
	StatusLogInterval int64 `mapstructure:"status-log-interval"`

	// IntentBackoff is the initial delay, in milliseconds, before a request
	// is repeated.
	IntentBackoff int64 `mapstructure:"intent-backoff"`

	// FastSync tunes the block synchronizer.
	FastSync fastsync.Parameters `mapstructure:"fastsync"`

	// Block tunes when the primary builds a block.
	Block blockdb.BuildParams `mapstructure:"block"`

	// TxQueueSize caps the number of pending transactions.
	TxQueueSize int `mapstructure:"tx-queue-size"`

	// Key is the private key of the validator.
	Key *ecdsa.PrivateKey

	// Proxy, when set, receives every committed block and feeds
	// transactions to the node.
	Proxy proxy.AppProxy `mapstructure:"-"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:           DefaultDataDir(),
		LogLevel:          DefaultLogLevel,
		BindAddr:          DefaultBindAddr,
		ServiceAddr:       DefaultServiceAddr,
		TCPTimeout:        DefaultTCPTimeout,
		MaxPool:           DefaultMaxPool,
		Store:             DefaultStore,
		DatabaseDir:       DefaultDatabaseDir(),
		BlockchainRID:     DefaultBlockchainRID,
		TickInterval:      DefaultTickInterval,
		RevoltTimeout:     DefaultRevoltTimeout,
		StatusInterval:    DefaultStatusInterval,
		StatusLogInterval: DefaultStatusLogInterval,
		IntentBackoff:     DefaultIntentBackoff,
		FastSync:          fastsync.DefaultParameters(),
		Block:             blockdb.DefaultBuildParams(),
		TxQueueSize:       DefaultTxQueueSize,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely set
// it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// PeersFile returns the full path of the file listing the validators.
func (c *Config) PeersFile() string {
	return filepath.Join(c.DataDir, DefaultPeersFile)
}

// NodeConfig extracts the settings of the node worker.
func (c *Config) NodeConfig() *node.Config {
	conf := node.NewConfig(
		c.TickInterval,
		c.RevoltTimeout,
		c.StatusInterval,
		c.StatusLogInterval,
		c.IntentBackoff,
		c.FastSync,
		c.Block,
		c.Logger().Logger,
	)
	return conf
}

// Logger returns a formatted logrus Entry, with prefix set to "ebft".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
		if c.LogFile != "" {
			c.logger.Hooks.Add(fileHook(c.LogFile))
		}
	}
	return c.logger.WithField("prefix", "ebft")
}

// fileHook mirrors every level to path, one JSON object per line.
func fileHook(path string) logrus.Hook {
	pathMap := lfshook.PathMap{}
	for _, l := range logrus.AllLevels {
		pathMap[l] = path
	}
	return lfshook.NewHook(pathMap, &logrus.JSONFormatter{})
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".EBFT")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "EBFT")
		} else {
			return filepath.Join(home, ".ebft")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
