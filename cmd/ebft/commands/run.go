package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mosaicnetworks/ebft/src/engine"
	"github.com/mosaicnetworks/ebft/src/proxy/dummy"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts an ebft node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runEngine,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runEngine(cmd *cobra.Command, args []string) error {
	if _config.Dummy {
		_config.EBFT.Proxy = dummy.NewInmemDummyClient(_config.EBFT.Logger())
	}

	eng := engine.NewEngine(&_config.EBFT)

	if err := eng.Init(); err != nil {
		_config.EBFT.Logger().WithError(err).Error("Cannot initialize engine")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return eng.Run(ctx)
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	c := &_config.EBFT

	cmd.Flags().String("datadir", c.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", c.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", c.LogFile, "Also write JSON logs to this file")
	cmd.Flags().String("moniker", c.Moniker, "Optional name")
	cmd.Flags().Bool("dummy", _config.Dummy, "Deliver committed blocks to an in-memory dummy app")

	// Network
	cmd.Flags().StringP("listen", "l", c.BindAddr, "Listen IP:Port for the node")
	cmd.Flags().StringP("advertise", "a", c.AdvertiseAddr, "Advertise IP:Port for the node")
	cmd.Flags().DurationP("timeout", "t", c.TCPTimeout, "TCP Timeout")
	cmd.Flags().Int("max-pool", c.MaxPool, "Connection pool size max")

	// Service
	cmd.Flags().StringP("service-listen", "s", c.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", c.NoService, "Disable HTTP service")

	// Store
	cmd.Flags().Bool("store", c.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", c.DatabaseDir, "Dabatabase directory")
	cmd.Flags().String("blockchain-rid", c.BlockchainRID, "Identifier of the chain")
	cmd.Flags().Int("tx-queue-size", c.TxQueueSize, "Max number of pending transactions")

	// Node configuration, in milliseconds unless stated otherwise
	cmd.Flags().Duration("tick", c.TickInterval, "Period of the dispatch loop")
	cmd.Flags().Int64("revolt-timeout", c.RevoltTimeout, "Time without progress before revolting against the primary")
	cmd.Flags().Int64("status-interval", c.StatusInterval, "Max time between two status broadcasts")
	cmd.Flags().Int64("status-log-interval", c.StatusLogInterval, "Time between two status summaries in the logs")
	cmd.Flags().Int64("intent-backoff", c.IntentBackoff, "Initial delay before repeating a request")

	// Fast sync
	cmd.Flags().Int("fastsync.parallelism", c.FastSync.Parallelism, "Number of heights requested concurrently")
	cmd.Flags().Int64("fastsync.job-timeout", c.FastSync.JobTimeout, "Time before an unanswered request marks a peer unresponsive")
	cmd.Flags().Int64("fastsync.loop-interval", c.FastSync.LoopInterval, "Period of the sync loop")
	cmd.Flags().Int64("fastsync.exit-delay", c.FastSync.ExitDelay, "Minimum time spent syncing at startup")
	cmd.Flags().Int64("fastsync.blacklist-timeout", c.FastSync.BlacklistingTimeout, "Time a blacklisted peer is ignored")
	cmd.Flags().Int("fastsync.max-errors", c.FastSync.MaxErrorsBeforeBlacklisting, "Errors before a peer is blacklisted")
	cmd.Flags().Int64("fastsync.resurrect-drained", c.FastSync.ResurrectDrainedTime, "Time before a drained peer is asked again")
	cmd.Flags().Int64("fastsync.resurrect-unresponsive", c.FastSync.ResurrectUnresponsiveTime, "Time before an unresponsive peer is asked again")
	cmd.Flags().Int64("fastsync.must-sync-until", c.FastSync.MustSyncUntilHeight, "Never stop syncing below this height (-1 disables)")

	// Block building
	cmd.Flags().Int64("block.max-block-time", c.Block.MaxBlockTime, "Max time between two blocks")
	cmd.Flags().Int("block.max-block-transactions", c.Block.MaxBlockTransactions, "Max transactions per block")
	cmd.Flags().Int64("block.max-tx-delay", c.Block.MaxTxDelay, "Max time a transaction waits for a block")
	cmd.Flags().Int64("block.min-inter-block-interval", c.Block.MinInterBlockInterval, "Min time between two blocks")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.EBFT.SetDataDir(_config.EBFT.DataDir)

	logFields := logrus.Fields{
		"ebft.DataDir":       _config.EBFT.DataDir,
		"ebft.BindAddr":      _config.EBFT.BindAddr,
		"ebft.AdvertiseAddr": _config.EBFT.AdvertiseAddr,
		"ebft.ServiceAddr":   _config.EBFT.ServiceAddr,
		"ebft.NoService":     _config.EBFT.NoService,
		"ebft.MaxPool":       _config.EBFT.MaxPool,
		"ebft.Store":         _config.EBFT.Store,
		"ebft.LogLevel":      _config.EBFT.LogLevel,
		"ebft.LogFile":       _config.EBFT.LogFile,
		"ebft.Moniker":       _config.EBFT.Moniker,
		"ebft.TCPTimeout":    _config.EBFT.TCPTimeout,
		"ebft.BlockchainRID": _config.EBFT.BlockchainRID,
		"ebft.TickInterval":  _config.EBFT.TickInterval,
		"ebft.RevoltTimeout": _config.EBFT.RevoltTimeout,
		"ebft.FastSync":      _config.EBFT.FastSync,
		"ebft.Block":         _config.EBFT.Block,
		"Dummy":              _config.Dummy,
	}

	if _config.EBFT.Store {
		logFields["ebft.DatabaseDir"] = _config.EBFT.DatabaseDir
	}

	_config.EBFT.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/ebft.toml (.json, .yaml also work)
	viper.SetConfigName("ebft")               // name of config file (without extension)
	viper.AddConfigPath(_config.EBFT.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.EBFT.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.EBFT.Logger().Debugf("No config file found in: %s", _config.EBFT.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
