package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestSetDataDir(t *testing.T) {
	conf := NewDefaultConfig()
	conf.SetDataDir("/tmp/ebft-test")

	if conf.DatabaseDir != filepath.Join("/tmp/ebft-test", DefaultBadgerFile) {
		t.Fatalf("DatabaseDir should follow DataDir, got %s", conf.DatabaseDir)
	}
	if conf.Keyfile() != filepath.Join("/tmp/ebft-test", DefaultKeyfile) {
		t.Fatalf("unexpected Keyfile %s", conf.Keyfile())
	}
	if conf.PeersFile() != filepath.Join("/tmp/ebft-test", DefaultPeersFile) {
		t.Fatalf("unexpected PeersFile %s", conf.PeersFile())
	}

	// an explicit database directory is kept
	conf.DatabaseDir = "/somewhere/else"
	conf.SetDataDir("/tmp/other")
	if conf.DatabaseDir != "/somewhere/else" {
		t.Fatalf("DatabaseDir should not change, got %s", conf.DatabaseDir)
	}
}

func TestNodeConfig(t *testing.T) {
	conf := NewTestConfig(t, logrus.InfoLevel)
	conf.TickInterval = 7 * time.Millisecond
	conf.RevoltTimeout = 1234
	conf.FastSync.Parallelism = 3
	conf.Block.MaxBlockTransactions = 9

	nc := conf.NodeConfig()
	if nc.TickInterval != 7*time.Millisecond {
		t.Fatalf("TickInterval should be 7ms, got %v", nc.TickInterval)
	}
	if nc.RevoltTimeout != 1234 {
		t.Fatalf("RevoltTimeout should be 1234, got %d", nc.RevoltTimeout)
	}
	if nc.FastSync.Parallelism != 3 {
		t.Fatalf("Parallelism should be 3, got %d", nc.FastSync.Parallelism)
	}
	if nc.Build.MaxBlockTransactions != 9 {
		t.Fatalf("MaxBlockTransactions should be 9, got %d", nc.Build.MaxBlockTransactions)
	}
	if nc.Logger == nil || nc.Clock == nil || nc.Registry == nil {
		t.Fatal("NodeConfig should carry a logger, a clock and a registry")
	}
}

func TestLogFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "ebft-config")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	conf := NewDefaultConfig()
	conf.LogLevel = "info"
	conf.LogFile = filepath.Join(dir, "ebft.log")
	conf.Logger().Logger.Out = ioutil.Discard

	conf.Logger().WithField("height", 3).Info("hello")

	data, err := ioutil.ReadFile(conf.LogFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) || !strings.Contains(string(data), `"height":3`) {
		t.Fatalf("log file should contain the JSON entry, got %s", data)
	}
}

func TestLogLevel(t *testing.T) {
	if LogLevel("warn") != logrus.WarnLevel {
		t.Fatal("warn should parse")
	}
	if LogLevel("nonsense") != logrus.DebugLevel {
		t.Fatal("unknown levels default to debug")
	}
}
