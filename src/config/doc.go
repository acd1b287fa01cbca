// Package config defines the configuration of an ebft node. It is shared by
// the command line, through viper, and the engine.
package config
