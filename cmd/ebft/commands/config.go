package commands

import (
	"github.com/mosaicnetworks/ebft/src/config"
)

//CLIConfig contains configuration for the Run command
type CLIConfig struct {
	EBFT  config.Config `mapstructure:",squash"`
	Dummy bool          `mapstructure:"dummy"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		EBFT: *config.NewDefaultConfig(),
	}
}
