package commands

import (
	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

//RootCmd is the root command for ebft
var RootCmd = &cobra.Command{
	Use:              "ebft",
	Short:            "ebft validator node",
	TraverseChildren: true,
}
