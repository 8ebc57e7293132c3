package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// Instrumentation flags are persistent flags of the root command so that
//
//	regtap --register eax run game
//
// parses, but they mean nothing to the scan and version subcommands.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "regtap", "help", "version", "log":
		hideAllFlags(cmd)
	case "scan":
		for _, name := range []string{"register", "gate", "label", "dedup", "min", "max", "idle", "script", "wait-interval", "wait-timeout"} {
			hideFlag(cmd, name)
		}
	case "attach":
		hideFlag(cmd, "gate")
		hideFlag(cmd, "wait-interval")
		hideFlag(cmd, "wait-timeout")
	case "wait", "run":
		// All flags apply
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	flag := cmd.Flags().Lookup(name)
	if flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
