package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare hides the root command flags that do not apply to cmd before
// its usage is printed. The flags stay on the root command so that
//
//	rttcom --backend sim decode 0x18 0x20026
//
// keeps parsing.
//
// Prepare is destructive, cmd can not be reused after it has been called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "rttcom", "help", "version", "backend", "log":
		hideAllFlags(cmd)
	case "decode":
		hideTargetFlags(cmd)
		hideFlag(cmd, "init")
	case "connect":
		hideFlag(cmd, "sim-image")
	case "read", "write", "dump", "load", "semihost":
		hideFlag(cmd, "init")
	}
}

func hideTargetFlags(cmd *cobra.Command) {
	for _, name := range []string{"backend", "addr", "serial", "baud", "core", "big-endian", "native-64bit", "sim-image"} {
		hideFlag(cmd, name)
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
