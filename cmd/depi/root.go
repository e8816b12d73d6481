package main

import (
	"github.com/spf13/cobra"

	"github.com/vu-isis/depi/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "depi",
	Short: "Dependency registry and change propagation server",
	Long: `depi tracks resources across external tools, the dependency links
between them, and which links have been invalidated by upstream
changes. Clients connect over TCP or a unix socket.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Initialize(cfgFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file (JSON)")
}
