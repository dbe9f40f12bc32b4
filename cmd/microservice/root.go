package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "microservice",
	Short:        "Message-driven service host with master job negotiation",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "./config.yaml", "config file path (yaml or json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(newDemoCmd())
	rootCmd.AddCommand(versionCmd)
}
