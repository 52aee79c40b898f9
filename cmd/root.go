package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/rocket/cmd/bench"
	"github.com/ValentinKolb/rocket/cmd/call"
	"github.com/ValentinKolb/rocket/cmd/serve"
	"github.com/ValentinKolb/rocket/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "rocket",
		Short: "bidirectional rpc over framed stream connections",
		Long: fmt.Sprintf(`rocket (v%s)

A bidirectional remote procedure call library written in Go. Both peers
of an authenticated tcp or unix socket connection can call named methods
on each other and exchange raw data.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rocket",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rocket v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(call.CallCmd)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
