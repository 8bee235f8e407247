package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ValentinKolb/dNet/cmd/connect"
	"github.com/ValentinKolb/dNet/cmd/perf"
	"github.com/ValentinKolb/dNet/cmd/serve"
	"github.com/ValentinKolb/dNet/cmd/util"
)

const (
	Version = "1.0.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dnet",
		Short: "event-driven TCP server and client engine",
		Long: fmt.Sprintf(`dNet (v%s)

An event-driven TCP server and client engine written in Go. It accepts and
dials many concurrent connections without a goroutine per connection and
hands every read, send and close to a single event handler.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dNet",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dNet v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(connect.ConnectCmd)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
	key = "config"
	RootCmd.PersistentFlags().String(key, "", util.WrapString("Optional config file (json, yaml or toml) with flag names as keys"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
