package cmd

import (
	"fmt"
	"github.com/ValentinKolb/dEcho/cmd/serve"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "1.0.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "decho",
		Short: "managed TCP echo client",
		Long: fmt.Sprintf(`dEcho (v%s)

A managed TCP echo client written in Go. It connects to a single peer,
echoes back every byte it receives and restarts its connection whenever
the socket can no longer be monitored.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dEcho",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dEcho v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
