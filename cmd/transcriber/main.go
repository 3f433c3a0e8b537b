package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "transcriber",
	Short: "Stream microphone audio to a realtime transcription service",
	Long: `transcriber captures the microphone, authenticates with a short-lived
credential from the backend and streams audio over a socket or peer
connection, printing final transcripts to stdout.

Configuration is read from the environment (and .env); flags override it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human-readable logs (overrides LOG_PRETTY)")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(devicesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
