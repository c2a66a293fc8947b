// Ngome is a sandboxed command execution core for LLM agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ngome",
	Short: "Ngome is sandboxed command execution for LLM agents.",
	Long: `Ngome runs agent-issued shell scripts inside an isolated process sandbox,
stores their output under a persistent workspace, tracks background jobs,
and exposes built-in commands to the sandboxed scripts over a local IPC
socket. The serve mode adds an HTTP API and a WebSocket approver channel
for permission decisions.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, outputsCmd, ipcCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
