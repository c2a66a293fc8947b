package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/ipc"
)

var ipcSocketPath string

// ipcCmd is the client half of the wrapper scripts: each generated
// wrapper execs `ngome ipc --socket <path> <command> "$@"`, forwarding
// stdin and mapping the response kind to an exit code.
var ipcCmd = &cobra.Command{
	Use:    "ipc <command> [args...]",
	Short:  "Forward a command to a running ngome IPC socket",
	Hidden: true,
	Args:   cobra.MinimumNArgs(1),
	RunE:   runIPC,

	// Flags after the command name belong to the dispatched command.
	DisableFlagParsing: false,
}

func init() {
	ipcCmd.Flags().StringVar(&ipcSocketPath, "socket", "", "IPC socket path (or NGOME_IPC_SOCKET env)")
	ipcCmd.Flags().SetInterspersed(false)
}

func runIPC(_ *cobra.Command, args []string) error {
	socketPath := ipcSocketPath
	if socketPath == "" {
		socketPath = goutils.Env("NGOME_IPC_SOCKET", "")
	}
	if socketPath == "" {
		return fmt.Errorf("no IPC socket (set --socket or NGOME_IPC_SOCKET)")
	}

	var stdin []byte
	if stat, err := os.Stdin.Stat(); err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		stdin = data
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	resp, err := ipc.Call(ctx, socketPath, args[0], args[1:], stdin)
	if err != nil {
		return fmt.Errorf("calling %s: %w", args[0], err)
	}

	if resp.Output != "" {
		fmt.Fprintln(os.Stdout, resp.Output)
	}
	if resp.Error != "" {
		fmt.Fprintln(os.Stderr, resp.Error)
	}
	os.Exit(resp.ExitCode())
	return nil
}
