package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/config"
)

var (
	runConfigPath string
	runMode       string
	runExpect     string
	runTimeout    int
	runMaxLines   int
)

var runCmd = &cobra.Command{
	Use:   "run [script]",
	Short: "Execute a script through the bash sandbox tool",
	Long: `Run executes a single script in the sandbox exactly as an agent
invocation would: permission policy applied, output stored past the
inline limit, long runs promoted to background. The script is read from
the argument, or from stdin when no argument is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVar(&runMode, "mode", "", "execution mode: sandboxed, network, or unsafe")
	runCmd.Flags().StringVar(&runExpect, "expect", "", "expected output format: text, image, video, binary, or auto")
	runCmd.Flags().IntVar(&runTimeout, "timeout", -1, "foreground seconds before background promotion (0 = background immediately)")
	runCmd.Flags().IntVar(&runMaxLines, "max-lines", 0, "inline preview line budget")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}

	script, err := resolveScript(args)
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Wrapper commands inside the script need the IPC socket up.
	if err := sc.StartIPC(ctx); err != nil {
		return err
	}

	params := map[string]any{"script": script}
	if runMode != "" {
		params["mode"] = runMode
	} else if mode := cfg.Permission.EffectiveMode(); mode != "sandboxed" {
		params["mode"] = mode
	}
	if runExpect != "" {
		params["expect"] = runExpect
	}
	if cmd.Flags().Changed("timeout") {
		params["timeout"] = runTimeout
	}
	if runMaxLines > 0 {
		params["max_lines"] = runMaxLines
	}

	result, err := sc.BashTool.Execute(ctx, params)
	if err != nil {
		return err
	}

	fmt.Println(result.Output)
	if !result.Success {
		// os.Exit skips deferred calls, so tear down explicitly first.
		// Cleanup is idempotent; the defer above becomes a no-op.
		stop()
		sc.Cleanup()
		os.Exit(1)
	}
	return nil
}

// resolveScript takes the script from the argument or reads it from
// stdin when the command is piped.
func resolveScript(args []string) (string, error) {
	if len(args) == 1 && args[0] != "" {
		return args[0], nil
	}

	stat, err := os.Stdin.Stat()
	if err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading script from stdin: %w", err)
		}
		script := strings.TrimSpace(string(data))
		if script != "" {
			return script, nil
		}
	}

	return "", fmt.Errorf("script is required (pass as argument or pipe to stdin)")
}
