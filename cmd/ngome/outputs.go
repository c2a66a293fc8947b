package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/output"
)

var (
	outputsConfigPath string
	outputsLimit      int
)

var outputsCmd = &cobra.Command{
	Use:   "outputs",
	Short: "List stored command outputs",
	RunE:  runOutputs,
}

func init() {
	outputsCmd.Flags().StringVar(&outputsConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	outputsCmd.Flags().IntVar(&outputsLimit, "limit", 50, "maximum entries to list")
}

func runOutputs(_ *cobra.Command, _ []string) error {
	// Listing only needs the index; skip the full subsystem bring-up.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, err := loadConfig(outputsConfigPath)
	if err != nil {
		return err
	}
	ws, err := initWorkspace(cfg)
	if err != nil {
		return err
	}

	index, err := output.OpenIndex(ws.IndexDBPath(), logger)
	if err != nil {
		return fmt.Errorf("opening output index: %w", err)
	}
	defer index.Close()

	records, err := index.List(context.Background(), outputsLimit)
	if err != nil {
		return fmt.Errorf("listing outputs: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No stored outputs.")
		return nil
	}

	for _, rec := range records {
		task := rec.TaskID
		if task == "" {
			task = "-"
		}
		fmt.Printf("%s  %-6s  %8d bytes  %6d lines  %s  %s\n",
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			rec.Format,
			rec.SizeBytes,
			rec.Lines,
			rec.URL,
			task,
		)
	}
	return nil
}
