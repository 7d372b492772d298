//
// Date: 2026-02-14
// Copyright (c) 2026. All rights reserved.
//

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/cloudmanic/stockbit-ingest/internal/config"
	"github.com/spf13/cobra"
)

// configCmd is the parent command for all configuration-related subcommands.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ingestion service configuration",
}

// configInitCmd initializes the CLI configuration interactively, prompting
// for the data directory and broker endpoints. Credentials are never stored
// here; see the credential subcommand.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			cfg = config.DefaultConfig()
		}

		reader := bufio.NewReader(os.Stdin)

		fmt.Printf("Data directory [%s]: ", cfg.DataDir)
		if v := promptLine(reader); v != "" {
			cfg.DataDir = v
		}

		fmt.Printf("REST base URL [%s]: ", cfg.RESTBaseURL)
		if v := promptLine(reader); v != "" {
			cfg.RESTBaseURL = v
		}

		fmt.Printf("WebSocket URL [%s]: ", cfg.WSURL)
		if v := promptLine(reader); v != "" {
			cfg.WSURL = v
		}

		fmt.Print("\nConfigure S3-compatible archive upload? [y/N]: ")
		answer := strings.ToLower(promptLine(reader))
		if answer == "y" || answer == "yes" {
			fmt.Printf("Archive bucket [%s]: ", cfg.ArchiveBucket)
			if v := promptLine(reader); v != "" {
				cfg.ArchiveBucket = v
			}
			fmt.Printf("Archive endpoint (blank for AWS default) [%s]: ", cfg.ArchiveEndpoint)
			if v := promptLine(reader); v != "" {
				cfg.ArchiveEndpoint = v
			}
			fmt.Println("Archive credentials are read from STOCKBIT_ARCHIVE_ACCESS_KEY / STOCKBIT_ARCHIVE_SECRET_KEY, not stored in config.json.")
		}

		if err := config.Save(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Configuration saved to ~/.config/stockbit-ingest/config.json")
		return nil
	},
}

// configShowCmd displays the current configuration.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Printf("Data directory:    %s\n", cfg.DataDir)
		fmt.Printf("REST base URL:     %s\n", cfg.RESTBaseURL)
		fmt.Printf("WebSocket URL:     %s\n", cfg.WSURL)
		fmt.Printf("Request timeout:  %s\n", cfg.RequestTimeout)
		fmt.Printf("Log level:        %s\n", cfg.LogLevel)
		if cfg.ArchiveBucket != "" {
			fmt.Printf("Archive bucket:   %s\n", cfg.ArchiveBucket)
			fmt.Printf("Archive endpoint: %s\n", cfg.ArchiveEndpoint)
		}

		return nil
	},
}

// promptLine reads one line from reader and returns it trimmed. An empty
// result lets the caller keep its current default.
func promptLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

// init registers the config subcommands with the root command.
func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
