//
// Date: 2026-02-15
// Copyright (c) 2026. All rights reserved.
//

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudmanic/stockbit-ingest/internal/csvsink"
)

// filesCmd is the parent command for inspecting the CSV files the service
// has written.
var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List and locate the CSV files produced by the service",
}

var filesListCmd = &cobra.Command{
	Use:   "list <running_trade|orderbook>",
	Short: "List the CSV files available for a dataset, on disk or archived",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataset, err := parseDataset(args[0])
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		files, err := a.face.ListCSV(context.Background(), dataset)
		if err != nil {
			return fmt.Errorf("list csv: %w", err)
		}

		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	},
}

var filesOpenCmd = &cobra.Command{
	Use:   "open <running_trade|orderbook> <ticker> <date>",
	Short: "Print a local, readable path for one dataset/ticker/date CSV file, downloading it from the archive if needed",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataset, err := parseDataset(args[0])
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		path, err := a.face.OpenCSVForRead(context.Background(), dataset, args[1], args[2])
		if err != nil {
			return fmt.Errorf("open csv: %w", err)
		}
		fmt.Println(path)
		return nil
	},
}

// parseDataset maps a user-supplied dataset name to a csvsink.Dataset.
func parseDataset(s string) (csvsink.Dataset, error) {
	switch csvsink.Dataset(s) {
	case csvsink.DatasetRunningTrade:
		return csvsink.DatasetRunningTrade, nil
	case csvsink.DatasetOrderbook:
		return csvsink.DatasetOrderbook, nil
	default:
		return "", fmt.Errorf("unknown dataset %q (want running_trade or orderbook)", s)
	}
}

func init() {
	filesCmd.AddCommand(filesListCmd)
	filesCmd.AddCommand(filesOpenCmd)
	rootCmd.AddCommand(filesCmd)
}
