//
// Date: 2026-02-15
// Copyright (c) 2026. All rights reserved.
//

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// credentialCmd is the parent command for all credential-related
// subcommands.
var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage the stored Stockbit bearer token and cookies",
}

var credentialSetCmd = &cobra.Command{
	Use:   "set <token> <cookies>",
	Short: "Store a bearer token and cookie string",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.face.SetToken(args[0], args[1]); err != nil {
			return fmt.Errorf("set token: %w", err)
		}

		fmt.Println("credential stored")
		return nil
	},
}

var credentialStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a credential is present and valid",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		status := a.face.GetStatus()

		if !status.Present {
			fmt.Println("no credential stored")
			return nil
		}

		fmt.Printf("present: %v\n", status.Present)
		fmt.Printf("valid:   %v\n", status.Valid)
		if status.UserIDKnown {
			fmt.Printf("user id: %d\n", status.UserID)
		}
		if status.ExpiryKnown {
			fmt.Printf("expires in: %s\n", status.TimeUntilExpiry.Round(time.Second))
		}
		return nil
	},
}

var credentialClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.face.ClearCredential(); err != nil {
			return fmt.Errorf("clear credential: %w", err)
		}

		fmt.Println("credential cleared")
		return nil
	},
}

func init() {
	credentialCmd.AddCommand(credentialSetCmd)
	credentialCmd.AddCommand(credentialStatusCmd)
	credentialCmd.AddCommand(credentialClearCmd)
	rootCmd.AddCommand(credentialCmd)
}
