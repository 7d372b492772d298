//
// Date: 2026-02-15
// Copyright (c) 2026. All rights reserved.
//

package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

// runCmd starts the historical job scheduler's worker loop and blocks until
// interrupted. Jobs created with `job create` from any process are picked
// up by whichever process has `run` active, since both share the same
// on-disk job store.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the historical job scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		a.sched.Start()
		a.log.Info().Msg("scheduler started")
		fmt.Fprintln(os.Stderr, "scheduler running; press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		<-sigCh

		a.log.Info().Msg("scheduler stopping")
		a.sched.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
