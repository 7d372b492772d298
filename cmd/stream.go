//
// Date: 2026-02-15
// Copyright (c) 2026. All rights reserved.
//

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudmanic/stockbit-ingest/internal/streaming"
)

// streamCmd is the parent command for all streaming-session subcommands.
// Sessions live only in the memory of the process that started them, so
// `stream start` runs in the foreground until interrupted; `list`/`get`/
// `stop` issued from a different process see only their own (empty) set of
// sessions. Embed internal/facade directly in a long-running server to get
// shared visibility across commands.
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Start and inspect real-time orderbook streaming sessions",
}

var streamStartCmd = &cobra.Command{
	Use:   "start <ticker...>",
	Short: "Start an orderbook stream and hold it open until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session-id")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")

		tickers := make([]string, len(args))
		for i, t := range args {
			tickers[i] = strings.ToUpper(t)
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		id, err := a.face.StartStream(sessionID, tickers, maxRetries)
		if err != nil {
			return fmt.Errorf("start stream: %w", err)
		}
		fmt.Fprintf(os.Stderr, "streaming session %s started for %s; press Ctrl+C to stop\n", id, strings.Join(tickers, ","))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-sigCh:
				if err := a.face.StopStream(id); err != nil {
					fmt.Fprintf(os.Stderr, "stop stream: %v\n", err)
				}
				fmt.Fprintln(os.Stderr, "stopped")
				return nil
			case <-ticker.C:
				stats, err := a.face.GetStream(id)
				if err != nil {
					continue
				}
				fmt.Fprintf(os.Stderr, "state=%s retries=%d reconnects=%d last_error=%q\n",
					stats.State, stats.RetryCount, stats.TotalReconnects, stats.LastError)
				if stats.State == streaming.StateStopped || stats.State == streaming.StateErrored {
					return nil
				}
			}
		}
	},
}

var streamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List streaming sessions known to this process",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		return printStreams(a.face.ListStreams())
	},
}

var streamGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show one streaming session's stats",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.face.GetStream(args[0])
		if err != nil {
			return fmt.Errorf("get stream: %w", err)
		}
		return printStreams([]streaming.Stats{stats})
	},
}

var streamStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a streaming session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.face.StopStream(args[0]); err != nil {
			return fmt.Errorf("stop stream: %w", err)
		}
		fmt.Println("stopped")
		return nil
	},
}

func printStreams(stats []streaming.Stats) error {
	if outputFormat == "json" {
		for _, s := range stats {
			line, err := json.Marshal(s)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATE\tTICKERS\tRETRIES\tRECONNECTS\tLAST_ERROR")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.SessionID, s.State, strings.Join(s.Tickers, ","), s.RetryCount, s.TotalReconnects, s.LastError)
	}
	return w.Flush()
}

func init() {
	streamStartCmd.Flags().String("session-id", "", "Session id to use (default: generated)")
	streamStartCmd.Flags().Int("max-retries", 0, "Maximum reconnect attempts (0 = unbounded)")

	streamCmd.AddCommand(streamStartCmd)
	streamCmd.AddCommand(streamListCmd)
	streamCmd.AddCommand(streamGetCmd)
	streamCmd.AddCommand(streamStopCmd)
	rootCmd.AddCommand(streamCmd)
}
