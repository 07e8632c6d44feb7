package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/switchboard/internal/config"
	"github.com/user/switchboard/internal/store/jsonl"
	"github.com/user/switchboard/internal/store/postgres"
	"github.com/user/switchboard/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionEventsCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect persisted sessions",
}

// readDriver opens the configured driver for offline inspection. The
// memory driver has nothing persisted to inspect.
func readDriver(ctx context.Context, cfg *config.Config) (types.Driver, error) {
	switch cfg.Store.Driver {
	case "jsonl":
		return jsonl.New(cfg.DataDir), nil
	case "postgres":
		return postgres.Open(ctx, cfg.Store.PostgresURL)
	default:
		return nil, fmt.Errorf("store driver %q keeps no inspectable state", cfg.Store.Driver)
	}
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		driver, err := readDriver(ctx, cfg)
		if err != nil {
			return err
		}
		defer driver.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAGENT\tSTATE\tCREATED")
		cursor := ""
		total := 0
		for {
			page, err := driver.ListSessions(ctx, cursor, types.DefaultPageSize)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			for _, s := range page.Items {
				state := "active"
				if s.Ended() {
					state = "ended (" + string(s.EndReason) + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					s.ID, s.Agent, state, s.CreatedAt.Format("2006-01-02 15:04:05"))
				total++
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
		if total == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		return w.Flush()
	},
}

var sessionEventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Dump a session's event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		driver, err := readDriver(ctx, cfg)
		if err != nil {
			return err
		}
		defer driver.Close()

		enc := json.NewEncoder(os.Stdout)
		cursor := ""
		for {
			page, err := driver.ListEvents(ctx, types.SessionID(args[0]), cursor, types.DefaultPageSize)
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}
			for _, ev := range page.Items {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			if page.NextCursor == "" {
				return nil
			}
			cursor = page.NextCursor
		}
	},
}
