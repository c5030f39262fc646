package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/streamchat/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionCreateCmd, sessionDeleteCmd, sessionShowCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage chat sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := backendConfig()
	if err != nil {
		return err
	}
		cache := newCache(cfg, newClient(cfg))
		defer cache.Close()

		list, err := cache.ListSessions(cmd.Context())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tCREATED")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Title, s.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := backendConfig()
	if err != nil {
		return err
	}
		cache := newCache(cfg, newClient(cfg))
		defer cache.Close()

		s, err := cache.CreateSession(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Created session %s (%s).\n", s.ID, s.Title)
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := backendConfig()
	if err != nil {
		return err
	}
		cache := newCache(cfg, newClient(cfg))
		defer cache.Close()

		id := types.SessionID(args[0])
		if err := cache.DeleteSession(cmd.Context(), id); err != nil {
			return sessionError(id, err)
		}
		fmt.Fprintf(os.Stdout, "Session %s deleted.\n", args[0])
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := backendConfig()
	if err != nil {
		return err
	}
		cache := newCache(cfg, newClient(cfg))
		defer cache.Close()

		id := types.SessionID(args[0])
		msgs, err := cache.ListMessages(cmd.Context(), id)
		if err != nil {
			return sessionError(id, err)
		}
		for _, m := range msgs {
			printMessage(os.Stdout, m)
		}
		counter := newCounter(cfg)
		approx := "~"
		if counter.Exact() {
			approx = ""
		}
		fmt.Fprintln(os.Stdout, dimStyle.Render(fmt.Sprintf("%d messages, %s%d tokens", len(msgs), approx, counter.CountMessages(msgs))))
		return nil
	},
}
