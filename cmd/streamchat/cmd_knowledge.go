package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/streamchat/internal/knowledge"
	"github.com/user/streamchat/internal/types"
)

var (
	knowledgeText  string
	knowledgeTitle string
	knowledgeTags  []string
)

func init() {
	knowledgeAddCmd.Flags().StringVar(&knowledgeText, "text", "", "store this text instead of fetching a URL")
	knowledgeAddCmd.Flags().StringVar(&knowledgeTitle, "title", "", "item title")
	knowledgeAddCmd.Flags().StringSliceVar(&knowledgeTags, "tag", nil, "tag to attach (repeatable)")

	rootCmd.AddCommand(knowledgeCmd)
	knowledgeCmd.AddCommand(knowledgeAddCmd, knowledgeSearchCmd, knowledgeRememberCmd)
}

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage the backend knowledge base",
}

var knowledgeAddCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Add a web page or, with --text, a note",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := backendConfig()
		if err != nil {
			return err
		}

		var item types.NewKnowledgeItem
		switch {
		case knowledgeText != "":
			item = types.NewKnowledgeItem{Title: knowledgeTitle, Text: knowledgeText, Tags: knowledgeTags}
		case len(args) == 1:
			item, err = knowledge.NewImporter(nil).FromURL(cmd.Context(), args[0], knowledgeTags...)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			if knowledgeTitle != "" {
				item.Title = knowledgeTitle
			}
		default:
			return fmt.Errorf("need a URL or --text")
		}
		if item.Title == "" {
			return fmt.Errorf("--title is required with --text")
		}

		created, err := newClient(cfg).CreateKnowledge(cmd.Context(), item)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Added %s (%s).\n", created.ID, created.Title)
		return nil
	},
}

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := backendConfig()
		if err != nil {
			return err
		}

		items, err := newClient(cfg).SearchKnowledge(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No results.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tTAGS")
		for _, it := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\n", it.ID, it.Title, strings.Join(it.Tags, ","))
		}
		return w.Flush()
	},
}

var knowledgeRememberCmd = &cobra.Command{
	Use:   "remember <session-id>",
	Short: "Save a session's conversation to the knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := backendConfig()
		if err != nil {
			return err
		}

		item, err := newClient(cfg).RememberChat(cmd.Context(), types.SessionID(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Remembered session %s as %s (%s).\n", args[0], item.ID, item.Title)
		return nil
	},
}
