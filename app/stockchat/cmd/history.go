package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cchalm/stockchat/internal/auth"
	"github.com/cchalm/stockchat/internal/chat"
	"github.com/cchalm/stockchat/internal/persist"
	"github.com/cchalm/stockchat/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage saved conversations (premium only)",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: withHistory(func(ctx context.Context, cmd *cobra.Command, history store.History, owner auth.Identity, args []string) error {
		summaries, err := history.ListConversations(ctx, owner)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(summaries) == 0 {
			fmt.Fprintln(out, dimStyle.Render("No saved conversations"))
			return nil
		}
		for _, s := range summaries {
			fmt.Fprintf(out, "%s  %s  %s\n",
				dimStyle.Render(s.ID),
				s.UpdatedAt.Local().Format("2006-01-02 15:04"),
				fmt.Sprintf("%s (%d messages)", s.Title, s.MessageCount))
		}
		return nil
	}),
}

var historyShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print a saved conversation as markdown",
	Args:  cobra.ExactArgs(1),
	RunE: withHistory(func(ctx context.Context, cmd *cobra.Command, history store.History, owner auth.Identity, args []string) error {
		rec, err := history.GetConversation(ctx, owner, args[0])
		if err != nil {
			return notFound(err, args[0])
		}
		md, err := chat.ToMarkdown(rec.Title, persist.RestoreMessages(rec.Messages))
		if err != nil {
			return fmt.Errorf("failed to render conversation: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), md)
		return nil
	}),
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a saved conversation",
	Args:  cobra.ExactArgs(1),
	RunE: withHistory(func(ctx context.Context, cmd *cobra.Command, history store.History, owner auth.Identity, args []string) error {
		if err := history.DeleteConversation(ctx, owner, args[0]); err != nil {
			return notFound(err, args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %s\n", args[0])
		return nil
	}),
}

func init() {
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd)
	rootCmd.AddCommand(historyCmd)
}

type historyFunc func(ctx context.Context, cmd *cobra.Command, history store.History, owner auth.Identity, args []string) error

// withHistory opens the stores and checks that the local user is premium before running fn
func withHistory(fn historyFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := auth.WithUser(setupContext(), localUser())

		db, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		owner, err := auth.RequirePremium(ctx, auth.ContextResolver{}, db)
		if err != nil {
			return fmt.Errorf("history is not available: %w", err)
		}
		history, err := historyStore(db)
		if err != nil {
			return err
		}
		return fn(ctx, cmd, history, owner, args)
	}
}

func notFound(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no saved conversation with ID %s", id)
	}
	return err
}
