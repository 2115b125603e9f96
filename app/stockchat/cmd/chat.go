package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cchalm/stockchat/internal/ai"
	"github.com/cchalm/stockchat/internal/auth"
	"github.com/cchalm/stockchat/internal/chat"
	"github.com/cchalm/stockchat/internal/persist"
	"github.com/cchalm/stockchat/internal/quota"
	"github.com/cchalm/stockchat/internal/store"
	"github.com/cchalm/stockchat/internal/tools"
)

var resumeID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Long: `Starts an interactive chat with the assistant. Type a question and press enter;
type /quit or send EOF to leave. Premium users may continue a saved conversation
with --resume.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&resumeID, "resume", "", "ID of a saved conversation to continue (premium only)")

	rootCmd.AddCommand(chatCmd)
}

// chatSession is everything one interactive chat needs
type chatSession struct {
	engine  *ai.Engine
	gate    *quota.Gate
	printer *streamPrinter
	user    auth.User
	limit   int
}

func runChat(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := setupContext()
	user := localUser()
	ctx = auth.WithUser(ctx, user)

	telemetryProvider, err := createTelemetryProvider(ctx)
	if err != nil {
		return fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	defer func() {
		if err := telemetryProvider.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to shut down telemetry", "error", err)
		}
	}()

	db, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	history, err := historyStore(db)
	if err != nil {
		return err
	}

	conv := chat.NewConversation()
	if resumeID != "" {
		conv, err = loadConversation(ctx, db, history, resumeID)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	printer := newStreamPrinter(out)
	users := auth.ContextResolver{}
	queue := persist.NewQueue(persist.NewCoordinator(users, db, history))
	// Let pending saves finish before the database closes
	defer queue.Wait()

	session := chatSession{
		engine: ai.NewEngine(createProvider(), tools.NewRegistry(), queue, users, ai.EngineConfig{
			Model:           cfg.Model,
			CaptionModel:    cfg.CaptionModel,
			MaxOutputTokens: cfg.MaxOutputTokens,
		}).WithLiveView(printer),
		gate:    quota.NewGate(db, messageCounter(ctx, db), cfg.FreeMessageLimit),
		printer: printer,
		user:    user,
		limit:   cfg.FreeMessageLimit,
	}

	slog.Info("Starting chat", "conversation", conv.ID, "user", user.ID, "provider", cfg.Provider, "model", cfg.Model)
	for _, entry := range chat.Project(conv) {
		fmt.Fprintln(out, renderEntry(entry))
	}
	fmt.Fprintln(out, dimStyle.Render("Ask about stocks and markets. Type /quit to leave."))

	return session.loop(ctx, cmd.InOrStdin(), out, conv)
}

func (s chatSession) loop(ctx context.Context, in io.Reader, out io.Writer, conv *chat.Conversation) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, promptStyle.Render("you> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		utterance := strings.TrimSpace(scanner.Text())
		switch utterance {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		if !s.gate.Authorize(ctx, s.user.ID) {
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf(
				"You have reached the limit of %d messages for free accounts. Upgrade to Premium for unlimited messages and more features.",
				s.limit)))
			continue
		}

		entry := s.engine.RunTurn(ctx, conv, utterance)
		s.printer.finish(entry)
	}
}

// loadConversation restores a saved conversation of the local user
func loadConversation(ctx context.Context, tiers auth.TierLookup, history store.History, id string) (*chat.Conversation, error) {
	owner, err := auth.RequirePremium(ctx, auth.ContextResolver{}, tiers)
	if err != nil {
		return nil, fmt.Errorf("cannot resume conversation: %w", err)
	}
	rec, err := history.GetConversation(ctx, owner, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no saved conversation with ID %s", id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return persist.Restore(rec), nil
}
