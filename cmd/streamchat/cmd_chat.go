package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/streamchat/internal/chat"
	"github.com/user/streamchat/internal/observer"
	"github.com/user/streamchat/internal/state"
	"github.com/user/streamchat/internal/types"
)

var chatTimeout time.Duration

func init() {
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 0, "per-turn deadline (0 for none)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <session-id> [message]",
	Short: "Chat in a session; without a message, read turns from stdin",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := backendConfig()
	if err != nil {
		return err
	}
	client := newClient(cfg)
	cache := newCache(cfg, client)
	defer cache.Close()
	ctrl := newController(cfg, cache, client)
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if cfg.Metrics.Listen != "" {
		srv := observer.NewServer(cache, ctrl)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Metrics.Listen); err != nil {
				slog.Error("observer server failed", "error", err)
			}
		}()
	}

	c := &chatter{
		ctrl:    ctrl,
		cache:   cache,
		id:      types.SessionID(args[0]),
		out:     os.Stdout,
		timeout: chatTimeout,
	}

	if len(args) > 1 {
		return sessionError(c.id, c.turn(ctx, strings.Join(args[1:], " ")))
	}

	msgs, err := cache.ListMessages(ctx, c.id)
	if err != nil {
		return sessionError(c.id, err)
	}
	for _, m := range msgs {
		printMessage(os.Stdout, m)
	}
	return c.repl(ctx, os.Stdin)
}

// chatter runs turns for one session and renders them to out.
type chatter struct {
	ctrl    *chat.Controller
	cache   *state.Cache
	id      types.SessionID
	out     io.Writer
	timeout time.Duration
}

type turnOutcome struct {
	res *chat.Result
	err error
}

// repl reads one turn per line until EOF or /quit. /sessions prints the
// session listing and /refresh refetches this session's history. Failed turns
// are reported and the loop continues.
func (c *chatter) repl(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, userStyle.Render("> "))
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/sessions":
			c.printSessions(ctx)
			continue
		case "/refresh":
			c.refresh(ctx)
			continue
		}
		if err := c.turn(ctx, line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintln(c.out, errorStyle.Render("error: ")+err.Error())
		}
	}
}

// printSessions prints the loaded listing, fetching it only if none has been
// loaded yet.
func (c *chatter) printSessions(ctx context.Context) {
	sessions, ok := c.cache.Sessions()
	if !ok {
		var err error
		if sessions, err = c.cache.ListSessions(ctx); err != nil {
			fmt.Fprintln(c.out, errorStyle.Render("error: ")+err.Error())
			return
		}
	}
	for _, s := range sessions {
		marker := " "
		if s.ID == c.id {
			marker = "*"
		}
		fmt.Fprintf(c.out, "%s %s  %s\n", marker, s.ID, s.Title)
	}
}

// refresh refetches the session listing and this session's messages.
func (c *chatter) refresh(ctx context.Context) {
	c.cache.InvalidateListing()
	if _, err := c.cache.ListSessions(ctx); err != nil {
		fmt.Fprintln(c.out, errorStyle.Render("error: ")+err.Error())
	}
	msgs, err := c.cache.RefreshMessages(ctx, c.id)
	if err != nil {
		fmt.Fprintln(c.out, errorStyle.Render("error: ")+err.Error())
		return
	}
	for _, m := range msgs {
		printMessage(c.out, m)
	}
}

// turn submits input and prints the reply as it streams. Ctrl-C cancels the
// turn without exiting.
func (c *chatter) turn(ctx context.Context, input string) error {
	events, unsubscribe := c.ctrl.Subscribe(256)
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	done := make(chan turnOutcome, 1)
	go func() {
		res, err := c.ctrl.Submit(ctx, c.id, input)
		done <- turnOutcome{res, err}
	}()

	fmt.Fprintln(c.out, roleLabel(types.RoleAssistant))
	var printed strings.Builder
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.render(ev, &printed)
		case out := <-done:
			// Everything published before Submit returned is already buffered.
			for drained := false; !drained; {
				select {
				case ev, ok := <-events:
					if !ok {
						drained = true
						continue
					}
					c.render(ev, &printed)
				default:
					drained = true
				}
			}
			return c.report(out, printed.String())
		}
	}
}

func (c *chatter) render(ev chat.Event, printed *strings.Builder) {
	if ev.SessionID != c.id || ev.Kind != chat.EventDelta {
		return
	}
	fmt.Fprint(c.out, ev.Delta)
	printed.WriteString(ev.Delta)
}

func (c *chatter) report(out turnOutcome, printed string) error {
	if out.err != nil {
		if printed != "" {
			fmt.Fprintln(c.out)
		}
		var te *chat.TurnError
		if errors.As(out.err, &te) && te.InputConsumed {
			fmt.Fprintln(c.out, dimStyle.Render("(your message was saved; the reply was not)"))
		}
		return out.err
	}

	res := out.res
	if res.Empty {
		fmt.Fprintln(c.out, dimStyle.Render("(empty reply)"))
		return nil
	}
	// Deltas dropped by a full subscriber buffer are recovered from the
	// persisted reply.
	if content := res.AssistantMessage.Content; strings.HasPrefix(content, printed) {
		fmt.Fprint(c.out, content[len(printed):])
	}
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, dimStyle.Render(fmt.Sprintf("%d tokens, %s", res.CompletionTokens, res.Duration.Round(time.Millisecond))))
	fmt.Fprintln(c.out)
	return nil
}
