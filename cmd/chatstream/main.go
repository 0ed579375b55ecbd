package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/relyce/chatstream/internal/chat"
	"github.com/relyce/chatstream/internal/config"
	"github.com/relyce/chatstream/internal/connections"
	"github.com/relyce/chatstream/internal/credentials"
	"github.com/relyce/chatstream/internal/fallback"
	"github.com/relyce/chatstream/internal/history"
	"github.com/relyce/chatstream/internal/oauth"
	"github.com/relyce/chatstream/pkg/logger"
)

const helpText = `Commands:
  /stop            stop the current reply
  /reconnect       reconnect the socket
  /session <id>    switch conversation
  /mode <mode>     normal, business or deepsearch
  /search <text>   send with web search
  /status          show connection state
  /quit            exit`

func main() {
	logger.Init(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		l := logger.With(logger.APP)
		l.Fatal().Err(err).Msg("chatstream failed")
	}
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("chatstream", flag.ContinueOnError)
	sessionID := fs.String("session", "", "conversation id (default: a new one)")
	mode := fs.String("mode", "normal", "chat mode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		*sessionID = uuid.New().String()
	}

	l := logger.With(logger.APP)
	baseURL := config.GetAPIBaseURL()
	streamCfg := config.GetStreamConfig()

	tokens, userID, err := resolveCredentials(ctx, baseURL)
	if err != nil {
		return err
	}

	src := history.New(ctx)
	defer src.Close()
	_, inMemory := src.(*history.MemoryStore)

	wsBase := config.WebSocketURL(baseURL)
	registry := connections.NewRegistry(connections.DefaultTimeouts, func(tc connections.TimeoutConfig) *connections.Client {
		return connections.NewClient(connections.Options{
			BaseURL:               wsBase,
			ReconnectBaseInterval: streamCfg.ReconnectBaseInterval,
			MaxReconnectAttempts:  streamCfg.MaxReconnectAttempts,
			Timeouts:              tc,
		})
	})
	defer registry.Close()

	r := newRenderer(out)
	ctrl := chat.NewController(chat.Options{
		UserID:         userID,
		Tokens:         tokens,
		Registry:       registry,
		Fallback:       fallback.NewClient(baseURL, tokens, nil),
		History:        src,
		FlushInterval:  streamCfg.FlushInterval,
		FlushThreshold: streamCfg.FlushThreshold,
		PingInterval:   streamCfg.PingInterval,
		// Nobody else writes to an in-process store.
		PersistSocketReplies: inMemory,
		OnEvent:              r.event,
	})
	defer ctrl.Close()
	unsubscribe := ctrl.Subscribe(r.update)
	defer unsubscribe()

	if err := ctrl.SetMode(*mode); err != nil {
		return err
	}
	if err := ctrl.SetSession(ctx, *sessionID); err != nil {
		return err
	}
	l.Info().Str("session_id", *sessionID).Str("user_id", userID).Str("backend", baseURL).Msg("Chat ready")
	fmt.Fprintf(out, "session %s (type /help for commands)\n", *sessionID)

	reader := newInput(ctx, in)
	defer reader.close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-reader.lines:
			if !ok {
				// Input ended: let the last reply finish.
				r.wait(ctx)
				return nil
			}
			if quit := handleLine(ctx, ctrl, r, strings.TrimSpace(line)); quit {
				return nil
			}
			if reader.interactive() {
				r.wait(ctx)
			}
			reader.ready(ctx)
		}
	}
}

// handleLine runs one command or sends one message. It reports whether
// the user asked to quit.
func handleLine(ctx context.Context, ctrl *chat.Controller, r *renderer, line string) bool {
	if line == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		r.println(helpText)
	case "/stop":
		ctrl.Stop()
	case "/reconnect":
		if err := ctrl.Reconnect(ctx); err != nil {
			r.println("error: " + err.Error())
		}
	case "/session":
		if arg == "" {
			arg = uuid.New().String()
		}
		if err := ctrl.SetSession(ctx, arg); err != nil {
			r.println("error: " + err.Error())
			return false
		}
		r.println("session " + arg)
	case "/mode":
		if err := ctrl.SetMode(arg); err != nil {
			r.println("error: " + err.Error())
		}
	case "/status":
		st := ctrl.Status()
		r.println(fmt.Sprintf("session=%s state=%s streaming=%t last_error=%q", st.SessionID, st.State, st.Streaming, st.LastError))
	case "/search":
		send(ctx, ctrl, r, chat.SendRequest{Text: arg, WebSearch: true})
	default:
		send(ctx, ctrl, r, chat.SendRequest{Text: line})
	}
	return false
}

func send(ctx context.Context, ctrl *chat.Controller, r *renderer, req chat.SendRequest) {
	if ctrl.Status().Streaming {
		r.println("error: a reply is still streaming, /stop it first")
		return
	}
	// The reply may start arriving before Send returns.
	r.expect()
	id, err := ctrl.Send(ctx, req)
	if err != nil {
		r.cancelExpect()
		r.println("error: " + err.Error())
		return
	}
	r.track(id)
}

// resolveCredentials uses CHAT_TOKEN when set, otherwise anonymous tokens
// from the backend's token endpoint.
func resolveCredentials(ctx context.Context, baseURL string) (credentials.Provider, string, error) {
	if token := config.GetEnvOrDefault("CHAT_TOKEN", ""); token != "" {
		return credentials.Static(token), config.GetEnvOrDefault("CHAT_USER_ID", "anonymous"), nil
	}

	tc := oauth.NewClient(baseURL, nil)
	tokens := credentials.NewRefreshing(tc, 30*time.Second)

	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := tokens.Token(fetchCtx); err != nil {
		return nil, "", fmt.Errorf("fetching anonymous token: %w", err)
	}
	return tokens, tc.UserID(), nil
}
