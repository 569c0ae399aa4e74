// Command companion is an interactive terminal client for the
// AI-companion service: it connects as a user, lists sessions, and
// holds a streamed conversation.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ai-companion/client/internal/audio"
	"github.com/ai-companion/client/internal/config"
	"github.com/ai-companion/client/internal/conn"
	"github.com/ai-companion/client/internal/model"
	"github.com/ai-companion/client/internal/recorder"
	"github.com/ai-companion/client/internal/state"
	"github.com/ai-companion/client/internal/store"
	"github.com/ai-companion/client/internal/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		serverURL  string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "companion",
		Short: "Chat with the AI companion service from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.ServerURL = serverURL
			}
			if userID != "" {
				cfg.UserID = userID
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "companion.yaml", "path to the config file")
	cmd.Flags().StringVar(&serverURL, "server", "", "WebSocket endpoint of the companion service")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user identifier for the connection handshake")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}
	identity, err := store.OpenIdentity(filepath.Join(cfg.DataDir, "identity.db"))
	if err != nil {
		return err
	}
	defer identity.Close()

	connCfg := conn.Config{
		ServerURL:      cfg.ServerURL,
		ReconnectDelay: cfg.ReconnectDelay,
		MaxReconnects:  cfg.MaxReconnects,
		HistorySize:    cfg.HistorySize,
		Logger:         log,
	}

	if cfg.Telemetry {
		_, metrics, shutdown, err := telemetry.Init(ctx, cfg.LogDir)
		if err != nil {
			return err
		}
		defer shutdown()
		connCfg.Metrics = metrics
	}
	if cfg.RecordWire {
		rec := recorder.New(filepath.Join(cfg.LogDir, "wire.jsonl"), recorder.WithRedactedAudio())
		defer rec.Close()
		connCfg.Recorder = rec
	}

	manager := conn.NewManager(connCfg)
	defer manager.Close()

	player := audio.NewController(nil, log)
	st := state.NewStore(manager, state.Options{
		Identity: identity,
		Audio:    player,
		Logger:   log,
	})
	defer st.Close()

	userID := cfg.UserID
	if userID == "" {
		userID = st.Snapshot().UserID
	}
	if userID == "" {
		fmt.Print("user id: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		userID = strings.TrimSpace(line)
	}
	if userID == "" {
		return model.ErrEmptyUserID
	}

	unwatch := st.Watch(printTranscriptTail(os.Stdout))
	defer unwatch()

	if err := st.Connect(ctx, userID); err != nil {
		return err
	}
	fmt.Printf("connected as %s — type a message, /new, /sessions, /switch <id>, /delete <id>, or /quit\n", userID)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit":
			return nil
		case line == "/new":
			st.CreateSession()
		case line == "/sessions":
			printSessions(st.Snapshot())
		case strings.HasPrefix(line, "/switch "):
			st.SwitchSession(strings.TrimSpace(strings.TrimPrefix(line, "/switch ")))
		case strings.HasPrefix(line, "/delete "):
			st.DeleteSession(strings.TrimSpace(strings.TrimPrefix(line, "/delete ")))
		case line == "":
			// ignore
		default:
			if err := st.SendMessage(line); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}
	return scanner.Err()
}

// printTranscriptTail renders assistant deltas as they stream in.
func printTranscriptTail(w *os.File) func(model.Snapshot) {
	var lastLen int
	var streaming bool
	return func(snap model.Snapshot) {
		last := snap.LastMessage()
		if last == nil || last.Role != model.RoleAssistant {
			lastLen, streaming = 0, false
			return
		}
		if last.IsStreaming {
			if !streaming {
				fmt.Fprint(w, "assistant: ")
				streaming = true
				lastLen = 0
			}
			if len(last.Content) > lastLen {
				fmt.Fprint(w, last.Content[lastLen:])
				lastLen = len(last.Content)
			}
			return
		}
		if streaming {
			if last.Emotion != "" {
				fmt.Fprintf(w, "  [%s]", last.Emotion)
			}
			fmt.Fprintln(w)
			lastLen, streaming = 0, false
		}
	}
}

func printSessions(snap model.Snapshot) {
	if len(snap.Sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	for _, s := range snap.Sessions {
		marker := " "
		if s.ID == snap.ActiveSessionID {
			marker = "*"
		}
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s %s  %-24s %3d msgs  %s\n",
			marker, s.ID, title, s.MessageCount, s.UpdatedAt.Format(time.DateTime))
	}
}
