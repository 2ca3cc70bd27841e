package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"tutor-agent/internal/domain"
	"tutor-agent/internal/integrations/tutorapi"
	"tutor-agent/internal/session"
	"tutor-agent/internal/store"
)

func main() {
	_ = godotenv.Load()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	baseURL := mustEnv("TUTOR_API_BASE_URL")
	token := mustEnv("TUTOR_API_TOKEN")
	statePath := envStr("STATE_FILE", defaultStatePath())
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 1000)

	apiClient, err := tutorapi.NewClient(tutorapi.StaticToken(token), baseURL)
	if err != nil {
		slog.Error("failed to create tutor API client", "err", err)
		os.Exit(1)
	}
	fileStore, err := store.NewFileStore(statePath, log)
	if err != nil {
		slog.Error("failed to create session file store", "err", err)
		os.Exit(1)
	}
	sess, err := session.New(apiClient, fileStore, log, maxMessageLen)
	if err != nil {
		slog.Error("failed to create session", "err", err)
		os.Exit(1)
	}
	sess.Restore(ctx)

	if msgs := sess.Messages(); len(msgs) > 0 {
		fmt.Printf("restored session with %d message(s)\n", len(msgs))
		printHistory(msgs)
	}
	fmt.Println("type a message and press enter; /retry /regenerate /delete N /clear /quit")

	repl(ctx, sess)
}

func repl(ctx context.Context, sess *session.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return
		case line == "/clear":
			if err := sess.Clear(ctx); err != nil {
				reportError(err)
				continue
			}
			fmt.Println("conversation cleared")
		case line == "/retry":
			idx := lastFailedUserIndex(sess.Messages())
			if idx < 0 {
				fmt.Println("nothing to retry")
				continue
			}
			if err := sess.Retry(ctx, idx); err != nil {
				reportError(err)
				continue
			}
			reportOutcome(sess.Messages())
		case line == "/regenerate":
			idx := lastAssistantIndex(sess.Messages())
			if idx < 0 {
				fmt.Println("nothing to regenerate")
				continue
			}
			if err := sess.Regenerate(ctx, idx); err != nil {
				reportError(err)
				continue
			}
			reportOutcome(sess.Messages())
		case strings.HasPrefix(line, "/delete "):
			idx, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/delete ")))
			if err != nil {
				fmt.Println("usage: /delete N")
				continue
			}
			if err := sess.DeleteMessage(ctx, idx); err != nil {
				reportError(err)
				continue
			}
			fmt.Printf("deleted message %d\n", idx)
		default:
			if err := sess.Send(ctx, line); err != nil {
				reportError(err)
				continue
			}
			reportOutcome(sess.Messages())
		}
	}
}

func lastFailedUserIndex(msgs []domain.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser && msgs[i].Status == domain.StatusError {
			return i
		}
	}
	return -1
}

func lastAssistantIndex(msgs []domain.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant && msgs[i].Status == domain.StatusSent {
			return i
		}
	}
	return -1
}

func reportOutcome(msgs []domain.Message) {
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Status == domain.StatusError {
		fmt.Printf("error: %s (use /retry to try again)\n", last.Error)
		return
	}
	printMessage(last)
}

func printHistory(msgs []domain.Message) {
	for i, m := range msgs {
		fmt.Printf("[%d] ", i)
		printMessage(m)
	}
}

func printMessage(m domain.Message) {
	switch {
	case m.Status == domain.StatusError && m.Role == domain.RoleAssistant:
		fmt.Printf("tutor: (failed: %s)\n", m.Error)
	case m.Status == domain.StatusError:
		fmt.Printf("you: %s (failed: %s)\n", m.Content, m.Error)
	case m.Role == domain.RoleUser:
		fmt.Printf("you: %s\n", m.Content)
	default:
		fmt.Printf("tutor: %s\n", m.Content)
		for _, c := range m.Citations {
			name := c.DisplayName
			if name == "" {
				name = c.File
			}
			if c.Page > 0 {
				fmt.Printf("  [%s p.%d]\n", name, c.Page)
			} else {
				fmt.Printf("  [%s]\n", name)
			}
		}
	}
}

func reportError(err error) {
	var sessErr *session.Error
	if errors.As(err, &sessErr) {
		fmt.Printf("rejected: %s\n", sessErr.Reason)
		return
	}
	fmt.Printf("error: %v\n", err)
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tutor-session.json"
	}
	return filepath.Join(home, ".tutor-agent", "session.json")
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
