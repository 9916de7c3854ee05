// ABOUTME: Terminal chat client for tandem-gateway conversations
// ABOUTME: Prints the snapshot and live events while sending typed lines as messages

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tandem/internal/client"
	"github.com/2389/tandem/internal/conversation"
	"github.com/2389/tandem/internal/store"
)

var (
	dim    = color.New(color.FgHiBlack)
	mine   = color.New(color.FgBlue)
	theirs = color.New(color.FgGreen)
	warn   = color.New(color.FgYellow)
)

// getToken returns the token from TANDEM_TOKEN or ~/.config/tandem/token.
func getToken() string {
	if token := os.Getenv("TANDEM_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "tandem", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	with := flag.String("with", "", "User id of the other participant (required)")
	membership := flag.Bool("membership", false, "Show who joins and leaves")
	debug := flag.Bool("debug", false, "Log connection details to stderr")
	flag.Parse()

	if *with == "" {
		fmt.Fprintln(os.Stderr, "Usage: tandem-chat -with <user> [-server URL]")
		os.Exit(2)
	}

	token := getToken()
	if token == "" {
		fmt.Fprintln(os.Stderr, "Error: no token (set TANDEM_TOKEN or run tandem-gateway token)")
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, token, *with, *membership, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, server, token, other string, membership bool, logger *slog.Logger) error {
	c, err := client.New(client.Config{
		URL:               server,
		Token:             token,
		OtherUserID:       other,
		IncludeMembership: membership,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer c.Disconnect()

	connectCtx, cancelConnect := context.WithTimeout(ctx, 15*time.Second)
	err = c.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	fmt.Printf("tandem-chat with %s on %s\n", other, server)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	go printEvents(c, other)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		var input string
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return c.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input = strings.TrimSpace(line)
		}
		if input == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(input, " ")
		switch cmd {
		case "/quit", "/exit", "/q":
			return nil
		case "/help":
			printHelp()
		case "/state":
			fmt.Printf("state: %s\n", c.State())
		case "/history":
			if err := fetchHistory(ctx, server, token, other); err != nil {
				warn.Printf("[error] %v\n", err)
			}
		case "/auto":
			send(ctx, c.SendAutoPilot, arg)
		default:
			send(ctx, c.Send, input)
		}
	}
}

func send(ctx context.Context, fn func(context.Context, string) (*store.Message, error), content string) {
	_, err := fn(ctx, content)
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrSessionNotActive):
		warn.Println("[not connected, message not sent]")
	default:
		warn.Printf("[error] %v\n", err)
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /auto <text>   Send text flagged as auto-pilot")
	fmt.Println("  /history       Show the last 20 messages from the server")
	fmt.Println("  /state         Show the connection state")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit")
}

// printEvents renders the client's event stream until it closes.
func printEvents(c *client.Client, other string) {
	for ev := range c.Events() {
		switch ev.Kind {
		case client.EventSnapshot:
			dim.Printf("--- %d messages ---\n", len(ev.Snapshot.Messages))
			for _, m := range ev.Snapshot.Messages {
				printMessage(m, other)
			}
			dim.Println("---")
		case client.EventNewMessage:
			printMessage(ev.Message, other)
		case client.EventReadReceipt:
			dim.Printf("  ✓ %s read %d message(s)\n", other, len(ev.Receipt.MessageIDs))
		case client.EventMembership:
			dim.Printf("  here: %s\n", strings.Join(ev.Membership.Users, ", "))
		}
	}
}

func printMessage(m *store.Message, other string) {
	ts := m.SentAt.Local().Format("15:04")
	tag := ""
	if m.AutoPilot {
		tag = " [auto]"
	}
	if m.SenderID == other {
		theirs.Printf("%s %s%s: ", ts, m.SenderID, tag)
	} else {
		mine.Printf("%s you%s: ", ts, tag)
	}
	fmt.Println(m.Content)
}

// historyPage is the JSON response of GET /api/conversations/{userId}/messages.
type historyPage struct {
	Messages []struct {
		SenderID  string `json:"sender_id"`
		Content   string `json:"content"`
		AutoPilot bool   `json:"auto_pilot"`
		SentAt    string `json:"sent_at"`
		ReadAt    string `json:"read_at"`
	} `json:"messages"`
	HasMore bool `json:"has_more"`
}

func fetchHistory(ctx context.Context, server, token, other string) error {
	u := fmt.Sprintf("%s/api/conversations/%s/messages?limit=20",
		strings.TrimSuffix(httpBase(server), "/"), url.PathEscape(other))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page historyPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if len(page.Messages) == 0 {
		fmt.Println("No messages yet")
		return nil
	}

	fmt.Println(strings.Repeat("-", 60))
	// newest first on the wire
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		read := ""
		if m.ReadAt != "" {
			read = " ✓"
		}
		fmt.Printf("%s %s: %s%s\n", m.SentAt, m.SenderID, m.Content, read)
	}
	if page.HasMore {
		dim.Println("... older messages available")
	}
	fmt.Println(strings.Repeat("-", 60))
	return nil
}

// httpBase maps a ws:// or wss:// server URL to its HTTP form.
func httpBase(server string) string {
	if rest, ok := strings.CutPrefix(server, "ws://"); ok {
		return "http://" + rest
	}
	if rest, ok := strings.CutPrefix(server, "wss://"); ok {
		return "https://" + rest
	}
	return server
}
