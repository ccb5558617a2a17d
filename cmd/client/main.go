package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-dmchat/internal/chatclient"
	"github.com/npezzotti/go-dmchat/internal/config"
	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	email     string
	password  string
)

func main() {
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "load env:", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:          "dmchat",
		Short:        "Terminal client for go-dmchat direct messages",
		SilenceUsage: true,
		RunE:         runClient,
	}

	rootCmd.Flags().StringVarP(&serverURL, "server", "s", config.Getenv("DMCHAT_SERVER", "http://localhost:8000"), "chat server base url")
	rootCmd.Flags().StringVarP(&email, "email", "e", config.Getenv("DMCHAT_EMAIL", ""), "account email")
	rootCmd.Flags().StringVarP(&password, "password", "p", config.Getenv("DMCHAT_PASSWORD", ""), "account password")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, _ []string) error {
	if email == "" || password == "" {
		return fmt.Errorf("email and password are required")
	}

	logger := log.New(os.Stderr, "[dmchat] ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := chatclient.NewSession(serverURL, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	me, err := session.Login(ctx, email, password)
	if err != nil {
		return err
	}

	if err := session.Connect(ctx); err != nil {
		return err
	}

	users, err := session.Counterparts(ctx)
	if err != nil {
		return err
	}

	t := &terminal{session: session, me: me, users: users}
	fmt.Printf("logged in as %s. /users, /open <username>, /del <message id>, /quit\n", me.Username)

	go t.render(ctx)
	return t.readInput(ctx)
}

type terminal struct {
	session *chatclient.Session
	me      types.User
	users   []types.User
}

func (t *terminal) readInput(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		if line == "" {
			continue
		}

		if err := t.command(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Printf("\r[ERROR] %v\n", err)
		}
	}
}

var errQuit = errors.New("quit")

func (t *terminal) command(ctx context.Context, line string) error {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return errQuit
	case "/users":
		for _, u := range t.users {
			status := "offline"
			if t.session.IsOnline(u.Id) {
				status = "online"
			}
			fmt.Printf("  %-20s %s\n", u.Username, status)
		}
		return nil
	case "/open":
		peer, ok := t.lookup(arg)
		if !ok {
			return fmt.Errorf("unknown user %q", arg)
		}
		return t.session.SelectConversation(reqCtx, peer.Id)
	case "/del":
		return t.session.Delete(reqCtx, strings.TrimSpace(arg))
	}

	if strings.HasPrefix(cmd, "/") {
		return fmt.Errorf("unknown command %s", cmd)
	}

	_, err := t.session.Send(reqCtx, line, "")
	return err
}

func (t *terminal) lookup(username string) (types.User, bool) {
	for _, u := range t.users {
		if u.Username == strings.TrimSpace(username) {
			return u, true
		}
	}
	return types.User{}, false
}

func (t *terminal) name(id string) string {
	if id == t.me.Id {
		return "me"
	}
	for _, u := range t.users {
		if u.Id == id {
			return u.Username
		}
	}
	return id
}

// render prints the conversation whenever the session reports a change.
// Deletions reprint the whole view.
func (t *terminal) render(ctx context.Context) {
	var peer string
	shown := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.session.Updates():
		}

		msgs := t.session.Messages()
		if p := t.session.Peer(); p != peer {
			peer = p
			shown = 0
			fmt.Printf("\r--- %s ---\n", t.name(peer))
		} else if len(msgs) < shown {
			fmt.Print("\r--- conversation updated ---\n")
			shown = 0
		}

		for _, m := range msgs[shown:] {
			body := m.Text
			if m.Image != "" {
				body = strings.TrimSpace(body + " [image " + m.Image + "]")
			}
			fmt.Printf("\r[%s] %s (%s): %s\n", m.CreatedAt.Local().Format("15:04:05"), t.name(m.SenderId), m.Id, body)
		}
		shown = len(msgs)
		fmt.Print("> ")
	}
}
