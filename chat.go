package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"msim/blob"
	"msim/config"
	"msim/db"
	"msim/engine"
	"msim/identity"
	"msim/models"
	"msim/transport"
	"msim/transport/line"
	"msim/transport/natsbus"
	"msim/transport/simpeer"
	"msim/transport/wsock"
)

const chatHelp = `Commands:
  /open <user>              start or reuse a conversation
  /select <conversation>    switch the active conversation
  /list                     list conversations
  /react <message> <type>   toggle a reaction
  /image <path> [caption]   send an image to the active conversation
  /typing                   send a typing indicator
  /quit                     leave
Anything else is sent to the active conversation.`

func newChatCommand() *cobra.Command {
	var (
		debug bool
		user  string
		token string
		via   string
	)

	cmd := &cobra.Command{
		Use:     "chat",
		Aliases: []string{"c"},
		Short:   "Interactive chat client",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, log, err := setup(debug)
			if err != nil {
				return err
			}
			if user != "" {
				cfg.UserID = user
			}
			if token != "" {
				cfg.Token = token
			}
			if via != "" {
				cfg.Transport = via
			}
			return chatCmd(cfg, log)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVarP(&user, "user", "u", "", "User id (MSIM_USER)")
	cmd.Flags().StringVarP(&token, "token", "t", "", "Password or token (MSIM_TOKEN)")
	cmd.Flags().StringVar(&via, "transport", "", "line, ws, nats or sim (MSIM_TRANSPORT)")

	return cmd
}

func newRegisterCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "register <login> <password>",
		Short: "Create an account on the relay",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, log, err := setup(false)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.RelayAddr
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := line.Register(ctx, addr, args[0], args[1], line.WithLogger(log)); err != nil {
				return err
			}
			fmt.Printf("Registered %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Relay address (MSIM_RELAY_ADDR)")

	return cmd
}

func newChannel(cfg *config.Config, log logrus.FieldLogger) (transport.Channel, error) {
	switch cfg.Transport {
	case "line":
		return line.New(cfg.RelayAddr, line.WithLogger(log)), nil
	case "ws":
		return wsock.New(cfg.WSURL, wsock.WithLogger(log)), nil
	case "nats":
		return natsbus.New(cfg.NATSURL, natsbus.WithPrefix(cfg.NATSPrefix), natsbus.WithLogger(log)), nil
	case "sim":
		return simpeer.New(simpeer.WithPeers(cfg.SimPeers...), simpeer.WithLogger(log)), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func chatCmd(cfg *config.Config, log *logrus.Logger) error {
	channel, err := newChannel(cfg, log)
	if err != nil {
		return err
	}

	history, err := db.New(cfg.HistoryPath)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer history.Close()

	blobs, err := blob.OpenPebble(cfg.BlobPath)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer blobs.Close()

	eng := engine.New(channel, identity.Static{UserID: cfg.UserID, Token: cfg.Token},
		engine.WithLogger(log),
		engine.WithStore(history),
		engine.WithBlobStore(blobs),
		engine.WithTypingWindow(cfg.TypingWindow),
		engine.WithTypingThrottle(cfg.TypingThrottle),
		engine.WithUnknownPeerPolicy(engine.UnknownPeerCreate),
	)
	defer eng.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".msim_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Listener:        typingListener(eng, log),
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()
	log.SetOutput(rl.Stderr())

	unsubscribe := eng.Subscribe(func(c engine.Change) {
		if text := describe(eng, c); text != "" {
			fmt.Fprintln(rl.Stdout(), text)
		}
	})
	defer unsubscribe()

	ctx := context.Background()
	if err := eng.Connect(ctx); err != nil {
		return fmt.Errorf("connect as %s: %w", cfg.UserID, err)
	}
	fmt.Fprintf(rl.Stdout(), "Connected as %s over %s. /help for commands.\n", eng.SelfID(), cfg.Transport)

	for {
		input, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(rl.Stdout(), "Goodbye!")
				return nil
			}
			fmt.Fprintf(rl.Stdout(), "Error reading input: %v\n", err)
			continue
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			fmt.Fprintln(rl.Stdout(), "Goodbye!")
			return nil
		}
		if err := runChatLine(ctx, eng, rl.Stdout(), input); err != nil {
			fmt.Fprintf(rl.Stdout(), "Error: %v\n", err)
		}
	}
}

type typingNotifier interface {
	Active() string
	NotifyTyping(ctx context.Context, conversationID string) (bool, error)
}

// typingListener signals typing in the active conversation on every edit of
// a line that is not a command.
func typingListener(n typingNotifier, log logrus.FieldLogger) readline.Listener {
	return readline.FuncListener(func(buf []rune, pos int, key rune) ([]rune, int, bool) {
		if len(buf) == 0 || buf[0] == '/' {
			return nil, 0, false
		}
		active := n.Active()
		if active == "" {
			return nil, 0, false
		}
		if _, err := n.NotifyTyping(context.Background(), active); err != nil {
			log.WithFields(logrus.Fields{
				"function":     "typingListener",
				"conversation": active,
				"error":        err.Error(),
			}).Debug("Typing notification failed")
		}
		return nil, 0, false
	})
}

func runChatLine(ctx context.Context, eng *engine.Engine, out io.Writer, input string) error {
	if !strings.HasPrefix(input, "/") {
		peer, err := activePeer(eng)
		if err != nil {
			return err
		}
		_, err = eng.Send(ctx, peer, input)
		return err
	}

	args := strings.Fields(input)
	switch args[0] {
	case "/help":
		fmt.Fprintln(out, chatHelp)
		return nil

	case "/open":
		if len(args) != 2 {
			return errors.New("usage: /open <user>")
		}
		conv, err := eng.CreateConversation(ctx, models.User{ID: args[1], Username: args[1]})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Active: %s with %s\n", conv.ID, args[1])
		printMessages(eng, out, conv.ID)
		return nil

	case "/select":
		if len(args) != 2 {
			return errors.New("usage: /select <conversation>")
		}
		if err := eng.SelectConversation(ctx, args[1]); err != nil {
			return err
		}
		printMessages(eng, out, args[1])
		return nil

	case "/list":
		active := eng.Active()
		for _, c := range eng.Conversations() {
			peer := c.Counterpart(eng.SelfID())
			marker := " "
			if c.ID == active {
				marker = "*"
			}
			state := "offline"
			if peer.IsOnline {
				state = "online"
			}
			fmt.Fprintf(out, "%s %s %s (%s) unread=%d\n", marker, c.ID, peer.ID, state, c.UnreadCount)
		}
		return nil

	case "/react":
		if len(args) != 3 {
			return errors.New("usage: /react <message> <type>")
		}
		return eng.React(ctx, args[1], args[2])

	case "/image":
		if len(args) < 2 {
			return errors.New("usage: /image <path> [caption]")
		}
		peer, err := activePeer(eng)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		_, err = eng.SendImage(ctx, peer, data, strings.Join(args[2:], " "))
		return err

	case "/typing":
		active := eng.Active()
		if active == "" {
			return errors.New("no active conversation")
		}
		_, err := eng.NotifyTyping(ctx, active)
		return err
	}

	return fmt.Errorf("unknown command %s", args[0])
}

func activePeer(eng *engine.Engine) (string, error) {
	conv, ok := eng.Conversation(eng.Active())
	if !ok {
		return "", errors.New("no active conversation, use /open <user>")
	}
	return conv.Counterpart(eng.SelfID()).ID, nil
}

func printMessages(eng *engine.Engine, out io.Writer, conversationID string) {
	for _, m := range eng.Messages(conversationID) {
		fmt.Fprintln(out, formatMessage(&m))
	}
}

func formatMessage(m *models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.Timestamp.Local().Format("15:04"), m.SenderID, m.Content)
	if m.ImageURL != "" {
		b.WriteString(" <image>")
	}
	if len(m.Reactions) > 0 {
		types := make([]string, 0, len(m.Reactions))
		for _, r := range m.Reactions {
			types = append(types, r.Type)
		}
		fmt.Fprintf(&b, " {%s}", strings.Join(types, " "))
	}
	fmt.Fprintf(&b, " (%s, %s)", m.ID, m.Status)
	return b.String()
}

// describe renders a change for the terminal, or "" when it is not worth a
// line.
func describe(eng *engine.Engine, c engine.Change) string {
	switch c.Kind {
	case engine.ChangeMessage:
		if c.Message == nil || c.Message.SenderID == eng.SelfID() {
			return ""
		}
		if c.ConversationID != eng.Active() {
			return fmt.Sprintf("New message from %s in %s", c.Message.SenderID, c.ConversationID)
		}
		return formatMessage(c.Message)
	case engine.ChangeStatus:
		return fmt.Sprintf("%s is %s", c.MessageID, c.Status)
	case engine.ChangeReaction:
		if c.Message != nil {
			return formatMessage(c.Message)
		}
	case engine.ChangePresence:
		if c.Online {
			return c.UserID + " is online"
		}
		return c.UserID + " is offline"
	case engine.ChangeTyping:
		if c.Typing != nil && c.ConversationID == eng.Active() {
			return c.UserID + " is typing..."
		}
	case engine.ChangeHistory:
		if c.ConversationID == eng.Active() {
			return "History loaded for " + c.ConversationID
		}
	case engine.ChangeTransportError:
		return fmt.Sprintf("Could not send %s: %v", c.EventKind, c.Err)
	case engine.ChangeConnection:
		if !c.Online {
			return "Disconnected"
		}
	}
	return ""
}
