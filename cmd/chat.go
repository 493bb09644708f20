package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/przewozpl/przewoz/internal/auth"
	"github.com/przewozpl/przewoz/internal/chat"
	"github.com/przewozpl/przewoz/internal/realtime"
	"github.com/przewozpl/przewoz/internal/store"
)

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat live",
	Long: `Joins a conversation's realtime channels: incoming messages are printed
as they arrive, typing indicators and participant presence are shown, and
lines typed here are sent back. End with Ctrl-D.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

		baseURL, anonKey, err := backendConfig()
		if err != nil {
			return err
		}
		session, err := auth.LoadSession(sessionPath())
		if err != nil {
			return fmt.Errorf("no session: run 'przewoz login' first: %w", err)
		}
		claims, err := auth.ParseClaims(session.AccessToken)
		if err != nil {
			return fmt.Errorf("stored session is unusable: %w", err)
		}
		receiverID, _ := cmd.Flags().GetString("to")
		username := session.Username()

		rest := store.New(baseURL, anonKey)
		rest.SetAuth(session.AccessToken)

		socket, err := realtime.NewSocket(baseURL, anonKey)
		if err != nil {
			return err
		}
		socket.SetAuth(session.AccessToken)
		if err := socket.Connect(); err != nil {
			return fmt.Errorf("connecting realtime socket: %w", err)
		}
		defer socket.Close()

		mgr := realtime.NewManager(socket)
		defer mgr.Cleanup()

		feed := chat.NewFeed(mgr, rest, rest, printAppender{selfID: claims.UserID}, conversationID, claims.UserID)
		feed.Start()
		defer feed.Stop()

		typing := chat.NewTyping(mgr, conversationID, claims.UserID, username)
		typing.Start()
		defer typing.Stop()

		presence := chat.NewPresence(mgr, conversationID, claims.UserID, username)
		presence.Join()
		defer presence.Leave()

		fmt.Printf("Conversation %s as %s. Type and press Enter; Ctrl-D to leave.\n", conversationID, username)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			typing.SetTyping(false)
			if _, err := rest.SendMessage(cmd.Context(), conversationID, claims.UserID, receiverID, text); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
		return scanner.Err()
	},
}

// printAppender renders incoming messages to stdout; own messages echo
// back through the change feed like everyone else's.
type printAppender struct {
	selfID string
}

func (p printAppender) Append(msg chat.Message) {
	name := msg.Sender.Username
	if msg.Sender.ID == p.selfID {
		name = "you"
	}
	fmt.Printf("[%s] %s\n", name, msg.Text)
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().String("to", "", "Receiver user ID")
	chatCmd.MarkFlagRequired("to")
}
