package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/przewozpl/przewoz/internal/auth"
	"github.com/przewozpl/przewoz/internal/store"
)

var sendCmd = &cobra.Command{
	Use:   "send [text...]",
	Short: "Send a direct message in a conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		conversationID, _ := cmd.Flags().GetString("conversation")
		receiverID, _ := cmd.Flags().GetString("to")

		rest := store.New(baseURL, anonKey)
		rest.SetAuth(session.AccessToken)

		id, err := rest.SendMessage(cmd.Context(), conversationID, claims.UserID, receiverID, strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("sending message: %w", err)
		}

		fmt.Printf("Sent %s\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("conversation", "", "Conversation ID")
	sendCmd.Flags().String("to", "", "Receiver user ID")
	sendCmd.MarkFlagRequired("conversation")
	sendCmd.MarkFlagRequired("to")
}
