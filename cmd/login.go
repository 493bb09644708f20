package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/przewozpl/przewoz/internal/auth"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, anonKey, err := backendConfig()
		if err != nil {
			return err
		}

		email, _ := cmd.Flags().GetString("email")
		if email == "" {
			email, err = promptLine("Email: ")
			if err != nil {
				return err
			}
		}
		if email == "" {
			return fmt.Errorf("email is required")
		}

		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}

		client := auth.New(baseURL, anonKey)
		session, err := client.SignIn(cmd.Context(), email, password)
		if err != nil {
			return fmt.Errorf("sign in failed: %w", err)
		}

		path := sessionPath()
		if err := auth.SaveSession(path, session); err != nil {
			return err
		}

		fmt.Printf("Signed in as %s, session saved to %s\n", session.Username(), path)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := sessionPath()
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No session to remove")
				return nil
			}
			return fmt.Errorf("removing session: %w", err)
		}
		fmt.Println("Session removed")
		return nil
	},
}

// stdinReader is reused for non-terminal input to avoid losing buffered data
var stdinReader *bufio.Reader

func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	if stdinReader == nil {
		stdinReader = bufio.NewReader(os.Stdin)
	}
	line, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	// Read the password with echo off when attached to a terminal
	if term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(password), nil
	}

	// Fallback for non-terminal (e.g., piped input)
	return promptLine("")
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	loginCmd.Flags().String("email", "", "Account email (prompted when omitted)")
}
