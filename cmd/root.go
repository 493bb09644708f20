package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/przewozpl/przewoz/internal/log"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var (
	flagURL         string
	flagAnonKey     string
	flagSessionFile string
	flagLogLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "przewoz",
	Short: "przewoz - realtime client for the transport marketplace",
	Long: `A terminal client for the transport marketplace backend: sign in,
follow your notifications live and watch who is online.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := log.DefaultConfig()
		cfg.Level = resolve(flagLogLevel, "PRZEWOZ_LOG_LEVEL", "info")
		return log.Init(cfg)
	},
}

func init() {
	rootCmd.SetVersionTemplate("przewoz version {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "Backend base URL (or PRZEWOZ_URL)")
	rootCmd.PersistentFlags().StringVar(&flagAnonKey, "anon-key", "", "Backend anon key (or PRZEWOZ_ANON_KEY)")
	rootCmd.PersistentFlags().StringVar(&flagSessionFile, "session-file", "", "Session file path (or PRZEWOZ_SESSION_FILE)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (or PRZEWOZ_LOG_LEVEL)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolve picks a setting: flag first, then environment, then fallback.
func resolve(flag, envKey, fallback string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return fallback
}

// backendConfig returns the URL and anon key, failing when either is missing.
func backendConfig() (string, string, error) {
	url := resolve(flagURL, "PRZEWOZ_URL", "")
	if url == "" {
		return "", "", fmt.Errorf("backend URL not set: use --url or PRZEWOZ_URL")
	}
	key := resolve(flagAnonKey, "PRZEWOZ_ANON_KEY", "")
	if key == "" {
		return "", "", fmt.Errorf("anon key not set: use --anon-key or PRZEWOZ_ANON_KEY")
	}
	return url, key, nil
}

// sessionPath returns where the session file lives.
func sessionPath() string {
	if p := resolve(flagSessionFile, "PRZEWOZ_SESSION_FILE", ""); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".przewoz-session.json"
	}
	return filepath.Join(home, ".config", "przewoz", "session.json")
}
