package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/przewozpl/przewoz/internal/auth"
	"github.com/przewozpl/przewoz/internal/log"
	"github.com/przewozpl/przewoz/internal/notify"
	"github.com/przewozpl/przewoz/internal/realtime"
	"github.com/przewozpl/przewoz/internal/store"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stream notifications and presence to the terminal",
	Long: `Connects to the realtime backend with the stored session, subscribes to
your notification channel and the online-users presence channel, and
prints everything as it happens. Stop with Ctrl-C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, anonKey, err := backendConfig()
		if err != nil {
			return err
		}

		session, err := auth.LoadSession(sessionPath())
		if err != nil {
			return fmt.Errorf("no session: run 'przewoz login' first: %w", err)
		}

		authClient := auth.New(baseURL, anonKey)
		if refreshed, err := authClient.Refresh(cmd.Context(), session.RefreshToken); err == nil {
			session = refreshed
			if err := auth.SaveSession(sessionPath(), session); err != nil {
				log.Warn("listen: saving refreshed session failed", "error", err.Error())
			}
		} else {
			log.Warn("listen: session refresh failed, using stored token", "error", err.Error())
		}

		claims, err := auth.ParseClaims(session.AccessToken)
		if err != nil {
			return fmt.Errorf("stored session is unusable: %w", err)
		}
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

		feeds := notify.NewStore()
		watcher := notify.NewWatcher(mgr, rest, feeds, notify.WatcherConfig{
			UserID:  claims.UserID,
			Admin:   claims.IsAdmin(),
			Toaster: notify.ToastFunc(printToast),
			Chime:   terminalBell,
		})
		watcher.Start()
		defer watcher.Stop()

		leave := mgr.JoinPresence("online-users",
			map[string]any{
				"user_id":   claims.UserID,
				"username":  username,
				"online_at": time.Now().UTC().Format(time.RFC3339),
			},
			func() {
				log.Debug("listen: presence synced")
			},
			func(key string, metas []map[string]any) {
				name := key
				if len(metas) > 0 {
					if n, ok := metas[0]["username"].(string); ok && n != "" {
						name = n
					}
				}
				fmt.Printf("* %s is online\n", name)
			},
			func(key string, metas []map[string]any) {
				fmt.Printf("* %s went offline\n", key)
			},
		)
		defer leave()

		fmt.Printf("Listening as %s (%s). Ctrl-C to stop.\n", username, claims.UserID)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		fmt.Printf("\n%d notification(s) pending on exit\n", feeds.Total())

		// The buffer captures debug lines even when the console level is
		// higher, so a session can be inspected without rerunning it.
		if tail, _ := cmd.Flags().GetInt("tail"); tail > 0 {
			for _, line := range log.GetBufferedLogs(tail) {
				fmt.Println(line)
			}
		}
		return nil
	},
}

func printToast(t notify.Toast) {
	fmt.Printf("[%s] %s", t.Title, t.Description)
	if t.ActionPath != "" {
		fmt.Printf(" (%s)", t.ActionPath)
	}
	fmt.Println()
}

// terminalBell rings the terminal bell, the closest thing a CLI has to a
// notification sound.
func terminalBell() {
	fmt.Print("\a")
}

func init() {
	rootCmd.AddCommand(listenCmd)

	listenCmd.Flags().Int("tail", 0, "Print the last N buffered log lines on exit")
}
