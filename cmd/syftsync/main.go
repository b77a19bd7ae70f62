package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"syftsync/internal/app"
	"syftsync/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp(ctx context.Context) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// readPassphrase prompts on stderr and reads without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pw), nil
}

var rootCmd = &cobra.Command{
	Use:   "syftsync",
	Short: "Peer-to-peer file sync over shared-medium mailboxes",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		syncRoot, _ := cmd.Flags().GetString("sync-root")
		if email == "" {
			return fmt.Errorf("--email is required")
		}
		if syncRoot == "" {
			return fmt.Errorf("--sync-root is required")
		}

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(email, syncRoot, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Email:     %s\n", email)
		fmt.Printf("Sync Root: %s\n", syncRoot)
		fmt.Printf("Base Dir:  %s\n", defaults["base_dir"])
		fmt.Println("\nAdd a [[transports]] section before first use.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Email:     %s\n", cfg.Email)
		fmt.Printf("Sync Root: %s\n", cfg.SyncRoot)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		for _, t := range cfg.Transports {
			fmt.Printf("Transport: %s (%s)\n", t.Name, t.Type)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the local encryption key pair",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the local key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		enc, err := a.Encryptor()
		if err != nil {
			return err
		}
		if enc.IsConfigured() {
			return fmt.Errorf("a key pair already exists")
		}

		passphrase, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := enc.Setup(passphrase); err != nil {
			return fmt.Errorf("generating key pair: %w", err)
		}

		pub, err := enc.PublicKey()
		if err != nil {
			return err
		}
		fmt.Println("Key pair generated.")
		fmt.Printf("Public key (share with peers): %s\n", pub)
		return nil
	},
}

// peer command
var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Manage peers",
}

var peerAddCmd = &cobra.Command{
	Use:   "add EMAIL",
	Short: "Add a friend and grant them mailbox access",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ageKey, _ := cmd.Flags().GetString("age-key")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		peer, err := a.AddPeer(args[0], ageKey)
		if err != nil {
			return fmt.Errorf("adding peer: %w", err)
		}

		fmt.Printf("Peer added: %s\n", peer.Email)
		fmt.Println("They become a friend once they add you back.")
		return nil
	},
}

var peerRemoveCmd = &cobra.Command{
	Use:   "remove EMAIL",
	Short: "Revoke a peer's access and forget them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RemovePeer(args[0]); err != nil {
			return fmt.Errorf("removing peer: %w", err)
		}
		fmt.Printf("Peer removed: %s\n", args[0])
		return nil
	},
}

var peerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known peers and their relationship state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		list, states, err := a.Peers()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No peers recorded.")
			return nil
		}
		for _, p := range list {
			encrypted := ""
			if p.AgePublicKey != "" {
				encrypted = "  [encrypted]"
			}
			fmt.Printf("%-10s %s  added %s%s\n", states[p.Email], p.Email, p.AddedAt.Format("2006-01-02"), encrypted)
		}
		return nil
	},
}

var peerRequestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List pending friend requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		requests, err := a.FriendRequests()
		if err != nil {
			return err
		}
		if len(requests) == 0 {
			fmt.Println("No pending friend requests.")
			return nil
		}
		for _, r := range requests {
			fmt.Println(r)
		}
		fmt.Println("\nAccept with: syftsync peer add EMAIL")
		return nil
	},
}

// send command
var sendCmd = &cobra.Command{
	Use:   "send PATH [RECIPIENT]",
	Short: "Send a file to a peer, or to all friends",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		recipient := ""
		if len(args) > 1 {
			recipient = args[1]
		}

		if err := a.Send(args[0], recipient); err != nil {
			return fmt.Errorf("sending: %w", err)
		}
		fmt.Printf("Sent: %s\n", args[0])
		return nil
	},
}

// delete command
var deleteCmd = &cobra.Command{
	Use:   "delete PATH",
	Short: "Propagate a deletion to all friends",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := a.Delete(args[0])
		if err != nil {
			return fmt.Errorf("propagating deletion: %w", err)
		}
		for peer, ok := range results {
			status := "ok"
			if !ok {
				status = "failed"
			}
			fmt.Printf("%s: %s\n", peer, status)
		}
		return nil
	},
}

// receive command
var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Poll the inbox once and apply pending messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := maybeUnlock(cmd, a); err != nil {
			return err
		}

		count, err := a.Receive(cmd.Context())
		if err != nil {
			return fmt.Errorf("receiving: %w", err)
		}
		fmt.Printf("Applied %d message(s)\n", count)
		return nil
	},
}

// daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the watcher and the receive loop until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := maybeUnlock(cmd, a); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return a.Daemon(ctx)
	},
}

// maybeUnlock prompts for the passphrase and unlocks the local identity when
// encryption is enabled with --unlock.
func maybeUnlock(cmd *cobra.Command, a *app.App) error {
	unlock, _ := cmd.Flags().GetBool("unlock")
	if !unlock {
		return nil
	}
	passphrase, err := readPassphrase("Passphrase: ")
	if err != nil {
		return err
	}
	return a.UnlockEncryption(passphrase)
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history PATH",
	Short: "View the sync journal for a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.History(args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No sync history.")
			return nil
		}
		for _, e := range entries {
			hash := e.ContentHash
			if len(hash) > 12 {
				hash = hash[:12]
			}
			fmt.Printf("%s  %-8s  %-6s  %-25s  %s  %s\n",
				e.Timestamp.Format("2006-01-02 15:04:05"),
				string(e.Direction),
				string(e.Operation),
				e.Peer,
				e.MessageID,
				hash,
			)
		}
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("email", "", "Local principal email")
	configInitCmd.Flags().String("sync-root", "", "Directory to synchronize")
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)

	// peer subcommands
	peerCmd.AddCommand(peerAddCmd)
	peerAddCmd.Flags().String("age-key", "", "Peer's age public key for at-rest encryption")
	peerCmd.AddCommand(peerRemoveCmd)
	peerCmd.AddCommand(peerListCmd)
	peerCmd.AddCommand(peerRequestsCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(receiveCmd)
	receiveCmd.Flags().Bool("unlock", false, "Prompt for passphrase to decrypt inbound blobs")
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Bool("unlock", false, "Prompt for passphrase to decrypt inbound blobs")
	rootCmd.AddCommand(historyCmd)
}
