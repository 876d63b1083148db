package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"ephemera/config"
	"ephemera/crypto"
	"ephemera/discovery"
)

func init() {
	discoverCmd.Flags().Bool("watch", false, "Keep scanning and print relays as they come and go")
	discoverCmd.Flags().Duration("timeout", discovery.DefaultScanTimeout, "Length of one scan window")

	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(versionCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep against the relay database and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		identity, err := config.LoadOrCreateIdentity(cfg.Store.DataDir)
		if err != nil {
			return err
		}
		app, err := NewApp(cfg, identity, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err := app.Close(); err != nil {
				jww.WARN.Printf("close relay: %v", err)
			}
		}()
		app.Dispatcher.Start()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		report, err := app.SweepOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Expired conversations: %d\n", report.ExpiredConversations)
		fmt.Printf("Deleted messages:      %d\n", report.DeletedMessages)
		fmt.Printf("Purged conversations:  %d\n", report.PurgedConversations)
		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List relays advertised on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		watch, _ := cmd.Flags().GetBool("watch")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg := discovery.Config{ScanTimeout: timeout}
		if !watch {
			relays, err := discovery.Browse(ctx, cfg)
			if err != nil {
				return err
			}
			printRelays(os.Stdout, relays)
			return nil
		}

		scanner, err := discovery.NewScanner(cfg)
		if err != nil {
			return err
		}
		scanner.Start()
		go func() {
			<-ctx.Done()
			scanner.Stop()
		}()
		logDiscoveryEvents(os.Stdout, scanner.Events())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relay version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ephemera relay v%s\n", Version)
	},
}

func printRelays(w io.Writer, relays []discovery.Relay) {
	if len(relays) == 0 {
		fmt.Fprintln(w, "no relays found")
		return
	}
	for _, r := range relays {
		fmt.Fprintf(w, "%s  %s  fingerprint=%s  v%d\n",
			r.Instance, r.URL(), crypto.FormatFingerprint(r.Fingerprint), r.Version)
	}
}

// logDiscoveryEvents prints scanner events until the channel closes.
func logDiscoveryEvents(w io.Writer, events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventRelayUpserted:
			fmt.Fprintf(w, "%s relay available id=%s url=%s fingerprint=%s\n",
				event.Relay.LastSeen.Format(time.RFC3339), event.Relay.RelayID,
				event.Relay.URL(), crypto.FormatFingerprint(event.Relay.Fingerprint))
		case discovery.EventRelayRemoved:
			fmt.Fprintf(w, "relay removed id=%s\n", event.Relay.RelayID)
		default:
			fmt.Fprintf(w, "discovery event=%s id=%s\n", event.Type, event.Relay.RelayID)
		}
	}
}
