package cmd

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"ephemera/config"
	"ephemera/crypto"
)

func init() {
	serveCmd.Flags().String("listen", config.DefaultListen, "HTTP listen address")
	_ = viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))

	serveCmd.Flags().String("fanout", "", "Hint backend: nats, memory or poll")
	_ = viper.BindPFlag("fanout.backend", serveCmd.Flags().Lookup("fanout"))

	serveCmd.Flags().Bool("discovery", false, "Advertise the relay on the local network")
	_ = viper.BindPFlag("discovery.enabled", serveCmd.Flags().Lookup("discovery"))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay until interrupted",
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

		ln, err := net.Listen("tcp", cfg.Server.Listen)
		if err != nil {
			_ = app.Close()
			return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
		}

		fmt.Printf("Relay ID:        %s\n", identity.RelayID)
		fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(crypto.Fingerprint(identity.RelayID)))
		fmt.Printf("Data Directory:  %s\n", cfg.Store.DataDir)
		fmt.Printf("Listening:       %s\n", ln.Addr())
		fmt.Printf("Hint Backend:    %s\n", app.Channel.Name())

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		serveErr := app.Start(ln)
		fmt.Println("Status:          running (press Ctrl+C to stop)")

		select {
		case <-ctx.Done():
			fmt.Println("Status:          shutting down")
		case err := <-serveErr:
			if err != nil {
				jww.ERROR.Printf("[API] serve failed: %v", err)
			}
		}
		return app.Close()
	},
}
