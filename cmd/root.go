// Package cmd initializes the CLI and config parsers as well as the logger.
package cmd

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"ephemera/config"
)

// Version is the relay build version reported by /healthz and `ephemera version`.
const Version = "0.1.0"

// Execute adds all child commands to the root command and runs it.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "ephemera",
	Short:         "Store-and-forward relay for end-to-end encrypted, self-destructing messages",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "",
		"Path to a config file (JSON, YAML or TOML)")

	rootCmd.PersistentFlags().String("log-level", "info",
		"Log level: info, debug or trace")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("log", "-",
		"Path of the log file, - for stdout")
	_ = viper.BindPFlag("log.path", rootCmd.PersistentFlags().Lookup("log"))

	rootCmd.PersistentFlags().String("data-dir", "",
		"Relay data directory (defaults to the OS data dir or "+config.DataDirEnv+")")
	_ = viper.BindPFlag("store.data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

// loadConfig reads the config file named by --config, applies environment
// overrides and starts logging.
func loadConfig(cmd *cobra.Command) (*config.RelayConfig, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(viper.GetViper(), path)
	if err != nil {
		return nil, err
	}
	initLog(cfg.Log.Level, cfg.Log.Path)
	return cfg, nil
}

func initLog(level, logPath string) {
	if logPath != "-" && logPath != "" {
		// Disable stdout output
		jww.SetStdoutOutput(io.Discard)
		logOutput, err := os.OpenFile(logPath,
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	switch strings.ToLower(level) {
	case "trace":
		jww.INFO.Printf("log level set to: TRACE")
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	case "debug":
		jww.INFO.Printf("log level set to: DEBUG")
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	default:
		jww.INFO.Printf("log level set to: INFO")
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
	}
}
