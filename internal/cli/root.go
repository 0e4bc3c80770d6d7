// Package cli implements the chatmesh command line using Cobra.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/busybox42/chatmesh/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	cfg config.Config
	log = logrus.New()
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $CHATMESH_HOME/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
}

var rootCmd = &cobra.Command{
	Use:   "chatmesh",
	Short: "Peer-to-peer chat with a tracker for discovery",
	Long: `chatmesh runs either the tracker that peers register with, or an
interactive chat peer that talks to other peers directly over TCP.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	cfg = loaded

	return initLogger(log, cfg.Log, os.Stderr)
}

// initLogger configures l from the [log] section. Logs go to w so they do
// not interleave with the REPL on stdout.
func initLogger(l *logrus.Logger, lc config.LogConfig, w io.Writer) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return err
	}
	switch lc.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	l.SetOutput(w)
	l.SetLevel(level)
	return nil
}
