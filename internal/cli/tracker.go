package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/busybox42/chatmesh/internal/directory"
	"github.com/busybox42/chatmesh/pkg/tracker"
	"github.com/spf13/cobra"
)

func init() {
	trackerCmd.Flags().StringVar(&trackerListen, "listen", "", "Address to listen on (overrides config)")
	trackerCmd.Flags().IntVar(&trackerMaxConns, "max-conns", 0, "Maximum concurrent connections (overrides config)")
	trackerCmd.Flags().StringVar(&trackerPassword, "password", "", "Require this password at /login")
	rootCmd.AddCommand(trackerCmd)
}

var (
	trackerListen   string
	trackerMaxConns int
	trackerPassword string
)

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Run the peer registry",
	Long:  `Run the HTTP tracker that peers register with to find each other and join channels.`,
	Args:  cobra.NoArgs,
	RunE:  runTracker,
}

func runTracker(cmd *cobra.Command, args []string) error {
	tc := cfg.Tracker
	if trackerListen != "" {
		tc.Listen = trackerListen
	}
	if trackerMaxConns > 0 {
		tc.MaxConns = trackerMaxConns
	}
	if trackerPassword != "" {
		tc.Password = trackerPassword
		tc.RequireLogin = true
	}

	dir := directory.New(tc.PeerTimeout.Duration, log)
	srv := tracker.NewServer(dir, tracker.Config{
		Addr:          tc.Listen,
		MaxConns:      tc.MaxConns,
		SweepInterval: tc.SweepInterval.Duration,
		RequireLogin:  tc.RequireLogin,
		Password:      tc.Password,
	}, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("Starting tracker on %s", tc.Listen)
	return srv.ListenAndServe(ctx)
}
