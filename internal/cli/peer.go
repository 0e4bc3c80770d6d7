package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/busybox42/chatmesh/internal/config"
	"github.com/busybox42/chatmesh/internal/store"
	"github.com/busybox42/chatmesh/pkg/chat"
	"github.com/busybox42/chatmesh/pkg/network"
	"github.com/busybox42/chatmesh/pkg/tracker"
	"github.com/spf13/cobra"
)

// localHistory bounds the in-memory history backend.
const localHistory = 1000

func init() {
	peerCmd.Flags().StringVar(&peerID, "id", "", "Peer id (overrides config)")
	peerCmd.Flags().StringVar(&peerListenIP, "listen-ip", "", "Address to accept peers on (overrides config)")
	peerCmd.Flags().IntVar(&peerPort, "port", 0, "Port to accept peers on (overrides config)")
	peerCmd.Flags().StringVar(&peerAdvertise, "advertise-ip", "", "Address registered with the tracker")
	peerCmd.Flags().StringVar(&peerTracker, "tracker", "", "Tracker address (overrides config)")
	peerCmd.Flags().StringVar(&peerProxy, "proxy", "", "socks5:// proxy for outbound peer dials")
	peerCmd.Flags().StringVar(&peerPassword, "password", "", "Tracker login password")
	peerCmd.Flags().StringVar(&peerHistory, "history", "", "History backend: memory or sqlite (overrides config)")
	peerCmd.Flags().BoolVar(&peerNoAuto, "no-auto-connect", false, "Do not dial every registered peer at startup")
	rootCmd.AddCommand(peerCmd)
}

var (
	peerID        string
	peerListenIP  string
	peerPort      int
	peerAdvertise string
	peerTracker   string
	peerProxy     string
	peerPassword  string
	peerHistory   string
	peerNoAuto    bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start an interactive chat peer",
	Args:  cobra.NoArgs,
	RunE:  runPeer,
}

func peerConfig() config.PeerConfig {
	pc := cfg.Peer
	if peerID != "" {
		pc.ID = peerID
	}
	if peerListenIP != "" {
		pc.ListenIP = peerListenIP
	}
	if peerPort > 0 {
		pc.ListenPort = peerPort
	}
	if peerAdvertise != "" {
		pc.AdvertiseIP = peerAdvertise
	}
	if peerTracker != "" {
		pc.Tracker = peerTracker
	}
	if peerProxy != "" {
		pc.Proxy = peerProxy
	}
	if peerNoAuto {
		pc.AutoConnect = false
	}
	return pc
}

func openHistory(hc config.HistoryConfig) (store.Store, error) {
	switch hc.Backend {
	case "sqlite":
		return store.OpenSQLite(hc.Path)
	case "memory", "":
		return store.NewLocal(localHistory), nil
	}
	return nil, fmt.Errorf("unknown history backend %q", hc.Backend)
}

func runPeer(cmd *cobra.Command, args []string) error {
	pc := peerConfig()
	if pc.ID == "" {
		return errors.New("peer id is required (--id or peer.id in config)")
	}
	hc := cfg.History
	if peerHistory != "" {
		hc.Backend = peerHistory
	}

	eng, err := network.NewEngine(network.Config{
		PeerID:           pc.ID,
		Proxy:            pc.Proxy,
		DialTimeout:      pc.DialTimeout.Duration,
		HandshakeTimeout: pc.HandshakeTimeout.Duration,
		KeepAlive:        pc.KeepAlive.Duration,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize network: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := tracker.NewClient(pc.Tracker, nil)
	cookie, err := client.Login(ctx, pc.ID, peerPassword)
	if err != nil {
		eng.Stop()
		return fmt.Errorf("tracker login failed: %w", err)
	}

	hist, err := openHistory(hc)
	if err != nil {
		eng.Stop()
		return fmt.Errorf("failed to open history: %w", err)
	}

	repl := NewREPL(cmd.InOrStdin(), cmd.OutOrStdout())
	coord := chat.New(eng, client, hist, repl, chat.Config{
		TrackerAddr: client.BaseURL(),
		ListenIP:    pc.ListenIP,
		ListenPort:  pc.ListenPort,
		AdvertiseIP: pc.AdvertiseIP,
		DialPacing:  pc.DialPacing.Duration,
		MaxAutoDial: pc.MaxAutoDial,
		Heartbeat:   pc.Heartbeat.Duration,
		AutoConnect: pc.AutoConnect,
		Metadata:    map[string]string{"client": "chatmesh", "version": rootCmd.Version},
	}, log)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := coord.Stop(sctx); err != nil {
			log.WithError(err).Warn("Shutdown was not clean")
		}
	}()

	if err := coord.Start(ctx, cookie); err != nil {
		return err
	}
	return repl.Run(ctx, coord)
}
