package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/busybox42/chatmesh/pkg/tracker"
	"github.com/spf13/cobra"
)

func init() {
	peersCmd.Flags().StringVar(&peersTracker, "tracker", "", "Tracker address (overrides config)")
	rootCmd.AddCommand(peersCmd)
}

var peersTracker string

var peersCmd = &cobra.Command{
	Use:   "peers [channel]",
	Short: "List peers registered with the tracker",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPeers,
}

func runPeers(cmd *cobra.Command, args []string) error {
	addr := cfg.Peer.Tracker
	if peersTracker != "" {
		addr = peersTracker
	}
	var channel string
	if len(args) == 1 {
		channel = args[0]
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	peers, err := tracker.NewClient(addr, nil).ListPeers(ctx, "", channel)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(peers) == 0 {
		fmt.Fprintln(out, "No peers registered.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tADDRESS\tSTATUS\tLAST SEEN")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			p.PeerID,
			p.Endpoint().Addr(),
			p.Status,
			p.LastSeen.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}
