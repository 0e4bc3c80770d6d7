package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/busybox42/chatmesh/internal/store"
	"github.com/busybox42/chatmesh/pkg/chat"
	"github.com/busybox42/chatmesh/pkg/types"
)

const (
	prompt         = "chatmesh> "
	defaultHistory = 20
)

// chatService is the part of *chat.Coordinator the REPL drives.
type chatService interface {
	SendDirect(peerID, text string) error
	SendPublic(text string) int
	SendChannel(ctx context.Context, channel, text string) (int, error)
	JoinChannel(ctx context.Context, channel string) (int, error)
	LeaveChannel(ctx context.Context, channel string) error
	Connect(ctx context.Context, peerID string) error
	Channels() []string
	Peers() []string
	Directory(ctx context.Context, channel string) ([]types.PeerRecord, error)
	Session() chat.Session
	History(ctx context.Context, limit int) ([]store.Record, error)
}

var _ chatService = (*chat.Coordinator)(nil)

// REPL reads commands from in and prints chat lines to out. It is also the
// coordinator's Display.
type REPL struct {
	in      io.Reader
	out     io.Writer
	mu      sync.Mutex
	timeout time.Duration
}

func NewREPL(in io.Reader, out io.Writer) *REPL {
	return &REPL{in: in, out: out, timeout: 30 * time.Second}
}

// Show prints an incoming line over the prompt and reprints the prompt.
func (r *REPL) Show(l chat.Line) {
	ts := l.Time.Local().Format("15:04:05")
	var text string
	switch l.Kind {
	case chat.LineDirect:
		text = fmt.Sprintf("[%s] [dm] %s: %s", ts, l.From, l.Text)
	case chat.LinePublic:
		text = fmt.Sprintf("[%s] %s: %s", ts, l.From, l.Text)
	case chat.LineChannel:
		text = fmt.Sprintf("[%s] [#%s] %s: %s", ts, l.Channel, l.From, l.Text)
	default:
		text = "*** " + l.Text
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "\r%s\n%s", text, prompt)
}

func (r *REPL) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// Run reads commands until /exit, end of input or ctx is done.
func (r *REPL) Run(ctx context.Context, svc chatService) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	s := svc.Session()
	r.printf("Logged in as %s, accepting peers on %s\nType /help for commands.\n%s", s.Username, s.ListenAddr, prompt)
	for {
		select {
		case <-ctx.Done():
			r.printf("\n")
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if r.execute(ctx, svc, strings.TrimSpace(line)) {
				return nil
			}
			r.printf("%s", prompt)
		}
	}
}

// execute runs one input line and reports whether the REPL should exit.
func (r *REPL) execute(ctx context.Context, svc chatService, input string) bool {
	if input == "" {
		return false
	}
	if !strings.HasPrefix(input, "/") {
		if n := svc.SendPublic(input); n == 0 {
			r.printf("No connected peers; message not delivered\n")
		} else {
			r.printf("Sent to %d peer(s)\n", n)
		}
		return false
	}

	parts := strings.SplitN(input, " ", 2)
	command := parts[0]
	var args string
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	switch command {
	case "/dm", "/msg":
		peer, text, ok := splitArg(args)
		if !ok {
			r.printf("Usage: /dm <peer> <message>\n")
			return false
		}
		if err := svc.SendDirect(peer, text); err != nil {
			r.printf("Failed to send message: %v\n", err)
		}

	case "/channel", "/ch":
		channel, text, ok := splitArg(args)
		if !ok {
			r.printf("Usage: /channel <name> <message>\n")
			return false
		}
		n, err := svc.SendChannel(ctx, channel, text)
		switch {
		case errors.Is(err, chat.ErrAlone):
			r.printf("No one else in channel %s\n", channel)
		case err != nil:
			r.printf("Failed to send to %s: %v\n", channel, err)
		case n == 0:
			r.printf("No members of %s are connected; message not delivered\n", channel)
		default:
			r.printf("Sent to %d member(s) of #%s\n", n, channel)
		}

	case "/subscribe", "/join":
		if args == "" {
			r.printf("Usage: /join <channel>\n")
			return false
		}
		n, err := svc.JoinChannel(ctx, args)
		if err != nil {
			r.printf("Failed to join %s: %v\n", args, err)
			return false
		}
		r.printf("Joined %s (%d member(s) connected)\n", args, n)

	case "/leave":
		if args == "" {
			r.printf("Usage: /leave <channel>\n")
			return false
		}
		if err := svc.LeaveChannel(ctx, args); err != nil {
			r.printf("Failed to leave %s: %v\n", args, err)
			return false
		}
		r.printf("Left %s\n", args)

	case "/channels":
		channels := svc.Channels()
		if len(channels) == 0 {
			r.printf("Not in any channel\n")
			return false
		}
		r.printf("Joined channels: %s\n", strings.Join(channels, ", "))

	case "/peers":
		peers := svc.Peers()
		if len(peers) == 0 {
			r.printf("No connected peers\n")
			return false
		}
		r.printf("Connected peers:\n")
		for _, p := range peers {
			r.printf("  %s\n", p)
		}

	case "/list":
		peers, err := svc.Directory(ctx, args)
		if err != nil {
			r.printf("Failed to list peers: %v\n", err)
			return false
		}
		if len(peers) == 0 {
			r.printf("No other peers registered\n")
			return false
		}
		for _, p := range peers {
			r.printf("  %s @ %s (%s)\n", p.PeerID, p.Endpoint().Addr(), p.Status)
		}

	case "/connect":
		if args == "" {
			r.printf("Usage: /connect <peer>\n")
			return false
		}
		if err := svc.Connect(ctx, args); err != nil {
			r.printf("Failed to connect to %s: %v\n", args, err)
		}

	case "/history":
		limit := defaultHistory
		if args != "" {
			n, err := strconv.Atoi(args)
			if err != nil || n <= 0 {
				r.printf("Usage: /history [count]\n")
				return false
			}
			limit = n
		}
		records, err := svc.History(ctx, limit)
		if err != nil {
			r.printf("Failed to read history: %v\n", err)
			return false
		}
		if len(records) == 0 {
			r.printf("No message history\n")
			return false
		}
		for _, rec := range records {
			target := rec.Recipient
			if rec.Channel != "" {
				target = "#" + rec.Channel
			}
			r.printf("[%s] %s -> %s: %s (%s)\n",
				rec.Timestamp.Local().Format("15:04:05"),
				rec.Sender,
				target,
				rec.Content,
				rec.Status)
		}

	case "/status":
		s := svc.Session()
		r.printf("Peer: %s\nListening: %s\nTracker: %s\nChannels: %s\nConnected peers: %d\n",
			s.Username, s.ListenAddr, s.TrackerAddr, strings.Join(s.Channels, ", "), len(svc.Peers()))

	case "/help":
		r.printf("Available commands:\n" +
			"  <message>                   - Send a message to every connected peer\n" +
			"  /dm <peer> <message>        - Send a direct message\n" +
			"  /channel <name> <message>   - Send a message to a channel\n" +
			"  /join <channel>             - Join a channel and connect to its members\n" +
			"  /leave <channel>            - Leave a channel\n" +
			"  /channels                   - List joined channels\n" +
			"  /peers                      - List connected peers\n" +
			"  /list [channel]             - List peers known to the tracker\n" +
			"  /connect <peer>             - Connect to a peer through the tracker\n" +
			"  /history [count]            - Show message history\n" +
			"  /status                     - Show session status\n" +
			"  /help                       - Show this help message\n" +
			"  /exit                       - Exit\n")

	case "/exit", "/quit":
		return true

	default:
		r.printf("Unknown command: %s. Type /help for usage.\n", command)
	}
	return false
}

func splitArg(args string) (string, string, bool) {
	first, rest, ok := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)
	if !ok || first == "" || rest == "" {
		return "", "", false
	}
	return first, rest, true
}
