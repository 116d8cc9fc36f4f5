package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Gatherly/internal/adapters/media"
	"github.com/dkeye/Gatherly/internal/adapters/rtc"
	"github.com/dkeye/Gatherly/internal/client/signaling"
	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/mesh"
	"github.com/dkeye/Gatherly/internal/protocol"
)

var (
	errLeave       = errors.New("left the room")
	errRelayClosed = errors.New("relay connection closed")
)

const joinHelp = `commands: /mute  /video  /share  /hand  /who  /chat  /leave  (other text is chat)`

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room as a mesh participant",
	Long: `Join a room and negotiate a direct WebRTC connection with every other
member. Local media is synthetic. Type commands on stdin while joined.

Examples:
  gatherly join standup --name Alice
  gatherly join standup --codec msgpack --stun stun:stun.example.org:3478`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

func init() {
	f := joinCmd.Flags()
	f.String(keyName, "", "display name (empty uses the relay session name)")
	f.String(keyCodec, protocol.CodecJSON, "wire codec: json or msgpack")
	f.StringSlice(keySTUN, rtc.DefaultOptions().ICEServers, "STUN server URLs")
	f.Duration("status-every", 5*time.Second, "status refresh interval (0 disables)")
	for _, k := range []string{keyName, keyCodec, keySTUN} {
		_ = viper.BindPFlag(k, f.Lookup(k))
	}
	_ = viper.BindPFlag("status_every", f.Lookup("status-every"))
}

func runJoin(cmd *cobra.Command, args []string) error {
	room, err := domain.ParseRoomID(args[0])
	if err != nil {
		return err
	}
	codec, err := protocol.CodecByName(viper.GetString(keyCodec))
	if err != nil {
		return err
	}
	wsURL, err := signalURL(viper.GetString(keyServer))
	if err != nil {
		return err
	}
	factory, err := rtc.NewFactory(rtc.Options{ICEServers: viper.GetStringSlice(keySTUN)})
	if err != nil {
		return err
	}

	stats := newReceiveStats()
	sess := mesh.NewSession(mesh.SessionConfig{
		Room:       room,
		Name:       viper.GetString(keyName),
		Signal:     signaling.NewClient(wsURL, codec),
		Media:      media.NewSynthetic(media.DefaultOptions()),
		Transports: factory.New,
		OnRemoteTrack: func(from domain.MemberID, track *webrtc.TrackRemote) {
			go stats.consume(from, track)
		},
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Join(ctx); err != nil {
		return err
	}
	defer sess.Leave()
	fmt.Println(okStyle.Render("joined " + string(room)))
	fmt.Println(mutedStyle.Render(joinHelp))

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sess.Done():
			return errRelayClosed
		}
	})
	if every := viper.GetDuration("status_every"); every > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					fmt.Println(statusView(string(room), sess.Status(), sess.Participants(), stats.snapshot()))
				}
			}
		})
	}
	g.Go(func() error {
		in := lines
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-in:
				if !ok {
					// stdin closed; stay joined until a signal arrives.
					in = nil
					continue
				}
				if err := runCommand(gctx, sess, line, os.Stdout); err != nil {
					return err
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, errLeave) {
		return nil
	}
	return err
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// session is the part of mesh.Session the command loop drives.
type session interface {
	ToggleMute() (bool, error)
	ToggleVideo() (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	ToggleHandRaise() bool
	SendChat(text string) (mesh.ChatMessage, error)
	Chat() []mesh.ChatMessage
	Participants() []mesh.Participant
}

// runCommand executes one stdin line. It returns errLeave for /leave.
func runCommand(ctx context.Context, s session, line string, w io.Writer) error {
	name, arg := parseCommand(line)
	switch name {
	case "":
		return nil
	case "leave", "quit":
		return errLeave
	case "help":
		fmt.Fprintln(w, joinHelp)
	case "mute":
		on, err := s.ToggleMute()
		report(w, "muted", on, err)
	case "video":
		off, err := s.ToggleVideo()
		report(w, "video off", off, err)
	case "share":
		on, err := s.ToggleScreenShare(ctx)
		report(w, "screen sharing", on, err)
	case "hand":
		report(w, "hand raised", s.ToggleHandRaise(), nil)
	case "who":
		for _, p := range s.Participants() {
			fmt.Fprintf(w, "%s (%s) %s %s\n", p.Name, p.ID, p.State, p.Source)
		}
	case "chat":
		for _, m := range s.Chat() {
			fmt.Fprintf(w, "[%s] %s: %s\n", m.At.Format(time.Kitchen), m.From, m.Text)
		}
	case "say":
		if _, err := s.SendChat(arg); err != nil {
			fmt.Fprintln(w, errorStyle.Render(err.Error()))
		}
	default:
		fmt.Fprintln(w, warnStyle.Render("unknown command /"+name))
	}
	return nil
}

func report(w io.Writer, what string, on bool, err error) {
	if err != nil {
		fmt.Fprintln(w, errorStyle.Render(err.Error()))
		return
	}
	fmt.Fprintf(w, "%s: %v\n", what, on)
}

// parseCommand splits "/cmd arg" lines. Plain text is a "say".
func parseCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	if !strings.HasPrefix(line, "/") {
		return "say", line
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

// signalURL turns the relay base URL into its WebSocket signaling endpoint.
func signalURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL %q: scheme must be http(s) or ws(s)", server)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws/signal"
	return u.String(), nil
}
