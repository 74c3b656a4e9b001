package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/audio"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/config"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/discovery"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/rtc"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/scheduler"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/session"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/ui"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/wire"
)

var (
	flagDomain     string
	flagURL        string
	flagSTUN       string
	flagTURN       string
	flagTURNUser   string
	flagTURNPass   string
	flagRelay      bool
	flagConfig     string
	flagName       string
	flagPeerID     string
	flagInstrument string
	flagVelocity   uint8
	flagCodec      string
	flagOSC        string
	flagDiscover   bool
	flagHeadless   bool
)

const discoverTimeout = 5 * time.Second

var joinCmd = &cobra.Command{
	Use:     "join <room>",
	Aliases: []string{"j"},
	Short:   "Join a jam room",
	Long: `Join a jam room and play with everyone in it.

Examples:
  jamsync join rehearsal
  jamsync join rehearsal --instrument drums --osc 127.0.0.1:57120
  jamsync join rehearsal --discover
  jamsync join rehearsal --domain jam.example.org --relay --turn turn:turn.example.org`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(cmd.Context(), args[0])
	},
}

func joinRoom(ctx context.Context, roomID string) error {
	url := flagURL
	if flagDiscover && url == "" {
		stopSpinner := ui.RunConnectionSpinner("Looking for a hub on the local network...")
		found, err := discovery.Browse(ctx, discoverTimeout)
		stopSpinner()
		if err != nil {
			return err
		}
		ui.PrintInfof("Found hub at %s", found)
		url = found
	}

	cfg, err := LoadConfig(config.Options{
		Domain:     flagDomain,
		URL:        url,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagRelay,
		ConfigFile: flagConfig,
	})
	if err != nil {
		return err
	}

	stopSpinner := ui.RunConnectionSpinner(ui.IconConnect + " Connecting to hub...")
	conn, err := NewConnectionContext(ctx, cfg)
	stopSpinner()
	if err != nil {
		return err
	}
	defer conn.Close()

	turnUser, turnPass := cfg.GetTURNCredentials()
	transport := rtc.New(rtc.Config{
		STUNServers: cfg.GetSTUNServers(),
		TURNServers: cfg.GetTURNServers(),
		TURNUser:    turnUser,
		TURNPass:    turnPass,
		ForceRelay:  cfg.ForceRelay,
		AutoRelay:   true,
	}, conn.Client, slog.Default())
	defer transport.Close()

	clk := audio.NewSystemClock()
	var sink scheduler.Sink = audio.NewLogSink(slog.Default())
	if flagOSC == "" {
		ui.PrintWarning("No --osc synth given, notes are only logged")
	} else {
		osc, err := audio.DialOSC(flagOSC, clk, slog.Default())
		if err != nil {
			return err
		}
		defer osc.Close()
		sink = osc
	}

	sess, err := session.New(SessionConfig(cfg, flagPeerID, roomID, flagName, flagCodec), session.Options{
		Signaling: conn.Client,
		Events:    session.HandlerEvents(conn.Handler),
		Transport: transport,
		Audio:     clk,
		Sink:      sink,
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	ui.PrintSuccessf("Connected as %s", sess.ID())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sess.Run(gctx); err != nil && !errors.Is(err, session.ErrClosed) {
			return fmt.Errorf("session: %w", err)
		}
		return nil
	})

	if flagHeadless {
		g.Go(func() error {
			<-gctx.Done()
			return sess.Close()
		})
	} else {
		play := func(note wire.Note, kind wire.Kind) error {
			velocity := flagVelocity
			if kind == wire.KindNoteOff {
				velocity = 0
			}
			return sess.SubmitLocalEvent(flagInstrument, note, kind, velocity)
		}
		model := ui.NewStatusModel(roomID, sess.ID(), sess, play)
		unsubscribe := sess.SubscribeAdmittedEvents(model.Feed)
		defer unsubscribe()

		g.Go(func() error {
			err := ui.RunStatus(gctx, model)
			sess.Close()
			return err
		})
	}

	err = g.Wait()
	if st, statsErr := sess.Stats(); statsErr == nil {
		fmt.Println()
		ui.RenderSummary("Session summary", st)
	}
	return err
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Hub domain")
	joinCmd.Flags().StringVar(&flagURL, "url", "", "Full hub websocket URL (overrides --domain)")
	joinCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	joinCmd.Flags().BoolVarP(&flagRelay, "relay", "r", false, "Force relay mode")
	joinCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "YAML tuning file")
	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "Display name")
	joinCmd.Flags().StringVar(&flagPeerID, "id", "", "Peer id (random if empty)")
	joinCmd.Flags().StringVarP(&flagInstrument, "instrument", "i", "keys", "Instrument played from the keyboard")
	joinCmd.Flags().Uint8Var(&flagVelocity, "velocity", 100, "Velocity for keyboard notes")
	joinCmd.Flags().StringVar(&flagCodec, "codec", "", "Force a wire codec for every peer (json, msgpack, cbor)")
	joinCmd.Flags().StringVar(&flagOSC, "osc", "", "Send renders to an OSC synth at host:port")
	joinCmd.Flags().BoolVar(&flagDiscover, "discover", false, "Find the hub over mDNS")
	joinCmd.Flags().BoolVar(&flagHeadless, "headless", false, "Run without the interactive view")
}
