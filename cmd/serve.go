package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/discovery"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/hub"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/ui"
)

var (
	flagListen string
	flagMDNS   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a signaling hub",
	Long: `Run the signaling hub that relays WebRTC handshakes, assigns room origins
and answers clock calibration requests.

Examples:
  jamsync serve
  jamsync serve --listen :9000 --mdns`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h := hub.New(hub.Options{Logger: slog.Default()})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return hub.ListenAndServe(gctx, flagListen, h) })

		if flagMDNS {
			port, err := listenPort(flagListen)
			if err != nil {
				return err
			}
			g.Go(func() error { return discovery.Advertise(gctx, port, slog.Default()) })
		}

		ui.PrintSuccessf("Hub listening on %s", flagListen)
		return g.Wait()
	},
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("mDNS needs an explicit port, got %q", addr)
	}
	return port, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", ":8080", "Listen address")
	serveCmd.Flags().BoolVar(&flagMDNS, "mdns", false, "Advertise the hub on the local network")
}
