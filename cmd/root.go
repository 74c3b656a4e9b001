package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/logging"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/ui"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/version"
)

var flagLogFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "jamsync",
	Short: "Play music together in real time over peer-to-peer WebRTC",
	Long: `jamsync connects musicians in a room over direct WebRTC data channels.
Every client keeps a shared room clock synchronized with the hub, measures
latency to each peer, and schedules remote notes so everyone hears them at
the same room time.`,
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logging.Options{File: flagLogFile})
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "Write logs to a rotating file instead of stderr")
}
