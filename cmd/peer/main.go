package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/dkeye/meshroom/internal/adapters/rtc"
	"github.com/dkeye/meshroom/internal/client"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagServer string
	flagRoom   string
	flagName   string
	flagID     string
	flagSTUN   []string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "Headless mesh participant",
	Long: `peer joins a room on a meshroom signaling server and negotiates a
WebRTC data link with every other member, following server directives.

Examples:
  peer --room demo --name bot
  peer --server ws://localhost:8080/api/ws/signal --room demo --name bot --id bot-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagDebug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		cfg := rtc.DefaultWebRTCConfig()
		if cmd.Flags().Changed("stun") {
			cfg = rtc.Config(flagSTUN)
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagServer, "server", "s", "ws://localhost:8080/api/ws/signal", "signaling websocket url")
	rootCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "room to join")
	rootCmd.Flags().StringVarP(&flagName, "name", "n", "peer", "display name")
	rootCmd.Flags().StringVar(&flagID, "id", "", "participant id (server assigned when empty)")
	rootCmd.Flags().StringSliceVar(&flagSTUN, "stun", nil, "ICE server urls (default public STUN, empty for none)")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "debug logging")
	_ = rootCmd.MarkFlagRequired("room")
}

func run(ctx context.Context, rtcCfg webrtc.Configuration) error {
	conn, err := client.Dial(ctx, flagServer, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	var agent *client.Agent
	agent = client.NewAgent(conn, client.PionTransports(rtcCfg, func() domain.ParticipantID {
		return agent.ID()
	}), domain.RoomID(flagRoom), flagName)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return conn.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return agent.Run(gctx, conn.Incoming())
	})
	if err := agent.Join(domain.ParticipantID(flagID)); err != nil {
		return err
	}
	log.Info().Str("module", "peer").Str("room", flagRoom).Str("server", flagServer).Msg("joining")

	// The server treats the closed socket as a leave.
	<-gctx.Done()
	conn.Close()
	if err := g.Wait(); err != nil && !errors.Is(err, client.ErrRoomClosed) {
		return err
	}
	return nil
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("peer failed")
		os.Exit(1)
	}
}
