package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matchstream/internal/peer"
	"matchstream/internal/peer/media"
	"matchstream/internal/platform/config"
	"matchstream/internal/signal"

	"github.com/spf13/cobra"
)

type peerOptions struct {
	signalURL string
	room      string
	role      string
	mock      bool
	noVideo   bool
	noAudio   bool
	poll      time.Duration
}

func newPeerCmd(g *globalFlags) *cobra.Command {
	o := &peerOptions{}
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Join a room as host or opponent and stream local media",
		Long: "Connects to the polling signaling API, negotiates a WebRTC session with the " +
			"other peer and sends camera and microphone media. Without devices, or with " +
			"--mock, a synthetic test pattern and silence are sent instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPeer(cmd, g, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.signalURL, "signal-url", config.GetEnv("SIGNAL_URL", "http://localhost:8080/signal"), "signaling API base URL")
	f.StringVar(&o.room, "room", "", "room id")
	f.StringVar(&o.role, "role", string(signal.RoleHost), "host or opponent")
	f.BoolVar(&o.mock, "mock", false, "send synthetic media without probing devices")
	f.BoolVar(&o.noVideo, "no-video", false, "do not send video")
	f.BoolVar(&o.noAudio, "no-audio", false, "do not send audio")
	f.DurationVar(&o.poll, "poll", peer.DefaultPollInterval, "signal polling interval")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func runPeer(cmd *cobra.Command, g *globalFlags, o *peerOptions) error {
	role, err := signal.ParseRole(o.role)
	if err != nil {
		return err
	}
	log := g.logger()
	out := cmd.OutOrStdout()

	provider, err := media.NewProvider(nil, log)
	if err != nil {
		return err
	}
	failed := make(chan error, 1)
	client, err := peer.NewClient(peer.Config{
		Room:         signal.RoomID(o.room),
		Role:         role,
		PollInterval: o.poll,
		Log:          log,
		Observer: peer.ObserverFuncs{
			State: func(s peer.State) {
				fmt.Fprintln(out, "state:", s)
				if s == peer.StateFailed {
					select {
					case failed <- peer.ErrConnectionFailed:
					default:
					}
				}
			},
			Error: func(err error) { fmt.Fprintln(cmd.ErrOrStderr(), "error:", err) },
		},
	}, peer.NewHTTPSignaling(o.signalURL), provider)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(dctx)
	}()

	if err := client.Initialize(ctx); err != nil {
		return err
	}
	if err := client.JoinRoom(ctx); err != nil {
		return err
	}
	cons := peer.DefaultConstraints()
	cons.Video = !o.noVideo
	cons.Audio = !o.noAudio
	cons.UseMock = o.mock
	if cons.Video || cons.Audio {
		kind, err := client.InitLocalStream(ctx, cons)
		switch {
		case errors.Is(err, media.ErrNoEncoders):
			fmt.Fprintln(cmd.ErrOrStderr(), "local media unavailable, receiving only")
		case err != nil:
			return err
		default:
			fmt.Fprintln(out, "local media:", kind)
		}
	}
	if role == signal.RoleHost {
		if err := client.CreateOffer(ctx); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}
