package main

import (
	"fmt"
	"time"

	"matchstream/internal/player"

	"github.com/spf13/cobra"
)

type playOptions struct {
	url     string
	mode    string
	player  string
	out     string
	wait    time.Duration
	retries int
}

func newPlayCmd(g *globalFlags) *cobra.Command {
	o := &playOptions{}
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play a session from its playback manifest or HLS playlist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlay(cmd, g, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.url, "url", "", "playback JSON or playlist.m3u8 URL")
	f.StringVar(&o.mode, "mode", string(player.ModeLive), "live or vod")
	f.StringVar(&o.player, "player", "ffplay", "media player binary")
	f.StringVar(&o.out, "out", "", "vod: write the joined stream to this file before playing it")
	f.DurationVar(&o.wait, "wait", player.DefaultWaitInterval, "live: pause before refetching the manifest")
	f.IntVar(&o.retries, "retries", player.DefaultMaxChunkRetries, "attempts per chunk")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runPlay(cmd *cobra.Command, g *globalFlags, o *playOptions) error {
	mode := player.Mode(o.mode)
	if mode != player.ModeLive && mode != player.ModeVOD {
		return fmt.Errorf("unknown mode %q", o.mode)
	}
	out := cmd.OutOrStdout()
	elem := player.NewFFplayElement(o.player)
	opts := []player.Option{
		player.WithMode(mode),
		player.WithWaitInterval(o.wait),
		player.WithRetry(o.retries, player.DefaultRetryDelay),
		player.WithLogger(g.logger()),
		player.WithObserver(player.ObserverFuncs{
			Status: func(msg string) { fmt.Fprintln(out, msg) },
			Error:  func(err error) { fmt.Fprintln(cmd.ErrOrStderr(), "error:", err) },
		}),
	}
	if o.out != "" {
		opts = append(opts, player.WithBufferedSink(&player.FileSink{Path: o.out, Player: elem}))
	}

	e := player.New(player.NewHTTPSource(o.url), elem, opts...)
	if err := e.Start(cmd.Context()); err != nil {
		return err
	}
	select {
	case <-e.Done():
	case <-cmd.Context().Done():
		e.Stop()
	}
	if e.State() == player.StateFailed {
		return e.Err()
	}
	return nil
}
