package main

import (
	"fmt"
	"time"

	"matchstream/internal/finalize"
	"matchstream/internal/platform/config"
	"matchstream/internal/session"

	"github.com/spf13/cobra"
)

type finalizeOptions struct {
	root         string
	sessionID    string
	ext          string
	ffmpeg       string
	timeout      time.Duration
	deleteChunks bool
}

func newFinalizeCmd(g *globalFlags) *cobra.Command {
	o := &finalizeOptions{}
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Seal a session into a single faststart mp4",
		Long: "Concatenates every chunk of one extension, re-encodes them with ffmpeg, " +
			"marks the session finalized and closes its manifest.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFinalize(cmd, g, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.root, "root", config.GetEnv("STORAGE_ROOT", "./storage"), "storage root")
	f.StringVar(&o.sessionID, "session", "", "session id")
	f.StringVar(&o.ext, "ext", "webm", "chunk extension to concatenate")
	f.StringVar(&o.ffmpeg, "ffmpeg", config.GetEnv("FFMPEG_PATH", "ffmpeg"), "ffmpeg binary")
	f.DurationVar(&o.timeout, "timeout", config.GetEnvDuration("ENCODER_TIMEOUT", finalize.DefaultEncoderTimeout), "encoder timeout")
	f.BoolVar(&o.deleteChunks, "delete-chunks", config.GetEnvBool("DELETE_CHUNKS_AFTER_FINALIZE", false), "remove chunks after a successful finalize")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func runFinalize(cmd *cobra.Command, g *globalFlags, o *finalizeOptions) error {
	if !session.ValidID(o.sessionID) {
		return fmt.Errorf("invalid session id %q", o.sessionID)
	}
	log := g.logger()
	store := session.NewStore(o.root)
	fin := finalize.New(store, finalize.NewFFmpegEncoder(o.ffmpeg, o.timeout, log),
		finalize.WithLogger(log),
		finalize.WithDeleteChunks(o.deleteChunks),
	)

	res, err := fin.Finalize(cmd.Context(), session.ID(o.sessionID), o.ext)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", o.sessionID, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session:   %s\n", res.SessionID)
	fmt.Fprintf(out, "chunks:    %d\n", res.Chunks)
	fmt.Fprintf(out, "output:    %s (%d bytes)\n", res.OutputPath, res.OutputSize)
	fmt.Fprintf(out, "vod_path:  %s\n", res.VODPath)
	fmt.Fprintf(out, "finalized: %s\n", finalize.Timestamp(res.FinalizedAt))
	fmt.Fprintf(out, "took:      %s\n", time.Duration(res.DurationMs)*time.Millisecond)
	return nil
}
