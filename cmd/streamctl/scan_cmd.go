package main

import (
	"fmt"

	"matchstream/internal/platform/config"
	"matchstream/internal/playlist"
	"matchstream/internal/session"

	"github.com/spf13/cobra"
)

func newScanCmd(g *globalFlags) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one playlist builder cycle and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := playlist.NewBuilder(session.NewStore(root), g.logger())
			rep := b.Scan(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(),
				"sessions=%d written=%d unchanged=%d empty=%d live=%d errors=%d\n",
				rep.Sessions, rep.Written, rep.Unchanged, rep.Empty, rep.Live, rep.Errors)
			if rep.Errors > 0 {
				return fmt.Errorf("%d session(s) failed", rep.Errors)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", config.GetEnv("STORAGE_ROOT", "./storage"), "storage root")
	return cmd
}
