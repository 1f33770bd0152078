package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	go2tvadapters "go2tv.app/loopcast/internal/adapters/go2tv"
	"go2tv.app/loopcast/internal/discovery"
)

func newDiscoverCmd() *cobra.Command {
	var (
		timeout       time.Duration
		reachableOnly bool
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List DLNA renderers on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle := go2tvadapters.NewBundle()
			svc := discovery.NewService(bundle.Discovery, discovery.Options{Timeout: timeout, ReachableOnly: reachableOnly})

			found, err := svc.Discover(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(found)
			}
			if len(found) == 0 {
				fmt.Fprintln(out, "no renderers found")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tHOST\tENDPOINT")
			for _, dev := range found {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", dev.Name, dev.Hostname, dev.ActionEndpoint)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to wait for renderers to answer")
	cmd.Flags().BoolVar(&reachableOnly, "reachable-only", false, "drop renderers whose description URL refuses connections")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
