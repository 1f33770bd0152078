package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go2tv.app/loopcast/internal/buildinfo"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loopcast",
		Short:         "Keep DLNA renderers looping their assigned videos",
		Long:          "loopcast discovers DLNA media renderers, serves them local video files over HTTP\nand keeps every device playing its assigned video indefinitely.",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newDiscoverCmd(),
		newSelfTestCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Version)
			return nil
		},
	}
}
