package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	go2tvadapters "go2tv.app/loopcast/internal/adapters/go2tv"
	"go2tv.app/loopcast/internal/buildinfo"
	"go2tv.app/loopcast/internal/config"
	"go2tv.app/loopcast/internal/diagnostics"
)

type selfTestOutput struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Go2TVAdapters struct {
		DiscoveryWired      bool `json:"discovery_wired"`
		DLNAWired           bool `json:"dlna_wired"`
		ListenResolverWired bool `json:"listen_resolver_wired"`
	} `json:"go2tv_adapters"`
	ConfigWarnings []string           `json:"config_warnings,omitempty"`
	Checks         diagnostics.Report `json:"checks"`
}

func newSelfTestCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "self-test",
		Short: "Check staging, symlink and port-range prerequisites then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, warnings, err := config.NewLoader(configPath).Load()
			if err != nil {
				return err
			}

			bundle := go2tvadapters.NewBundle()
			var out selfTestOutput
			out.Server.Name = "loopcast"
			out.Server.Version = buildinfo.Version
			out.Go2TVAdapters.DiscoveryWired = bundle.Discovery != nil
			out.Go2TVAdapters.DLNAWired = bundle.DLNAFactory != nil
			out.Go2TVAdapters.ListenResolverWired = bundle.ListenResolver != nil
			out.ConfigWarnings = warnings
			out.Checks = diagnostics.SelfTest(diagnostics.Options{
				StagingRoot: cfg.StagingRoot,
				ServeIP:     cfg.ServeIP,
				PortMin:     cfg.PortMin,
				PortMax:     cfg.PortMax,
			})

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(out); err != nil {
				return err
			}
			if !out.Checks.AllRequiredPresent {
				return errors.New("self-test failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("LOOPCAST_CONFIG"), "path to a YAML config file")
	return cmd
}
