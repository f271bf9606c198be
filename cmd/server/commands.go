package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agent-stream/backend/internal/config"
	"github.com/agent-stream/backend/internal/mock"
)

const (
	broadcastThrottle = 100 * time.Millisecond
	snapshotInterval  = 10 * time.Second
	maxWatchers       = 64
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and print the effective settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

var scriptsCmd = &cobra.Command{
	Use:   "scripts [file]",
	Short: "List the mock engine's scripts",
	Long: `List the scripts the mock engine can play. With a file argument the
scripts in that file are listed instead of the configured ones.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else if cfg, err := config.Load(configPath); err == nil {
			path = cfg.Engine.Mock.Script
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}

		scripts := mock.BuiltinScripts()
		if path != "" {
			loaded, err := mock.LoadScripts(path)
			if err != nil {
				return err
			}
			scripts = append(scripts, loaded...)
		}
		out := cmd.OutOrStdout()
		for _, s := range scripts {
			fmt.Fprintf(out, "%-12s %d steps\n", s.Name, len(s.Steps))
		}
		return nil
	},
}
