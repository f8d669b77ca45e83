package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/kern/internal/config"
)

func (a *app) configCmd() *cobra.Command {
	var writePath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration kern would use in this directory, after merging
defaults, the global file, the project file and KERN_* environment variables.

Examples:
  # Show the merged configuration
  kern config

  # Start a project configuration from the current settings
  kern config --write .kern/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir, err := a.resolveWorkDir()
			if err != nil {
				return err
			}
			cfg, err := config.Load(a.globalPath, config.ProjectPath(runDir))
			if err != nil {
				return err
			}
			if writePath == "" {
				return config.Write(cfg, a.stdout)
			}
			path := writePath
			if !filepath.IsAbs(path) {
				path = filepath.Join(runDir, path)
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&writePath, "write", "", "save the configuration to `path` instead of printing it")
	return cmd
}
