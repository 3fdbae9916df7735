// Command searchcrawler runs the crawl and search service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/searchcrawler/internal/config"
	"github.com/JakeFAU/searchcrawler/internal/server"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Running the root command alone serves.
func newRootCmd() *cobra.Command {
	var cfgFile string

	serve := func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		app, err := server.Build(cmd.Context(), cfg, server.Options{ConfigPath: cfgFile, Version: version})
		if err != nil {
			return fmt.Errorf("failed to initialize application services: %w", err)
		}
		return app.Run(cmd.Context())
	}

	root := &cobra.Command{
		Use:   "searchcrawler",
		Short: "Crawl sites into a document store and answer keyword searches.",
		Long: `searchcrawler runs crawl sessions over a polite per-origin frontier,
renders single-page applications in a headless browser when needed, and serves
ranked keyword search over everything it has stored.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background workers",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and print the resolved values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Auth.APIKey != "" {
				cfg.Auth.APIKey = "redacted"
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	})
	return root
}
