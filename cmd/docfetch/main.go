package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jgivc/docfetch/internal/app"
	"github.com/jgivc/docfetch/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgFileName string

	root := &cobra.Command{
		Use:          "docfetch",
		Short:        "Download documents through the fast API or public mirrors",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFileName, "config", "c", "config.yml", "Path to config file")

	root.AddCommand(
		newDownloadCommand(&cfgFileName),
		newQuotaCommand(&cfgFileName),
		newServeCommand(&cfgFileName),
	)

	return root
}

func newDownloadCommand(cfgFileName *string) *cobra.Command {
	var mirror, fastKey, outputDir string

	cmd := &cobra.Command{
		Use:   "download <md5|url>...",
		Short: "Download one or more documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app.New(*cfgFileName)
			err := a.Init(app.Options{
				Console: cmd.OutOrStdout(),
				Overrides: []func(cfg *config.Config){
					func(cfg *config.Config) { cfg.SetFastKey(fastKey) },
					func(cfg *config.Config) { cfg.SetOutputDir(outputDir) },
				},
			})
			if err != nil {
				return err
			}
			defer a.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.Download(ctx, args, mirror)
		},
	}

	cmd.Flags().StringVar(&mirror, "mirror", "", "Preferred mirror (substring of the host)")
	cmd.Flags().StringVar(&fastKey, "fast-key", "", "Fast download secret key")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory")

	return cmd
}

func newQuotaCommand(cfgFileName *string) *cobra.Command {
	var force, cached bool

	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show the fast download quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app.New(*cfgFileName)
			if err := a.Init(app.Options{}); err != nil {
				return err
			}
			defer a.Stop()

			snap, err := a.Quota(cmd.Context(), force, cached)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(snap)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Ignore the refresh cooldown")
	cmd.Flags().BoolVar(&cached, "cached", false, "Read the snapshot published to Redis")

	return cmd
}

func newServeCommand(cfgFileName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app.New(*cfgFileName)
			if err := a.Init(app.Options{}); err != nil {
				return err
			}
			a.Start()

			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(c)

			<-c
			fmt.Fprintln(cmd.OutOrStdout(), "Received termination signal. Shutting down...")

			a.Stop()
			time.Sleep(time.Second)
			fmt.Fprintln(cmd.OutOrStdout(), "done")

			return nil
		},
	}
}
