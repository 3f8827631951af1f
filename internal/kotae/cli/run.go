package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kotae/internal/kotae/app"
	"github.com/bdobrica/Kotae/internal/kotae/config"
	"github.com/bdobrica/Kotae/internal/kotae/observability"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the homeserver and start answering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.path()
			cfg, created, err := config.Load(path)
			if err != nil {
				return err
			}
			config.ApplyEnv(cfg)

			level, closer := observability.Setup(observability.Options{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				File:   cfg.LogFile,
			})
			defer closer.Close()

			if created {
				slog.Info("no configuration found; defaults written", "path", path)
			}

			a, err := app.New(cmd.Context(), cfg, path, level)
			if err != nil {
				return fmt.Errorf("initialize kotae: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}
}
