package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sabi/internal/logger"
	"github.com/samcharles93/sabi/internal/version"
)

// fileConfig holds the config file loaded by the root Before hook.
var fileConfig Config

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "sabi",
		Usage:   "Causal language model inference over token ids",
		Version: version.String(),
		Flags:   globalFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(configPath())
			if err != nil {
				return ctx, err
			}
			fileConfig = cfg
			applyLoggingConfig(cmd, cfg)

			log, err := logger.Setup(cmd.Root().ErrWriter, logFormat, logLevel, debug)
			if err != nil {
				return ctx, err
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			forwardCmd(),
			serveCmd(),
			inspectCmd(),
			initCmd(),
			versionCmd(),
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
