package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sabi/internal/api"
	"github.com/samcharles93/sabi/internal/inference"
	"github.com/samcharles93/sabi/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	flags := append(commonModelFlags(),
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory holding one checkpoint directory per model",
			Sources:     cli.EnvVars(envSabiModelsDir),
			Destination: &modelsPath,
		},
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	)
	flags = append(flags, decodingFlags()...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the forward and generate REST API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)
			applyServeConfig(cmd, fileConfig, &addr)

			defaults := inference.ResolveDecoding(decodingOptions(cmd, fileConfig), inference.DefaultDecodingConfig())
			provider := api.NewCachedEngineProvider(api.EngineProviderConfig{
				DefaultModelDir: modelDir,
				ModelsPath:      modelsPath,
				Loader:          loader(),
			})
			defer func() { _ = provider.Close() }()

			server := api.NewServer(provider, defaults, log.WithGroup("api"))
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model_dir", modelDir, "models_path", modelsPath, "toy", toyPreset)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
