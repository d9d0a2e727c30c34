package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/krau/snaptag/acquire"
	"github.com/krau/snaptag/config"
	"github.com/krau/snaptag/fetch"
	"github.com/krau/snaptag/inference"
	"github.com/krau/snaptag/notify"
	"github.com/krau/snaptag/onnx"
	"github.com/krau/snaptag/permission"
	"github.com/krau/snaptag/picker"
	"github.com/krau/snaptag/pipeline"
)

// App holds the wired session and its collaborators.
type App struct {
	Config      config.Config
	Coordinator *pipeline.Coordinator
	Engine      *inference.Engine
	Runtime     *onnx.Runtime
	Publisher   *notify.Publisher
}

func Init(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fetcher := fetch.NewClient(time.Duration(cfg.FetchTimeoutSeconds)*time.Second, cfg.MaxImageBytes)
	// model downloads are far larger than images
	downloader := fetch.NewClient(0, 0)

	rt := onnx.NewRuntime(onnx.OptionsFromConfig(cfg), downloader, logger)
	engine := inference.NewEngine(rt, logger)

	pk := picker.New(cfg.MediaDir, cfg.CameraSnapshotUrl, fetcher, logger)
	coord := pipeline.New(pipeline.Deps{
		Engine:   engine,
		Acquirer: acquire.NewController(pk, logger),
		Fetcher:  fetcher,
		Permissions: permission.Static{
			permission.CameraRoll: cfg.Permissions.CameraRoll,
			permission.Camera:     cfg.Permissions.Camera,
		},
		Logger: logger,
	})

	app := &App{
		Config:      cfg,
		Coordinator: coord,
		Engine:      engine,
		Runtime:     rt,
	}

	if cfg.AMQP.URL != "" {
		pub, err := notify.Dial(ctx, cfg.AMQP.URL, cfg.AMQP.Queue, logger)
		if err != nil {
			coord.Close()
			return nil, fmt.Errorf("failed to connect prediction publisher: %w", err)
		}
		coord.Subscribe(pub.Observe)
		app.Publisher = pub
	}
	return app, nil
}

func (a *App) Close() error {
	a.Coordinator.Close()
	var closeErr error
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			closeErr = err
		}
	}
	if err := a.Engine.Close(); err != nil {
		closeErr = err
	}
	if err := a.Runtime.Destroy(); err != nil {
		closeErr = err
	}
	return closeErr
}
