package main

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/proxycad/proxycad/internal/cache"
	"github.com/proxycad/proxycad/internal/cadastre"
	"github.com/proxycad/proxycad/internal/config"
	"github.com/proxycad/proxycad/internal/dispatch"
	"github.com/proxycad/proxycad/internal/engine"
	"github.com/proxycad/proxycad/internal/proxy"
	"github.com/proxycad/proxycad/internal/resolver"
	"github.com/proxycad/proxycad/internal/server"
	"github.com/proxycad/proxycad/internal/server/routes"
	"github.com/proxycad/proxycad/internal/wms"
)

// buildApp 组装全部组件并返回 Fiber 应用；cleanup 按创建的逆序释放资源。
func buildApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*fiber.App, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*fiber.App, func(), error) {
		cleanup()
		return nil, func() {}, fmt.Errorf("%s: %w", step, err)
	}

	env, err := engine.Open(cfg)
	if err != nil {
		return fail("engine scratch", err)
	}
	closers = append(closers, func() { env.Close() })

	artifacts, err := cache.OpenFromConfig(ctx, cfg, logger)
	if err != nil {
		return fail("artifact cache", err)
	}
	closers = append(closers, func() {
		if err := artifacts.Close(); err != nil {
			logger.WithError(err).Warn("cache_close_failed")
		}
	})

	staging, err := cache.NewStore(cfg.SourcesDir())
	if err != nil {
		return fail("source staging", err)
	}
	client := server.NewUpstreamClient(cfg)
	res, err := resolver.New(resolver.OptionsFromConfig(cfg), staging, client, logger)
	if err != nil {
		return fail("resolver", err)
	}
	closers = append(closers, res.Close)

	registry, err := server.NewSourceRegistry(cfg)
	if err != nil {
		return fail("source registry", err)
	}

	dispatcher := dispatch.New(res, engine.New(env, logger), artifacts, dispatch.OptionsFromConfig(cfg), logger)
	datasets := proxy.NewHandler(dispatcher, artifacts, logger)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Datasets:   datasets,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return fail("http app", err)
	}
	routes.RegisterDiagnosticsRoutes(app, registry, artifacts)
	wms.NewHandler(datasets, wms.NewCatalog(registry, res, logger), wms.Options{MaxScale: cfg.Global.MaxScale}, logger).
		Register(app)

	if cfg.Cadastre.Enabled {
		index, err := cadastre.NewPostgisIndex(ctx, cfg.Cadastre)
		if err != nil {
			return fail("cadastre index", err)
		}
		closers = append(closers, index.Close)
		cadastre.NewHandler(index, client, cadastre.OptionsFromConfig(cfg), logger).Register(app)
	}
	return app, cleanup, nil
}
