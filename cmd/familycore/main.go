package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"familycore/internal/auth"
	"familycore/internal/bus"
	"familycore/internal/cache"
	"familycore/internal/config"
	"familycore/internal/gateway"
	"familycore/internal/location"
	"familycore/internal/logging"
	"familycore/internal/middleware"
	"familycore/internal/privacy"
	"familycore/internal/repository"
	"familycore/internal/store"
)

func main() {
	if err := run(context.Background()); err != nil {
		panic(err)
	}
}

func run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		cancel()
		_ = sig
	}()

	cfg := config.Load()
	logger := logging.New(cfg.Logging, cfg.Server.Environment)

	redisStore, err := store.New(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		return err
	}
	defer redisStore.Close()

	adminURL := cfg.Database.AdminURL
	if adminURL == "" {
		adminURL = cfg.Database.TenantURL
	}
	tenant, admin, err := repository.New(ctx, cfg.Database.TenantURL, adminURL, logger)
	if err != nil {
		logger.Error("failed to initialize repository", "error", err)
		return err
	}
	if err := admin.Migrate(ctx); err != nil && err != repository.ErrNotConfigured {
		logger.Warn("schema migration failed", "error", err)
	}

	cacheLayer := cache.New(redisStore, admin, logger, cfg.Security.CacheEnabled)
	privacyService := privacy.New(redisStore, tenant, cacheLayer, logger)
	locationService := location.New(redisStore, cacheLayer, privacyService, logger)
	verifier := auth.NewJWTVerifier(cfg.Security.JWTSecret)

	gw := gateway.New(verifier, cacheLayer, privacyService, locationService, admin, redisStore, logger)
	dispatcher := bus.New(redisStore, gw, logger)
	if err := dispatcher.Start(ctx); err != nil {
		logger.Error("failed to start bus dispatcher", "error", err)
		return err
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})
	app.Use(middleware.RequestLogger(logger))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/readyz", func(c *fiber.Ctx) error {
		if !redisStore.Ready(c.Context()) {
			return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
		}
		return c.JSON(fiber.Map{"status": "ready"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// The upgrade runs over fasthttp, not net/http: bridging gorilla/websocket
	// through Fiber's adaptor fails outright, since the adaptor's
	// http.ResponseWriter shim doesn't implement http.Hijacker, which
	// gorilla/websocket's Upgrade requires. gofiber/contrib/websocket
	// upgrades natively on fasthttp's RequestCtx instead.
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals("bearer", auth.ExtractBearerFields(c.Get("Authorization"), c.Query("token")))
		return c.Next()
	})
	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		token, _ := c.Locals("bearer").(string)
		gw.Serve(ctx, c, token)
	}))

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	go func() {
		logger.Info("starting server", "addr", addr)
		if err := app.Listen(addr); err != nil {
			logger.Error("server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	return nil
}
