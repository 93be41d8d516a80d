package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"meeting-ingest/config"
	"meeting-ingest/constant"
	"meeting-ingest/handler"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"
)

func RunHttp(cfg *config.Config) error {
	baseCtx := setupLogger(cfg)
	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.close(baseCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runWorkers(gctx)
	})

	// work lost by a previous process is queued before new uploads arrive
	if _, err := a.services.Recovery.Run(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("recovery sweep failed")
		cancel()
		_ = g.Wait()
		return err
	}

	g.Go(func() error {
		return a.services.Idle.Run(gctx)
	})

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), cors.Default())
	handler.NewHTTPHandler(a.services, cfg.Server.MaxUploadBytes).Register(r)

	srv := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
		// requests keep the logger but outlive the shutdown signal
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	g.Go(func() error {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Str("addr", srv.Addr).Msg("start http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zerolog.Ctx(ctx).Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(baseCtx, 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Err(err).Msg("server stopped with error")
		return err
	}
	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
	return nil
}

// RunRecover runs the recovery sweep once. Jobs it queues are processed
// before it returns, or left on the broker when RabbitMQ is enabled.
func RunRecover(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	var g errgroup.Group
	if a.queue != nil {
		g.Go(func() error { return a.queue.Run(ctx) })
	}

	_, err = a.services.Recovery.Run(ctx)
	if a.queue != nil {
		a.queue.Close()
	}
	if waitErr := g.Wait(); err == nil {
		err = waitErr
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("recovery sweep failed")
		return err
	}
	return nil
}

// RunMigrate applies the schema and exits.
func RunMigrate(cfg *config.Config) error {
	ctx := setupLogger(cfg)
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("migration failed")
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	zerolog.Ctx(ctx).Info().Str("driver", string(cfg.Database.Driver)).Msg("schema up to date")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		logger := zerolog.Ctx(c.Request.Context()).With().Str("request_id", uuid.NewString()).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))

		c.Next()

		event := logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Int("size", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
