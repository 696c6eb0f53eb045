// Command controller is the API server: agent registry, workflow
// approval engine, report dispatcher, and token administration. It sits
// behind the front-door proxy and trusts the identity headers the
// proxy injects.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailganti/opsconductor/cmd/controller/container"
	"github.com/mailganti/opsconductor/cmd/controller/routes"
	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/server"
)

func main() {
	cfg, err := config.Load("controller")
	if err != nil {
		logger.New("info", "text").Error("load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.New(ctx, cfg, log)
	if err != nil {
		log.Error("initialize container", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	go c.RunHub.Start()
	go c.Dispatcher.Start(ctx)

	srv := server.New(cfg, log)
	routes.Register(srv.Echo, c)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}
}
