package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/lyzr/bpmnserver/cmd/server/routes"
	"github.com/lyzr/bpmnserver/common/config"
	"github.com/lyzr/bpmnserver/common/docstore"
	"github.com/lyzr/bpmnserver/common/logger"
	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/common/redis"
	"github.com/lyzr/bpmnserver/engine"
)

func main() {
	// .env is optional; real deployments configure through the environment
	_ = godotenv.Load()

	cfg, err := config.Load("bpmnserver")
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	ctx := context.Background()

	var store docstore.Store
	if cfg.Database.InMemory {
		store = docstore.NewMemoryStore(log)
	} else {
		store, err = docstore.NewPostgresStore(ctx, cfg, log)
		if err != nil {
			log.Error("failed to connect document store", "error", err)
			os.Exit(1)
		}
	}
	defer store.Close()

	eng := engine.NewEngine(&engine.EngineOpts{
		Config: cfg,
		Logger: log,
		Store:  store,
	})

	if cfg.Redis.Enabled {
		publisher, err := redis.NewPublisher(ctx, cfg, log)
		if err != nil {
			log.Error("failed to connect event publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()

		eng.Emitter().On(models.EventAll, func(ctx context.Context, payload engine.EventPayload) {
			instanceID := ""
			if payload.Context != nil {
				instanceID = payload.Context.ID()
			}
			if err := publisher.PublishEvent(ctx, payload.Event, instanceID, payload.Details); err != nil {
				log.Warn("event publish failed", "event", payload.Event, "error", err)
			}
		})
	}

	if err := eng.Install(ctx); err != nil {
		log.Error("engine install failed", "error", err)
		os.Exit(1)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomiddleware.Recover())
	routes.Register(e, eng, log)

	log.Info("server starting", "port", cfg.Service.Port)
	if err := e.Start(fmt.Sprintf(":%d", cfg.Service.Port)); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
