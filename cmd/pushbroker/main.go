package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/dmitrymomot/pushbroker/internal/api"
	"github.com/dmitrymomot/pushbroker/pkg/broadcast"
	"github.com/dmitrymomot/pushbroker/pkg/config"
	"github.com/dmitrymomot/pushbroker/pkg/dispatch"
	"github.com/dmitrymomot/pushbroker/pkg/httpserver"
	"github.com/dmitrymomot/pushbroker/pkg/logger"
	"github.com/dmitrymomot/pushbroker/pkg/publisher"
	"github.com/dmitrymomot/pushbroker/pkg/redis"
	"github.com/dmitrymomot/pushbroker/pkg/sender/fcm"
	"github.com/dmitrymomot/pushbroker/pkg/sender/webhook"
)

type appConfig struct {
	Name         string `env:"APP_NAME" envDefault:"pushbroker"`
	Env          string `env:"APP_ENV" envDefault:"development"`
	FCMAPIKey    string `env:"FCM_API_KEY"`
	StreamBuffer int    `env:"STREAM_BUFFER" envDefault:"64"`
}

func main() {
	var (
		appCfg   appConfig
		redisCfg redis.Config
		httpCfg  httpserver.Config
	)
	config.MustLoad(&appCfg)
	config.MustLoad(&redisCfg)
	config.MustLoad(&httpCfg)

	log := logger.New(logger.WithEnvironment(appCfg.Env, appCfg.Name))
	logger.SetAsDefault(log)

	ctx := context.Background()

	rdb, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		log.Error("failed to connect to redis", logger.Error(err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	senders := dispatch.NewRegistry(log)
	senders.Register("webhook", webhook.New())
	if appCfg.FCMAPIKey != "" {
		fcmSender, err := fcm.New(appCfg.FCMAPIKey)
		if err != nil {
			log.Error("failed to configure fcm sender", logger.Error(err))
			os.Exit(1)
		}
		senders.Register("fcm", fcmSender)
	}
	log.Info("push senders registered", slog.Any("protocols", senders.Protocols()))

	hub := broadcast.NewHub(appCfg.StreamBuffer)
	defer hub.Close()

	pub := publisher.New(senders, hub, log)
	handler := api.New(rdb, senders, pub, hub, redis.Healthcheck(rdb), log)

	srv := httpserver.NewFromConfig(httpCfg,
		httpserver.WithLogger(log),
		httpserver.WithStartHook(func(l *slog.Logger) {
			l.Info("server listening", slog.String("addr", httpCfg.Addr))
		}),
		httpserver.WithStopHook(func(l *slog.Logger) {
			l.Info("server stopped")
		}),
	)

	if err := srv.Run(ctx, handler.Router()); err != nil {
		log.Error("server exited with error", logger.Error(err))
		os.Exit(1)
	}
}
