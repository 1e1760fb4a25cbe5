package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/example/whapi-gateway/internal/api"
	"github.com/example/whapi-gateway/internal/common"
	"github.com/example/whapi-gateway/internal/events"
	"github.com/example/whapi-gateway/internal/gateway"
	"github.com/example/whapi-gateway/internal/webhook"
	"github.com/example/whapi-gateway/internal/whapi"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("whapi-gateway")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer func() {
		if err := common.ShutdownTelemetry(context.Background(), shutdown); err != nil {
			logger.Error().Err(err).Msg("flush telemetry")
		}
	}()

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort, logger)
	defer metricsSrv.Shutdown(context.Background())

	if cfg.WhapiBaseURL == "" || cfg.WhapiToken == "" {
		logger.Warn().Msg("WHAPI_BASEURL or WHAPI_TOKEN not set, provider calls will fail")
	}

	// Outcome events go through a queue so the broker never slows a send.
	// Provider callbacks publish synchronously so a broker failure makes the
	// provider redeliver.
	var (
		outcomes events.Publisher = events.NopPublisher{}
		hooks    http.Handler
	)
	if cfg.EventsEnabled() {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, events.Topics{
			Messages:       cfg.MessageEventsTopic,
			ProviderEvents: cfg.ProviderEventsTopic,
			DLQ:            cfg.DLQTopic,
		})
		defer func() {
			if err := kp.Close(); err != nil {
				logger.Error().Err(err).Msg("close event writers")
			}
		}()

		async := events.NewAsyncPublisher(kp, cfg.EventQueueSize, 5*time.Second, logger)
		defer func() {
			drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelDrain()
			if err := async.Close(drainCtx); err != nil {
				logger.Error().Err(err).Msg("drain outcome events")
			}
		}()
		outcomes = async

		hooks = (&webhook.Server{Publisher: kp, Secret: cfg.WebhookSecret, Logger: logger}).Router()
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Msg("publishing outcome events")
	}

	client := whapi.NewClient(cfg.WhapiBaseURL, cfg.WhapiToken, cfg.WhapiTimeout)
	gw := gateway.New(client, logger)

	h := api.NewHandler(gw, outcomes, hooks, cfg, logger)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("whapi gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
