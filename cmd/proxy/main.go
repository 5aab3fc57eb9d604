package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/broker"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/config"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/db"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/handler"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/health"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/idempotency"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/metrics"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/proxy"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/queue"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/retry"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/statemachine"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/storage"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/supervisor"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/synchronizer"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/transit"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/webhook"
)

const (
	eventPageSize = 50
	purgeInterval = 24 * time.Hour
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("Proxy stopped with error", err)
		os.Exit(1)
	}
	logger.Info("Proxy stopped")
}

// run wires the proxy, starts it and blocks until a shutdown signal or a
// critical error. It returns the critical error, if any, after shutting
// down in order.
func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics("altinn_proxy", "file-transfer-proxy")

	dbClient, err := db.NewClient(ctx, cfg.DSN(), cfg.DBMaxConnections)
	if err != nil {
		return fmt.Errorf("failed to create database client: %w", err)
	}
	if err := dbClient.Migrate(ctx); err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	store := dbClient.Store()

	var objects transit.PayloadStore
	if cfg.ObjectStoreEnabled() {
		objectClient, err := storage.NewClient(cfg.ObjectStoreEndpoint, cfg.ObjectStoreAccessKey,
			cfg.ObjectStoreSecretKey, cfg.ObjectStoreBucket, cfg.ObjectStoreUseSSL)
		if err != nil {
			dbClient.Close()
			return fmt.Errorf("failed to create object store client: %w", err)
		}
		if err := objectClient.EnsureBucket(ctx); err != nil {
			dbClient.Close()
			return fmt.Errorf("failed to prepare object store bucket: %w", err)
		}
		objects = objectClient
	}

	var notifier queue.Notifier = queue.Nop{}
	if cfg.AMQPURL != "" {
		publisher, err := queue.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			dbClient.Close()
			return fmt.Errorf("failed to connect to AMQP broker: %w", err)
		}
		notifier = publisher
	}

	var tokens broker.TokenSource = broker.StaticToken(cfg.AltinnToken)
	if cfg.AltinnToken == "" {
		maskinporten, err := broker.NewMaskinportenTokenSource(cfg.Maskinporten, nil)
		if err != nil {
			notifier.Close()
			dbClient.Close()
			return err
		}
		tokens = maskinporten
	}
	brokerClient := broker.NewClient(cfg.BrokerBaseURL, cfg.EventsBaseURL, tokens, nil)
	retryPolicy := retry.New(cfg.Retry, logger.Component("retry"))

	transitService := &transit.Service{
		DB:       dbClient,
		Objects:  objects,
		Notifier: notifier,
		Broker:   brokerClient,
		Retry:    retryPolicy,
		Metrics:  m,
		Logger:   logger.Component("transit"),
		Options: transit.Options{
			PersistEvent: cfg.PersistCloudEvent,
			PersistFile:  cfg.PersistAltinnFile,
			InlineLimit:  cfg.InlinePayloadLimit,
			RecipientID:  cfg.RecipientID,
			ResourceID:   cfg.ResourceID,
			PurgeAfter:   cfg.PurgeAfter,
		},
	}

	eventHandler := &handler.Handler{
		Broker:       brokerClient,
		Transit:      transitService,
		Idempotency:  idempotency.NewClient(dbClient.DB()),
		Retry:        retryPolicy,
		Metrics:      m,
		Logger:       logger.Component("handler"),
		RecipientID:  cfg.RecipientID,
		SelfEndpoint: cfg.WebhookExternalURL,
	}

	poller := &synchronizer.Synchronizer{
		Loader: &synchronizer.Loader{
			Broker:      brokerClient,
			Retry:       retryPolicy,
			Logger:      logger.Component("loader"),
			Webhooks:    cfg.Webhooks,
			RecipientID: cfg.RecipientID,
			PageSize:    eventPageSize,
		},
		Handler:  eventHandler,
		Ledger:   store,
		Metrics:  m,
		Logger:   logger.Component("synchronizer"),
		Interval: cfg.PollAltinnInterval,
	}

	start, err := synchronizer.StartCheckpoint(ctx, cfg.StartEvent, store)
	if err != nil {
		notifier.Close()
		dbClient.Close()
		return fmt.Errorf("failed to resolve start checkpoint: %w", err)
	}
	checkpoints := &synchronizer.Checkpoints{Store: store, Start: start}

	group := supervisor.New(ctx, logger.Component("supervisor"))

	subscriptions := &webhook.Subscriptions{
		API:      brokerClient,
		Retry:    retryPolicy,
		Logger:   logger.Component("subscriptions"),
		Webhooks: cfg.Webhooks,
		Endpoint: cfg.WebhookEndpoint,
		Delay:    cfg.WebhookSubscriptionDelay,
	}

	actions := &proxy.Actions{
		Poller:              poller,
		Ledger:              store,
		Subscriptions:       subscriptions,
		Group:               group,
		Logger:              logger.Component("actions"),
		Start:               start,
		Checkpoint:          checkpoints.Last,
		RecoveryMaxAttempts: cfg.RecoveryMaxAttempts,
		RecoveryRetryDelay:  cfg.RecoveryRetryDelay,
	}
	machine := statemachine.New(actions, group, m, logger.Component("statemachine"))
	actions.Machine = machine

	ingress, err := webhook.NewIngress(brokerClient, eventHandler, machine, logger.Component("webhook"))
	if err != nil {
		notifier.Close()
		dbClient.Close()
		return err
	}
	actions.Readiness = ingress
	eventHandler.OnWebhookValidated = func() {
		if err := machine.Send(statemachine.WebhookValidated()); err != nil {
			logger.Debug("Webhook validation not applied", map[string]interface{}{"error": err.Error()})
		}
	}

	server := &webhook.Server{
		Webhooks: cfg.Webhooks,
		Transit:  store,
		Metrics:  m.Handler(),
		Logger:   logger.Component("http"),
	}
	if cfg.WebhookEnabled {
		server.Ingress = ingress
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("Starting proxy", map[string]interface{}{
		"addr":             cfg.HTTPAddr,
		"start_event_id":   start,
		"webhook_enabled":  cfg.WebhookEnabled,
		"outbound_enabled": cfg.PollTransitEnabled,
		"environment":      cfg.Environment,
	})

	_ = group.Go("http", func(context.Context) error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.WebhookEnabled {
		monitor := &health.Monitor{
			Broker:       brokerClient,
			ResourceID:   cfg.ResourceID,
			SelfURL:      cfg.WebhookExternalURL,
			HTTPClient:   &http.Client{Timeout: 10 * time.Second},
			Machine:      machine,
			Checkpoint:   checkpoints.Last,
			Threshold:    cfg.HealthThreshold,
			Interval:     cfg.HealthInterval,
			InitialDelay: cfg.HealthInitialDelay,
			Metrics:      m,
			Logger:       logger.Component("health"),
		}
		_ = group.Go("health", monitor.Start)
	}

	if cfg.PollTransitEnabled {
		_ = group.Go("outbound", func(ctx context.Context) error {
			return transitService.RunOutbound(ctx, cfg.PollTransitInterval)
		})
	}

	_ = group.Go("purge", func(ctx context.Context) error {
		return transitService.RunPurge(ctx, purgeInterval)
	})

	if err := machine.Send(statemachine.StartRecovery()); err != nil {
		group.Fail(err)
	}

	var cause error
	select {
	case <-ctx.Done():
	case <-group.Context().Done():
	}
	if ctx.Err() != nil {
		logger.Info("Shutdown signal received")
	} else {
		cause = context.Cause(group.Context())
		logger.Error("critical error, shutting down", cause)
	}

	shutdown(cfg, logger, httpServer, subscriptions, group)

	if err := notifier.Close(); err != nil {
		logger.Error("Failed to close AMQP connection", err)
	}
	if err := dbClient.Close(); err != nil {
		logger.Error("Failed to close database", err)
	}
	return cause
}

// shutdown stops the HTTP server, removes the webhook subscriptions and
// stops the task group, in that order
func shutdown(cfg *config.Config, logger *logging.Logger, httpServer *http.Server, subscriptions *webhook.Subscriptions, group *supervisor.Group) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Failed to stop HTTP server", err)
	}
	cancel()

	if cfg.WebhookEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := subscriptions.DeleteAll(ctx); err != nil {
			logger.Error("Failed to delete subscriptions", err)
		}
		cancel()
	}

	if err := group.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Task group stopped with error", map[string]interface{}{"error": err.Error()})
	}
}
