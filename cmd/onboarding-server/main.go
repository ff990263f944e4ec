package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"franchise-onboarding/internal/audit"
	commonaws "franchise-onboarding/internal/common/aws"
	"franchise-onboarding/internal/common/config"
	"franchise-onboarding/internal/common/database"
	"franchise-onboarding/internal/common/httpclient"
	"franchise-onboarding/internal/common/logger"
	"franchise-onboarding/internal/common/observability"
	"franchise-onboarding/internal/lifecycle"
	"franchise-onboarding/internal/notify"
	"franchise-onboarding/internal/payments"
	"franchise-onboarding/internal/publicapi"
	"franchise-onboarding/internal/render"
	"franchise-onboarding/internal/token"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format)
	log.Info("starting onboarding server", map[string]interface{}{
		"app":         cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": cfg.App.Environment,
	})

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := connectPostgres(ctx, cfg, log)
	if err != nil {
		log.Error("postgres unavailable", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer pg.Close()

	rd, err := connectRedis(ctx, cfg, log)
	if err != nil {
		log.Error("redis unavailable", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer rd.Close()

	var es *database.ElasticsearchClient
	if cfg.Database.Elasticsearch.Enabled {
		es, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			log.Warn("elasticsearch unavailable, audit search disabled", map[string]interface{}{
				"error": err.Error(),
			})
			es = nil
		} else if err := es.Ping(); err != nil {
			log.Warn("elasticsearch unreachable, audit search disabled", map[string]interface{}{
				"error": err.Error(),
			})
			es = nil
		}
	}

	tokens := token.NewService(pg.DB, rd.Client, log,
		config.Minutes(cfg.Tokens.MaxTTL),
		time.Duration(cfg.Tokens.CacheTTL)*time.Second)

	auditor := audit.NewRecorder(pg.DB, es, cfg.Audit.Index, log)

	gatewayHTTP := httpclient.NewClient(config.GetDuration(cfg.Payments.Timeout))
	gateway := payments.NewGatewayClient(gatewayHTTP, cfg.Payments.GatewayBaseURL, cfg.Payments.APIKey)
	reconciler := payments.NewReconciler(pg.DB, gateway, cfg.Payments.WebhookSecret, obs, log)

	var renderer lifecycle.Renderer
	if cfg.Renderer.BaseURL != "" {
		renderer = render.NewHTTPRenderer(httpclient.NewClient(config.GetDuration(cfg.Renderer.Timeout)), cfg.Renderer.BaseURL)
	} else {
		renderer = &render.StaticRenderer{}
	}

	dispatcher := buildDispatcher(ctx, cfg, log)

	engine := lifecycle.NewEngine(pg.DB, tokens, renderer, reconciler, dispatcher, auditor, obs, log, lifecycle.Config{
		ViewTTL:       config.Minutes(cfg.Tokens.ViewTTL),
		AcceptTTL:     config.Minutes(cfg.Tokens.AcceptTTL),
		PaymentTTL:    config.Minutes(cfg.Tokens.PaymentTTL),
		EntryFeeCents: cfg.Payments.EntryFeeCents,
		Currency:      cfg.Payments.Currency,
		PublicBaseURL: cfg.Server.PublicBaseURL,
	})
	reconciler.SetActivator(engine)

	if cfg.Sweep.Enabled {
		sweeper := lifecycle.NewSweeper(pg.DB, engine, log, config.GetDuration(cfg.Sweep.Interval), cfg.Sweep.BatchSize)
		go sweeper.Run(ctx)
	}

	handler := publicapi.NewHandler(engine, tokens, reconciler, log)
	router := publicapi.NewRouter(handler, obs, log)

	apiServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      router,
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}
	metricsServer := newMetricsServer(cfg.Server.MetricsAddress)

	go func() {
		log.Info("metrics server listening", map[string]interface{}{"address": cfg.Server.MetricsAddress})
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	go func() {
		log.Info("api server listening", map[string]interface{}{"address": cfg.Server.ListenAddress})
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("api server failed", map[string]interface{}{"error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("api server shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}

	log.Info("shutdown complete", nil)
}

func connectPostgres(ctx context.Context, cfg *config.Config, log logger.Logger) (*database.PostgresClient, error) {
	var client *database.PostgresClient
	err := retryWithBackoff(ctx, 5, 2*time.Second, func() error {
		c, err := database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return err
		}
		client = c
		return nil
	}, log, "postgres")
	return client, err
}

func connectRedis(ctx context.Context, cfg *config.Config, log logger.Logger) (*database.RedisClient, error) {
	var client *database.RedisClient
	err := retryWithBackoff(ctx, 5, 2*time.Second, func() error {
		c, err := database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return err
		}
		client = c
		return nil
	}, log, "redis")
	return client, err
}

func buildDispatcher(ctx context.Context, cfg *config.Config, log logger.Logger) lifecycle.Notifier {
	notifyCfg := notify.Config{
		EmailEnabled:      cfg.Notifications.Email.Enabled,
		FromEmail:         cfg.Notifications.Email.FromEmail,
		SMSEnabled:        cfg.Notifications.SMS.Enabled,
		PriorityThreshold: cfg.Notifications.SMS.PriorityThreshold,
	}

	var sesClient notify.SESAPI
	var snsClient notify.SNSAPI

	if notifyCfg.EmailEnabled {
		c, err := commonaws.NewSESClient(ctx, cfg.Notifications.AWS.Region)
		if err != nil {
			log.Warn("ses unavailable, email disabled", map[string]interface{}{"error": err.Error()})
			notifyCfg.EmailEnabled = false
		} else {
			sesClient = c
		}
	}
	if notifyCfg.SMSEnabled {
		c, err := commonaws.NewSNSClient(ctx, cfg.Notifications.AWS.Region)
		if err != nil {
			log.Warn("sns unavailable, sms disabled", map[string]interface{}{"error": err.Error()})
			notifyCfg.SMSEnabled = false
		} else {
			snsClient = c
		}
	}

	return notify.NewDispatcher(sesClient, snsClient, notifyCfg, log)
}

func newMetricsServer(address string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &http.Server{
		Addr:    address,
		Handler: mux,
	}
}

func retryWithBackoff(ctx context.Context, attempts int, initial time.Duration, fn func() error, log logger.Logger, name string) error {
	delay := initial
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		log.Warn("connection attempt failed, retrying", map[string]interface{}{
			"target":  name,
			"attempt": i,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
