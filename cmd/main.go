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

	"github.com/coldeye/internal/alert"
	"github.com/coldeye/internal/api"
	"github.com/coldeye/internal/auth"
	"github.com/coldeye/internal/clock"
	"github.com/coldeye/internal/config"
	"github.com/coldeye/internal/database"
	"github.com/coldeye/internal/engine"
	"github.com/coldeye/internal/escalation"
	"github.com/coldeye/internal/events"
	"github.com/coldeye/internal/ingest"
	"github.com/coldeye/internal/lock"
	"github.com/coldeye/internal/logger"
	"github.com/coldeye/internal/monitor"
	"github.com/coldeye/internal/notify"
	"github.com/coldeye/internal/rules"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "coldeye-server",
		Short:        "ColdEye unit status and alert escalation engine",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, "coldeye")
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is required")
	}

	if err := database.Initialize(cfg.Database.Path); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	db := database.GetDB()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}
	bus := events.NewBus(256)
	ruleStore := rules.NewStore(db)
	notices := notify.NewStore(db)
	alerts := alert.NewHandler(db, bus, log, clk.Now)

	dispatcher := notify.NewDispatcher(buildSenders(cfg, notices, bus),
		notify.WithWorkers(cfg.Notify.Workers),
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithBackoff(cfg.Notify.RetryBackoff),
		notify.WithRecorder(notices),
		notify.WithDisabler(ruleStore),
		notify.WithBus(bus),
		notify.WithLogger(log),
	)
	dispatcher.Start()
	defer dispatcher.Stop()

	scheduler := escalation.NewScheduler(alerts, dispatcher, clk, log,
		escalation.WithPolicySource(ruleStore))
	defer scheduler.Stop()

	locker, err := buildLocker(ctx, cfg, log)
	if err != nil {
		return err
	}

	ledger := monitor.NewGormLedger(db)
	excursions := monitor.NewExcursionEvaluator(ledger, cfg.Engine.ExcursionResetDwell)

	eng := engine.New(engine.Deps{
		DB:         db,
		Rules:      ruleStore,
		Excursions: excursions,
		Ledger:     ledger,
		Alerts:     alerts,
		Escalation: scheduler,
		Locker:     locker,
		Bus:        bus,
		Clock:      clk,
		Logger:     log,
	}, engine.Options{
		Interval:          cfg.Engine.CycleInterval,
		MaxConcurrent:     cfg.Engine.MaxConcurrentUnits,
		LockTTL:           cfg.Redis.LockTTL,
		MaskRetentionDays: cfg.Engine.MaskRetentionDays,
	})

	ingestSvc := ingest.NewService(db, excursions, log, clk.Now)
	if cfg.MQTT.Broker != "" {
		client, err := ingest.NewMQTTClient(ingest.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		sub := ingest.NewSubscriber(client, cfg.MQTT.TopicPrefix, ingestSvc, log)
		if err := sub.Start(); err != nil {
			return fmt.Errorf("failed to subscribe to telemetry: %w", err)
		}
		defer sub.Stop()
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Stop()

	server := api.NewServer(api.Deps{
		DB:       db,
		Auth:     auth.NewAuthenticator(cfg.Server.JWTSecret, cfg.Auth.TokenTTL),
		Alerts:   alerts,
		Actions:  scheduler,
		Computed: eng,
		Rules:    ruleStore,
		Ingest:   ingestSvc,
		Notices:  notices,
		Bus:      bus,
		Logger:   log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Port) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildSenders registers a sender for every channel with credentials. In-app
// delivery is always available.
func buildSenders(cfg *config.Config, notices *notify.Store, bus events.Publisher) []notify.Sender {
	httpClient := &http.Client{Timeout: 20 * time.Second}
	n := cfg.Notify

	senders := []notify.Sender{notify.NewInAppSender(notices, bus)}
	if n.Slack.Token != "" || n.Slack.WebhookURL != "" {
		senders = append(senders, notify.NewSlackSender(n.Slack.Token, n.Slack.Channel, n.Slack.WebhookURL))
	}
	if n.Email.SMTPHost != "" {
		senders = append(senders, notify.NewEmailSender(n.Email.SMTPHost, n.Email.SMTPPort, n.Email.From, n.Email.Password))
	}
	if n.SMS.URL != "" {
		senders = append(senders, notify.NewSMSSender(n.SMS.URL, n.SMS.APIKey, n.SMS.From, httpClient))
	}
	if n.Push.URL != "" {
		senders = append(senders, notify.NewPushSender(n.Push.URL, n.Push.APIKey, httpClient))
	}
	if n.Webhook.URL != "" {
		senders = append(senders, notify.NewWebhookSender(n.Webhook.URL, n.Webhook.Secret, httpClient))
	}
	return senders
}

// buildLocker uses Redis when configured so several engine replicas can share
// the unit set; otherwise locks are process-local. Replicas share excursion
// tracking through the unit rows and claim each notification in the alerts
// table, so a unit evaluated elsewhere is only read here.
func buildLocker(ctx context.Context, cfg *config.Config, log *zap.Logger) (lock.Locker, error) {
	if cfg.Redis.Addr == "" {
		log.Info("redis not configured, using in-process unit locks")
		return lock.NewMemoryLocker(), nil
	}
	client, err := lock.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return lock.NewRedisLocker(client, "coldeye:lock:"), nil
}
