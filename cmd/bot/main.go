package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/config"
	"github.com/eddiefleurent/schrute_scalper/internal/exec"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/monitor"
	"github.com/eddiefleurent/schrute_scalper/internal/notify"
	"github.com/eddiefleurent/schrute_scalper/internal/resolver"
	"github.com/eddiefleurent/schrute_scalper/internal/server"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
	"github.com/eddiefleurent/schrute_scalper/internal/stream"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.Infof("Starting schrute scalper in %s mode", cfg.Environment.Mode)
	if cfg.IsLive() {
		logger.Warn("LIVE TRADING MODE - real money at risk! Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	st, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open storage at %s: %v", cfg.Storage.Path, err)
	}

	var senders []notify.Sender
	if cfg.Notifications.TelegramToken != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notifications.TelegramToken,
			cfg.Notifications.TelegramChatID,
		))
	}
	notifier := notify.NewNotifier(logger, senders...)

	quoteStore := stream.NewStore()

	var backend broker.Broker
	if cfg.IsPaperInternal() {
		backend = broker.NewPaperLedger(cfg.Broker.PaperCash, func(symbol string) (float64, bool) {
			key, err := models.ParseOCCSymbol(symbol)
			if err != nil {
				key = models.StockKey(symbol)
			}
			q, ok := quoteStore.Get(key)
			if !ok {
				return 0, false
			}
			mid := q.Mid()
			return mid, mid > 0
		})
	} else {
		client := broker.NewTradierClientWithBaseURL(
			cfg.Broker.APIKey,
			cfg.Broker.AccountID,
			!cfg.IsLive(),
			cfg.Broker.APIEndpoint,
		)
		backend = broker.NewCircuitBreakerBroker(client)
	}

	balance, err := backend.GetAccountBalance()
	if err != nil {
		logger.Fatalf("Failed to connect to broker: %v", err)
	}
	logger.Infof("Connected to %s backend. Account balance: $%.2f", backend.Kind(), balance)

	manager := stream.NewManager(stream.Config{
		URL:              cfg.Feed.URL,
		ReconnectBase:    cfg.FeedReconnectBase(),
		ReconnectCap:     cfg.FeedReconnectCap(),
		ReconnectCeiling: cfg.Feed.ReconnectCeiling,
	}, quoteStore, st, notifier, logger)

	engine := exec.NewEngine(backend, st, manager, logger, exec.Config{
		PollInterval:      cfg.ExecPollInterval(),
		PollAttempts:      cfg.Execution.PollAttempts,
		EntryRetries:      cfg.Execution.EntryRetries,
		AdaptiveAttempts:  cfg.Execution.AdaptiveAttempts,
		AdaptiveWait:      cfg.ExecAdaptiveWait(),
		AdaptiveDecrement: cfg.Execution.AdaptiveDecrement,
		MinTick:           cfg.Execution.MinTick,
		GuaranteeAfter:    cfg.ExecGuaranteeAfter(),
		CallTimeout:       cfg.ExecCallTimeout(),
		SlippageReserve:   cfg.Execution.SlippageReserve,
	})

	// The resolver's raw-id layer only makes sense against a real brokerage.
	var liveBroker broker.Broker
	if !cfg.IsPaperInternal() {
		liveBroker = backend
	}
	res := resolver.New(st, liveBroker, logger)

	apiServer := server.NewServer(server.Config{
		Port:      cfg.Server.Port,
		AuthToken: cfg.Server.AuthToken,
	}, st, manager, engine, res, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(); err != nil {
		logger.Fatalf("Failed to start feed manager: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	if cfg.AutoExit.Enabled {
		profiles := make(map[string]monitor.Thresholds, len(cfg.AutoExit.Profiles))
		for name, th := range cfg.AutoExit.Profiles {
			profiles[name] = monitor.Thresholds(th)
		}
		mon := monitor.New(monitor.Config{
			Interval: cfg.AutoExitInterval(),
			Default:  monitor.Thresholds(cfg.AutoExit.Default),
			Profiles: profiles,
			Users:    cfg.AutoExit.Users,
		}, st, manager, engine, notifier, logger)

		g.Go(func() error {
			if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return manager.Close()
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Info("Bot stopped successfully")
}
