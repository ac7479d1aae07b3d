package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/swingkiddo/boosty-queue/internal/activity"
	"github.com/swingkiddo/boosty-queue/internal/config"
	"github.com/swingkiddo/boosty-queue/internal/gateway"
	"github.com/swingkiddo/boosty-queue/internal/lifecycle"
	"github.com/swingkiddo/boosty-queue/internal/logging"
	"github.com/swingkiddo/boosty-queue/internal/queue"
	"github.com/swingkiddo/boosty-queue/internal/report"
	"github.com/swingkiddo/boosty-queue/internal/review"
	"github.com/swingkiddo/boosty-queue/internal/storage"
	"github.com/swingkiddo/boosty-queue/internal/tiersync"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	setupConfig()
	logging.Init()

	cfg := config.New()
	logrus.Debugf("config: %+v", cfg)

	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}

	store := storage.New(db)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	initCtx, initCancel := context.WithTimeout(ctx, 10*time.Second)
	defer initCancel()

	if err := store.Migrate(initCtx); err != nil {
		logrus.Fatalf("Failed to migrate database: %v", err)
	}

	client, err := gateway.NewClient(cfg)
	if err != nil {
		logrus.Fatalf("Failed to create discord client: %v", err)
	}

	queueManager := queue.NewManager(store)
	tracker := activity.NewTracker(store)
	machine := lifecycle.NewMachine(store, queueManager, client, client, tracker, cfg.MaxSlotsCap, cfg.TeardownDelay)
	reviews := review.NewGate(store, tracker, cfg.ReviewMinPresence)
	reports := report.NewAggregator(store, tracker, client)
	exporter := report.NewExcelExporter(cfg.ReportDir)

	gw := gateway.New(cfg, store, client, machine, queueManager, tracker, reviews, reports, exporter)
	gw.Register()

	if err := client.Connect(); err != nil {
		logrus.Fatalf("Failed to connect to discord: %v", err)
	}

	if err := client.EnsureRoles(); err != nil {
		logrus.Fatalf("Failed to bootstrap roles: %v", err)
	}

	// The recovery passes reconcile state left behind by a restart:
	// open presence intervals checked against who is still in voice,
	// and ended sessions whose teardown timer was lost.
	if err := gw.RecoverPresence(initCtx); err != nil {
		logrus.Fatalf("Failed to recover presence intervals: %v", err)
	}
	if err := machine.RecoverTeardowns(initCtx); err != nil {
		logrus.Fatalf("Failed to recover teardown timers: %v", err)
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		tiersync.NewSyncer(cfg, store).Run(ctx)
	}()

	<-ctx.Done()

	if err := client.Close(); err != nil {
		logrus.Errorf("Failed to close discord connection: %v", err)
	}
	machine.Stop()

	logrus.Info("waiting for services to finish")
	wg.Wait()
}

func setupConfig() {
	viper.BindEnv("manager_id")
	viper.BindEnv("tier_sync_base_url")
	viper.BindEnv("tier_sync_token")
	config.SetupCommon()
}
