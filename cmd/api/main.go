package main

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/swingkiddo/boosty-queue/internal/activity"
	"github.com/swingkiddo/boosty-queue/internal/api"
	"github.com/swingkiddo/boosty-queue/internal/config"
	"github.com/swingkiddo/boosty-queue/internal/logging"
	"github.com/swingkiddo/boosty-queue/internal/report"
	"github.com/swingkiddo/boosty-queue/internal/storage"
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

	migrateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		logrus.Fatalf("Failed to migrate database: %v", err)
	}

	tracker := activity.NewTracker(store)
	reports := report.NewAggregator(store, tracker, nil)
	exporter := report.NewExcelExporter(cfg.ReportDir)

	service := api.NewService(cfg, store, reports, exporter)
	e := echo.New()
	service.Register(e)
	if err := e.Start(cfg.APIListenAddr); err != nil {
		logrus.Fatalf("API server stopped: %v", err)
	}
}

func setupConfig() {
	config.SetupCommon()
}
