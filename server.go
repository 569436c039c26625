package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/eutimioliusbel/pfamirror/config"
	"github.com/eutimioliusbel/pfamirror/conflict"
	"github.com/eutimioliusbel/pfamirror/drift"
	"github.com/eutimioliusbel/pfamirror/httpapi"
	"github.com/eutimioliusbel/pfamirror/ingest"
	"github.com/eutimioliusbel/pfamirror/models"
	"github.com/eutimioliusbel/pfamirror/notify"
	"github.com/eutimioliusbel/pfamirror/pems"
	"github.com/eutimioliusbel/pfamirror/store"
	"github.com/eutimioliusbel/pfamirror/transform"
	"github.com/eutimioliusbel/pfamirror/writeback"
)

const defaultPort = "8080"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		panic(err)
	}
	logger := config.NewLogger()

	db, err := config.OpenDatabase()
	if err != nil {
		logger.WithError(err).Fatal("open database")
	}
	if config.BoolFromEnv("DB_AUTO_MIGRATE", true) {
		if err := models.MigrateTable(db); err != nil {
			logger.WithError(err).Fatal("migrate tables")
		}
	}
	stores := store.NewGormStores(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := config.NewRedisClient(ctx)
	if err != nil {
		logger.WithError(err).Fatal("connect redis")
	}
	locker := config.NewLocker(rdb)

	var notifier notify.Publisher = &notify.LogPublisher{Logger: logger}
	if psClient, err := config.NewPubSubClient(ctx); err != nil {
		logger.WithError(err).Warn("pubsub unavailable, events go to the log")
	} else if psClient != nil {
		notifier = notify.NewPubSubPublisher(psClient, logger)
	}

	api, err := pems.NewClient(os.Getenv("PEMS_API_KEY"))
	if err != nil {
		logger.WithError(err).Fatal("configure pems client")
	}

	detector := &drift.Detector{
		Batches: stores.Batches,
		Policy:  drift.DefaultPolicy(),
		Logger:  logger,
	}
	runner := &ingest.Runner{
		Sources:  stores.Sources,
		Batches:  stores.Batches,
		Raw:      stores.Raw,
		API:      api,
		Locker:   locker,
		Progress: ingest.NewProgressTracker(rdb),
		Drift:    detector,
		Notifier: notifier,
		Logger:   logger,
	}
	pipeline := &transform.Pipeline{
		Sources:  stores.Sources,
		Batches:  stores.Batches,
		Raw:      stores.Raw,
		Mappings: stores.Mappings,
		Mirrors:  stores.Mirrors,
		Logger:   logger,
	}
	conflictDetector := &conflict.Detector{
		Mods:      stores.Modifications,
		Mirrors:   stores.Mirrors,
		Conflicts: stores.Conflicts,
		Notifier:  notifier,
		Logger:    logger,
	}
	submitter := &conflict.Submitter{
		Mods:     stores.Modifications,
		Mirrors:  stores.Mirrors,
		Queue:    stores.Queue,
		Detector: conflictDetector,
		Logger:   logger,
	}
	resolver := &conflict.Resolver{
		Mods:      stores.Modifications,
		Mirrors:   stores.Mirrors,
		Conflicts: stores.Conflicts,
		Queue:     stores.Queue,
		Logger:    logger,
	}
	worker := writeback.NewWorker(stores, api, notifier, logger)
	worker.Endpoint = endpointFromEnv
	go worker.Run(ctx)

	handlers := &httpapi.Handlers{
		Runner:    runner,
		Pipeline:  pipeline,
		Drift:     detector,
		Submitter: submitter,
		Resolver:  resolver,
		Worker:    worker,
		Progress:  ingest.NewProgressTracker(rdb),
		Batches:   stores.Batches,
		Conflicts: stores.Conflicts,
		Permitted: httpapi.AllowAll,
		Tracer:    otel.Tracer("pfamirror"),
		Logger:    logger,
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: httpapi.NewRouter(handlers),
	}

	go func() {
		logger.WithField("port", port).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http shutdown")
	}
}

// endpointFromEnv maps an entity type to its PEMS path, e.g.
// PEMS_ENDPOINT_PFA=/v1/pfas. Falls back to /v1/<entity type>s.
func endpointFromEnv(entityType string) string {
	key := "PEMS_ENDPOINT_" + strings.ToUpper(entityType)
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return "/v1/" + strings.ToLower(entityType) + "s"
}
