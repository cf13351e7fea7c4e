package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/vodarchive/internal/bilibili"
	"github.com/your-org/vodarchive/internal/ingestion"
	"github.com/your-org/vodarchive/internal/recordings"
	"github.com/your-org/vodarchive/pkg/config"
	"github.com/your-org/vodarchive/pkg/kafka"
	"github.com/your-org/vodarchive/pkg/logger"
	"github.com/your-org/vodarchive/pkg/storage/objectstore"
	"github.com/your-org/vodarchive/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Attributes:     tracing.ParseResourceAttributes(cfg.Tracing.ResourceAttr),
		ServiceName:    cfg.App.Name,
		ServiceVersion: cfg.App.Version,
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	location, err := time.LoadLocation(cfg.Ingest.KeyTimezone)
	if err != nil {
		logr.Fatal("load key timezone", zap.String("timezone", cfg.Ingest.KeyTimezone), zap.Error(err))
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		logr.Fatal("init postgres pool", zap.Error(err))
	}
	defer pool.Close()

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.SummaryTopic,
		BatchSize:    cfg.Kafka.BatchSize,
		BatchTimeout: cfg.Kafka.BatchTimeout,
		Compression:  kafka.CompressionFromString(cfg.Kafka.CompressionCodec),
		RequiredAcks: kafkago.RequireAll,
		MaxAttempts:  cfg.Kafka.Retries,
	})

	store, err := objectstore.New(objectstore.Config{
		Provider:  cfg.Storage.Provider,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.Bucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		logr.Fatal("init object store", zap.Error(err))
	}

	if cfg.Bilibili.SessData == "" {
		logr.Warn("BILIBILI_SESSDATA is empty; ingestions will fail to sign requests")
	}
	platform := bilibili.NewClient(bilibili.Config{
		// no client timeout: downloads are bounded by the job context
		HTTPClient:    &http.Client{},
		APIBaseURL:    cfg.Bilibili.APIBaseURL,
		SessData:      cfg.Bilibili.SessData,
		UserAgent:     cfg.Bilibili.UserAgent,
		Referer:       cfg.Bilibili.Referer,
		APITimeout:    cfg.Bilibili.RequestTimeout,
		ProgressEvery: cfg.Ingest.ProgressEveryBytes,
		Logger:        logr.Named("bilibili"),
	})

	recs := recordings.NewPostgresStore(pool, logr.Named("recordings"))

	orchestrator := ingestion.NewOrchestrator(ingestion.OrchestratorParams{
		Source:      platform,
		Fetcher:     platform,
		Store:       store,
		Keys:        recs,
		Logger:      logr.Named("orchestrator"),
		ChunkSize:   cfg.Ingest.ChunkSizeBytes,
		MaxParallel: cfg.Ingest.MaxConcurrentChunks,
		KeyLocation: location,
		Extension:   cfg.Ingest.AudioExtension,
		ContentType: cfg.Ingest.ContentType,
		RetryDelay:  time.Second,
	})

	service := ingestion.NewService(ingestion.Params{
		Recordings: recs,
		Runner:     orchestrator,
		Publisher:  producer,
		Store:      store,
		Logger:     logr,
	})

	handler := ingestion.NewHTTPHandler(service, logr, 0)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// streams only end once their jobs do
		if err := service.Close(shutdownCtx); err != nil {
			logr.Error("service shutdown failed", zap.Error(err))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
	}()

	logr.Info("archiver starting",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("bucket", cfg.Storage.Bucket),
		zap.Int64("chunk_size", cfg.Ingest.ChunkSizeBytes),
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Fatal("http server failed", zap.Error(err))
	}
}
