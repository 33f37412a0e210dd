package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"audiobook-queue/internal/config"
	"audiobook-queue/internal/downloader"
	apphttp "audiobook-queue/internal/http"
	"audiobook-queue/internal/metrics"
	"audiobook-queue/internal/queue"
	"audiobook-queue/internal/repository/sqlite"
	"audiobook-queue/internal/service"
	"audiobook-queue/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	} else {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	taskRepo := sqlite.NewTaskRepository(db)
	fileRepo := sqlite.NewTaskFileRepository(db)

	if err := taskRepo.Init(ctx); err != nil {
		logger.Fatalf("init task repository: %v", err)
	}
	if err := fileRepo.Init(ctx); err != nil {
		logger.Fatalf("init file repository: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	engine, err := downloader.NewTorrentEngine(downloader.Config{
		DataDir:         cfg.Download.DataDir,
		ListenPort:      cfg.Engine.ListenPort,
		StatusInterval:  cfg.Engine.StatusInterval,
		MetadataTimeout: cfg.Engine.MetadataTimeout,
		TrackerList:     cfg.Engine.Trackers,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatalf("start torrent engine: %v", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warnf("close torrent engine: %v", err)
		}
	}()

	var (
		hooks    []queue.CompletionHook
		archiver *storage.Archiver
	)
	if cfg.Storage.Bucket != "" {
		storageSvc, err := buildStorage(ctx, cfg, logger)
		if err != nil {
			logger.Fatalf("setup storage: %v", err)
		}
		archiver = storage.NewArchiver(storage.ArchiverConfig{
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
			Logger:    logger,
		}, storageSvc)
		hooks = append(hooks, archiver)
	} else {
		logger.Info("storage bucket not set, archiving disabled")
	}

	manager := queue.NewManager(queue.Config{
		EngineTimeout:    cfg.Engine.StartTimeout,
		SnapshotInterval: cfg.Progress.SnapshotInterval,
		ProgressWindow:   cfg.Progress.Window,
		Hooks:            hooks,
		Logger:           logger,
	}, taskRepo, fileRepo, engine)

	if _, err := manager.Start(ctx); err != nil {
		logger.Fatalf("start queue: %v", err)
	}

	taskService := service.NewTaskService(service.Options{
		DataRoot:       cfg.Download.DataDir,
		DeleteOnCancel: cfg.Download.DeleteOnCancel,
	}, manager)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	var lister apphttp.ObjectLister
	if archiver != nil {
		lister = archiver
	}
	handler := apphttp.NewHandler(taskService, lister, registry, logger)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()

	logger.Info("bye")
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("archiving to s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
