package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ingestion-service/internal/config"
	"ingestion-service/internal/database/minio"
	"ingestion-service/internal/database/postgres"
	"ingestion-service/internal/database/redis"
	"ingestion-service/internal/handlers"
	"ingestion-service/internal/imagery"
	"ingestion-service/internal/providers"
	"ingestion-service/internal/repository"
	"ingestion-service/internal/services"
	"ingestion-service/internal/worker"

	"github.com/gofiber/fiber/v3"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"
)

func setupLogging() (*os.File, error) {
	logDir := getLogDir()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}

	logFileName := fmt.Sprintf("log_%s.log", time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %v", err)
	}

	out := io.MultiWriter(os.Stdout, file)
	log.SetOutput(out)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})))

	return file, nil
}

func getLogDir() string {
	if dir := os.Getenv("LOG_DIR"); dir != "" {
		return dir
	}
	return filepath.Join("/agrisa", "log", "ingestion_service")
}

func main() {
	logFile, err := setupLogging()
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()

	cfg := config.New()
	pipelineOpts, err := services.PipelineOptionsFromConfig(cfg.PipelineCfg)
	if err != nil {
		log.Fatalf("Invalid pipeline configuration: %v", err)
	}

	log.Printf("Connecting to PostgreSQL with: host=%s, port=%s, user=%s, dbname=%s",
		cfg.PostgresCfg.Host, cfg.PostgresCfg.Port, cfg.PostgresCfg.Username, cfg.PostgresCfg.DBname)
	db, err := postgres.ConnectAndCreateDB(cfg.PostgresCfg)
	if err != nil {
		log.Printf("error connect to database: %s", err)
		postgres.RetryConnectOnFailed(30*time.Second, &db, cfg.PostgresCfg)
	}
	defer db.Close()

	redisClient, err := redis.NewRedisClient(cfg.RedisCfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	minioClient, err := minio.NewMinioClient(cfg.MinioCfg)
	if err != nil {
		log.Fatalf("Failed to connect to MinIO: %v", err)
	}

	// Repositories
	farmRepo := repository.NewFarmRepository(db)
	observationRepo := repository.NewObservationRepository(db, cfg.PipelineCfg.WriteBatchSize, cfg.PipelineCfg.WriteMaxRetries)

	// Pipeline
	factory := providers.NewFactory(cfg, imagery.NewGDALReader())
	ingestionService := services.NewIngestionService(factory, pipelineOpts)
	archive := services.NewRunReportArchive(minioClient, minio.Storage.RunReports)

	// Jobs
	jobStore := worker.NewRedisJobStore(redisClient.GetClient(), cfg.WorkerCfg.JobRetention)
	imageryChecker := services.NewImageryCheckService(
		farmRepo, factory, jobStore,
		cfg.WorkerCfg.ImageryCheckInterval,
		cfg.WorkerCfg.ImageryLookbackDays,
		cfg.PipelineCfg.MaxCloudCover,
	)
	runner := worker.NewIngestionJobRunner(farmRepo, ingestionService, observationRepo, archive, jobStore, cfg.WorkerCfg.JobTimeout)
	pool := worker.NewWorkingPool(cfg.WorkerCfg.NumWorkers, cfg.WorkerCfg.QueueSize)
	scheduler := worker.NewJobScheduler("ingestion", cfg.WorkerCfg.PollInterval, cfg.WorkerCfg.ClaimBatch,
		jobStore, pool, runner, imageryChecker, cfg.WorkerCfg.ImageryCheckInterval)

	// HTTP
	app := fiber.New()
	handlers.NewHealthHandler(map[string]handlers.HealthCheck{
		"postgres": func(ctx context.Context) error { return pingPostgres(ctx, db) },
		"redis":    redisClient.Ping,
		"minio":    minioClient.Ping,
	}).RegisterRoutes(app)
	handlers.NewIngestionHandler(jobStore, farmRepo, observationRepo, archive).RegisterRoutes(app)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Start(gctx)
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Printf("Ingestion service listening on :%s", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Ingestion service stopped with error: %v", err)
		return
	}
	log.Println("Ingestion service stopped")
}

func pingPostgres(ctx context.Context, db *sqlx.DB) error {
	if !postgres.Healthy() {
		return errors.New("database not connected")
	}
	return db.PingContext(ctx)
}
