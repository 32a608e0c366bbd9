package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phbpx/leads"
	"github.com/phbpx/leads/filestore"
	"github.com/phbpx/leads/handler"
	"github.com/phbpx/leads/intake"
	"github.com/phbpx/leads/mail"
	"github.com/phbpx/leads/notify"
	"github.com/phbpx/leads/postgres"
	"github.com/phbpx/leads/ratelimit"
	"github.com/phbpx/leads/sqlite"
	"github.com/phbpx/leads/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/riandyrn/otelchi"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {

	log, err := newLog("leads-api")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run("leads-api", log); err != nil {
		log.Errorw("startup", "err", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(serverName string, log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		Http struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			Host            string        `conf:"default:0.0.0.0:3000"`
		}
		DB struct {
			Driver       string        `conf:"default:sqlite,help:postgres or sqlite"`
			User         string        `conf:"default:leadsvc"`
			Password     string        `conf:"default:leadsvc,mask"`
			Host         string        `conf:"default:localhost"`
			Name         string        `conf:"default:leads"`
			MaxIdleConns int           `conf:"default:0"`
			MaxOpenConns int           `conf:"default:0"`
			MaxLifetime  time.Duration `conf:"default:30m"`
			DisableTLS   bool          `conf:"default:true"`
			SQLitePath   string        `conf:"default:leads.db"`
			MigrateWait  time.Duration `conf:"default:30s"`
		}
		Storage struct {
			Backend     string `conf:"default:local,help:local or s3"`
			Dir         string `conf:"default:./uploads"`
			S3Bucket    string
			S3Region    string `conf:"default:us-east-1"`
			S3Endpoint  string
			S3PathStyle bool `conf:"default:false"`
			S3Prefix    string `conf:"default:resumes"`
		}
		SMTP struct {
			Host        string
			Port        int `conf:"default:587"`
			User        string
			Password    string `conf:"mask"`
			From        string
			ImplicitTLS bool `conf:"default:false"`
		}
		Notify struct {
			ReviewerEmail string
			Timeout       time.Duration `conf:"default:30s"`
		}
		Resume struct {
			MaxBytes          int64 `conf:"default:10485760"`
			ReclaimSuperseded bool  `conf:"default:false"`
		}
		RateLimit struct {
			RedisAddr string
			Capacity  int     `conf:"default:5"`
			Refill    float64 `conf:"default:0.1"`
		}
		Jaeger struct {
			ReporterURI string  `conf:"default:http://localhost:14268/api/traces"`
			ServiceName string  `conf:"default:leadsvc-api"`
			Probability float64 `conf:"default:0.5"`
		}
	}{}

	help, err := conf.Parse("LEAD", &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Database Support

	log.Infow("startup", "status", "initializing database support", "driver", cfg.DB.Driver)

	var (
		db          *sql.DB
		store       leads.LeadStore
		statusCheck func(ctx context.Context, db *sql.DB) error
	)

	switch cfg.DB.Driver {
	case "postgres":
		db, err = postgres.Open(postgres.Config{
			User:            cfg.DB.User,
			Password:        cfg.DB.Password,
			Host:            cfg.DB.Host,
			Name:            cfg.DB.Name,
			ApplicationName: serverName,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			ConnMaxLifetime: cfg.DB.MaxLifetime,
			DisableTLS:      cfg.DB.DisableTLS,
		})
		if err != nil {
			return fmt.Errorf("connecting to db: %w", err)
		}
		store, statusCheck = postgres.NewLeadStore(db), postgres.StatusCheck
	case "sqlite":
		db, err = sqlite.Open(cfg.DB.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening sqlite db: %w", err)
		}
		store, statusCheck = sqlite.NewLeadStore(db), sqlite.StatusCheck
	default:
		return fmt.Errorf("unknown db driver %q", cfg.DB.Driver)
	}
	defer func() {
		log.Infow("shutdown", "status", "stopping database support", "driver", cfg.DB.Driver)
		db.Close()
	}()

	// =========================================================================
	// Update database schema

	log.Infow("startup", "status", "updating database schema", "driver", cfg.DB.Driver)

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), cfg.DB.MigrateWait)
	switch cfg.DB.Driver {
	case "postgres":
		err = postgres.Migrate(migrateCtx, db)
	case "sqlite":
		err = sqlite.Migrate(migrateCtx, db)
	}
	cancelMigrate()
	if err != nil {
		return fmt.Errorf("updating database schema: %w", err)
	}

	// =========================================================================
	// File Storage

	log.Infow("startup", "status", "initializing file storage", "backend", cfg.Storage.Backend)

	var files leads.FileStore
	switch cfg.Storage.Backend {
	case "local":
		files = filestore.NewLocal(cfg.Storage.Dir)
	case "s3":
		files, err = filestore.NewS3(context.Background(), filestore.S3Config{
			Bucket:    cfg.Storage.S3Bucket,
			Region:    cfg.Storage.S3Region,
			Endpoint:  cfg.Storage.S3Endpoint,
			PathStyle: cfg.Storage.S3PathStyle,
			Prefix:    cfg.Storage.S3Prefix,
		})
		if err != nil {
			return fmt.Errorf("initializing s3 storage: %w", err)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	// =========================================================================
	// Start Tracing Support

	log.Infow("startup", "status", "initializing OT/Jaeger tracing support")

	traceProvider, err := startTracing(
		cfg.Jaeger.ServiceName,
		cfg.Jaeger.ReporterURI,
		cfg.Jaeger.Probability,
	)
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer traceProvider.Shutdown(context.Background())

	// =========================================================================
	// Intake Core

	log.Infow("startup", "status", "initializing intake core")

	otelLog := otelzap.New(log.Desugar(), otelzap.WithStackTrace(true)).Sugar()

	if cfg.SMTP.Host == "" {
		log.Infow("startup", "status", "smtp host not set, notifications will fail per message")
	}
	mailer := mail.NewSMTP(mail.Config{
		Host:        cfg.SMTP.Host,
		Port:        cfg.SMTP.Port,
		User:        cfg.SMTP.User,
		Password:    cfg.SMTP.Password,
		From:        cfg.SMTP.From,
		ImplicitTLS: cfg.SMTP.ImplicitTLS,
	})
	notifier := notify.New(mailer, cfg.Notify.ReviewerEmail, otelLog)
	dispatcher := notify.NewDispatcher(notifier, cfg.Notify.Timeout, otelLog)

	manager := intake.NewManager(store, files, intake.ManagerConfig{
		ReclaimSuperseded: cfg.Resume.ReclaimSuperseded,
	}, otelLog)
	service := intake.NewService(manager, dispatcher, intake.Config{
		MaxResumeBytes: cfg.Resume.MaxBytes,
	}, otelLog)

	// =========================================================================
	// Rate Limiting

	var limiter handler.Limiter
	if cfg.RateLimit.RedisAddr != "" {
		log.Infow("startup", "status", "initializing submission rate limiter", "redis", cfg.RateLimit.RedisAddr)

		rdb := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		defer rdb.Close()
		limiter = ratelimit.NewTokenBucket(rdb, "rl:submit:", cfg.RateLimit.Capacity, cfg.RateLimit.Refill, time.Hour)
	}

	// =========================================================================
	// Create router

	log.Infow("startup", "status", "initializing router")

	leadHandler := handler.NewLeadHandler(service, cfg.Resume.MaxBytes, otelLog)
	health := handler.NewHealth(func(ctx context.Context) error {
		return statusCheck(ctx, db)
	}, otelLog)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(otelchi.Middleware(serverName, otelchi.WithChiRoutes(r)))

	r.Get("/health", health.Readiness)
	r.Handle("/metrics", telemetry.Handler())
	handler.Routes(r, leadHandler, limiter, otelLog)

	// =========================================================================
	// Start API Server

	log.Infow("startup", "status", "initializing http server")

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// The HTTP Server
	server := &http.Server{
		Addr:         cfg.Http.Host,
		Handler:      r,
		ReadTimeout:  cfg.Http.ReadTimeout,
		WriteTimeout: cfg.Http.WriteTimeout,
		IdleTimeout:  cfg.Http.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Infow("startup", "status", "api router started", "host", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Http.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			server.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}

		// Submissions are closed now; give detached notifications the rest
		// of the grace period.
		if err := dispatcher.Wait(ctx); err != nil {
			log.Errorw("shutdown", "status", "notifications still in flight", "error", err.Error())
		}
	}

	return nil
}

func newLog(serviceName string) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.DisableStacktrace = true
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	log, err := config.Build()
	if err != nil {
		return nil, err
	}

	return log.Sugar(), nil
}

func startTracing(serviceName, reporterURL string, probability float64) (*tracesdk.TracerProvider, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(reporterURL)))
	if err != nil {
		return nil, fmt.Errorf("creating new exporter: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(probability))),
		// Always be sure to batch in production.
		tracesdk.WithBatcher(exp,
			tracesdk.WithMaxExportBatchSize(tracesdk.DefaultMaxExportBatchSize),
			tracesdk.WithBatchTimeout(tracesdk.DefaultScheduleDelay*time.Millisecond),
		),
		// Record information about this application in a Resource.
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("exporter", "jaeger"),
		)),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}
