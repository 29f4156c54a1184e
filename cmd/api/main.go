// Command api serves this service's inbound HTTP surface: carrier
// webhooks for SMS and voice, the transfer-bridge redirect callbacks,
// the operator event stream, and the live call-audio WebSocket the
// Voice Bridge connects to.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/shiftcascade/internal/audio"
	"github.com/wolfman30/shiftcascade/internal/awsconfig"
	"github.com/wolfman30/shiftcascade/internal/callsession"
	"github.com/wolfman30/shiftcascade/internal/carrier"
	"github.com/wolfman30/shiftcascade/internal/config"
	"github.com/wolfman30/shiftcascade/internal/escalation"
	"github.com/wolfman30/shiftcascade/internal/eventstream"
	"github.com/wolfman30/shiftcascade/internal/idempotency"
	"github.com/wolfman30/shiftcascade/internal/ivr"
	"github.com/wolfman30/shiftcascade/internal/jobqueue"
	"github.com/wolfman30/shiftcascade/internal/objectstore"
	"github.com/wolfman30/shiftcascade/internal/outbound"
	"github.com/wolfman30/shiftcascade/internal/records"
	"github.com/wolfman30/shiftcascade/internal/smswave"
	"github.com/wolfman30/shiftcascade/internal/transfer"
	"github.com/wolfman30/shiftcascade/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting shiftcascade api server", "env", cfg.Env, "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.Load(ctx, cfg)
	if err != nil {
		logger.Error("failed to load aws config", "error", err)
		os.Exit(1)
	}
	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	pgPool := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if pgPool != nil {
		defer pgPool.Close()
	}
	var idemp *idempotency.Store
	if pgPool != nil {
		idemp = idempotency.New(pgPool)
	}

	facade, err := records.NewFacade(records.Config{
		BaseURL: cfg.RecordsAPIBaseURL,
		APIKey:  cfg.RecordsAPIKey,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to build records client", "error", err)
		os.Exit(1)
	}

	carrierClient, err := carrier.New(carrier.Config{
		BaseURL:    cfg.CarrierBaseURL,
		AuthToken:  cfg.CarrierAPISecret,
		FromNumber: cfg.CarrierFromNumber,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to build carrier client", "error", err)
		os.Exit(1)
	}

	ledger, err := jobqueue.NewLedger(dynamoClient, cfg.DynamoJobTable, cfg.JobLedgerRetention, logger)
	if err != nil {
		logger.Error("failed to build job ledger", "error", err)
		os.Exit(1)
	}
	sqsQueue := jobqueue.NewSQSQueue(sqsClient, map[string]string{
		"sms-waves":        cfg.SQSQueueSMSWaves,
		"outbound-calls":   cfg.SQSQueueOutboundCalls,
		"confirmation-sms": cfg.SQSQueueConfirmationSMS,
	})
	scheduler := jobqueue.NewScheduler(redisClient, ledger, sqsQueue, logger)

	events := eventstream.New(redisClient, cfg.EventStreamTTL, logger)
	controller := escalation.New(facade, scheduler, events, logger)

	objectStore := objectstore.New(s3Client, cfg.S3Bucket, logger)
	sessions := callsession.New(redisClient, cfg.SessionTTL)
	pending := audio.NewPendingCache()
	durableBuffer := audio.NewDurableBuffer(redisClient)
	audioPipeline := audio.NewPipeline(durableBuffer, pending, objectStore, logger)
	audioServer := audio.NewServer(audioPipeline, sessions, facade.CallLogs, logger)

	transferBridge := transfer.New(carrierClient, sessions, pending, events, redisClient, cfg.TransferOperatorNumber, cfg.PublicBaseURL, logger)
	transferWebhooks := transfer.NewWebhooks(transferBridge, sessions, cfg.CarrierWebhookToken, cfg.PublicBaseURL)

	ivrEngine := ivr.New(sessions, facade, controller, events, logger)
	streamURL := "wss://" + strings.TrimPrefix(strings.TrimPrefix(cfg.PublicBaseURL, "https://"), "http://") + "/media-stream"
	ivrWebhooks := ivr.NewWebhooks(ivrEngine, transferBridge, cfg.CarrierWebhookToken, cfg.PublicBaseURL, streamURL, logger)

	prompts := outbound.NewPromptCache(redisClient)
	outboundWorker := outbound.New(facade, controller, scheduler, carrierClient, events, prompts, redisClient, cfg.PublicBaseURL, logger)
	outboundWebhooks := outbound.NewWebhooks(outboundWorker, cfg.CarrierWebhookToken, idemp)

	smsWorker := smswave.New(facade, controller, carrierClient, events, redisClient, logger)
	smsInbound := smswave.NewInboundHandler(smsWorker, redisClient, cfg.CarrierWebhookToken, cfg.PublicBaseURL+"/webhooks/sms/inbound", idemp)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", healthHandler)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/events", events.SSEHandler())

	r.Post("/webhooks/voice/inbound", ivrWebhooks.Voice)
	r.Post("/webhooks/voice/input", ivrWebhooks.Input)
	r.Get("/media-stream", audioServer.ServeHTTP)

	r.Post("/webhooks/transfer/dial", transferWebhooks.Dial)
	r.Post("/webhooks/transfer/complete", transferWebhooks.Complete)

	r.Post("/webhooks/calls/answer", outboundWebhooks.Answer)
	r.Post("/webhooks/calls/response", outboundWebhooks.Response)
	r.Post("/webhooks/calls/status", outboundWebhooks.Status)

	r.Post("/webhooks/sms/inbound", smsInbound.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func connectPostgresPool(ctx context.Context, dbURL string, logger *logging.Logger) *pgxpool.Pool {
	if dbURL == "" {
		return nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dbURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(connectCtx); err != nil {
		logger.Error("failed to ping postgres", "error", err)
		os.Exit(1)
	}
	return pool
}
