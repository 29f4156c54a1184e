// Command worker runs the background side of the escalation cascade:
// the SQS consumers that send SMS waves, place outbound calls, and text
// confirmations, plus the scheduler's delay-index dispatcher that feeds
// them.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/shiftcascade/internal/awsconfig"
	"github.com/wolfman30/shiftcascade/internal/carrier"
	"github.com/wolfman30/shiftcascade/internal/config"
	"github.com/wolfman30/shiftcascade/internal/escalation"
	"github.com/wolfman30/shiftcascade/internal/eventstream"
	"github.com/wolfman30/shiftcascade/internal/jobqueue"
	"github.com/wolfman30/shiftcascade/internal/outbound"
	"github.com/wolfman30/shiftcascade/internal/records"
	"github.com/wolfman30/shiftcascade/internal/smswave"
	"github.com/wolfman30/shiftcascade/pkg/logging"
)

const (
	processConcurrency  = 4
	dispatcherTick      = 2 * time.Second
	shutdownGracePeriod = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("worker starting", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.Load(ctx, cfg)
	if err != nil {
		logger.Error("failed to load aws config", "error", err)
		os.Exit(1)
	}
	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

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

	queueURLs := map[string]string{
		"sms-waves":        cfg.SQSQueueSMSWaves,
		"outbound-calls":   cfg.SQSQueueOutboundCalls,
		"confirmation-sms": cfg.SQSQueueConfirmationSMS,
	}
	sqsQueue := jobqueue.NewSQSQueue(sqsClient, queueURLs)
	scheduler := jobqueue.NewScheduler(redisClient, ledger, sqsQueue, logger)

	events := eventstream.New(redisClient, cfg.EventStreamTTL, logger)
	controller := escalation.New(facade, scheduler, events, logger)

	prompts := outbound.NewPromptCache(redisClient)
	outboundWorker := outbound.New(facade, controller, scheduler, carrierClient, events, prompts, redisClient, cfg.PublicBaseURL, logger)
	smsWorker := smswave.New(facade, controller, carrierClient, events, redisClient, logger)

	var wg sync.WaitGroup
	startDispatcher := func(queue string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.RunDispatcher(ctx, queue, dispatcherTick)
		}()
	}
	startConsumer := func(queue string, handler jobqueue.Handler) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sqsQueue.Process(ctx, queue, ledger, processConcurrency, handler, logger)
		}()
	}

	for _, queue := range []string{"sms-waves", "outbound-calls", "confirmation-sms"} {
		startDispatcher(queue)
	}
	startConsumer("sms-waves", smsWorker.Handle)
	startConsumer("outbound-calls", outboundWorker.Handle)
	startConsumer("confirmation-sms", smsWorker.HandleConfirmation)

	logger.Info("worker ready", "queues", queueURLs)
	<-ctx.Done()

	logger.Info("worker shutting down...")
	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		logger.Info("worker stopped cleanly")
	case <-time.After(shutdownGracePeriod):
		logger.Warn("worker shutdown grace period elapsed, exiting")
	}
}
