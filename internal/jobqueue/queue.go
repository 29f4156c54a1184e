package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wolfman30/shiftcascade/pkg/logging"
)

// sqsAPI is the narrow slice of the SQS client SQSQueue uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue is the SQS-backed Dispatcher and the transport Process reads
// from.
type SQSQueue struct {
	client    sqsAPI
	queueURLs map[string]string
}

// NewSQSQueue builds an SQSQueue. queueURLs maps this service's logical
// queue names (sms-waves, outbound-calls, confirmation-sms) to their SQS
// queue URLs.
func NewSQSQueue(client sqsAPI, queueURLs map[string]string) *SQSQueue {
	return &SQSQueue{client: client, queueURLs: queueURLs}
}

// Send implements Dispatcher.
func (q *SQSQueue) Send(ctx context.Context, queueName string, job Job) error {
	url, ok := q.queueURLs[queueName]
	if !ok {
		return fmt.Errorf("jobqueue: unknown queue %q", queueName)
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal job %s: %w", job.ID, err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &url,
		MessageBody: strPtr(string(body)),
	})
	if err != nil {
		return fmt.Errorf("jobqueue: send message for job %s: %w", job.ID, err)
	}
	return nil
}

// Handler processes one due job. Returning an error leaves the message
// in flight for redelivery (after backoff) until the job's MaxAttempts
// is reached, when the message is deleted and the job marked failed;
// returning nil deletes it.
type Handler func(ctx context.Context, job Job) error

const (
	defaultConcurrency   = 2
	defaultWaitSeconds   = 10
	defaultBatchSize     = 5
	deleteTimeoutSeconds = 5
	baseBackoff          = 5 * time.Second
	maxBackoff           = 10 * time.Minute
)

// Process runs concurrency goroutines long-polling queueName and
// invoking handler for each due job, until ctx is cancelled.
func (q *SQSQueue) Process(ctx context.Context, queueName string, ledger *Ledger, concurrency int, handler Handler, logger *logging.Logger) {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = logging.Default()
	}
	url, ok := q.queueURLs[queueName]
	if !ok {
		logger.Error("jobqueue: process called for unknown queue", "queue", queueName)
		return
	}

	done := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		go func() {
			q.runWorker(ctx, url, queueName, ledger, handler, logger)
			done <- struct{}{}
		}()
	}
	for i := 0; i < concurrency; i++ {
		<-done
	}
}

func (q *SQSQueue) runWorker(ctx context.Context, queueURL, queueName string, ledger *Ledger, handler Handler, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &queueURL,
			MaxNumberOfMessages: defaultBatchSize,
			WaitTimeSeconds:     defaultWaitSeconds,
			VisibilityTimeout:   30,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("jobqueue: receive failed", "error", err, "queue", queueName)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range out.Messages {
			q.handleMessage(ctx, queueURL, queueName, msg, ledger, handler, logger)
		}
	}
}

func (q *SQSQueue) handleMessage(ctx context.Context, queueURL, queueName string, msg types.Message, ledger *Ledger, handler Handler, logger *logging.Logger) {
	var job Job
	if err := json.Unmarshal([]byte(*msg.Body), &job); err != nil {
		logger.Error("jobqueue: malformed message, deleting", "error", err, "queue", queueName)
		q.delete(ctx, queueURL, msg)
		return
	}

	err := handler(ctx, job)
	if err == nil {
		if markErr := ledger.MarkCompleted(ctx, job.ID); markErr != nil {
			logger.Error("jobqueue: mark completed failed", "error", markErr, "job_id", job.ID)
		}
		q.delete(ctx, queueURL, msg)
		return
	}

	logger.Error("jobqueue: handler failed", "error", err, "job_id", job.ID, "queue", queueName)
	attempt, incErr := ledger.IncrementAttempt(ctx, job.ID)
	if incErr != nil {
		logger.Error("jobqueue: increment attempt failed", "error", incErr, "job_id", job.ID)
		attempt = job.Attempt + 1
	}

	if attempt >= job.MaxAttempts {
		if markErr := ledger.MarkFailed(ctx, job.ID); markErr != nil {
			logger.Error("jobqueue: mark failed failed", "error", markErr, "job_id", job.ID)
		}
		q.delete(ctx, queueURL, msg)
		return
	}

	delay := backoffFor(attempt)
	_, visErr := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &queueURL,
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: int32(delay.Seconds()),
	})
	if visErr != nil {
		logger.Error("jobqueue: extend visibility failed", "error", visErr, "job_id", job.ID)
	}
}

func (q *SQSQueue) delete(ctx context.Context, queueURL string, msg types.Message) {
	delCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()
	if _, err := q.client.DeleteMessage(delCtx, &sqs.DeleteMessageInput{QueueUrl: &queueURL, ReceiptHandle: msg.ReceiptHandle}); err != nil {
		logging.Default().Error("jobqueue: delete message failed", "error", err)
	}
}

// backoffFor computes exponential backoff with a cap, the same shape
// used by this codebase's other outbound worker retry logic.
func backoffFor(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
