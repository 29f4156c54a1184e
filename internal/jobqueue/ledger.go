package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/wolfman30/shiftcascade/pkg/logging"
)

// ErrJobNotFound is returned when the ledger has no record for the
// requested job ID.
var ErrJobNotFound = errors.New("jobqueue: job not found")

// dynamoAPI is the narrow slice of the DynamoDB client the ledger uses,
// so tests can substitute a fake instead of a live table.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

type jobRecord struct {
	JobID           string `dynamodbav:"jobId"`
	Queue           string `dynamodbav:"queue"`
	Status          string `dynamodbav:"status"`
	RunAt           int64  `dynamodbav:"runAt"`
	Priority        int    `dynamodbav:"priority"`
	EscalationEpoch int    `dynamodbav:"escalationEpoch"`
	Attempt         int    `dynamodbav:"attempt"`
	MaxAttempts     int    `dynamodbav:"maxAttempts"`
	CreatedAt       int64  `dynamodbav:"createdAt"`
	UpdatedAt       int64  `dynamodbav:"updatedAt"`
	ExpiresAt       int64  `dynamodbav:"expiresAt"`
}

// Ledger persists the full lifecycle of every job, keyed by job_id, with
// a conditional create that makes Enqueue idempotent and a TTL attribute
// that reaps completed/failed records after an operator-visible window.
type Ledger struct {
	client    dynamoAPI
	table     string
	retention time.Duration
	logger    *logging.Logger
}

// NewLedger builds a Ledger.
func NewLedger(client dynamoAPI, table string, retention time.Duration, logger *logging.Logger) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("jobqueue: dynamodb client is required")
	}
	if table == "" {
		return nil, fmt.Errorf("jobqueue: table name is required")
	}
	if retention <= 0 {
		retention = 48 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{client: client, table: table, retention: retention, logger: logger}, nil
}

// PutPending creates the ledger record for a new job. If a record with
// the same job ID already exists, this is a no-op: the caller's Enqueue
// treats that as "already scheduled" rather than an error.
func (l *Ledger) PutPending(ctx context.Context, job Job) (created bool, err error) {
	rec := jobRecord{
		JobID:           job.ID,
		Queue:           job.Queue,
		Status:          string(StatusPending),
		RunAt:           job.RunAt.Unix(),
		Priority:        job.Priority,
		EscalationEpoch: job.EscalationEpoch,
		MaxAttempts:     job.MaxAttempts,
		CreatedAt:       job.CreatedAt.Unix(),
		UpdatedAt:       job.UpdatedAt.Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("jobqueue: marshal job record: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &l.table,
		Item:                item,
		ConditionExpression: strPtr("attribute_not_exists(jobId)"),
	})
	if isConditionalCheckFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("jobqueue: put pending job %s: %w", job.ID, err)
	}
	return true, nil
}

// MarkDispatched records that a job has been handed to SQS.
func (l *Ledger) MarkDispatched(ctx context.Context, jobID string) error {
	return l.updateStatus(ctx, jobID, StatusDispatched, nil)
}

// MarkCompleted records success and sets the TTL attribute so the item
// is reaped after the retention window.
func (l *Ledger) MarkCompleted(ctx context.Context, jobID string) error {
	expires := time.Now().Add(l.retention).Unix()
	return l.updateStatus(ctx, jobID, StatusCompleted, &expires)
}

// MarkFailed records terminal failure (attempts exhausted) with the same
// TTL-reaping behavior as MarkCompleted.
func (l *Ledger) MarkFailed(ctx context.Context, jobID string) error {
	expires := time.Now().Add(l.retention).Unix()
	return l.updateStatus(ctx, jobID, StatusFailed, &expires)
}

// MarkCancelled records a best-effort cancellation.
func (l *Ledger) MarkCancelled(ctx context.Context, jobID string) error {
	expires := time.Now().Add(l.retention).Unix()
	return l.updateStatus(ctx, jobID, StatusCancelled, &expires)
}

// IncrementAttempt bumps the attempt counter after a handler failure and
// returns the new count.
func (l *Ledger) IncrementAttempt(ctx context.Context, jobID string) (int, error) {
	out, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &l.table,
		Key:              map[string]types.AttributeValue{"jobId": stringAV(jobID)},
		UpdateExpression: strPtr("SET attempt = if_not_exists(attempt, :zero) + :one, updatedAt = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": numberAV(0),
			":one":  numberAV(1),
			":now":  numberAV(time.Now().Unix()),
		},
		ConditionExpression: strPtr("attribute_exists(jobId)"),
		ReturnValues:        types.ReturnValueAllNew,
	})
	if isConditionalCheckFailed(err) {
		return 0, ErrJobNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("jobqueue: increment attempt %s: %w", jobID, err)
	}
	var rec jobRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return 0, fmt.Errorf("jobqueue: unmarshal job record %s: %w", jobID, err)
	}
	return rec.Attempt, nil
}

// Get loads the ledger record for a job.
func (l *Ledger) Get(ctx context.Context, jobID string) (*jobRecord, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &l.table,
		Key:       map[string]types.AttributeValue{"jobId": stringAV(jobID)},
	})
	if err != nil {
		return nil, fmt.Errorf("jobqueue: get job %s: %w", jobID, err)
	}
	if out.Item == nil {
		return nil, ErrJobNotFound
	}
	var rec jobRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("jobqueue: unmarshal job record %s: %w", jobID, err)
	}
	return &rec, nil
}

func (l *Ledger) updateStatus(ctx context.Context, jobID string, status Status, expiresAt *int64) error {
	expr := "SET #status = :status, updatedAt = :now"
	values := map[string]types.AttributeValue{
		":status": stringAV(string(status)),
		":now":    numberAV(time.Now().Unix()),
	}
	if expiresAt != nil {
		expr += ", expiresAt = :expires"
		values[":expires"] = numberAV(*expiresAt)
	}

	_, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &l.table,
		Key:                       map[string]types.AttributeValue{"jobId": stringAV(jobID)},
		UpdateExpression:          strPtr(expr),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
		ConditionExpression:       strPtr("attribute_exists(jobId)"),
	})
	if isConditionalCheckFailed(err) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("jobqueue: update job %s to %s: %w", jobID, status, err)
	}
	return nil
}

func isConditionalCheckFailed(err error) bool {
	if err == nil {
		return false
	}
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func strPtr(s string) *string { return &s }

func stringAV(s string) types.AttributeValue { return &types.AttributeValueMemberS{Value: s} }
func numberAV(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)}
}
