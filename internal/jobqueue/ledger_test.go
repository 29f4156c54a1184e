package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

// mockDynamo is a minimal in-memory stand-in for the DynamoDB client,
// mirroring the hand-rolled fake used for jobstore-style tests elsewhere
// in this codebase.
type mockDynamo struct {
	items map[string]map[string]types.AttributeValue
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func (m *mockDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	id := in.Item["jobId"].(*types.AttributeValueMemberS).Value
	if in.ConditionExpression != nil && *in.ConditionExpression == "attribute_not_exists(jobId)" {
		if _, exists := m.items[id]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	id := in.Key["jobId"].(*types.AttributeValueMemberS).Value
	item, exists := m.items[id]
	if in.ConditionExpression != nil && *in.ConditionExpression == "attribute_exists(jobId)" && !exists {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if !exists {
		item = map[string]types.AttributeValue{"jobId": in.Key["jobId"]}
	}

	if status, ok := in.ExpressionAttributeValues[":status"]; ok {
		item["status"] = status
	}
	if expires, ok := in.ExpressionAttributeValues[":expires"]; ok {
		item["expiresAt"] = expires
	}
	if _, ok := in.ExpressionAttributeValues[":one"]; ok {
		var rec jobRecord
		_ = attributevalue.UnmarshalMap(item, &rec)
		rec.Attempt++
		item, _ = attributevalue.MarshalMap(rec)
	}
	m.items[id] = item
	return &dynamodb.UpdateItemOutput{Attributes: item}, nil
}

func (m *mockDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	id := in.Key["jobId"].(*types.AttributeValueMemberS).Value
	item, exists := m.items[id]
	if !exists {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func newTestLedger(t *testing.T) (*Ledger, *mockDynamo) {
	t.Helper()
	mock := newMockDynamo()
	ledger, err := NewLedger(mock, "jobs", time.Hour, nil)
	require.NoError(t, err)
	return ledger, mock
}

func TestPutPending_CreatesOnce(t *testing.T) {
	ledger, _ := newTestLedger(t)
	job := NewJob("sms-waves", map[string]any{"occurrence_id": "occ-1"}, time.Now(), 0, 5)

	created, err := ledger.PutPending(context.Background(), job)
	require.NoError(t, err)
	require.True(t, created)

	createdAgain, err := ledger.PutPending(context.Background(), job)
	require.NoError(t, err)
	require.False(t, createdAgain)
}

func TestMarkCompleted_SetsExpiry(t *testing.T) {
	ledger, _ := newTestLedger(t)
	job := NewJob("sms-waves", nil, time.Now(), 0, 5)
	_, err := ledger.PutPending(context.Background(), job)
	require.NoError(t, err)

	require.NoError(t, ledger.MarkCompleted(context.Background(), job.ID))

	rec, err := ledger.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, string(StatusCompleted), rec.Status)
	require.Greater(t, rec.ExpiresAt, time.Now().Unix())
}

func TestMarkCompleted_UnknownJobReturnsNotFound(t *testing.T) {
	ledger, _ := newTestLedger(t)
	err := ledger.MarkCompleted(context.Background(), "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestIncrementAttempt(t *testing.T) {
	ledger, _ := newTestLedger(t)
	job := NewJob("sms-waves", nil, time.Now(), 0, 5)
	_, err := ledger.PutPending(context.Background(), job)
	require.NoError(t, err)

	attempt, err := ledger.IncrementAttempt(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, attempt)

	attempt, err = ledger.IncrementAttempt(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, attempt)
}
