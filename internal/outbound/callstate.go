package outbound

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the outbound per-call state machine's current step (spec.md
// §4.4's state table).
type State string

const (
	StateDialing     State = "dialing"
	StateInOffer     State = "in_offer"
	StateRetryPrompt State = "retry_prompt"
	StateAccepted    State = "accepted"
	StateTerminated  State = "terminated"
)

const retryFlagTTL = 2 * time.Minute

func retryKey(callSID string) string {
	return "outbound:retried:" + callSID
}

// markRetried records that callSID has already been re-prompted once
// for an invalid digit; RETRY_PROMPT allows exactly one retry before a
// further invalid or absent digit is treated as no-answer.
func markRetried(ctx context.Context, client *redis.Client, callSID string) error {
	return client.Set(ctx, retryKey(callSID), "1", retryFlagTTL).Err()
}

func hasRetried(ctx context.Context, client *redis.Client, callSID string) bool {
	v, err := client.Get(ctx, retryKey(callSID)).Result()
	return err == nil && v == "1"
}
