package eventstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, time.Hour, nil)
}

func TestPublishAndSince(t *testing.T) {
	pub := newTestPublisher(t)
	ctx := context.Background()
	now := time.Now()

	pub.Publish(ctx, Event{Kind: KindWaveSent, ProviderID: "prov-1", OccurrenceID: "occ-1", Timestamp: now})
	pub.Publish(ctx, Event{Kind: KindOfferAccepted, ProviderID: "prov-1", OccurrenceID: "occ-1", Timestamp: now})

	events, lastID, err := pub.Since(ctx, "prov-1", now, "0")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, KindWaveSent, events[0].Kind)
	require.NotEqual(t, "0", lastID)
}

func TestSince_IsolatesProviders(t *testing.T) {
	pub := newTestPublisher(t)
	ctx := context.Background()
	now := time.Now()

	pub.Publish(ctx, Event{Kind: KindWaveSent, ProviderID: "prov-1", Timestamp: now})
	pub.Publish(ctx, Event{Kind: KindWaveSent, ProviderID: "prov-2", Timestamp: now})

	events, _, err := pub.Since(ctx, "prov-1", now, "0")
	require.NoError(t, err)
	require.Len(t, events, 1)
}
