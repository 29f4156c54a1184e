package callsession

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, time.Minute)
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "CA1", "")
	require.NoError(t, err)
	require.Equal(t, "CA1", sess.RootCallSID)
	require.Equal(t, PhasePINAuth, sess.Phase)

	loaded, err := store.Get(ctx, "CA1")
	require.NoError(t, err)
	require.Equal(t, sess.CallSID, loaded.CallSID)
}

func TestCreate_TransferLegRootsToOriginal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "CA2-transfer", "CA2")
	require.NoError(t, err)
	require.Equal(t, "CA2", sess.RootCallSID)
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSave_UpdatesPhase(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "CA3", "")
	require.NoError(t, err)

	sess.Phase = PhaseCollectJobCode
	require.NoError(t, store.Save(ctx, sess))

	loaded, err := store.Get(ctx, "CA3")
	require.NoError(t, err)
	require.Equal(t, PhaseCollectJobCode, loaded.Phase)
}

func TestEnd_RemovesSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "CA4", "")
	require.NoError(t, err)
	require.NoError(t, store.End(ctx, "CA4"))

	_, err = store.Get(ctx, "CA4")
	require.ErrorIs(t, err, ErrNotFound)
}
