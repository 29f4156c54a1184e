package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// callBuffer accumulates one call leg's chunks while its WebSocket is
// live, separated by track.
type callBuffer struct {
	mu       sync.Mutex
	inbound  [][]byte
	outbound [][]byte
}

func (b *callBuffer) append(track string, chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch track {
	case TrackInbound:
		b.inbound = append(b.inbound, chunk)
	case TrackOutbound:
		b.outbound = append(b.outbound, chunk)
	}
}

func (b *callBuffer) snapshot() (inbound, outbound [][]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.inbound...), append([][]byte(nil), b.outbound...)
}

// InMemoryBuffers is the WebSocket-server-process-local registry of
// live call legs, keyed by call_sid. It never crosses process
// boundaries — the durable handoff to DurableBuffer happens on close,
// per spec.md §9's "global mutable state is scoped to the
// WebSocket-server process" re-architecture note.
type InMemoryBuffers struct {
	mu    sync.Mutex
	calls map[string]*callBuffer
}

// NewInMemoryBuffers builds an empty registry.
func NewInMemoryBuffers() *InMemoryBuffers {
	return &InMemoryBuffers{calls: make(map[string]*callBuffer)}
}

func (r *InMemoryBuffers) get(callSID string) *callBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.calls[callSID]
	if !ok {
		b = &callBuffer{}
		r.calls[callSID] = b
	}
	return b
}

// Append records one decoded chunk for callSID's track.
func (r *InMemoryBuffers) Append(callSID, track string, chunk []byte) {
	r.get(callSID).append(track, chunk)
}

// Snapshot returns everything buffered for callSID and forgets it.
func (r *InMemoryBuffers) Snapshot(callSID string) (inbound, outbound [][]byte) {
	r.mu.Lock()
	b, ok := r.calls[callSID]
	delete(r.calls, callSID)
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return b.snapshot()
}

const durableBufferTTL = 2 * time.Hour

func durableKey(rootCallSID, track string) string {
	return fmt.Sprintf("audio:buffer:%s:%s", rootCallSID, track)
}

// DurableBuffer is the cross-process, append-only store keyed by
// root_call_sid (spec.md §4.7 step 2): when a leg's WebSocket closes
// mid-transfer, its chunks are appended here so the next leg's chunks
// combine with them before the final mix.
type DurableBuffer struct {
	client *redis.Client
}

// NewDurableBuffer builds a DurableBuffer.
func NewDurableBuffer(client *redis.Client) *DurableBuffer {
	return &DurableBuffer{client: client}
}

// Append pushes chunks onto rootCallSID's track list and refreshes its
// TTL, using the same RPush+Expire pipeline idiom this codebase's other
// Redis-backed transcript stores use.
func (d *DurableBuffer) Append(ctx context.Context, rootCallSID, track string, chunks [][]byte) error {
	if len(chunks) == 0 {
		return nil
	}
	key := durableKey(rootCallSID, track)
	pipe := d.client.Pipeline()
	args := make([]any, len(chunks))
	for i, c := range chunks {
		args[i] = c
	}
	pipe.RPush(ctx, key, args...)
	pipe.Expire(ctx, key, durableBufferTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("audio: append durable buffer %s: %w", key, err)
	}
	return nil
}

// ReadAndDelete returns every chunk archived for rootCallSID across both
// tracks, then removes the keys — called exactly once, at final upload.
func (d *DurableBuffer) ReadAndDelete(ctx context.Context, rootCallSID string) (inbound, outbound [][]byte, err error) {
	inbound, err = d.readTrack(ctx, rootCallSID, TrackInbound)
	if err != nil {
		return nil, nil, err
	}
	outbound, err = d.readTrack(ctx, rootCallSID, TrackOutbound)
	if err != nil {
		return nil, nil, err
	}
	if delErr := d.client.Del(ctx, durableKey(rootCallSID, TrackInbound), durableKey(rootCallSID, TrackOutbound)).Err(); delErr != nil {
		return inbound, outbound, fmt.Errorf("audio: delete durable buffer for %s: %w", rootCallSID, delErr)
	}
	return inbound, outbound, nil
}

func (d *DurableBuffer) readTrack(ctx context.Context, rootCallSID, track string) ([][]byte, error) {
	raw, err := d.client.LRange(ctx, durableKey(rootCallSID, track), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("audio: read durable buffer %s/%s: %w", rootCallSID, track, err)
	}
	chunks := make([][]byte, len(raw))
	for i, s := range raw {
		chunks[i] = []byte(s)
	}
	return chunks, nil
}
