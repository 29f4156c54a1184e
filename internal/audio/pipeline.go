package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/shiftcascade/internal/objectstore"
	"github.com/wolfman30/shiftcascade/pkg/logging"
)

// Pipeline implements spec.md §4.7's three-step lifecycle: accumulate
// in-memory while a leg's WebSocket is live, append to the durable
// buffer on close, and upload the mix only once the final leg (the one
// not pending transfer) closes.
type Pipeline struct {
	live    *InMemoryBuffers
	durable *DurableBuffer
	pending *PendingCache
	store   *objectstore.Store
	logger  *logging.Logger
}

// NewPipeline builds a Pipeline.
func NewPipeline(durable *DurableBuffer, pending *PendingCache, store *objectstore.Store, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Default()
	}
	return &Pipeline{live: NewInMemoryBuffers(), durable: durable, pending: pending, store: store, logger: logger}
}

// Append records one decoded media chunk for a live leg.
func (p *Pipeline) Append(callSID, track string, chunk []byte) {
	p.live.Append(callSID, track, chunk)
}

// CloseLeg runs on WebSocket close for callSID, whose audio is grouped
// under rootCallSID (equal to callSID for a call with no transfer).
// When the leg is pending transfer, its chunks are appended to the
// durable buffer and nothing is uploaded — the next leg picks up the
// combined buffer when it, in turn, closes. Otherwise this is the final
// leg: append, then mix and archive everything recorded for
// rootCallSID and clear the durable buffer.
func (p *Pipeline) CloseLeg(ctx context.Context, callSID, rootCallSID string) (uploadedURI string, err error) {
	inbound, outbound := p.live.Snapshot(callSID)

	if err := p.durable.Append(ctx, rootCallSID, TrackInbound, inbound); err != nil {
		p.logger.Error("audio: append durable inbound failed", "error", err, "root_call_sid", rootCallSID)
	}
	if err := p.durable.Append(ctx, rootCallSID, TrackOutbound, outbound); err != nil {
		p.logger.Error("audio: append durable outbound failed", "error", err, "root_call_sid", rootCallSID)
	}

	if p.pending.IsPending(callSID) {
		p.logger.Info("audio: leg pending transfer, deferring upload", "call_sid", callSID, "root_call_sid", rootCallSID)
		return "", nil
	}

	allInbound, allOutbound, err := p.durable.ReadAndDelete(ctx, rootCallSID)
	if err != nil {
		return "", fmt.Errorf("audio: read combined buffer for %s: %w", rootCallSID, err)
	}
	p.pending.Clear(callSID)

	if len(allInbound) == 0 && len(allOutbound) == 0 {
		return "", nil
	}

	wav := Mix(allInbound, allOutbound)
	uri, err := p.store.Upload(ctx, rootCallSID, time.Now(), wav)
	if err != nil {
		p.logger.Error("audio: upload failed", "error", err, "root_call_sid", rootCallSID)
		return "", err
	}
	return uri, nil
}
