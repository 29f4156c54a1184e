package outbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

const promptCacheTTL = 24 * time.Hour

// PromptCache caches a personalised offer prompt under a SHA-256 digest
// of (template_id, rendered text, voice). The orchestrator renders the
// prompt on every offer before looking it up, so a hit does not save
// the substitution. The prompt is spoken by the carrier's own
// TwiML <Say> voice synthesis — no standalone TTS provider appears
// anywhere in this codebase's dependency set, so the cache holds
// rendered text rather than synthesized audio bytes (see DESIGN.md).
type PromptCache struct {
	client *redis.Client
}

// NewPromptCache builds a PromptCache.
func NewPromptCache(client *redis.Client) *PromptCache {
	return &PromptCache{client: client}
}

func promptDigest(templateID, renderedText, voice string) string {
	h := sha256.Sum256([]byte(templateID + "|" + renderedText + "|" + voice))
	return hex.EncodeToString(h[:])
}

// Get returns a previously rendered prompt, if still cached.
func (c *PromptCache) Get(ctx context.Context, templateID, renderedText, voice string) (string, bool) {
	val, err := c.client.Get(ctx, "outbound:prompt:"+promptDigest(templateID, renderedText, voice)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

// Put stores a rendered prompt's final text under its digest.
func (c *PromptCache) Put(ctx context.Context, templateID, renderedText, voice string) {
	key := "outbound:prompt:" + promptDigest(templateID, renderedText, voice)
	c.client.Set(ctx, key, renderedText, promptCacheTTL)
}
