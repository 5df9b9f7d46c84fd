// Package ringbuffer implements the bounded per-tenant recent-events cache
// (component C): both a late-subscriber safety net and the fast path for
// SSE replay. It must be globally visible across processes, which is why
// it is backed by Redis rather than process-local memory.
package ringbuffer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mission-control/internal/model"
)

const (
	// DefaultSize bounds the number of retained entries per tenant.
	DefaultSize = 500
	// retentionTTL bounds entries by age independent of size, mirroring
	// the original Python bridge's dual size+TTL eviction policy.
	retentionTTL = 24 * time.Hour
)

// Buffer is the Redis-backed ring buffer.
type Buffer struct {
	client goredis.UniversalClient
	size   int
}

// New builds a Buffer retaining up to size entries per tenant (DefaultSize
// if size <= 0).
func New(client goredis.UniversalClient, size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{client: client, size: size}
}

func key(tenantID string) string { return fmt.Sprintf("mc:ringbuffer:%s", tenantID) }

// Push appends event to tenant's buffer, trimming to size and refreshing
// the TTL, as one MULTI/EXEC transaction sent in a single round-trip.
func (b *Buffer) Push(ctx context.Context, event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ringbuffer: marshal event: %w", err)
	}

	k := key(event.TenantID)
	_, err = b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, k, payload)
		pipe.LTrim(ctx, k, 0, int64(b.size-1))
		pipe.Expire(ctx, k, retentionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ringbuffer: push: %w", err)
	}
	return nil
}

// Snapshot returns tenant's buffered events in ascending sequence_id order.
func (b *Buffer) Snapshot(ctx context.Context, tenantID string) ([]model.Event, error) {
	raw, err := b.client.LRange(ctx, key(tenantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: snapshot: %w", err)
	}

	events := make([]model.Event, 0, len(raw))
	for _, item := range raw {
		var e model.Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("ringbuffer: unmarshal entry: %w", err)
		}
		events = append(events, e)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].SequenceID < events[j].SequenceID })
	return events, nil
}

// Covers reports whether the buffer's oldest retained entry is at or before
// cursor, meaning the buffer alone can satisfy a replay from cursor.
func Covers(snapshot []model.Event, cursor int64) bool {
	if len(snapshot) == 0 {
		return false
	}
	return snapshot[0].SequenceID <= cursor
}
