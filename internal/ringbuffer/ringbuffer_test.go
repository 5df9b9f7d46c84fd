package ringbuffer

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"mission-control/internal/model"
)

func newTestBuffer(t *testing.T, size int) *Buffer {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, size)
}

func TestPushAndSnapshot_AscendingOrder(t *testing.T) {
	b := newTestBuffer(t, 500)
	ctx := context.Background()

	for _, seq := range []int64{1, 2, 3} {
		e := model.Event{TenantID: "tenant-1", Type: "task.created", SequenceID: seq}
		if err := b.Push(ctx, e); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	snap, err := b.Snapshot(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("expected 3 events, got %d", len(snap))
	}
	for i, want := range []int64{1, 2, 3} {
		if snap[i].SequenceID != want {
			t.Fatalf("expected ascending order, got %+v", snap)
		}
	}
}

func TestPush_TrimsToSize(t *testing.T) {
	b := newTestBuffer(t, 3)
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		if err := b.Push(ctx, model.Event{TenantID: "tenant-1", SequenceID: seq}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	snap, err := b.Snapshot(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("expected buffer trimmed to 3 entries, got %d", len(snap))
	}
	if snap[0].SequenceID != 3 || snap[2].SequenceID != 5 {
		t.Fatalf("expected oldest 2 entries evicted, got %+v", snap)
	}
}

func TestSnapshot_EmptyForUnknownTenant(t *testing.T) {
	b := newTestBuffer(t, 500)
	snap, err := b.Snapshot(context.Background(), "tenant-none")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestCovers(t *testing.T) {
	snap := []model.Event{{SequenceID: 10}, {SequenceID: 11}, {SequenceID: 12}}
	if !Covers(snap, 10) {
		t.Fatal("expected buffer starting at 10 to cover cursor 10")
	}
	if Covers(snap, 5) {
		t.Fatal("expected buffer starting at 10 to not cover cursor 5")
	}
	if Covers(nil, 0) {
		t.Fatal("expected empty buffer to never cover")
	}
}
