package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"mission-control/internal/model"
)

func newTestFabric(t *testing.T) *Fabric {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestPublishSubscribeEvents(t *testing.T) {
	f := newTestFabric(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan model.Event, 1)
	go func() {
		_ = f.SubscribeEvents(ctx, "tenant-1", func(e model.Event) {
			received <- e
		})
	}()

	// give the subscriber goroutine time to establish the subscription
	time.Sleep(50 * time.Millisecond)

	want := model.Event{TenantID: "tenant-1", Type: "task.created", SequenceID: 1}
	if err := f.PublishEvent(ctx, want); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != want.Type || got.SequenceID != want.SequenceID {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for published event")
	}
}

func TestTenantIsolation(t *testing.T) {
	f := newTestFabric(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	receivedOther := make(chan struct{}, 1)
	go func() {
		_ = f.SubscribeEvents(ctx, "tenant-other", func(model.Event) {
			receivedOther <- struct{}{}
		})
	}()
	time.Sleep(50 * time.Millisecond)

	if err := f.PublishEvent(ctx, model.Event{TenantID: "tenant-1", Type: "task.created"}); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}

	select {
	case <-receivedOther:
		t.Fatal("tenant-other subscriber must not receive tenant-1 events")
	case <-time.After(200 * time.Millisecond):
		// expected: no cross-tenant delivery
	}
}
