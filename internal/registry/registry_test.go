package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"mission-control/internal/model"
)

func newTestRegistry(t *testing.T, caps map[model.Transport]int) *Registry {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, caps)
}

func TestTryAcquire_EnforcesCap(t *testing.T) {
	r := newTestRegistry(t, map[model.Transport]int{model.TransportSSE: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := r.TryAcquire(ctx, "tenant-1", model.TransportSSE)
		if err != nil {
			t.Fatalf("TryAcquire: %v", err)
		}
		if !ok {
			t.Fatalf("expected acquire %d to succeed under cap", i)
		}
	}

	ok, err := r.TryAcquire(ctx, "tenant-1", model.TransportSSE)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if ok {
		t.Fatal("expected third acquire to fail over cap")
	}
}

func TestTryAcquire_SeparateCapsPerTransport(t *testing.T) {
	r := newTestRegistry(t, map[model.Transport]int{model.TransportSSE: 1, model.TransportWS: 1})
	ctx := context.Background()

	okSSE, err := r.TryAcquire(ctx, "tenant-1", model.TransportSSE)
	if err != nil || !okSSE {
		t.Fatalf("expected SSE acquire to succeed: ok=%v err=%v", okSSE, err)
	}
	okWS, err := r.TryAcquire(ctx, "tenant-1", model.TransportWS)
	if err != nil || !okWS {
		t.Fatalf("expected WS acquire to succeed independently of SSE: ok=%v err=%v", okWS, err)
	}
}

func TestRelease_FreesSlot(t *testing.T) {
	r := newTestRegistry(t, map[model.Transport]int{model.TransportSSE: 1})
	ctx := context.Background()

	ok, _ := r.TryAcquire(ctx, "tenant-1", model.TransportSSE)
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if err := r.Release(ctx, "tenant-1", model.TransportSSE); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, err := r.TryAcquire(ctx, "tenant-1", model.TransportSSE)
	if err != nil || !ok {
		t.Fatalf("expected slot freed after release: ok=%v err=%v", ok, err)
	}
}

func TestRevocation(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	revoked, err := r.IsRevoked(ctx, "tenant-1", "cred-1")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if revoked {
		t.Fatal("expected credential to start unrevoked")
	}

	if err := r.RevokeCredential(ctx, "tenant-1", "cred-1"); err != nil {
		t.Fatalf("RevokeCredential: %v", err)
	}
	revoked, err = r.IsRevoked(ctx, "tenant-1", "cred-1")
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if !revoked {
		t.Fatal("expected credential to be revoked")
	}
}

func TestHeartbeatAndForget_TrackMembership(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	if err := r.Heartbeat(ctx, "tenant-1", "cred-1", "conn-1", model.TransportSSE); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	members, err := r.ActiveConnections(ctx, "tenant-1", "cred-1")
	if err != nil {
		t.Fatalf("ActiveConnections: %v", err)
	}
	if len(members) != 1 || members[0] != "conn-1" {
		t.Fatalf("expected conn-1 to be active, got %+v", members)
	}

	if err := r.Forget(ctx, "tenant-1", "cred-1", "conn-1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	members, err = r.ActiveConnections(ctx, "tenant-1", "cred-1")
	if err != nil {
		t.Fatalf("ActiveConnections: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected no active connections after forget, got %+v", members)
	}
}
