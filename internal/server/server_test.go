package server

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.Open(context.Background(), store.DefaultConfig("redis://"+mr.Addr()), keys.NewSchema("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRegisterWritesEntryAndMeshes(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	reg, err := Register(ctx, s, Identity{
		ServerID:     "srv-1",
		Stack:        "go",
		Region:       "eu-west",
		Capabilities: []string{"email", "pdf:*"},
		MeshIDs:      []string{"default", "analytics"},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Deregister(ctx) })

	entry, err := s.Client().HGetAll(ctx, s.Schema().Server("srv-1")).Result()
	if err != nil || len(entry) == 0 {
		t.Fatalf("entry = %v (%v)", entry, err)
	}
	if entry["stack"] != "go" || entry["region"] != "eu-west" {
		t.Fatalf("profile = %v", entry)
	}
	if ttl := mr.TTL(s.Schema().Server("srv-1")); ttl <= 0 || ttl > 30*time.Second {
		t.Fatalf("ttl = %v", ttl)
	}

	for _, mesh := range []string{"default", "analytics"} {
		member, err := s.Client().SIsMember(ctx, s.Schema().MeshMembers(mesh), "srv-1").Result()
		if err != nil || !member {
			t.Fatalf("missing from mesh %s (%v)", mesh, err)
		}
	}
}

func TestRegisterGeneratesServerID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	reg, err := Register(ctx, s, Identity{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Deregister(ctx) })

	if reg.ServerID() == "" {
		t.Fatal("no server id generated")
	}
	if got := reg.Identity().MeshIDs; len(got) != 1 || got[0] != "default" {
		t.Fatalf("meshes = %v", got)
	}
}

func TestDrainMarksStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	reg, err := Register(ctx, s, Identity{ServerID: "srv-1"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Deregister(ctx) })

	if err := reg.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	st, err := s.Client().HGet(ctx, s.Schema().Server("srv-1"), "status").Result()
	if err != nil || st != "draining" {
		t.Fatalf("status = %q (%v)", st, err)
	}
}

func TestDeregisterRemovesEntry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	reg, err := Register(ctx, s, Identity{ServerID: "srv-1", MeshIDs: []string{"default"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Deregister(ctx); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.Client().Exists(ctx, s.Schema().Server("srv-1")).Result(); n != 0 {
		t.Fatal("entry survived deregistration")
	}
	if member, _ := s.Client().SIsMember(ctx, s.Schema().MeshMembers("default"), "srv-1").Result(); member {
		t.Fatal("still a mesh member")
	}
}

func TestHeartbeatRestoresEntry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	reg, err := Register(ctx, s, Identity{ServerID: "srv-1"}, WithTTL(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Deregister(ctx) })

	// wipe the entry; the next heartbeat must write it back
	if err := s.Client().Del(ctx, s.Schema().Server("srv-1")).Err(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := s.Client().Exists(ctx, s.Schema().Server("srv-1")).Result(); n == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("heartbeat never restored the entry")
}
