package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/bridgemq/bridgemq/internal/job"
	"github.com/bridgemq/bridgemq/internal/joberr"
	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/bridgemq/bridgemq/internal/repo"
	"github.com/bridgemq/bridgemq/internal/store"
)

func newTestAccumulator(t *testing.T, name string) (*Accumulator, *repo.Repo, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.Open(context.Background(), store.DefaultConfig("redis://"+mr.Addr()), keys.NewSchema("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	acc, err := NewAccumulator(s, name)
	if err != nil {
		t.Fatal(err)
	}
	return acc, repo.New(s), s
}

func TestAccumulateAndFinalize(t *testing.T) {
	acc, r, s := newTestAccumulator(t, "thumbs")
	ctx := context.Background()

	var memberIDs []string
	for i := 0; i < 3; i++ {
		j, _ := job.NewWithJSON("resize", map[string]int{"n": i}, nil)
		if _, err := r.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
		if err := acc.Add(ctx, j.ID); err != nil {
			t.Fatal(err)
		}
		memberIDs = append(memberIDs, j.ID)
	}
	if n, _ := acc.Len(ctx); n != 3 {
		t.Fatalf("accumulator length = %d", n)
	}

	batchID, err := acc.Finalize(ctx, "default", "resize-batch", 6)
	if err != nil {
		t.Fatal(err)
	}

	members, err := Members(ctx, s, batchID)
	if err != nil || len(members) != 3 {
		t.Fatalf("members = %v (%v)", members, err)
	}
	for _, id := range memberIDs {
		st, err := r.GetStatus(ctx, id)
		if err != nil || st != job.StatusBatched {
			t.Fatalf("member %s status = %q (%v)", id, st, err)
		}
	}
	// the accumulator resets for the next batch
	if n, _ := acc.Len(ctx); n != 0 {
		t.Fatalf("accumulator not drained: %d", n)
	}
	// the batch itself is a claimable job
	got, err := r.ClaimJob(ctx, store.ClaimArgs{MeshID: "default", ServerID: "w1"})
	if err != nil || got != batchID {
		t.Fatalf("claim = %q (%v)", got, err)
	}
}

func TestFinalizeEmpty(t *testing.T) {
	acc, _, _ := newTestAccumulator(t, "empty")
	_, err := acc.Finalize(context.Background(), "default", "x-batch", 5)
	var je *joberr.Error
	if !errors.As(err, &je) || je.Code != joberr.CodeBatchEmpty {
		t.Fatalf("err = %v", err)
	}
}

func TestMembersUnknownBatch(t *testing.T) {
	_, _, s := newTestAccumulator(t, "x")
	if _, err := Members(context.Background(), s, "ghost"); err == nil {
		t.Fatal("unknown batch accepted")
	}
}
