package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/wilhg/ckpt/pkg/store"
)

func TestCheckpointUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.UpsertCheckpoint(ctx, store.CheckpointRecord{OperationID: "op", CheckpointID: "a", State: []byte("1")}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertCheckpoint(ctx, store.CheckpointRecord{OperationID: "op", CheckpointID: "b", State: []byte("2")}); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountCheckpoints(ctx, "op"); n != 1 {
		t.Fatalf("rows=%d want 1", n)
	}
	got, err := s.GetCheckpoint(ctx, "op")
	if err != nil {
		t.Fatal(err)
	}
	if got.CheckpointID != "b" || string(got.State) != "2" {
		t.Fatalf("unexpected: %+v", got)
	}
	got.State[0] = 'x'
	again, _ := s.GetCheckpoint(ctx, "op")
	if string(again.State) != "2" {
		t.Fatal("returned record aliases stored state")
	}
}

func TestCheckpointMissingAndDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.GetCheckpoint(ctx, "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	if err := s.DeleteCheckpoint(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	list, _ := s.ListCheckpoints(ctx)
	if len(list) != 0 {
		t.Fatalf("len=%d", len(list))
	}
}

func TestOperationTransitions(t *testing.T) {
	ctx := context.Background()
	s := New()
	op := store.OperationRecord{OperationID: "op", Kind: "training", Status: store.StatusRunning}
	if err := s.CreateOperation(ctx, op); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateOperation(ctx, op); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err=%v want ErrConflict", err)
	}
	if _, err := s.UpdateOperationStatus(ctx, "op", store.StatusRunning, store.StatusCancelled, "stop"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateOperationStatus(ctx, "op", store.StatusRunning, store.StatusCompleted, ""); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err=%v want ErrConflict", err)
	}
	if _, err := s.UpdateOperationStatus(ctx, "nope", store.StatusRunning, store.StatusCompleted, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestEventsSequenced(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, id := range []string{"e1", "e2", "e3"} {
		if _, err := s.AppendEvent(ctx, store.EventRecord{EventID: id, OperationID: "op", Type: "t"}); err != nil {
			t.Fatal(err)
		}
	}
	dup, _ := s.AppendEvent(ctx, store.EventRecord{EventID: "e2", OperationID: "op", Type: "t"})
	if dup.Seq != 2 {
		t.Fatalf("duplicate seq=%d want 2", dup.Seq)
	}
	evs, _ := s.ListEvents(ctx, "op", 1, 1)
	if len(evs) != 1 || evs[0].EventID != "e2" {
		t.Fatalf("unexpected: %+v", evs)
	}
	if all, _ := s.ListEvents(ctx, "op", 0, 0); len(all) != 3 || all[2].Seq != 3 {
		t.Fatalf("unexpected: %+v", all)
	}
}
