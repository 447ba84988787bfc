package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/petal-labs/turnflow/runtime"
)

func TestMemEventStore_Append_List(t *testing.T) {
	store := NewMemEventStore()

	for i := uint64(1); i <= 5; i++ {
		if err := store.Append(context.Background(), makeEvent("turn-1", i, runtime.EventStageStarted)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	events, err := store.List(context.Background(), "turn-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("got %d events, want 5", len(events))
	}
}

func TestMemEventStore_List_AfterSeq(t *testing.T) {
	store := NewMemEventStore()

	for i := uint64(1); i <= 10; i++ {
		_ = store.Append(context.Background(), makeEvent("turn-1", i, runtime.EventStageStarted))
	}

	events, err := store.List(context.Background(), "turn-1", 7, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (seq 8,9,10)", len(events))
	}
	if events[0].Seq != 8 {
		t.Errorf("first event Seq = %d, want 8", events[0].Seq)
	}
}

func TestMemEventStore_List_WithLimit(t *testing.T) {
	store := NewMemEventStore()

	for i := uint64(1); i <= 10; i++ {
		_ = store.Append(context.Background(), makeEvent("turn-1", i, runtime.EventStageStarted))
	}

	events, err := store.List(context.Background(), "turn-1", 0, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3", len(events))
	}
}

func TestMemEventStore_LatestSeq(t *testing.T) {
	store := NewMemEventStore()

	seq, err := store.LatestSeq(context.Background(), "turn-1")
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if seq != 0 {
		t.Errorf("empty store LatestSeq = %d, want 0", seq)
	}

	for i := uint64(1); i <= 5; i++ {
		_ = store.Append(context.Background(), makeEvent("turn-1", i, runtime.EventStageStarted))
	}

	seq, err = store.LatestSeq(context.Background(), "turn-1")
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if seq != 5 {
		t.Errorf("LatestSeq = %d, want 5", seq)
	}
}

func TestMemEventStore_TurnIsolation(t *testing.T) {
	store := NewMemEventStore()

	_ = store.Append(context.Background(), makeEvent("turn-1", 1, runtime.EventTurnStarted))
	_ = store.Append(context.Background(), makeEvent("turn-2", 1, runtime.EventTurnStarted))
	_ = store.Append(context.Background(), makeEvent("turn-2", 2, runtime.EventTurnFinished))

	events1, _ := store.List(context.Background(), "turn-1", 0, 0)
	events2, _ := store.List(context.Background(), "turn-2", 0, 0)

	if len(events1) != 1 {
		t.Errorf("turn-1 got %d events, want 1", len(events1))
	}
	if len(events2) != 2 {
		t.Errorf("turn-2 got %d events, want 2", len(events2))
	}
}

func TestMemEventStore_Turns(t *testing.T) {
	store := NewMemEventStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"turn-a", "turn-b", "turn-c"} {
		e := makeEvent(id, 1, runtime.EventTurnStarted)
		e.Time = base.Add(time.Duration(i) * time.Minute)
		_ = store.Append(ctx, e)
	}
	// A late event moves turn-a to the front.
	late := makeEvent("turn-a", 2, runtime.EventTurnFinished)
	late.Time = base.Add(time.Hour)
	_ = store.Append(ctx, late)
	_ = store.Append(ctx, makeEvent("turn-x", 1, runtime.EventTurnStarted).WithTenant("other"))

	ids, err := store.Turns(ctx, "acme", 0)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if fmt.Sprint(ids) != "[turn-a turn-c turn-b]" {
		t.Errorf("Turns = %v, want [turn-a turn-c turn-b]", ids)
	}

	ids, _ = store.Turns(ctx, "acme", 1)
	if len(ids) != 1 || ids[0] != "turn-a" {
		t.Errorf("Turns(limit 1) = %v, want [turn-a]", ids)
	}
	if ids, _ := store.Turns(ctx, "nobody", 0); len(ids) != 0 {
		t.Errorf("Turns(unknown tenant) = %v, want empty", ids)
	}
}
