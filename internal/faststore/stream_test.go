package faststore

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/renote/internal/cards"
)

func TestAppendAndReadAfterIsExclusive(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	ctx := context.Background()

	first := cards.Card{ID: "1111222233334444", Text: "one", UpdatedAt: 1}
	second := cards.Card{ID: "5555666677778888", Text: "two", UpdatedAt: 2}
	if err := store.AppendUpsertEvent(ctx, first); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	if err := store.AppendUpsertEvent(ctx, second); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	events, err := store.ReadAfter(ctx, ZeroCursor, 10)
	if err != nil {
		testContext.Fatalf("read failed: %v", err)
	}
	if len(events) != 2 {
		testContext.Fatalf("expected 2 events from zero cursor, got %d", len(events))
	}
	if events[0].CardID() != first.ID {
		testContext.Fatalf("expected first event for %s, got %s", first.ID, events[0].CardID())
	}

	tail, err := store.ReadAfter(ctx, events[0].ID, 10)
	if err != nil {
		testContext.Fatalf("read failed: %v", err)
	}
	if len(tail) != 1 || tail[0].CardID() != second.ID {
		testContext.Fatalf("expected exclusive read to skip the cursor entry, got %+v", tail)
	}
}

func TestTombstoneEventShape(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	ctx := context.Background()

	if err := store.AppendTombstone(ctx, "1111222233334444", "work", 42); err != nil {
		testContext.Fatalf("tombstone append failed: %v", err)
	}
	events, err := store.ReadAfter(ctx, ZeroCursor, 10)
	if err != nil || len(events) != 1 {
		testContext.Fatalf("expected one event, got %d err %v", len(events), err)
	}
	event := events[0]
	if !event.IsTombstone() {
		testContext.Fatalf("expected tombstone event, got %+v", event.Fields)
	}
	if event.CardID() != "1111222233334444" {
		testContext.Fatalf("unexpected card id %q", event.CardID())
	}
	if event.Fields["category_id"] != "work" {
		testContext.Fatalf("expected category on tombstone, got %q", event.Fields["category_id"])
	}
}

func TestCursorDefaultsToZeroAndRoundTrips(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	ctx := context.Background()

	cursor, err := store.Cursor(ctx)
	if err != nil || cursor != ZeroCursor {
		testContext.Fatalf("expected zero cursor default, got %q err %v", cursor, err)
	}

	if err := store.SetCursor(ctx, "1700000000-3"); err != nil {
		testContext.Fatalf("cursor write failed: %v", err)
	}
	cursor, err = store.Cursor(ctx)
	if err != nil || cursor != "1700000000-3" {
		testContext.Fatalf("expected persisted cursor, got %q err %v", cursor, err)
	}
}

func TestTrimApproxBoundsStreamLength(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		card := cards.Card{ID: "1111222233334444", Text: "body", UpdatedAt: int64(i)}
		if err := store.AppendUpsertEvent(ctx, card); err != nil {
			testContext.Fatalf("append failed: %v", err)
		}
	}
	if err := store.TrimApprox(ctx, 5); err != nil {
		testContext.Fatalf("trim failed: %v", err)
	}
	length, err := store.StreamLen(ctx)
	if err != nil {
		testContext.Fatalf("length read failed: %v", err)
	}
	if length > 20 || length < 1 {
		testContext.Fatalf("unexpected stream length %d after trim", length)
	}
}
