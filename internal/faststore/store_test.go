package faststore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MarcoPoloResearchLab/renote/internal/cards"
)

func newTestStore(testContext *testing.T) (*Store, *miniredis.Miniredis) {
	testContext.Helper()
	mini := miniredis.RunT(testContext)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	testContext.Cleanup(func() { client.Close() })
	store, err := New(client)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	return store, mini
}

func TestUpsertCardWritesHashIndexAndCounters(testContext *testing.T) {
	store, mini := newTestStore(testContext)
	ctx := context.Background()

	card := cards.Card{
		ID:         "1111222233334444",
		Name:       "groceries",
		Text:       "milk",
		Order:      3,
		CategoryID: "",
		UpdatedAt:  1700000000,
	}
	if err := store.UpsertCard(ctx, card, ""); err != nil {
		testContext.Fatalf("upsert failed: %v", err)
	}

	if got := mini.HGet("card:1111222233334444", "text"); got != "milk" {
		testContext.Fatalf("expected text field, got %q", got)
	}
	if got := mini.HGet("card:1111222233334444", "txt"); got != "milk" {
		testContext.Fatalf("expected legacy txt alias, got %q", got)
	}
	if got := mini.HGet("card:1111222233334444", "category_id"); got != "root" {
		testContext.Fatalf("expected normalized root category, got %q", got)
	}

	score, err := mini.ZScore("cards:index", "1111222233334444")
	if err != nil {
		testContext.Fatalf("expected index member: %v", err)
	}
	if score != 3 {
		testContext.Fatalf("expected index score 3, got %v", score)
	}

	watermark, err := store.Watermark(ctx)
	if err != nil || watermark != 1700000000 {
		testContext.Fatalf("expected watermark bump, got %d err %v", watermark, err)
	}
	saves, deletes, err := store.CounterSnapshot(ctx)
	if err != nil || saves != 1 || deletes != 0 {
		testContext.Fatalf("expected saves=1 deletes=0, got %d/%d err %v", saves, deletes, err)
	}
}

func TestUpsertCardCategoryMoveDropsOldIndexEntry(testContext *testing.T) {
	store, mini := newTestStore(testContext)
	ctx := context.Background()

	card := cards.Card{ID: "aaaa111122223333", CategoryID: "root", UpdatedAt: 1}
	if err := store.UpsertCard(ctx, card, "root"); err != nil {
		testContext.Fatalf("initial upsert failed: %v", err)
	}

	card.CategoryID = "work"
	if err := store.UpsertCard(ctx, card, "root"); err != nil {
		testContext.Fatalf("move upsert failed: %v", err)
	}

	if _, err := mini.ZScore("cards:index", card.ID); err == nil {
		testContext.Fatalf("expected card removed from root index")
	}
	if _, err := mini.ZScore("cat:work:cards", card.ID); err != nil {
		testContext.Fatalf("expected card in work index: %v", err)
	}
}

func TestRemoveCardDeletesHashAndIndex(testContext *testing.T) {
	store, mini := newTestStore(testContext)
	ctx := context.Background()

	card := cards.Card{ID: "bbbb111122223333", UpdatedAt: 1}
	if err := store.UpsertCard(ctx, card, ""); err != nil {
		testContext.Fatalf("upsert failed: %v", err)
	}
	if err := store.RemoveCard(ctx, card.ID, "root"); err != nil {
		testContext.Fatalf("remove failed: %v", err)
	}

	if mini.Exists("card:" + card.ID) {
		testContext.Fatalf("expected card hash deleted")
	}
	if _, err := mini.ZScore("cards:index", card.ID); err == nil {
		testContext.Fatalf("expected index entry deleted")
	}
	_, deletes, err := store.CounterSnapshot(ctx)
	if err != nil || deletes != 1 {
		testContext.Fatalf("expected deletes=1, got %d err %v", deletes, err)
	}
}

func TestSetOrdersRewritesScoresAndHashFields(testContext *testing.T) {
	store, mini := newTestStore(testContext)
	ctx := context.Background()

	ids := []string{"cccc111122223333", "dddd111122223333", "eeee111122223333"}
	for i, id := range ids {
		card := cards.Card{ID: id, Order: i * 10, UpdatedAt: 1}
		if err := store.UpsertCard(ctx, card, ""); err != nil {
			testContext.Fatalf("upsert failed: %v", err)
		}
	}

	if err := store.SetOrders(ctx, "root", ids); err != nil {
		testContext.Fatalf("order rewrite failed: %v", err)
	}

	for position, id := range ids {
		score, err := mini.ZScore("cards:index", id)
		if err != nil || int(score) != position {
			testContext.Fatalf("expected dense score %d for %s, got %v err %v", position, id, score, err)
		}
		ordered, present, readErr := store.CardSnapshot(ctx, id)
		if readErr != nil || !present || ordered.Order != position {
			testContext.Fatalf("expected hash order %d for %s, got %+v", position, id, ordered)
		}
	}
}

func TestCardsByIDsSkipsMissingHashes(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	ctx := context.Background()

	card := cards.Card{ID: "ffff111122223333", UpdatedAt: 1}
	if err := store.UpsertCard(ctx, card, ""); err != nil {
		testContext.Fatalf("upsert failed: %v", err)
	}

	got, err := store.CardsByIDs(ctx, []string{card.ID, "0000111122223333"})
	if err != nil {
		testContext.Fatalf("batch read failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != card.ID {
		testContext.Fatalf("expected only the existing card, got %+v", got)
	}
}

func TestParseCardHashFallsBackToLegacyTxt(testContext *testing.T) {
	store, mini := newTestStore(testContext)
	ctx := context.Background()

	mini.HSet("card:abcd111122223333", "txt", "legacy body", "updated_at", "5")
	card, present, err := store.CardSnapshot(ctx, "abcd111122223333")
	if err != nil || !present {
		testContext.Fatalf("expected card present, err %v", err)
	}
	if card.Text != "legacy body" {
		testContext.Fatalf("expected legacy txt fallback, got %q", card.Text)
	}
}

func TestIncrWithExpiryAttachesWindowTTL(testContext *testing.T) {
	store, mini := newTestStore(testContext)
	ctx := context.Background()

	count, err := store.IncrWithExpiry(ctx, "rl:test", time.Minute)
	if err != nil || count != 1 {
		testContext.Fatalf("expected first increment to return 1, got %d err %v", count, err)
	}
	if mini.TTL("rl:test") <= 0 {
		testContext.Fatalf("expected TTL on first increment")
	}
	count, err = store.IncrWithExpiry(ctx, "rl:test", time.Minute)
	if err != nil || count != 2 {
		testContext.Fatalf("expected second increment to return 2, got %d err %v", count, err)
	}
}
