package faststore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/MarcoPoloResearchLab/renote/internal/cards"
)

// HydrateCategories writes relational category rows back into the fast store
// during cold-start recovery. The watermark is left untouched: hydration is a
// copy, not a mutation.
func (s *Store) HydrateCategories(ctx context.Context, categories []cards.Category) error {
	if len(categories) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, category := range categories {
		pipe.HSet(ctx, categoryKey(category.ID), map[string]interface{}{
			"name":       category.Name,
			"order":      strconv.Itoa(category.Order),
			"updated_at": strconv.FormatInt(category.UpdatedAt, 10),
		})
		pipe.ZAdd(ctx, categoriesIndexKey, redis.Z{Score: float64(category.Order), Member: category.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("faststore: category hydration: %w", err)
	}
	return nil
}

// HydrateCards writes relational card rows back into the fast store and sets
// the global watermark to the supplied value (the max row timestamp).
func (s *Store) HydrateCards(ctx context.Context, hydrated []cards.Card, watermark int64) error {
	if len(hydrated) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, card := range hydrated {
		pipe.HSet(ctx, cardKey(card.ID), cardHashFields(card))
		pipe.ZAdd(ctx, CategoryIndexKey(card.CategoryID), redis.Z{Score: float64(card.Order), Member: card.ID})
	}
	pipe.Set(ctx, watermarkKey, watermark, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("faststore: card hydration: %w", err)
	}
	return nil
}
