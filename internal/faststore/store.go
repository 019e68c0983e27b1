// Package faststore provides typed access to the Redis primitives backing the
// hot path: card/category hashes, per-category sorted-set indexes, counters,
// and the append-only replay stream.
package faststore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarcoPoloResearchLab/renote/internal/cards"
)

const (
	rootIndexKey       = "cards:index"
	categoriesIndexKey = "cards:categories"
	watermarkKey       = "cards:updated_at"
	streamKey          = "cards:stream"
	cursorKey          = "cards:stream:lastid"
	lastFlushKey       = "cards:last_flush_ts"
	savesCounterKey    = "metrics:saves"
	deletesCounterKey  = "metrics:deletes"

	cardKeyPrefix     = "card:"
	categoryKeyPrefix = "category:"
)

// ZeroCursor marks the position before the first stream entry.
const ZeroCursor = "0-0"

var errMissingClient = errors.New("faststore: redis client is required")

// Store wraps a Redis client with the application key scheme. All cross-field
// mutations go through transactional pipelines so concurrent readers never
// observe a half-written entity.
type Store struct {
	client *redis.Client
}

// New constructs a Store around an injected client handle.
func New(client *redis.Client) (*Store, error) {
	if client == nil {
		return nil, errMissingClient
	}
	return &Store{client: client}, nil
}

// Client exposes the underlying handle for process shutdown.
func (s *Store) Client() *redis.Client {
	return s.client
}

func cardKey(id string) string {
	return cardKeyPrefix + id
}

func categoryKey(id string) string {
	return categoryKeyPrefix + id
}

// CategoryIndexKey returns the sorted-set key holding a category's member ids.
// The root category uses the legacy flat index key.
func CategoryIndexKey(categoryID string) string {
	normalized := cards.NormalizeCategoryID(categoryID)
	if normalized == cards.RootCategoryID {
		return rootIndexKey
	}
	return "cat:" + normalized + ":cards"
}

func parseCardHash(id string, fields map[string]string) cards.Card {
	text, ok := fields["text"]
	if !ok {
		text = fields["txt"]
	}
	order, _ := strconv.Atoi(fields["order"])
	updatedAt, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return cards.Card{
		ID:         id,
		Name:       fields["name"],
		Text:       text,
		Order:      order,
		CategoryID: cards.NormalizeCategoryID(fields["category_id"]),
		UpdatedAt:  updatedAt,
	}
}

func cardHashFields(card cards.Card) map[string]interface{} {
	// The txt alias keeps hashes readable by pre-rename deployments.
	return map[string]interface{}{
		"name":        card.Name,
		"text":        card.Text,
		"txt":         card.Text,
		"order":       strconv.Itoa(card.Order),
		"updated_at":  strconv.FormatInt(card.UpdatedAt, 10),
		"category_id": cards.NormalizeCategoryID(card.CategoryID),
	}
}

// CardSnapshot reads a card hash. The second return reports presence.
func (s *Store) CardSnapshot(ctx context.Context, id string) (cards.Card, bool, error) {
	fields, err := s.client.HGetAll(ctx, cardKey(id)).Result()
	if err != nil {
		return cards.Card{}, false, fmt.Errorf("faststore: card read: %w", err)
	}
	if len(fields) == 0 {
		return cards.Card{}, false, nil
	}
	return parseCardHash(id, fields), true, nil
}

// CardsByIDs batch-fetches card hashes via a pipeline, skipping ids whose hash
// is missing (races with concurrent deletes).
func (s *Store) CardsByIDs(ctx context.Context, ids []string) ([]cards.Card, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, cardKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("faststore: card batch read: %w", err)
	}
	result := make([]cards.Card, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		result = append(result, parseCardHash(ids[i], fields))
	}
	return result, nil
}

// UpsertCard applies a card mutation as a single atomic batch: hash write,
// index add, old-index removal on category change, watermark bump, and save
// counter increment.
func (s *Store) UpsertCard(ctx context.Context, card cards.Card, prevCategoryID string) error {
	newCategory := cards.NormalizeCategoryID(card.CategoryID)
	prevCategory := cards.NormalizeCategoryID(prevCategoryID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, cardKey(card.ID), cardHashFields(card))
	pipe.ZAdd(ctx, CategoryIndexKey(newCategory), redis.Z{Score: float64(card.Order), Member: card.ID})
	if prevCategory != newCategory {
		pipe.ZRem(ctx, CategoryIndexKey(prevCategory), card.ID)
	}
	pipe.Set(ctx, watermarkKey, card.UpdatedAt, 0)
	pipe.Incr(ctx, savesCounterKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("faststore: card upsert: %w", err)
	}
	return nil
}

// RemoveCard deletes a card hash and its index entry, bumping the delete counter.
func (s *Store) RemoveCard(ctx context.Context, id, categoryID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, CategoryIndexKey(categoryID), id)
	pipe.Del(ctx, cardKey(id))
	pipe.Incr(ctx, deletesCounterKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("faststore: card remove: %w", err)
	}
	return nil
}

// CardIDs lists a category's member ids in score order.
func (s *Store) CardIDs(ctx context.Context, categoryID string) ([]string, error) {
	ids, err := s.client.ZRange(ctx, CategoryIndexKey(categoryID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("faststore: card index read: %w", err)
	}
	return ids, nil
}

// CardCount returns the index cardinality for one category.
func (s *Store) CardCount(ctx context.Context, categoryID string) (int64, error) {
	count, err := s.client.ZCard(ctx, CategoryIndexKey(categoryID)).Result()
	if err != nil {
		return 0, fmt.Errorf("faststore: card count: %w", err)
	}
	return count, nil
}

// SetOrders rewrites a category's member positions to the given dense sequence
// in one atomic batch, keeping hash order fields and index scores aligned.
func (s *Store) SetOrders(ctx context.Context, categoryID string, orderedIDs []string) error {
	if len(orderedIDs) == 0 {
		return nil
	}
	indexKey := CategoryIndexKey(categoryID)
	pipe := s.client.TxPipeline()
	for position, id := range orderedIDs {
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(position), Member: id})
		pipe.HSet(ctx, cardKey(id), "order", strconv.Itoa(position))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("faststore: order rewrite: %w", err)
	}
	return nil
}

// CategoryIDs lists category ids in display order.
func (s *Store) CategoryIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, categoriesIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("faststore: category index read: %w", err)
	}
	return ids, nil
}

// CategorySnapshot reads a category hash. The second return reports presence.
func (s *Store) CategorySnapshot(ctx context.Context, id string) (cards.Category, bool, error) {
	fields, err := s.client.HGetAll(ctx, categoryKey(id)).Result()
	if err != nil {
		return cards.Category{}, false, fmt.Errorf("faststore: category read: %w", err)
	}
	if len(fields) == 0 {
		return cards.Category{}, false, nil
	}
	order, _ := strconv.Atoi(fields["order"])
	updatedAt, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return cards.Category{
		ID:        id,
		Name:      fields["name"],
		Order:     order,
		UpdatedAt: updatedAt,
	}, true, nil
}

// UpsertCategory writes a category hash and index entry atomically.
func (s *Store) UpsertCategory(ctx context.Context, category cards.Category) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, categoryKey(category.ID), map[string]interface{}{
		"name":       category.Name,
		"order":      strconv.Itoa(category.Order),
		"updated_at": strconv.FormatInt(category.UpdatedAt, 10),
	})
	pipe.ZAdd(ctx, categoriesIndexKey, redis.Z{Score: float64(category.Order), Member: category.ID})
	pipe.Set(ctx, watermarkKey, category.UpdatedAt, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("faststore: category upsert: %w", err)
	}
	return nil
}

// RemoveCategory drops a category hash, its index entry, and its member index.
func (s *Store) RemoveCategory(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, categoriesIndexKey, id)
	pipe.Del(ctx, categoryKey(id))
	pipe.Del(ctx, CategoryIndexKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("faststore: category remove: %w", err)
	}
	return nil
}

// Watermark returns the global updated_at watermark, zero when unset.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	raw, err := s.client.Get(ctx, watermarkKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("faststore: watermark read: %w", err)
	}
	value, _ := strconv.ParseInt(raw, 10, 64)
	return value, nil
}

// SetWatermark overwrites the global updated_at watermark.
func (s *Store) SetWatermark(ctx context.Context, value int64) error {
	if err := s.client.Set(ctx, watermarkKey, value, 0).Err(); err != nil {
		return fmt.Errorf("faststore: watermark write: %w", err)
	}
	return nil
}

// CounterSnapshot reads the save/delete counters in one round trip.
func (s *Store) CounterSnapshot(ctx context.Context) (saves, deletes int64, err error) {
	values, err := s.client.MGet(ctx, savesCounterKey, deletesCounterKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("faststore: counter read: %w", err)
	}
	parse := func(v interface{}) int64 {
		raw, ok := v.(string)
		if !ok {
			return 0
		}
		n, _ := strconv.ParseInt(raw, 10, 64)
		return n
	}
	return parse(values[0]), parse(values[1]), nil
}

// IncrWithExpiry increments an arbitrary counter key, attaching the window TTL
// on first use. Backs the advisory rate limiter.
func (s *Store) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("faststore: counter incr: %w", err)
	}
	if count == 1 && window > 0 {
		_ = s.client.Expire(ctx, key, window).Err()
	}
	return count, nil
}
