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

const tombstoneOp = "del"

// Event is one immutable replay stream entry: a full-field card upsert or a
// tombstone signaling deletion.
type Event struct {
	ID     string
	Fields map[string]string
}

// CardID returns the entity the event refers to.
func (e Event) CardID() string {
	return e.Fields["id"]
}

// IsTombstone reports whether the event signals a deletion.
func (e Event) IsTombstone() bool {
	return e.Fields["op"] == tombstoneOp
}

// AppendUpsertEvent appends a full-field upsert event to the replay stream.
func (s *Store) AppendUpsertEvent(ctx context.Context, card cards.Card) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"id":          card.ID,
			"name":        card.Name,
			"text":        card.Text,
			"order":       strconv.Itoa(card.Order),
			"category_id": cards.NormalizeCategoryID(card.CategoryID),
			"updated_at":  strconv.FormatInt(card.UpdatedAt, 10),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("faststore: stream append: %w", err)
	}
	return nil
}

// AppendTombstone appends a deletion event for a card id.
func (s *Store) AppendTombstone(ctx context.Context, id, categoryID string, ts int64) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"id":          id,
			"op":          tombstoneOp,
			"ts":          strconv.FormatInt(ts, 10),
			"category_id": cards.NormalizeCategoryID(categoryID),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("faststore: tombstone append: %w", err)
	}
	return nil
}

func exclusiveStart(cursor string) string {
	if cursor == "" || cursor == ZeroCursor {
		return "-"
	}
	return "(" + cursor
}

// ReadAfter fetches up to count events strictly after the cursor.
func (s *Store) ReadAfter(ctx context.Context, cursor string, count int64) ([]Event, error) {
	messages, err := s.client.XRangeN(ctx, streamKey, exclusiveStart(cursor), "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("faststore: stream range: %w", err)
	}
	return convertMessages(messages), nil
}

// ReadBlocking waits up to timeout for events after the cursor, returning an
// empty slice when the wait expires without traffic.
func (s *Store) ReadBlocking(ctx context.Context, cursor string, count int64, timeout time.Duration) ([]Event, error) {
	if cursor == "" {
		cursor = ZeroCursor
	}
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamKey, cursor},
		Count:   count,
		Block:   timeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("faststore: stream blocking read: %w", err)
	}
	var events []Event
	for _, stream := range streams {
		events = append(events, convertMessages(stream.Messages)...)
	}
	return events, nil
}

// TrimApprox trims the stream to approximately maxLen entries. The retained
// length must always exceed realistic backlog so only committed history is
// discarded.
func (s *Store) TrimApprox(ctx context.Context, maxLen int64) error {
	if err := s.client.XTrimMaxLenApprox(ctx, streamKey, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("faststore: stream trim: %w", err)
	}
	return nil
}

// StreamLen returns the current stream length.
func (s *Store) StreamLen(ctx context.Context) (int64, error) {
	length, err := s.client.XLen(ctx, streamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("faststore: stream length: %w", err)
	}
	return length, nil
}

// Cursor returns the persisted replay cursor, ZeroCursor when unset.
func (s *Store) Cursor(ctx context.Context) (string, error) {
	raw, err := s.client.Get(ctx, cursorKey).Result()
	if errors.Is(err, redis.Nil) {
		return ZeroCursor, nil
	}
	if err != nil {
		return ZeroCursor, fmt.Errorf("faststore: cursor read: %w", err)
	}
	if raw == "" {
		return ZeroCursor, nil
	}
	return raw, nil
}

// SetCursor persists the replay cursor. Callers only ever move it forward,
// after a successful relational commit.
func (s *Store) SetCursor(ctx context.Context, cursor string) error {
	if err := s.client.Set(ctx, cursorKey, cursor, 0).Err(); err != nil {
		return fmt.Errorf("faststore: cursor write: %w", err)
	}
	return nil
}

// LastFlushAt returns the unix time of the last successful flush, zero when
// no flush has completed yet.
func (s *Store) LastFlushAt(ctx context.Context) (int64, error) {
	raw, err := s.client.Get(ctx, lastFlushKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("faststore: last flush read: %w", err)
	}
	value, _ := strconv.ParseInt(raw, 10, 64)
	return value, nil
}

// SetLastFlushAt records the time of a successful flush.
func (s *Store) SetLastFlushAt(ctx context.Context, ts int64) error {
	if err := s.client.Set(ctx, lastFlushKey, ts, 0).Err(); err != nil {
		return fmt.Errorf("faststore: last flush write: %w", err)
	}
	return nil
}

func convertMessages(messages []redis.XMessage) []Event {
	events := make([]Event, 0, len(messages))
	for _, message := range messages {
		fields := make(map[string]string, len(message.Values))
		for key, value := range message.Values {
			if text, ok := value.(string); ok {
				fields[key] = text
			}
		}
		events = append(events, Event{ID: message.ID, Fields: fields})
	}
	return events
}
