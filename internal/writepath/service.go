// Package writepath accepts card and category mutations, applies them
// atomically to the fast store, and enqueues durable replay events for the
// write-behind engine.
package writepath

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/renote/internal/cards"
	"github.com/MarcoPoloResearchLab/renote/internal/database"
	"github.com/MarcoPoloResearchLab/renote/internal/faststore"
)

var (
	errMissingStore    = errors.New("fast store handle is required")
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew     = "writepath.service.new"
	opUpsertCard     = "writepath.upsert_card"
	opDeleteCard     = "writepath.delete_card"
	opUpsertCategory = "writepath.upsert_category"
	opDeleteCategory = "writepath.delete_category"
	opRenormalize    = "writepath.renormalize_category"
	opMetrics        = "writepath.metrics"
)

// ServiceConfig carries the write path's injected dependencies and policy.
type ServiceConfig struct {
	Store       *faststore.Store
	Database    *gorm.DB
	Clock       func() time.Time
	Logger      *zap.Logger
	WriteBehind bool
	RequireUUID bool
	MaxTextLen  int
}

// Service is the single entry point for card and category mutations.
type Service struct {
	store       *faststore.Store
	db          *gorm.DB
	clock       func() time.Time
	logger      *zap.Logger
	writeBehind bool
	requireUUID bool
	maxTextLen  int
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingStore)
	}
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxTextLen := cfg.MaxTextLen
	if maxTextLen <= 0 {
		maxTextLen = cards.DefaultMaxTextLen
	}
	return &Service{
		store:       cfg.Store,
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		writeBehind: cfg.WriteBehind,
		requireUUID: cfg.RequireUUID,
		maxTextLen:  maxTextLen,
	}, nil
}

// CardInput is a caller-supplied card mutation.
type CardInput struct {
	ID         string
	Name       string
	Text       string
	Order      int
	CategoryID string
}

// UpsertCard validates and applies a card mutation: atomic fast-store batch,
// then a durable stream event. A failed stream append degrades to a direct
// relational upsert so the mutation is never silently lost. Returns the new
// updated_at for optimistic client reconciliation.
func (s *Service) UpsertCard(ctx context.Context, in CardInput) (int64, error) {
	if err := cards.ValidateCardID(in.ID, s.requireUUID); err != nil {
		return 0, err
	}
	if err := cards.ValidateText(in.Text, s.maxTextLen); err != nil {
		return 0, err
	}

	categoryID := cards.NormalizeCategoryID(in.CategoryID)
	prevCategoryID := categoryID
	if existing, present, err := s.store.CardSnapshot(ctx, in.ID); err != nil {
		return 0, fmt.Errorf("%s: %w", opUpsertCard, err)
	} else if present {
		prevCategoryID = existing.CategoryID
	}

	card := cards.Card{
		ID:         in.ID,
		Name:       in.Name,
		Text:       in.Text,
		Order:      in.Order,
		CategoryID: categoryID,
		UpdatedAt:  s.clock().Unix(),
	}
	if err := s.store.UpsertCard(ctx, card, prevCategoryID); err != nil {
		return 0, fmt.Errorf("%s: %w", opUpsertCard, err)
	}

	if prevCategoryID != categoryID {
		s.renormalize(ctx, prevCategoryID)
	}
	s.renormalize(ctx, categoryID)

	if s.writeBehind {
		if err := s.store.AppendUpsertEvent(ctx, card); err != nil {
			s.logError(opUpsertCard, "stream_append_failed", err, zap.String("card_id", card.ID))
			s.directUpsert(card)
		}
	} else {
		s.directUpsert(card)
	}

	return card.UpdatedAt, nil
}

// BulkUpsert applies a batch of card mutations, skipping entries that fail
// validation. Returns the last updated_at written.
func (s *Service) BulkUpsert(ctx context.Context, inputs []CardInput) (int64, error) {
	var lastUpdated int64
	for _, in := range inputs {
		updatedAt, err := s.UpsertCard(ctx, in)
		if err != nil {
			if errors.Is(err, cards.ErrInvalidCardID) || errors.Is(err, cards.ErrTextTooLong) {
				continue
			}
			return lastUpdated, err
		}
		lastUpdated = updatedAt
	}
	return lastUpdated, nil
}

// DeleteCard soft-deletes a card from the fast store and appends a tombstone;
// the relational row is removed by the replay engine once it processes the
// event. With write-behind disabled the relational delete happens inline.
func (s *Service) DeleteCard(ctx context.Context, id string) error {
	categoryID := cards.RootCategoryID
	if existing, present, err := s.store.CardSnapshot(ctx, id); err != nil {
		s.logError(opDeleteCard, "card_read_failed", err, zap.String("card_id", id))
	} else if present {
		categoryID = existing.CategoryID
	}

	if err := s.store.RemoveCard(ctx, id, categoryID); err != nil {
		return fmt.Errorf("%s: %w", opDeleteCard, err)
	}
	s.renormalize(ctx, categoryID)

	if s.writeBehind {
		if err := s.store.AppendTombstone(ctx, id, categoryID, s.clock().Unix()); err != nil {
			s.logError(opDeleteCard, "tombstone_append_failed", err, zap.String("card_id", id))
		}
		return nil
	}
	if err := database.DeleteCard(s.db, id); err != nil {
		s.logError(opDeleteCard, "db_delete_failed", err, zap.String("card_id", id))
	}
	return nil
}

// UpsertCategory creates or updates a category, minting an id when none is
// supplied. Categories are low volume, so the relational mirror is written
// synchronously. The implicit root category is never materialized.
func (s *Service) UpsertCategory(ctx context.Context, id, name string, order int) (cards.Category, error) {
	normalized := cards.NormalizeCategoryID(id)
	if id == "" {
		normalized = uuid.NewString()
	}
	if err := cards.ValidateCategoryID(normalized); err != nil {
		return cards.Category{}, err
	}
	category := cards.Category{
		ID:        normalized,
		Name:      name,
		Order:     order,
		UpdatedAt: s.clock().Unix(),
	}
	if normalized == cards.RootCategoryID {
		return category, nil
	}

	if err := s.store.UpsertCategory(ctx, category); err != nil {
		return cards.Category{}, fmt.Errorf("%s: %w", opUpsertCategory, err)
	}
	if err := database.UpsertCategory(s.db, database.CategoryRow{
		ID:        category.ID,
		Name:      category.Name,
		Order:     category.Order,
		UpdatedAt: category.UpdatedAt,
	}); err != nil {
		s.logError(opUpsertCategory, "db_upsert_failed", err, zap.String("category_id", category.ID))
	}
	return category, nil
}

// DeleteCategory removes an empty category. The member count is the max of the
// fast-store index and the relational count, so a card moved out but not yet
// replayed still blocks deletion (conservative on purpose). Returns false for
// root and for non-empty categories.
func (s *Service) DeleteCategory(ctx context.Context, id string) (bool, error) {
	categoryID := cards.NormalizeCategoryID(id)
	if categoryID == cards.RootCategoryID {
		return false, nil
	}
	if count := s.categoryCardCount(ctx, categoryID); count > 0 {
		return false, nil
	}
	if err := s.store.RemoveCategory(ctx, categoryID); err != nil {
		return false, fmt.Errorf("%s: %w", opDeleteCategory, err)
	}
	if err := database.DeleteCategory(s.db, categoryID); err != nil {
		s.logError(opDeleteCategory, "db_delete_failed", err, zap.String("category_id", categoryID))
	}
	return true, nil
}

func (s *Service) categoryCardCount(ctx context.Context, categoryID string) int64 {
	var fastCount int64
	if count, err := s.store.CardCount(ctx, categoryID); err != nil {
		s.logError(opDeleteCategory, "fast_count_failed", err, zap.String("category_id", categoryID))
	} else {
		fastCount = count
	}
	var dbCount int64
	if count, err := database.CountCardsInCategory(s.db, categoryID); err != nil {
		s.logError(opDeleteCategory, "db_count_failed", err, zap.String("category_id", categoryID))
	} else {
		dbCount = count
	}
	if dbCount > fastCount {
		return dbCount
	}
	return fastCount
}

// RenormalizeCategory rewrites a category's member orders to a dense 0..n-1
// sequence. Invoked after any membership change so readers never observe gaps.
func (s *Service) RenormalizeCategory(ctx context.Context, categoryID string) error {
	ids, err := s.store.CardIDs(ctx, categoryID)
	if err != nil {
		return fmt.Errorf("%s: %w", opRenormalize, err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.store.SetOrders(ctx, categoryID, ids); err != nil {
		return fmt.Errorf("%s: %w", opRenormalize, err)
	}
	return nil
}

func (s *Service) renormalize(ctx context.Context, categoryID string) {
	if err := s.RenormalizeCategory(ctx, categoryID); err != nil {
		s.logError(opRenormalize, "rewrite_failed", err, zap.String("category_id", categoryID))
	}
}

// Metrics reports the save/delete counters, zeroed when the store is down.
type Metrics struct {
	Saves   int64 `json:"saves"`
	Deletes int64 `json:"deletes"`
}

// Metrics returns the current counter snapshot, best effort.
func (s *Service) Metrics(ctx context.Context) Metrics {
	saves, deletes, err := s.store.CounterSnapshot(ctx)
	if err != nil {
		s.logError(opMetrics, "counter_read_failed", err)
		return Metrics{}
	}
	return Metrics{Saves: saves, Deletes: deletes}
}

// directUpsert mirrors a card synchronously into the relational store, used
// when write-behind is off or the stream append failed. Errors are logged; the
// fast store still holds the mutation.
func (s *Service) directUpsert(card cards.Card) {
	err := database.UpsertCard(s.db, database.CardRow{
		ID:         card.ID,
		Name:       card.Name,
		CategoryID: card.CategoryID,
		Text:       card.Text,
		Order:      card.Order,
		UpdatedAt:  card.UpdatedAt,
	})
	if err != nil {
		s.logError(opUpsertCard, "db_upsert_failed", err, zap.String("card_id", card.ID))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("write path error", attrs...)
}
