// Package state builds the full application snapshot from the fast store,
// falling back to relational hydration when the cache is empty.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"

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
	opAssemblerNew  = "state.assembler.new"
	opAssembleState = "state.assemble_state"
)

// State is the full application snapshot served to the client, with a global
// updated_at watermark for incremental sync decisions.
type State struct {
	Cards      []cards.Card     `json:"cards"`
	Categories []cards.Category `json:"categories"`
	UpdatedAt  int64            `json:"updated_at"`
}

// AssemblerConfig carries the assembler's injected dependencies.
type AssemblerConfig struct {
	Store    *faststore.Store
	Database *gorm.DB
	Logger   *zap.Logger
}

// Assembler reads the fast store to serve application state. The relational
// store is only touched for cold-start hydration.
type Assembler struct {
	store  *faststore.Store
	db     *gorm.DB
	logger *zap.Logger
}

// NewAssembler validates dependencies and constructs an Assembler.
func NewAssembler(cfg AssemblerConfig) (*Assembler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opAssemblerNew, errMissingStore)
	}
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opAssemblerNew, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Assembler{store: cfg.Store, db: cfg.Database, logger: logger}, nil
}

// AssembleState returns all cards and categories. An empty cache triggers
// hydration from the relational store; a second call is served from the
// now-populated cache without touching the relational store again.
func (a *Assembler) AssembleState(ctx context.Context) (State, error) {
	categories, categoryIDs, err := a.loadCategories(ctx)
	if err != nil {
		return State{}, err
	}

	memberIDs := make(map[string][]string, len(categoryIDs)+1)
	rootIDs, err := a.store.CardIDs(ctx, cards.RootCategoryID)
	if err != nil {
		return State{}, fmt.Errorf("%s: %w", opAssembleState, err)
	}
	memberIDs[cards.RootCategoryID] = rootIDs
	total := len(rootIDs)
	for _, categoryID := range categoryIDs {
		ids, err := a.store.CardIDs(ctx, categoryID)
		if err != nil {
			return State{}, fmt.Errorf("%s: %w", opAssembleState, err)
		}
		memberIDs[categoryID] = ids
		total += len(ids)
	}

	if total == 0 {
		return a.hydrateCards(ctx, categories)
	}

	ordered := make([]string, 0, total)
	ordered = append(ordered, memberIDs[cards.RootCategoryID]...)
	for _, categoryID := range categoryIDs {
		ordered = append(ordered, memberIDs[categoryID]...)
	}

	loaded, err := a.store.CardsByIDs(ctx, ordered)
	if err != nil {
		return State{}, fmt.Errorf("%s: %w", opAssembleState, err)
	}

	watermark, err := a.store.Watermark(ctx)
	if err != nil {
		a.logger.Warn("watermark read failed", zap.String("operation", opAssembleState), zap.Error(err))
	}

	sortCategories(categories)
	return State{Cards: loaded, Categories: categories, UpdatedAt: watermark}, nil
}

// loadCategories reads the category index, hydrating from the relational store
// when the cache holds none. Hydration failures are logged, never fatal: an
// empty category list is a valid state.
func (a *Assembler) loadCategories(ctx context.Context) ([]cards.Category, []string, error) {
	categoryIDs, err := a.store.CategoryIDs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", opAssembleState, err)
	}

	if len(categoryIDs) > 0 {
		categories := make([]cards.Category, 0, len(categoryIDs))
		for _, id := range categoryIDs {
			category, present, err := a.store.CategorySnapshot(ctx, id)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", opAssembleState, err)
			}
			if !present {
				continue
			}
			categories = append(categories, category)
		}
		return categories, categoryIDs, nil
	}

	rows, err := database.ListCategories(a.db)
	if err != nil {
		a.logger.Warn("category hydration read failed",
			zap.String("operation", opAssembleState), zap.Error(err))
		return nil, nil, nil
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	categories := make([]cards.Category, 0, len(rows))
	categoryIDs = make([]string, 0, len(rows))
	for _, row := range rows {
		categories = append(categories, cards.Category{
			ID:        row.ID,
			Name:      row.Name,
			Order:     row.Order,
			UpdatedAt: row.UpdatedAt,
		})
		categoryIDs = append(categoryIDs, row.ID)
	}
	if err := a.store.HydrateCategories(ctx, categories); err != nil {
		a.logger.Warn("category hydration write failed",
			zap.String("operation", opAssembleState), zap.Error(err))
	}
	return categories, categoryIDs, nil
}

// hydrateCards rebuilds the card cache from relational rows, partitioning each
// row by its stored category (absent values default to root).
func (a *Assembler) hydrateCards(ctx context.Context, categories []cards.Category) (State, error) {
	rows, err := database.ListCards(a.db)
	if err != nil {
		a.logger.Warn("card hydration read failed",
			zap.String("operation", opAssembleState), zap.Error(err))
		sortCategories(categories)
		return State{Cards: nil, Categories: categories, UpdatedAt: 0}, nil
	}
	if len(rows) == 0 {
		sortCategories(categories)
		return State{Cards: nil, Categories: categories, UpdatedAt: 0}, nil
	}

	hydrated := make([]cards.Card, 0, len(rows))
	var watermark int64
	for _, row := range rows {
		card := cards.Card{
			ID:         row.ID,
			Name:       row.Name,
			Text:       row.Text,
			Order:      row.Order,
			CategoryID: cards.NormalizeCategoryID(row.CategoryID),
			UpdatedAt:  row.UpdatedAt,
		}
		if card.UpdatedAt > watermark {
			watermark = card.UpdatedAt
		}
		hydrated = append(hydrated, card)
	}

	if err := a.store.HydrateCards(ctx, hydrated, watermark); err != nil {
		a.logger.Warn("card hydration write failed",
			zap.String("operation", opAssembleState), zap.Error(err))
	}

	sortCategories(categories)
	return State{Cards: hydrated, Categories: categories, UpdatedAt: watermark}, nil
}

func sortCategories(categories []cards.Category) {
	sort.SliceStable(categories, func(i, j int) bool {
		return categories[i].Order < categories[j].Order
	})
}
