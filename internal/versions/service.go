// Package versions keeps opportunistic point-in-time snapshots of card
// content, capped per card and pruned by age. It shares the replay engine's
// idempotent-upsert discipline: captures are inserts keyed by capture time,
// restores re-enter the normal write path.
package versions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/renote/internal/cards"
	"github.com/MarcoPoloResearchLab/renote/internal/database"
	"github.com/MarcoPoloResearchLab/renote/internal/faststore"
	"github.com/MarcoPoloResearchLab/renote/internal/writepath"
)

var (
	errMissingStore    = errors.New("fast store handle is required")
	errMissingDatabase = errors.New("database handle is required")
	errMissingWriter   = errors.New("card writer is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew  = "versions.service.new"
	opCapture     = "versions.capture"
	opList        = "versions.list"
	opGet         = "versions.get"
	opRestore     = "versions.restore"
	opSnapshotNow = "versions.snapshot_now"

	defaultMaxPerCard    = 25
	defaultMinInterval   = 60 * time.Second
	defaultMinSizeDelta  = 20
	maxListLimit         = 200
	defaultRetentionDays = 0
)

// CardWriter is the write-path surface a restore needs: restored content
// re-enters the write-behind pipeline like any other edit.
type CardWriter interface {
	UpsertCard(ctx context.Context, in writepath.CardInput) (int64, error)
}

// ServiceConfig carries the snapshot service's dependencies and policy.
type ServiceConfig struct {
	Store    *faststore.Store
	Database *gorm.DB
	Writer   CardWriter
	Clock    func() time.Time
	Logger   *zap.Logger

	MaxPerCard    int
	MinInterval   time.Duration
	MinSizeDelta  int
	RetentionDays int
}

// Service captures, lists, and restores card version snapshots.
type Service struct {
	store  *faststore.Store
	db     *gorm.DB
	writer CardWriter
	clock  func() time.Time
	logger *zap.Logger

	maxPerCard    int
	minInterval   time.Duration
	minSizeDelta  int
	retentionDays int
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingStore)
	}
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingDatabase)
	}
	if cfg.Writer == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingWriter)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	service := &Service{
		store:         cfg.Store,
		db:            cfg.Database,
		writer:        cfg.Writer,
		clock:         clock,
		logger:        logger,
		maxPerCard:    cfg.MaxPerCard,
		minInterval:   cfg.MinInterval,
		minSizeDelta:  cfg.MinSizeDelta,
		retentionDays: cfg.RetentionDays,
	}
	if service.maxPerCard <= 0 {
		service.maxPerCard = defaultMaxPerCard
	}
	if service.minInterval <= 0 {
		service.minInterval = defaultMinInterval
	}
	if service.minSizeDelta <= 0 {
		service.minSizeDelta = defaultMinSizeDelta
	}
	if service.retentionDays < 0 {
		service.retentionDays = defaultRetentionDays
	}
	return service, nil
}

// Meta is the snapshot listing entry: everything but the body.
type Meta struct {
	VersionID  int64  `json:"version_id"`
	CapturedAt int64  `json:"captured_at"`
	Name       string `json:"name"`
	Order      int    `json:"order"`
	Size       int    `json:"size"`
	Origin     string `json:"origin"`
}

// CaptureTx inserts a snapshot inside an existing transaction when the policy
// allows: the first snapshot is always captured; later ones require the age or
// the size delta against the previous snapshot to exceed the configured
// minimums. Forced captures (manual, restore) bypass the policy.
func (s *Service) CaptureTx(tx *gorm.DB, card cards.Card, origin string, force bool) (bool, error) {
	now := s.clock().Unix()

	if !force {
		var last database.CardVersion
		err := tx.Where("card_id = ?", card.ID).
			Order("captured_at DESC").
			Take(&last).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("%s: %w", opCapture, err)
		}
		if err == nil {
			age := time.Duration(now-last.CapturedAt) * time.Second
			delta := len(card.Text) - len(last.Text)
			if delta < 0 {
				delta = -delta
			}
			if age < s.minInterval && delta < s.minSizeDelta {
				return false, nil
			}
		}
	}

	record := database.CardVersion{
		CardID:     card.ID,
		Name:       card.Name,
		Text:       card.Text,
		Order:      card.Order,
		CapturedAt: now,
		Origin:     origin,
	}
	if err := tx.Create(&record).Error; err != nil {
		return false, fmt.Errorf("%s: %w", opCapture, err)
	}

	if err := s.pruneTx(tx, card.ID, now); err != nil {
		s.logError(opCapture, "prune_failed", err, zap.String("card_id", card.ID))
	}
	return true, nil
}

// pruneTx applies retention: keep only the newest maxPerCard snapshots, and
// drop anything older than the age cutoff when one is configured.
func (s *Service) pruneTx(tx *gorm.DB, cardID string, now int64) error {
	var keep []int64
	err := tx.Model(&database.CardVersion{}).
		Where("card_id = ?", cardID).
		Order("captured_at DESC").
		Limit(s.maxPerCard).
		Pluck("version_id", &keep).Error
	if err != nil {
		return err
	}
	if len(keep) > 0 {
		err = tx.Where("card_id = ? AND version_id NOT IN ?", cardID, keep).
			Delete(&database.CardVersion{}).Error
		if err != nil {
			return err
		}
	}
	if s.retentionDays > 0 {
		cutoff := now - int64(s.retentionDays)*86400
		err = tx.Where("card_id = ? AND captured_at < ?", cardID, cutoff).
			Delete(&database.CardVersion{}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// List returns snapshot metadata for a card, newest first. The limit is
// clamped to 1..200.
func (s *Service) List(ctx context.Context, cardID string, limit int) ([]Meta, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var rows []database.CardVersion
	err := s.db.WithContext(ctx).
		Where("card_id = ?", cardID).
		Order("captured_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opList, err)
	}
	metas := make([]Meta, 0, len(rows))
	for _, row := range rows {
		metas = append(metas, Meta{
			VersionID:  row.VersionID,
			CapturedAt: row.CapturedAt,
			Name:       row.Name,
			Order:      row.Order,
			Size:       len(row.Text),
			Origin:     row.Origin,
		})
	}
	return metas, nil
}

// Get returns one full snapshot, nil when the id is unknown.
func (s *Service) Get(ctx context.Context, versionID int64) (*database.CardVersion, error) {
	var row database.CardVersion
	err := s.db.WithContext(ctx).Where("version_id = ?", versionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opGet, err)
	}
	return &row, nil
}

// Restore writes a snapshot's content back through the normal write path, so
// it re-enters the write-behind pipeline, then force-captures a restore-origin
// snapshot. The card keeps its current category. Returns false for unknown ids.
func (s *Service) Restore(ctx context.Context, versionID int64) (bool, error) {
	row, err := s.Get(ctx, versionID)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}

	categoryID := cards.RootCategoryID
	if existing, present, err := s.store.CardSnapshot(ctx, row.CardID); err != nil {
		s.logError(opRestore, "card_read_failed", err, zap.String("card_id", row.CardID))
	} else if present {
		categoryID = existing.CategoryID
	}

	if _, err := s.writer.UpsertCard(ctx, writepath.CardInput{
		ID:         row.CardID,
		Name:       row.Name,
		Text:       row.Text,
		Order:      row.Order,
		CategoryID: categoryID,
	}); err != nil {
		return false, fmt.Errorf("%s: %w", opRestore, err)
	}

	restored := cards.Card{
		ID:    row.CardID,
		Name:  row.Name,
		Text:  row.Text,
		Order: row.Order,
	}
	if _, err := s.CaptureTx(s.db.WithContext(ctx), restored, database.VersionOriginRestore, true); err != nil {
		s.logError(opRestore, "snapshot_failed", err, zap.String("card_id", row.CardID))
	}
	return true, nil
}

// SnapshotNow force-captures the card's live fast-store state with manual
// origin. Returns false when the card does not exist.
func (s *Service) SnapshotNow(ctx context.Context, cardID string) (bool, error) {
	card, present, err := s.store.CardSnapshot(ctx, cardID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", opSnapshotNow, err)
	}
	if !present {
		return false, nil
	}
	return s.CaptureTx(s.db.WithContext(ctx), card, database.VersionOriginManual, true)
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
	s.logger.Error("versions service error", attrs...)
}
