// Package replay implements the write-behind engine: a cursor-based consumer
// that reads the card event stream, coalesces mutations per entity, commits
// batched upserts and deletes transactionally to the relational store, and
// advances the durable cursor only after a successful commit.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/renote/internal/cards"
	"github.com/MarcoPoloResearchLab/renote/internal/database"
	"github.com/MarcoPoloResearchLab/renote/internal/faststore"
)

var (
	// ErrDisabled is the policy rejection returned when a flush is requested
	// while write-behind is turned off.
	ErrDisabled = errors.New("replay: write-behind disabled")

	errMissingStore    = errors.New("fast store handle is required")
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opEngineNew = "replay.engine.new"
	opRunOnce   = "replay.run_once"
	opRunLoop   = "replay.run_loop"
	opCommit    = "replay.commit"

	defaultBatchSize      = 200
	defaultEscalatedBatch = 800
	defaultProbeSize      = 500
	defaultMaxBatch       = 1000
	defaultFlushThreshold = 500
	defaultTrimEvery      = 500
	defaultStreamMaxLen   = 20000
	defaultBlockTimeout   = 5 * time.Second
	defaultEmptyMinLen    = 1
)

// VersionRecorder captures opportunistic flush-origin snapshots inside the
// commit transaction. Failures are swallowed by the engine.
type VersionRecorder interface {
	CaptureTx(tx *gorm.DB, card cards.Card, origin string, force bool) (bool, error)
}

// EngineConfig carries the engine's injected dependencies and tuning knobs.
type EngineConfig struct {
	Store    *faststore.Store
	Database *gorm.DB
	Versions VersionRecorder
	Queue    *PendingQueue
	Clock    func() time.Time
	Logger   *zap.Logger

	Enabled        bool
	BatchSize      int64
	EscalatedBatch int64
	ProbeSize      int64
	MaxBatch       int
	FlushThreshold int
	TrimEvery      int
	StreamMaxLen   int64
	BlockTimeout   time.Duration
	PruneEmpty     bool
	EmptyMinLen    int
}

// Engine consumes the replay stream. It runs both as a long-lived poll loop
// and as a bounded single pass; both triggers may race over the shared cursor
// safely because the cursor only ever advances after an idempotent commit.
type Engine struct {
	store    *faststore.Store
	db       *gorm.DB
	versions VersionRecorder
	queue    *PendingQueue
	clock    func() time.Time
	logger   *zap.Logger

	enabled        bool
	batchSize      int64
	escalatedBatch int64
	probeSize      int64
	maxBatch       int
	flushThreshold int
	trimEvery      int
	streamMaxLen   int64
	blockTimeout   time.Duration
	pruneEmpty     bool
	emptyMinLen    int
}

// NewEngine validates dependencies, applies tuning defaults, and constructs
// an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opEngineNew, errMissingStore)
	}
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opEngineNew, errMissingDatabase)
	}
	queue := cfg.Queue
	if queue == nil {
		queue = NewPendingQueue()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	engine := &Engine{
		store:          cfg.Store,
		db:             cfg.Database,
		versions:       cfg.Versions,
		queue:          queue,
		clock:          clock,
		logger:         logger,
		enabled:        cfg.Enabled,
		batchSize:      cfg.BatchSize,
		escalatedBatch: cfg.EscalatedBatch,
		probeSize:      cfg.ProbeSize,
		maxBatch:       cfg.MaxBatch,
		flushThreshold: cfg.FlushThreshold,
		trimEvery:      cfg.TrimEvery,
		streamMaxLen:   cfg.StreamMaxLen,
		blockTimeout:   cfg.BlockTimeout,
		pruneEmpty:     cfg.PruneEmpty,
		emptyMinLen:    cfg.EmptyMinLen,
	}
	if engine.batchSize <= 0 {
		engine.batchSize = defaultBatchSize
	}
	if engine.escalatedBatch <= 0 {
		engine.escalatedBatch = defaultEscalatedBatch
	}
	if engine.probeSize <= 0 {
		engine.probeSize = defaultProbeSize
	}
	if engine.maxBatch <= 0 {
		engine.maxBatch = defaultMaxBatch
	}
	if engine.flushThreshold <= 0 {
		engine.flushThreshold = defaultFlushThreshold
	}
	if engine.trimEvery <= 0 {
		engine.trimEvery = defaultTrimEvery
	}
	if engine.streamMaxLen <= 0 {
		engine.streamMaxLen = defaultStreamMaxLen
	}
	if engine.blockTimeout <= 0 {
		engine.blockTimeout = defaultBlockTimeout
	}
	if engine.emptyMinLen <= 0 {
		engine.emptyMinLen = defaultEmptyMinLen
	}
	return engine, nil
}

// Stats counts the outcomes of committed flushes.
type Stats struct {
	Upserts      int64 `json:"upserts"`
	Purges       int64 `json:"purges"`
	SkippedEmpty int64 `json:"skipped_empty"`
	Seen         int64 `json:"seen"`
}

func (s *Stats) add(other Stats) {
	s.Upserts += other.Upserts
	s.Purges += other.Purges
	s.SkippedEmpty += other.SkippedEmpty
	s.Seen += other.Seen
}

// PassResult reports one replay pass: events processed and commit outcomes.
type PassResult struct {
	Processed int   `json:"processed"`
	Stats     Stats `json:"stats"`
}

// RunOnce executes a bounded single pass, suitable for a request cycle: no
// blocking read, one adaptive batch, one commit, then cursor advance. The
// batch escalates from the base size only when a probe read returns a
// completely full page, signaling backlog.
func (e *Engine) RunOnce(ctx context.Context) (PassResult, error) {
	if !e.enabled {
		return PassResult{}, ErrDisabled
	}

	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return PassResult{}, fmt.Errorf("%s: %w", opRunOnce, err)
	}

	batchSize := e.batchSize
	probe, err := e.store.ReadAfter(ctx, cursor, 1)
	if err != nil {
		return PassResult{}, fmt.Errorf("%s: %w", opRunOnce, err)
	}
	if len(probe) == 1 {
		saturation, err := e.store.ReadAfter(ctx, cursor, e.probeSize)
		if err != nil {
			return PassResult{}, fmt.Errorf("%s: %w", opRunOnce, err)
		}
		if int64(len(saturation)) == e.probeSize {
			batchSize = e.escalatedBatch
		}
	}

	events, err := e.store.ReadAfter(ctx, cursor, batchSize)
	if err != nil {
		return PassResult{}, fmt.Errorf("%s: %w", opRunOnce, err)
	}
	if len(events) == 0 {
		return PassResult{}, nil
	}

	var result PassResult
	lastID := cursor
	for _, event := range events {
		if event.CardID() == "" {
			lastID = event.ID
			continue
		}
		if size := e.queue.Add(event.CardID()); size >= e.flushThreshold {
			stats, err := e.commitPending(ctx)
			if err != nil {
				return result, fmt.Errorf("%s: %w", opRunOnce, err)
			}
			result.Stats.add(stats)
		}
		lastID = event.ID
		result.Processed++
	}

	stats, err := e.commitPending(ctx)
	if err != nil {
		return result, fmt.Errorf("%s: %w", opRunOnce, err)
	}
	result.Stats.add(stats)

	if err := e.advance(ctx, lastID); err != nil {
		return result, fmt.Errorf("%s: %w", opRunOnce, err)
	}
	return result, nil
}

// Run is the long-lived poll loop. Store errors during reads are retried with
// exponential backoff; a failed commit aborts only the current flush, leaving
// the cursor unmoved so the window is naturally retried. On cancellation the
// loop finishes the in-flight commit before exiting.
func (e *Engine) Run(ctx context.Context) error {
	if !e.enabled {
		return ErrDisabled
	}

	e.logger.Info("replay loop starting")
	processedSinceTrim := 0

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("replay loop exiting")
			return nil
		default:
		}

		cursor, err := e.store.Cursor(ctx)
		if err != nil {
			e.logError(opRunLoop, "cursor_read_failed", err)
			if !e.sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		events, err := e.readBatch(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				e.logger.Info("replay loop exiting")
				return nil
			}
			e.logError(opRunLoop, "stream_read_failed", err)
			continue
		}
		if len(events) == 0 {
			blocked, err := e.store.ReadBlocking(ctx, cursor, e.batchSize/2, e.blockTimeout)
			if err != nil {
				if ctx.Err() != nil {
					e.logger.Info("replay loop exiting")
					return nil
				}
				e.logError(opRunLoop, "stream_block_failed", err)
				if !e.sleep(ctx, 500*time.Millisecond) {
					return nil
				}
			}
			events = blocked
			if len(events) == 0 {
				continue
			}
		}

		// Greedy accumulation while the stream keeps returning full pages.
		for len(events) < e.maxBatch {
			more, err := e.store.ReadAfter(ctx, events[len(events)-1].ID, e.batchSize)
			if err != nil {
				e.logError(opRunLoop, "stream_read_failed", err)
				break
			}
			if len(more) == 0 {
				break
			}
			events = append(events, more...)
			if int64(len(more)) < e.batchSize {
				break
			}
		}

		processed := 0
		lastID := cursor
		commitFailed := false
		for _, event := range events {
			if event.CardID() == "" {
				lastID = event.ID
				continue
			}
			if size := e.queue.Add(event.CardID()); size >= e.flushThreshold {
				if _, err := e.commitPending(ctx); err != nil {
					e.logError(opRunLoop, "commit_failed", err)
					commitFailed = true
					break
				}
			}
			lastID = event.ID
			processed++
		}
		if commitFailed {
			if !e.sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		if _, err := e.commitPending(ctx); err != nil {
			e.logError(opRunLoop, "commit_failed", err)
			if !e.sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		if processed > 0 {
			if err := e.advance(ctx, lastID); err != nil {
				e.logError(opRunLoop, "cursor_advance_failed", err)
				continue
			}
			processedSinceTrim += processed
			e.logger.Debug("replay batch flushed",
				zap.Int("processed", processed), zap.String("last_id", lastID))
			if processedSinceTrim >= e.trimEvery {
				processedSinceTrim = 0
				if err := e.store.TrimApprox(ctx, e.streamMaxLen); err != nil {
					e.logError(opRunLoop, "trim_failed", err)
				}
			}
		}
	}
}

// readBatch reads the next page after the cursor, retrying transient store
// errors with exponential backoff.
func (e *Engine) readBatch(ctx context.Context, cursor string) ([]faststore.Event, error) {
	var events []faststore.Event
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		batch, err := e.store.ReadAfter(ctx, cursor, e.batchSize)
		if err != nil {
			return err
		}
		events = batch
		return nil
	}, backoff.WithMaxRetries(policy, 5))
	if err != nil {
		return nil, err
	}
	return events, nil
}

// commitPending drains the coalescing queue and commits it in one relational
// transaction. For every pending id the card's current fast-store state is
// re-read at commit time: the stream only signals that something changed, the
// fast store holds the truth. A failed transaction requeues the drained ids.
func (e *Engine) commitPending(ctx context.Context) (Stats, error) {
	ids := e.queue.Drain()
	if len(ids) == 0 {
		return Stats{}, nil
	}

	var stats Stats
	stats.Seen = int64(len(ids))

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			card, present, err := e.store.CardSnapshot(ctx, id)
			if err != nil {
				return fmt.Errorf("card snapshot %s: %w", id, err)
			}
			if !present {
				if err := database.DeleteCard(tx, id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				stats.Purges++
				continue
			}
			if e.pruneEmpty && len(strings.TrimSpace(card.Text)) < e.emptyMinLen {
				if err := database.DeleteCard(tx, id); err != nil {
					return fmt.Errorf("prune %s: %w", id, err)
				}
				stats.SkippedEmpty++
				continue
			}
			if err := database.UpsertCard(tx, database.CardRow{
				ID:         card.ID,
				Name:       card.Name,
				CategoryID: card.CategoryID,
				Text:       card.Text,
				Order:      card.Order,
				UpdatedAt:  card.UpdatedAt,
			}); err != nil {
				return fmt.Errorf("upsert %s: %w", id, err)
			}
			stats.Upserts++
			if e.versions != nil {
				if _, err := e.versions.CaptureTx(tx, card, database.VersionOriginFlush, false); err != nil {
					e.logError(opCommit, "version_capture_failed", err, zap.String("card_id", id))
				}
			}
		}
		return nil
	})
	if txErr != nil {
		e.queue.Requeue(ids)
		return Stats{}, txErr
	}
	return stats, nil
}

// advance persists the cursor and the last-flush watermark. Only called after
// a successful commit.
func (e *Engine) advance(ctx context.Context, lastID string) error {
	if err := e.store.SetCursor(ctx, lastID); err != nil {
		return err
	}
	if err := e.store.SetLastFlushAt(ctx, e.clock().Unix()); err != nil {
		return err
	}
	return nil
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("replay engine error", attrs...)
}
