// Package health computes a qualitative backlog status from the distance
// between the stream head and the replay cursor.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/renote/internal/faststore"
)

// Status values, ordered from healthy to alarming.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusBacklog  = "backlog"
)

var (
	errMissingStore = errors.New("fast store handle is required")
	noOpLogger      = zap.NewNop()
)

const (
	opEstimatorNew = "health.estimator.new"
	opCompute      = "health.compute"

	defaultOKThreshold       = 20
	defaultDegradedThreshold = 200
	defaultExpectedInterval  = 180 * time.Second
	defaultIntervalSlack     = 30 * time.Second
	lagScanChunk             = 200
	lagScanCap               = 2000
)

// EstimatorConfig carries the estimator's dependencies and thresholds.
type EstimatorConfig struct {
	Store  *faststore.Store
	Clock  func() time.Time
	Logger *zap.Logger

	OKThreshold       int
	DegradedThreshold int
	// BatchMode relaxes a backlog verdict while the time since the last flush
	// is within the expected scheduled-flush interval plus slack.
	BatchMode        bool
	ExpectedInterval time.Duration
	IntervalSlack    time.Duration
}

// Estimator answers status queries. Store errors degrade to zeroed figures,
// never a failed call.
type Estimator struct {
	store  *faststore.Store
	clock  func() time.Time
	logger *zap.Logger

	okThreshold       int
	degradedThreshold int
	batchMode         bool
	expectedInterval  time.Duration
	intervalSlack     time.Duration
}

// NewEstimator validates dependencies and constructs an Estimator.
func NewEstimator(cfg EstimatorConfig) (*Estimator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opEstimatorNew, errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	estimator := &Estimator{
		store:             cfg.Store,
		clock:             clock,
		logger:            logger,
		okThreshold:       cfg.OKThreshold,
		degradedThreshold: cfg.DegradedThreshold,
		batchMode:         cfg.BatchMode,
		expectedInterval:  cfg.ExpectedInterval,
		intervalSlack:     cfg.IntervalSlack,
	}
	if estimator.okThreshold <= 0 {
		estimator.okThreshold = defaultOKThreshold
	}
	if estimator.degradedThreshold <= 0 {
		estimator.degradedThreshold = defaultDegradedThreshold
	}
	if estimator.expectedInterval <= 0 {
		estimator.expectedInterval = defaultExpectedInterval
	}
	if estimator.intervalSlack <= 0 {
		estimator.intervalSlack = defaultIntervalSlack
	}
	return estimator, nil
}

// Report is the health snapshot returned to callers.
type Report struct {
	Status                string `json:"status"`
	Lag                   int    `json:"lag"`
	StreamLength          int64  `json:"stream_length"`
	LastFlushedID         string `json:"last_flushed_id"`
	SecondsSinceLastFlush *int64 `json:"seconds_since_last_flush"`
}

// Compute builds a health report. Lag is counted by paginated range reads
// capped at a maximum scan, so under pathological backlog it is a lower bound.
func (e *Estimator) Compute(ctx context.Context) Report {
	report := Report{Status: StatusOK, LastFlushedID: faststore.ZeroCursor}

	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		e.logWarn(opCompute, "cursor_read_failed", err)
	} else {
		report.LastFlushedID = cursor
	}

	if length, err := e.store.StreamLen(ctx); err != nil {
		e.logWarn(opCompute, "stream_length_failed", err)
	} else {
		report.StreamLength = length
	}

	report.Lag = e.countLag(ctx, report.LastFlushedID)
	report.Status = e.classify(report.Lag)

	if lastFlush, err := e.store.LastFlushAt(ctx); err != nil {
		e.logWarn(opCompute, "last_flush_read_failed", err)
	} else if lastFlush > 0 {
		since := e.clock().Unix() - lastFlush
		report.SecondsSinceLastFlush = &since
		if e.batchMode && report.Status == StatusBacklog {
			window := int64((e.expectedInterval + e.intervalSlack) / time.Second)
			if since <= window {
				// Between scheduled flushes a large lag is expected, not alarming.
				report.Status = StatusDegraded
			}
		}
	}

	return report
}

func (e *Estimator) classify(lag int) string {
	switch {
	case lag < e.okThreshold:
		return StatusOK
	case lag < e.degradedThreshold:
		return StatusDegraded
	default:
		return StatusBacklog
	}
}

func (e *Estimator) countLag(ctx context.Context, cursor string) int {
	pending := 0
	for pending < lagScanCap {
		slice, err := e.store.ReadAfter(ctx, cursor, lagScanChunk)
		if err != nil {
			e.logWarn(opCompute, "lag_scan_failed", err)
			return pending
		}
		if len(slice) == 0 {
			break
		}
		pending += len(slice)
		if len(slice) < lagScanChunk {
			break
		}
		cursor = slice[len(slice)-1].ID
	}
	return pending
}

func (e *Estimator) logWarn(operation, reason string, err error) {
	e.logger.Warn("health estimator degraded",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
}
