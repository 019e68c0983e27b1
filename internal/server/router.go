package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/renote/internal/cards"
	"github.com/MarcoPoloResearchLab/renote/internal/database"
	"github.com/MarcoPoloResearchLab/renote/internal/faststore"
	"github.com/MarcoPoloResearchLab/renote/internal/health"
	"github.com/MarcoPoloResearchLab/renote/internal/replay"
	"github.com/MarcoPoloResearchLab/renote/internal/state"
	"github.com/MarcoPoloResearchLab/renote/internal/versions"
	"github.com/MarcoPoloResearchLab/renote/internal/writepath"
)

var (
	errMissingAssembler = errors.New("state assembler dependency required")
	errMissingWriter    = errors.New("write path dependency required")
	errMissingEngine    = errors.New("replay engine dependency required")
	errMissingEstimator = errors.New("health estimator dependency required")
	errMissingVersions  = errors.New("versions service dependency required")
	errMissingStore     = errors.New("fast store dependency required")
	errMissingDatabase  = errors.New("database dependency required")
)

const (
	minTrimKeep     = 100
	defaultTrimKeep = 5000
	orphanLimit     = 500
)

// Dependencies wires the collaborator-facing surface to the engine.
type Dependencies struct {
	Assembler *state.Assembler
	Writer    *writepath.Service
	Engine    *replay.Engine
	Estimator *health.Estimator
	Versions  *versions.Service
	Store     *faststore.Store
	Database  *gorm.DB
	Logger    *zap.Logger

	WriteBehind     bool
	StreamMaxLen    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// NewHTTPHandler builds the gin router exposing the engine operations.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Assembler == nil {
		return nil, errMissingAssembler
	}
	if deps.Writer == nil {
		return nil, errMissingWriter
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Estimator == nil {
		return nil, errMissingEstimator
	}
	if deps.Versions == nil {
		return nil, errMissingVersions
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Database == nil {
		return nil, errMissingDatabase
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		assembler:    deps.Assembler,
		writer:       deps.Writer,
		engine:       deps.Engine,
		estimator:    deps.Estimator,
		versions:     deps.Versions,
		store:        deps.Store,
		db:           deps.Database,
		logger:       logger,
		writeBehind:  deps.WriteBehind,
		streamMaxLen: deps.StreamMaxLen,
	}

	api := router.Group("/api")
	api.Use(rateLimit(deps.Store, deps.RateLimitMax, deps.RateLimitWindow))
	api.GET("/state", handler.handleState)
	api.GET("/health", handler.handleHealth)
	api.GET("/metrics", handler.handleMetrics)
	api.GET("/history", handler.handleHistory)
	api.POST("/cards", handler.handleSaveCard)
	api.POST("/cards/bulk", handler.handleBulkSave)
	api.POST("/cards/delete", handler.handleDeleteCard)
	api.POST("/categories", handler.handleSaveCategory)
	api.POST("/categories/delete", handler.handleDeleteCategory)
	api.POST("/flush", handler.handleFlushOnce)
	api.POST("/trim", handler.handleTrimStream)
	api.GET("/cards/:id/versions", handler.handleListVersions)
	api.POST("/cards/:id/snapshot", handler.handleSnapshotNow)
	api.GET("/versions/:id", handler.handleGetVersion)
	api.POST("/versions/:id/restore", handler.handleRestoreVersion)

	return router, nil
}

type httpHandler struct {
	assembler    *state.Assembler
	writer       *writepath.Service
	engine       *replay.Engine
	estimator    *health.Estimator
	versions     *versions.Service
	store        *faststore.Store
	db           *gorm.DB
	logger       *zap.Logger
	writeBehind  bool
	streamMaxLen int64
}

func ok(c *gin.Context, payload gin.H) {
	body := gin.H{"ok": true}
	for key, value := range payload {
		body[key] = value
	}
	c.JSON(http.StatusOK, body)
}

func fail(c *gin.Context, status int, reason string) {
	c.JSON(status, gin.H{"ok": false, "error": reason})
}

// validationReason maps validator errors to the machine-readable reason
// strings of the wire contract.
func validationReason(err error) (string, bool) {
	switch {
	case errors.Is(err, cards.ErrInvalidCardID):
		return "invalid_id_format", true
	case errors.Is(err, cards.ErrTextTooLong):
		return "text_too_long", true
	case errors.Is(err, cards.ErrInvalidCategoryID):
		return "invalid_category_id", true
	default:
		return "", false
	}
}

func (h *httpHandler) handleState(c *gin.Context) {
	snapshot, err := h.assembler.AssembleState(c.Request.Context())
	if err != nil {
		h.logger.Error("state assembly failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "state_failed")
		return
	}
	if snapshot.Cards == nil {
		snapshot.Cards = []cards.Card{}
	}
	if snapshot.Categories == nil {
		snapshot.Categories = []cards.Category{}
	}
	ok(c, gin.H{
		"cards":      snapshot.Cards,
		"categories": snapshot.Categories,
		"updated_at": snapshot.UpdatedAt,
	})
}

type cardPayload struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Text       string `json:"text"`
	Order      int    `json:"order"`
	CategoryID string `json:"category_id"`
}

func (h *httpHandler) handleSaveCard(c *gin.Context) {
	var payload cardPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, http.StatusBadRequest, "invalid_json")
		return
	}
	if payload.ID == "" {
		fail(c, http.StatusBadRequest, "id required")
		return
	}
	updatedAt, err := h.writer.UpsertCard(c.Request.Context(), writepath.CardInput{
		ID:         payload.ID,
		Name:       payload.Name,
		Text:       payload.Text,
		Order:      payload.Order,
		CategoryID: payload.CategoryID,
	})
	if err != nil {
		if reason, isValidation := validationReason(err); isValidation {
			fail(c, http.StatusBadRequest, reason)
			return
		}
		h.logger.Error("card save failed", zap.String("card_id", payload.ID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "save_failed")
		return
	}
	ok(c, gin.H{
		"id":         payload.ID,
		"name":       payload.Name,
		"text":       payload.Text,
		"order":      payload.Order,
		"updated_at": updatedAt,
	})
}

type bulkSavePayload struct {
	Cards []cardPayload `json:"cards"`
}

func (h *httpHandler) handleBulkSave(c *gin.Context) {
	var payload bulkSavePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, http.StatusBadRequest, "cards must be array")
		return
	}
	inputs := make([]writepath.CardInput, 0, len(payload.Cards))
	for _, card := range payload.Cards {
		if card.ID == "" {
			continue
		}
		inputs = append(inputs, writepath.CardInput{
			ID:         card.ID,
			Name:       card.Name,
			Text:       card.Text,
			Order:      card.Order,
			CategoryID: card.CategoryID,
		})
	}
	updatedAt, err := h.writer.BulkUpsert(c.Request.Context(), inputs)
	if err != nil {
		h.logger.Error("bulk save failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "save_failed")
		return
	}
	ok(c, gin.H{"updated_at": updatedAt})
}

type idPayload struct {
	ID string `json:"id"`
}

func (h *httpHandler) handleDeleteCard(c *gin.Context) {
	var payload idPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.ID == "" {
		fail(c, http.StatusBadRequest, "id required")
		return
	}
	if err := h.writer.DeleteCard(c.Request.Context(), payload.ID); err != nil {
		h.logger.Error("card delete failed", zap.String("card_id", payload.ID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "delete_failed")
		return
	}
	ok(c, gin.H{"id": payload.ID})
}

type categoryPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

func (h *httpHandler) handleSaveCategory(c *gin.Context) {
	var payload categoryPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, http.StatusBadRequest, "invalid_json")
		return
	}
	category, err := h.writer.UpsertCategory(c.Request.Context(), payload.ID, payload.Name, payload.Order)
	if err != nil {
		if reason, isValidation := validationReason(err); isValidation {
			fail(c, http.StatusBadRequest, reason)
			return
		}
		h.logger.Error("category save failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "save_failed")
		return
	}
	ok(c, gin.H{"id": category.ID, "updated_at": category.UpdatedAt})
}

func (h *httpHandler) handleDeleteCategory(c *gin.Context) {
	var payload idPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.ID == "" {
		fail(c, http.StatusBadRequest, "id required")
		return
	}
	deleted, err := h.writer.DeleteCategory(c.Request.Context(), payload.ID)
	if err != nil {
		h.logger.Error("category delete failed", zap.String("category_id", payload.ID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "delete_failed")
		return
	}
	ok(c, gin.H{"deleted": deleted})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	report := h.estimator.Compute(c.Request.Context())
	ok(c, gin.H{
		"status":                   report.Status,
		"lag":                      report.Lag,
		"stream_length":            report.StreamLength,
		"last_flushed_id":          report.LastFlushedID,
		"seconds_since_last_flush": report.SecondsSinceLastFlush,
	})
}

func (h *httpHandler) handleMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	metrics := h.writer.Metrics(ctx)
	cursor, err := h.store.Cursor(ctx)
	if err != nil {
		cursor = faststore.ZeroCursor
	}
	var streamLen int64
	if length, err := h.store.StreamLen(ctx); err == nil {
		streamLen = length
	}
	ok(c, gin.H{
		"metrics":         metrics,
		"stream_length":   streamLen,
		"last_flushed_id": cursor,
	})
}

func (h *httpHandler) handleFlushOnce(c *gin.Context) {
	result, err := h.engine.RunOnce(c.Request.Context())
	if err != nil {
		if errors.Is(err, replay.ErrDisabled) {
			fail(c, http.StatusBadRequest, "write-behind disabled")
			return
		}
		h.logger.Error("flush pass failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "flush_failed")
		return
	}
	ok(c, gin.H{"flushed": result.Processed, "stats": result.Stats})
}

func (h *httpHandler) handleTrimStream(c *gin.Context) {
	if !h.writeBehind {
		fail(c, http.StatusBadRequest, "write-behind disabled")
		return
	}
	keep := int64(defaultTrimKeep)
	if h.streamMaxLen > 0 {
		keep = h.streamMaxLen
	}
	if raw := c.Query("keep"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			keep = parsed
		}
	}
	if keep < minTrimKeep {
		keep = minTrimKeep
	}
	if err := h.store.TrimApprox(c.Request.Context(), keep); err != nil {
		h.logger.Warn("stream trim failed", zap.Error(err))
	}
	ok(c, gin.H{"kept": keep})
}

// handleHistory lists relational rows absent from the fast-store indexes:
// crash-recovery leftovers the UI can offer to restore or purge.
func (h *httpHandler) handleHistory(c *gin.Context) {
	ctx := c.Request.Context()
	liveIDs, err := h.store.CardIDs(ctx, cards.RootCategoryID)
	if err != nil {
		h.logger.Warn("history index read failed", zap.Error(err))
	}
	if categoryIDs, err := h.store.CategoryIDs(ctx); err == nil {
		for _, categoryID := range categoryIDs {
			if ids, err := h.store.CardIDs(ctx, categoryID); err == nil {
				liveIDs = append(liveIDs, ids...)
			}
		}
	}
	rows, err := database.Orphans(h.db, liveIDs, orphanLimit)
	if err != nil {
		h.logger.Error("orphan query failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "history_failed")
		return
	}
	orphans := make([]cards.Card, 0, len(rows))
	for _, row := range rows {
		orphans = append(orphans, cards.Card{
			ID:         row.ID,
			Name:       row.Name,
			Text:       row.Text,
			Order:      row.Order,
			CategoryID: cards.NormalizeCategoryID(row.CategoryID),
			UpdatedAt:  row.UpdatedAt,
		})
	}
	ok(c, gin.H{"orphans": orphans})
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	cardID := c.Param("id")
	limit := 25
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	metas, err := h.versions.List(c.Request.Context(), cardID, limit)
	if err != nil {
		h.logger.Error("version list failed", zap.String("card_id", cardID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "versions_failed")
		return
	}
	if metas == nil {
		metas = []versions.Meta{}
	}
	ok(c, gin.H{"versions": metas})
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	versionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid_version_id")
		return
	}
	row, err := h.versions.Get(c.Request.Context(), versionID)
	if err != nil {
		h.logger.Error("version get failed", zap.Int64("version_id", versionID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "versions_failed")
		return
	}
	if row == nil {
		fail(c, http.StatusNotFound, "not found")
		return
	}
	ok(c, gin.H{
		"version_id":  row.VersionID,
		"card_id":     row.CardID,
		"name":        row.Name,
		"text":        row.Text,
		"order":       row.Order,
		"captured_at": row.CapturedAt,
		"origin":      row.Origin,
	})
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	versionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid_version_id")
		return
	}
	restored, err := h.versions.Restore(c.Request.Context(), versionID)
	if err != nil {
		h.logger.Error("version restore failed", zap.Int64("version_id", versionID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "restore_failed")
		return
	}
	if !restored {
		fail(c, http.StatusNotFound, "not found")
		return
	}
	ok(c, gin.H{"restored": versionID})
}

func (h *httpHandler) handleSnapshotNow(c *gin.Context) {
	cardID := c.Param("id")
	captured, err := h.versions.SnapshotNow(c.Request.Context(), cardID)
	if err != nil {
		h.logger.Error("manual snapshot failed", zap.String("card_id", cardID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "snapshot_failed")
		return
	}
	ok(c, gin.H{"captured": captured})
}
