package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/renote/internal/database"
	"github.com/MarcoPoloResearchLab/renote/internal/faststore"
	"github.com/MarcoPoloResearchLab/renote/internal/health"
	"github.com/MarcoPoloResearchLab/renote/internal/replay"
	"github.com/MarcoPoloResearchLab/renote/internal/server"
	"github.com/MarcoPoloResearchLab/renote/internal/state"
	"github.com/MarcoPoloResearchLab/renote/internal/versions"
	"github.com/MarcoPoloResearchLab/renote/internal/writepath"
)

const jsonContentType = "application/json"

// TestWriteBehindFlow drives the full pipeline over HTTP: a save lands in the
// fast store and the stream, a flush commits it to the relational store, and a
// fast-store wipe followed by a state read proves cold-start hydration.
func TestWriteBehindFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	mini := miniredis.RunT(testContext)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	testContext.Cleanup(func() { client.Close() })
	store, err := faststore.New(client)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}

	databasePath := filepath.Join(testContext.TempDir(), "flow.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	handler := buildHandler(testContext, store, db)

	saveResponse := postJSON(testContext, handler, "/api/cards", map[string]interface{}{
		"id":   "1111222233334444",
		"name": "note",
		"text": "durable body",
	})
	if saveResponse.Code != http.StatusOK {
		testContext.Fatalf("save failed with %d: %s", saveResponse.Code, saveResponse.Body.String())
	}

	// Not yet flushed: lag is visible on the health endpoint.
	healthBody := getJSON(testContext, handler, "/api/health")
	if healthBody["lag"] != float64(1) {
		testContext.Fatalf("expected lag 1 before flush, got %v", healthBody["lag"])
	}

	flushResponse := postJSON(testContext, handler, "/api/flush", map[string]interface{}{})
	if flushResponse.Code != http.StatusOK {
		testContext.Fatalf("flush failed with %d: %s", flushResponse.Code, flushResponse.Body.String())
	}

	var row database.CardRow
	if err := db.Where("id = ?", "1111222233334444").Take(&row).Error; err != nil {
		testContext.Fatalf("expected committed row: %v", err)
	}
	if row.Text != "durable body" {
		testContext.Fatalf("unexpected committed text %q", row.Text)
	}

	healthBody = getJSON(testContext, handler, "/api/health")
	if healthBody["lag"] != float64(0) {
		testContext.Fatalf("expected lag 0 after flush, got %v", healthBody["lag"])
	}

	// Simulate a cache wipe: the next state read hydrates from the rows.
	mini.FlushAll()
	stateBody := getJSON(testContext, handler, "/api/state")
	cardList, ok := stateBody["cards"].([]interface{})
	if !ok || len(cardList) != 1 {
		testContext.Fatalf("expected hydrated card after cache wipe, got %v", stateBody["cards"])
	}
	card := cardList[0].(map[string]interface{})
	if card["text"] != "durable body" {
		testContext.Fatalf("expected hydrated body, got %v", card["text"])
	}
}

func buildHandler(testContext *testing.T, store *faststore.Store, db *gorm.DB) http.Handler {
	testContext.Helper()
	logger := zap.NewNop()

	assembler, err := state.NewAssembler(state.AssemblerConfig{Store: store, Database: db, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build assembler: %v", err)
	}
	writer, err := writepath.NewService(writepath.ServiceConfig{
		Store:       store,
		Database:    db,
		Clock:       time.Now,
		Logger:      logger,
		WriteBehind: true,
	})
	if err != nil {
		testContext.Fatalf("failed to build writer: %v", err)
	}
	versionService, err := versions.NewService(versions.ServiceConfig{
		Store:    store,
		Database: db,
		Writer:   writer,
		Logger:   logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build versions: %v", err)
	}
	engine, err := replay.NewEngine(replay.EngineConfig{
		Store:    store,
		Database: db,
		Versions: versionService,
		Queue:    replay.NewPendingQueue(),
		Logger:   logger,
		Enabled:  true,
	})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	estimator, err := health.NewEstimator(health.EstimatorConfig{Store: store, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build estimator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Assembler:   assembler,
		Writer:      writer,
		Engine:      engine,
		Estimator:   estimator,
		Versions:    versionService,
		Store:       store,
		Database:    db,
		Logger:      logger,
		WriteBehind: true,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func postJSON(testContext *testing.T, handler http.Handler, path string, payload map[string]interface{}) *httptest.ResponseRecorder {
	testContext.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		testContext.Fatalf("failed to marshal payload: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", jsonContentType)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func getJSON(testContext *testing.T, handler http.Handler, path string) map[string]interface{} {
	testContext.Helper()
	request := httptest.NewRequest(http.MethodGet, path, nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("GET %s failed with %d: %s", path, recorder.Code, recorder.Body.String())
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		testContext.Fatalf("failed to decode response %q: %v", path, err)
	}
	return decoded
}
