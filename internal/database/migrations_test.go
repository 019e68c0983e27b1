package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsCardCategories(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := db.AutoMigrate(&CardRow{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	row := CardRow{ID: "11112222333344445555666677778888", Text: "hello", UpdatedAt: 100}
	if err := db.Create(&row).Error; err != nil {
		testContext.Fatalf("failed to insert card: %v", err)
	}
	if err := db.Model(&CardRow{}).Where("id = ?", row.ID).Update("category_id", "").Error; err != nil {
		testContext.Fatalf("failed to blank category: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored CardRow
	if err := db.Where("id = ?", row.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload card: %v", err)
	}
	if stored.CategoryID != "root" {
		testContext.Fatalf("expected backfilled root category, got %q", stored.CategoryID)
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationBackfillCardCategories).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CardRow{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		testContext.Fatalf("first apply failed: %v", err)
	}
	if err := applyMigrations(db, zap.NewNop()); err != nil {
		testContext.Fatalf("second apply failed: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count records: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one migration record, got %d", count)
	}
}
