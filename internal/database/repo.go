package database

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertCard inserts or fully overwrites a card row keyed by primary id. The
// all-field overwrite is what makes replay commits idempotent.
func UpsertCard(tx *gorm.DB, row CardRow) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "category_id", "txt", "order", "updated_at",
		}),
	}).Create(&row).Error
}

// DeleteCard removes a card row. Missing rows are not an error.
func DeleteCard(tx *gorm.DB, id string) error {
	return tx.Where("id = ?", id).Delete(&CardRow{}).Error
}

// ListCards returns every card row ordered by position, for cold-start hydration.
func ListCards(db *gorm.DB) ([]CardRow, error) {
	var rows []CardRow
	if err := db.Order(`"order" ASC`).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListCategories returns every category row ordered by position.
func ListCategories(db *gorm.DB) ([]CategoryRow, error) {
	var rows []CategoryRow
	if err := db.Order(`"order" ASC`).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpsertCategory inserts or overwrites a category row.
func UpsertCategory(db *gorm.DB, row CategoryRow) error {
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "order", "updated_at",
		}),
	}).Create(&row).Error
}

// DeleteCategory removes a category row.
func DeleteCategory(db *gorm.DB, id string) error {
	return db.Where("id = ?", id).Delete(&CategoryRow{}).Error
}

// CountCardsInCategory counts durable rows referencing a category. Used with
// the fast-store count to make category deletion conservative under replay lag.
func CountCardsInCategory(db *gorm.DB, categoryID string) (int64, error) {
	var count int64
	if err := db.Model(&CardRow{}).Where("category_id = ?", categoryID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Orphans returns durable rows absent from the supplied fast-store id set,
// most recently updated first. With no ids every row is reported.
func Orphans(db *gorm.DB, excludeIDs []string, limit int) ([]CardRow, error) {
	if limit <= 0 {
		limit = 500
	}
	query := db.Model(&CardRow{}).Order("updated_at DESC").Limit(limit)
	if len(excludeIDs) > 0 {
		query = query.Where("id NOT IN ?", excludeIDs)
	}
	var rows []CardRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
