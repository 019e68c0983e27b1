package database

// CardRow is the durable mirror of a fast-store card hash. The replay engine
// owns all writes to it when write-behind is enabled.
type CardRow struct {
	ID         string `gorm:"column:id;primaryKey;size:64;not null"`
	Name       string `gorm:"column:name;size:255;not null;default:''"`
	CategoryID string `gorm:"column:category_id;size:64;not null;default:'root';index:idx_cards_category_order,priority:1"`
	Text       string `gorm:"column:txt;type:text;not null"`
	Order      int    `gorm:"column:order;not null;default:0;index:idx_cards_category_order,priority:2"`
	UpdatedAt  int64  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CardRow) TableName() string {
	return "cards"
}

// CategoryRow is the durable category record. The root category is implicit
// and never stored.
type CategoryRow struct {
	ID        string `gorm:"column:id;primaryKey;size:64;not null"`
	Name      string `gorm:"column:name;size:255;not null"`
	Order     int    `gorm:"column:order;not null;default:0"`
	UpdatedAt int64  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CategoryRow) TableName() string {
	return "categories"
}

// Version snapshot origins.
const (
	VersionOriginFlush   = "flush"
	VersionOriginManual  = "manual"
	VersionOriginRestore = "restore"
)

// CardVersion is an immutable point-in-time snapshot of a card's content.
type CardVersion struct {
	VersionID  int64  `gorm:"column:version_id;primaryKey;autoIncrement"`
	CardID     string `gorm:"column:card_id;size:64;not null;index:idx_card_time,priority:1"`
	Name       string `gorm:"column:name;size:255;not null;default:''"`
	Text       string `gorm:"column:txt;type:text;not null"`
	Order      int    `gorm:"column:order;not null;default:0"`
	CapturedAt int64  `gorm:"column:captured_at;not null;index:idx_card_time,priority:2"`
	Origin     string `gorm:"column:origin;size:16;not null;default:'flush'"`
}

// TableName provides the explicit table binding for GORM.
func (CardVersion) TableName() string {
	return "card_versions"
}
