package cards

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// RootCategoryID is the implicit category every card belongs to by default.
// It is never persisted as a relational row and cannot be deleted.
const RootCategoryID = "root"

// DefaultMaxTextLen bounds card body size when no limit is configured.
const DefaultMaxTextLen = 262144

var (
	// ErrInvalidCardID indicates that a card identifier does not match the id policy.
	ErrInvalidCardID = errors.New("cards: invalid card id")
	// ErrTextTooLong indicates that a card body exceeds the configured maximum length.
	ErrTextTooLong = errors.New("cards: text too long")
	// ErrInvalidCategoryID indicates that a category identifier is malformed.
	ErrInvalidCategoryID = errors.New("cards: invalid category id")
)

var (
	hexIDPattern      = regexp.MustCompile(`^[0-9a-fA-F]{16,64}$`)
	categoryIDPattern = regexp.MustCompile(`^[0-9a-zA-Z_-]{1,64}$`)
)

// Card is the canonical in-memory card representation. The fast store keeps it
// as a hash; the relational store mirrors it as a row.
type Card struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Text       string `json:"text"`
	Order      int    `json:"order"`
	CategoryID string `json:"category_id"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Category groups cards. Order positions it among its siblings.
type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Order     int    `json:"order"`
	UpdatedAt int64  `json:"updated_at"`
}

// NormalizeCategoryID maps empty or blank identifiers to the implicit root category.
func NormalizeCategoryID(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RootCategoryID
	}
	return trimmed
}

// ValidateCardID enforces the id policy: a bare hex string of 16 to 64
// characters, or an RFC 4122 UUID. When requireUUID is set the policy tightens
// to version-4 UUIDs only.
func ValidateCardID(id string, requireUUID bool) error {
	if requireUUID {
		parsed, err := uuid.Parse(id)
		if err != nil || parsed.Version() != 4 {
			return fmt.Errorf("%w: %q is not a UUIDv4", ErrInvalidCardID, id)
		}
		return nil
	}
	if hexIDPattern.MatchString(id) {
		return nil
	}
	if _, err := uuid.Parse(id); err == nil && strings.Count(id, "-") == 4 {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidCardID, id)
}

// ValidateText bounds the card body by rune count. A body of exactly maxLen is
// accepted; one rune more is rejected.
func ValidateText(text string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxTextLen
	}
	if utf8.RuneCountInString(text) > maxLen {
		return fmt.Errorf("%w: exceeds %d characters", ErrTextTooLong, maxLen)
	}
	return nil
}

// ValidateCategoryID checks a normalized category identifier. The root id is
// always valid.
func ValidateCategoryID(id string) error {
	normalized := NormalizeCategoryID(id)
	if normalized == RootCategoryID {
		return nil
	}
	if !categoryIDPattern.MatchString(normalized) {
		return fmt.Errorf("%w: %q", ErrInvalidCategoryID, id)
	}
	return nil
}
