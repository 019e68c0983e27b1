package cards

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateCardIDAcceptsHexAndUUID(testContext *testing.T) {
	valid := []string{
		"1111222233334444",
		strings.Repeat("a", 64),
		"ABCDEF0123456789",
		"9b2d8f0e-7c4a-4e1b-9f3d-2a6c8e0b4d1f",
	}
	for _, id := range valid {
		if err := ValidateCardID(id, false); err != nil {
			testContext.Fatalf("expected %q to validate, got %v", id, err)
		}
	}
}

func TestValidateCardIDRejectsMalformed(testContext *testing.T) {
	invalid := []string{
		"",
		"short",
		strings.Repeat("a", 65),
		"zzzz1111222233334444",
		"1111 222233334444",
	}
	for _, id := range invalid {
		err := ValidateCardID(id, false)
		if !errors.Is(err, ErrInvalidCardID) {
			testContext.Fatalf("expected %q to be rejected, got %v", id, err)
		}
	}
}

func TestValidateCardIDStrictRequiresUUIDv4(testContext *testing.T) {
	if err := ValidateCardID("9b2d8f0e-7c4a-4e1b-9f3d-2a6c8e0b4d1f", true); err != nil {
		testContext.Fatalf("expected v4 uuid to validate, got %v", err)
	}
	// Version nibble is 1, not 4.
	err := ValidateCardID("9b2d8f0e-7c4a-1e1b-9f3d-2a6c8e0b4d1f", true)
	if !errors.Is(err, ErrInvalidCardID) {
		testContext.Fatalf("expected non-v4 uuid to be rejected, got %v", err)
	}
	err = ValidateCardID("1111222233334444", true)
	if !errors.Is(err, ErrInvalidCardID) {
		testContext.Fatalf("expected hex id to be rejected in strict mode, got %v", err)
	}
}

func TestValidateTextBoundary(testContext *testing.T) {
	if err := ValidateText(strings.Repeat("x", 32), 32); err != nil {
		testContext.Fatalf("expected text at the limit to validate, got %v", err)
	}
	err := ValidateText(strings.Repeat("x", 33), 32)
	if !errors.Is(err, ErrTextTooLong) {
		testContext.Fatalf("expected oversized text to be rejected, got %v", err)
	}
}

func TestValidateTextCountsRunes(testContext *testing.T) {
	// Four runes, twelve bytes.
	if err := ValidateText("日本語で", 4); err != nil {
		testContext.Fatalf("expected rune-counted text to validate, got %v", err)
	}
}

func TestNormalizeCategoryID(testContext *testing.T) {
	if got := NormalizeCategoryID(""); got != RootCategoryID {
		testContext.Fatalf("expected empty id to normalize to root, got %q", got)
	}
	if got := NormalizeCategoryID("  "); got != RootCategoryID {
		testContext.Fatalf("expected blank id to normalize to root, got %q", got)
	}
	if got := NormalizeCategoryID("abc"); got != "abc" {
		testContext.Fatalf("expected non-blank id to pass through, got %q", got)
	}
}
