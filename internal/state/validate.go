package state

import (
	"fmt"
	"strings"
)

const maxIDLength = 128

func validateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidState, kind)
	}
	if id != strings.TrimSpace(id) {
		return fmt.Errorf("%w: %s %q has surrounding whitespace", ErrInvalidState, kind, id)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalidState, kind, maxIDLength)
	}
	if strings.ContainsAny(id, "/\\\x00") || id == "." || id == ".." {
		return fmt.Errorf("%w: %s %q is not a valid identifier", ErrInvalidState, kind, id)
	}
	return nil
}

func ValidateAccountID(id string) error {
	return validateID("account id", id)
}

func validateUpdate(accountID string, update AccountUpdate) error {
	if update.Status != nil && !update.Status.Valid() {
		return fmt.Errorf("%w: unknown account status %q", ErrInvalidState, string(*update.Status))
	}
	if update.NextAccountID != nil {
		next := strings.TrimSpace(*update.NextAccountID)
		if next != "" {
			if err := validateID("next account id", next); err != nil {
				return err
			}
			if next == accountID {
				return fmt.Errorf("%w: account %s cannot rotate into itself", ErrInvalidState, accountID)
			}
		}
	}
	for name, doc := range map[string]Document{
		"positions":     update.Positions,
		"leverage_info": update.LeverageInfo,
		"entry_data":    update.EntryData,
	} {
		if _, err := normalizeDocument(doc); err != nil {
			return fmt.Errorf("%w: %s is not JSON-encodable: %v", ErrInvalidState, name, err)
		}
	}
	return nil
}
