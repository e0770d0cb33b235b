package shared

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CollapseSpaces trims s and folds inner whitespace runs into one space.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TitleName normalises a display name: collapsed spaces, each word capitalised.
// Existing capitals (e.g. "IT") are preserved.
func TitleName(s string) string {
	// Casers carry state, so one is built per call.
	return cases.Title(language.Und, cases.NoLower).String(CollapseSpaces(s))
}
