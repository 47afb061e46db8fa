// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import "strings"

// IsSQLiteBusy checks if the error is a SQLITE_BUSY or "database is locked"
// error. These are concurrency errors that typically warrant retry logic.
func IsSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// IsUniqueViolation checks if the error is a SQLite unique-constraint
// violation. When target is non-empty, the violation must name that
// table.column (e.g. "rooms.code") to match. Check-then-insert races rely
// on these violations as their backstop, so callers treat them as normal
// rejected-command outcomes rather than internal errors.
func IsUniqueViolation(err error, target string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return false
	}
	return target == "" || strings.Contains(msg, target)
}
