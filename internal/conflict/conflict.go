// Package conflict holds the last-write-wins comparator shared by the
// ingestion pipeline and the offline replay engine.
package conflict

import "fmt"

// ShouldApply reports whether an incoming write supersedes the stored row.
// The incoming write wins when its timestamp is strictly newer, or on an
// exact timestamp tie when it reached the server first (smaller receipt
// order). Timestamps and receipt orders are epoch milliseconds.
func ShouldApply(incomingTS, incomingOrder, storedTS, storedOrder int64) bool {
	if incomingTS != storedTS {
		return incomingTS > storedTS
	}
	return incomingOrder < storedOrder
}

// UpsertGuard returns the DO UPDATE ... WHERE clause equivalent of
// ShouldApply for a conditional upsert on table, so the decision happens
// inside one statement and is race-free under concurrent appliers.
func UpsertGuard(table, tsCol, orderCol string) string {
	return fmt.Sprintf(
		"excluded.%[2]s > %[1]s.%[2]s OR (excluded.%[2]s = %[1]s.%[2]s AND excluded.%[3]s < %[1]s.%[3]s)",
		table, tsCol, orderCol,
	)
}
