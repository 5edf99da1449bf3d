// Package grouplock serializes mutations of an ordinal group. Every create,
// cross-date move, and delete holds its group's lock for the whole
// read-count / assign-ordinal / write sequence; without it two writers can
// read the same count and collide on an ordinal.
package grouplock

import (
	"context"
	"sort"
)

// Locker acquires one or more group keys and returns a release function.
// Implementations acquire keys in sorted order, so two moves that touch the
// same pair of groups in opposite directions cannot deadlock.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (release func(), err error)
}

// GroupKey names the lock for one (owner, date) ordinal group.
func GroupKey(ownerID, date string) string {
	return ownerID + "@" + date
}

func normalize(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	sorted := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)
	return sorted
}
