package app

import (
	"context"
	"time"
)

// PruneJournal trims the journal to the newest maxCount records of each
// kind and drops records older than maxAge. Zero disables a bound. Returns
// number pruned.
func PruneJournal(ctx context.Context, j Journal, maxCount int, maxAge time.Duration) (int64, error) {
	if j == nil || (maxCount <= 0 && maxAge <= 0) {
		return 0, nil
	}
	if maxCount < 0 {
		maxCount = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return j.Prune(ctx, maxCount, maxAge)
}
