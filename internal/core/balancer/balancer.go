// Package balancer implements mahoraga's mirror selection: a lazily-pulled
// sequence of candidate URLs ranked by the ledger at the moment each one is
// pulled, not pre-sorted once up front. This matters because concurrency and
// cumulative-seconds counters change between pulls as other requests
// complete, so re-ranking at each step picks the mirror that's actually
// least loaded right now rather than one that looked best when the request
// started.
package balancer

import "github.com/hingebase/mahoraga-go/internal/core/ledger"

// Ranker reports the ranking tuple for a URL's host.
type Ranker interface {
	KeyForURL(rawURL string) (isBackup bool, concurrency int, seconds int)
}

var _ Ranker = (*ledger.Ledger)(nil)

// Next returns a closure that, each time it's called, removes and returns
// the best-ranked URL remaining in candidates. It returns ("", false) once
// every candidate has been consumed. A single candidate skips ranking
// entirely.
func Next(ranker Ranker, candidates []string) func() (string, bool) {
	remaining := append([]string(nil), candidates...)

	return func() (string, bool) {
		switch len(remaining) {
		case 0:
			return "", false
		case 1:
			url := remaining[0]
			remaining = nil
			return url, true
		}

		bestIdx := 0
		bestBackup, bestConcurrency, bestSeconds := ranker.KeyForURL(remaining[0])
		for i := 1; i < len(remaining); i++ {
			backup, concurrency, seconds := ranker.KeyForURL(remaining[i])
			if less(backup, concurrency, seconds, bestBackup, bestConcurrency, bestSeconds) {
				bestIdx, bestBackup, bestConcurrency, bestSeconds = i, backup, concurrency, seconds
			}
		}

		url := remaining[bestIdx]
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
		return url, true
	}
}

func less(aBackup bool, aConcurrency, aSeconds int, bBackup bool, bConcurrency, bSeconds int) bool {
	if aBackup != bBackup {
		return !aBackup // non-backup sorts before backup
	}
	if aConcurrency != bConcurrency {
		return aConcurrency < bConcurrency
	}
	return aSeconds < bSeconds
}

// All drains Next into a plain ranked slice, for callers that want the full
// order up front (e.g. tests) rather than pulling incrementally.
func All(ranker Ranker, candidates []string) []string {
	next := Next(ranker, candidates)
	out := make([]string, 0, len(candidates))
	for {
		url, ok := next()
		if !ok {
			return out
		}
		out = append(out, url)
	}
}
