// Package ledger tracks per-host request statistics used to rank candidate
// mirrors: how many requests are in flight against a host right now, how many
// cumulative seconds have been spent waiting on it, and whether it's one of
// the configured backup servers.
package ledger

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/hingebase/mahoraga-go/internal/logger"
)

const schemaVersion = 1

// persisted is the on-disk shape of statistics.json. Backup servers and
// concurrent-request counts are never serialized - they're derived from
// config and in-flight request bookkeeping respectively.
type persisted struct {
	SchemaVersion int            `json:"schema_version"`
	TotalSeconds  map[string]int `json:"total_seconds"`
}

// Ledger is the runtime statistics store. One Ledger is shared across the
// whole process; its persisted file may also be shared with sibling
// processes pointed at the same cache root, hence the OS-level flock guard
// around every write.
type Ledger struct {
	path string
	log  *logger.StyledLogger

	mu                 sync.Mutex
	totalSeconds       map[string]int
	concurrentRequests map[string]int
	backupServers      map[string]bool
}

// New creates a Ledger rooted at workDir/statistics.json, loading any
// existing file and marking the given hosts as backup servers (ranked last).
// log may be nil, falling back to the process-default logger.
func New(workDir string, backupServers []string, log *logger.StyledLogger) (*Ledger, error) {
	l := &Ledger{
		path:               filepath.Join(workDir, "statistics.json"),
		log:                log,
		totalSeconds:       map[string]int{},
		concurrentRequests: map[string]int{},
		backupServers:      map[string]bool{},
	}
	for _, h := range backupServers {
		l.backupServers[h] = true
	}

	// A corrupt or unreadable statistics file is never fatal - it's treated
	// as empty and the ledger starts cold, per the ledger's failure
	// semantics (statistics must never fail a request, including the
	// implicit "request" of starting the process).
	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		var p persisted
		if uerr := json.Unmarshal(data, &p); uerr != nil {
			l.log.Warn("statistics file is corrupt, starting with empty statistics", "path", l.path, "error", uerr)
		} else if p.TotalSeconds != nil {
			l.totalSeconds = p.TotalSeconds
		}
	case os.IsNotExist(err):
		// no prior statistics, start cold
	default:
		l.log.Warn("failed to read statistics file, starting with empty statistics", "path", l.path, "error", err)
	}

	return l, nil
}

// Key returns the ranking tuple for host: (isBackup, concurrency, seconds).
// Lower sorts first - the load balancer prefers non-backup hosts, then fewer
// in-flight requests, then less cumulative time spent.
func (l *Ledger) Key(host string) (isBackup bool, concurrency int, seconds int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backupServers[host], l.concurrentRequests[host], l.totalSeconds[host]
}

// KeyForURL is Key, extracting the host from a URL.
func (l *Ledger) KeyForURL(rawURL string) (isBackup bool, concurrency int, seconds int) {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	return l.Key(host)
}

// OnOpen records that a request against host has started.
func (l *Ledger) OnOpen(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.concurrentRequests[host]++
}

// OnClose records that a request against host has finished, after having
// been open for the given duration in rounded seconds. Durations under 1s
// are not persisted - only
// accumulated in-memory is decremented. Statistics persistence never fails
// a request: write errors are logged and swallowed here rather than
// returned to the caller.
func (l *Ledger) OnClose(host string, seconds int) {
	l.mu.Lock()
	l.concurrentRequests[host]--
	if l.concurrentRequests[host] < 0 {
		l.concurrentRequests[host] = 0
	}
	l.mu.Unlock()

	if seconds <= 0 {
		return
	}
	if err := l.update(host, seconds); err != nil {
		l.log.WarnWithHost("failed to persist statistics update", host, "error", err)
	}
}

// update durably adds seconds to host's total and persists the whole file,
// guarded by an OS-level advisory lock so multiple mahoraga processes
// sharing a cache root never interleave writes.
func (l *Ledger) update(host string, seconds int) error {
	fl := flock.New(l.path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", l.path, err)
	}
	defer fl.Unlock()

	l.mu.Lock()
	l.totalSeconds[host] += seconds
	snapshot := make(map[string]int, len(l.totalSeconds))
	for k, v := range l.totalSeconds {
		snapshot[k] = v
	}
	l.mu.Unlock()

	return writeAtomic(l.path, persisted{
		SchemaVersion: schemaVersion,
		TotalSeconds:  snapshot,
	})
}

// Snapshot returns an immutable copy of total_seconds for read-only callers.
func (l *Ledger) Snapshot() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.totalSeconds))
	for k, v := range l.totalSeconds {
		out[k] = v
	}
	return out
}

func writeAtomic(path string, p persisted) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".statistics-%d-*.json.tmp", rand.Int64()))
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
