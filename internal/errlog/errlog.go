// Package errlog implements the error collector of spec.md §4.11: a
// subscriber on the process-wide structured log stream at severity ≥
// ERROR, feeding the improvement loop's "error mode" gate. Grounded on
// original_source/bbclaw/core/error_collector.py's ErrorCollector (bounded
// ring buffer, dedup-by-origin-and-message within a 60s window, a
// self-recursion guard against the improvement loop's own logging), ported
// from a logging.Handler subclass to an internal/telemetry.ErrorSink
// installed via SetErrorSink — the Go structured logger's equivalent hook
// point.
package errlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	dedupWindow           = 60 * time.Second
	dedupStaleMultiplier  = 2
	maxRecords            = 50
	defaultMaxAgeMinutes  = 30
	improvementLoopOrigin = "improvement_loop"
)

// Record is one captured error, possibly representing several deduplicated
// occurrences (see Count).
type Record struct {
	ID        string
	Timestamp time.Time
	Origin    string
	Message   string
	Traceback string
	Count     int
	Resolved  bool
}

// Collector is a bounded, deduplicating in-memory store of ERROR-severity
// log records. The zero value is not usable; construct with New.
type Collector struct {
	mu      sync.Mutex
	records []*Record          // bounded ring, oldest first, capacity maxRecords
	dedup   map[string]*Record // "origin:message" -> most recent Record
}

// New returns an empty Collector.
func New() *Collector {
	return &Collector{dedup: make(map[string]*Record)}
}

// Capture is the internal/telemetry.ErrorSink that internal/app installs via
// telemetry.SetErrorSink, so it only receives records logged through
// telemetry.Error by the runtime itself. Every record whose origin is the
// improvement loop (to prevent self-feedback) is discarded.
func (c *Collector) Capture(ctx context.Context, origin, msg string, err error) {
	if origin == improvementLoopOrigin {
		return
	}

	message := msg
	var traceback string
	if err != nil {
		message = msg + ": " + err.Error()
		traceback = fmt.Sprintf("%+v", err)
	}

	key := origin + ":" + msg
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.dedup[key]; ok && !existing.Resolved && now.Sub(existing.Timestamp) < dedupWindow {
		existing.Count++
		existing.Timestamp = now
		return
	}

	rec := &Record{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Timestamp: now,
		Origin:    origin,
		Message:   message,
		Traceback: traceback,
		Count:     1,
	}
	c.records = append(c.records, rec)
	if len(c.records) > maxRecords {
		c.records = c.records[len(c.records)-maxRecords:]
	}
	c.dedup[key] = rec

	for k, v := range c.dedup {
		if now.Sub(v.Timestamp) > dedupWindow*dedupStaleMultiplier {
			delete(c.dedup, k)
		}
	}
}

// Unresolved returns every non-resolved record newer than maxAgeMinutes,
// oldest first. maxAgeMinutes <= 0 applies spec.md's default of 30.
func (c *Collector) Unresolved(maxAgeMinutes float64) []*Record {
	if maxAgeMinutes <= 0 {
		maxAgeMinutes = defaultMaxAgeMinutes
	}
	cutoff := time.Now().Add(-time.Duration(maxAgeMinutes * float64(time.Minute)))

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Record
	for _, r := range c.records {
		if !r.Resolved && !r.Timestamp.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// HasActionable reports whether any record is currently unresolved within
// the default max-age window.
func (c *Collector) HasActionable() bool {
	return len(c.Unresolved(defaultMaxAgeMinutes)) > 0
}

// MarkAllResolved resolves every currently tracked record, e.g. after a
// successful fix-mode improvement cycle merges.
func (c *Collector) MarkAllResolved() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		r.Resolved = true
	}
}

// FormatForPrompt renders the unresolved records as a multi-line block
// suitable for inclusion in an improvement-cycle prompt, or "" if none.
func (c *Collector) FormatForPrompt() string {
	records := c.Unresolved(defaultMaxAgeMinutes)
	if len(records) == 0 {
		return ""
	}

	now := time.Now()
	lines := []string{fmt.Sprintf("=== ACTIVE ERRORS (%d) ===\n", len(records))}
	for _, r := range records {
		age := now.Sub(r.Timestamp)
		var ageStr string
		if age < time.Minute {
			ageStr = fmt.Sprintf("%ds ago", int(age.Seconds()))
		} else {
			ageStr = fmt.Sprintf("%dmin ago", int(age.Minutes()))
		}

		header := fmt.Sprintf("[%s] %s (%s)", r.ID, r.Origin, ageStr)
		if r.Count > 1 {
			header += fmt.Sprintf(" x%d", r.Count)
		}
		lines = append(lines, header, r.Message)
		if r.Traceback != "" {
			lines = append(lines, "Traceback:\n"+r.Traceback)
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}
