package errors

import (
	"sync"
	"time"
)

// ErrorRecord tracks occurrences of a specific error code
type ErrorRecord struct {
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Count     int       `json:"count"`
	TraceID   string    `json:"trace_id"`
	Reported  bool      `json:"reported"`
}

// SamplingRegistry rate-limits and deduplicates diagnostics by code
type SamplingRegistry struct {
	seen            map[string]*ErrorRecord
	mu              sync.RWMutex
	rateLimitWindow time.Duration
	retentionPeriod time.Duration
	lastCleanup     time.Time
}

// SamplingConfig configures the sampling registry
type SamplingConfig struct {
	RateLimitWindow time.Duration // Window for rate limiting repeats (default 5m)
	RetentionPeriod time.Duration // How long to keep records (default 24h)
}

// DefaultSamplingConfig returns default configuration
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		RateLimitWindow: 5 * time.Minute,
		RetentionPeriod: 24 * time.Hour,
	}
}

// NewSamplingRegistry creates a new sampling registry
func NewSamplingRegistry(cfg SamplingConfig) *SamplingRegistry {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 5 * time.Minute
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = 24 * time.Hour
	}

	return &SamplingRegistry{
		seen:            make(map[string]*ErrorRecord),
		rateLimitWindow: cfg.RateLimitWindow,
		retentionPeriod: cfg.RetentionPeriod,
		lastCleanup:     time.Now(),
	}
}

// ShouldReport determines whether a diagnostic should be emitted:
//   - Critical: always
//   - First occurrence of code: yes
//   - Repeat within window: no, just count
//   - Repeat after window: yes, with accumulated count
func (r *SamplingRegistry) ShouldReport(err *TracedError) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.maybeCleanup()

	record, exists := r.seen[err.Code]
	if !exists {
		r.seen[err.Code] = &ErrorRecord{
			FirstSeen: err.Timestamp,
			LastSeen:  err.Timestamp,
			Count:     1,
			TraceID:   err.TraceID,
			Reported:  true,
		}
		return true
	}

	if err.Severity == SeverityCritical {
		record.LastSeen = err.Timestamp
		record.Count++
		record.TraceID = err.TraceID
		return true
	}

	if err.Timestamp.Sub(record.LastSeen) < r.rateLimitWindow {
		record.Count++
		record.LastSeen = err.Timestamp
		return false
	}

	err.RepeatCount = record.Count
	record.LastSeen = err.Timestamp
	record.Count = 1
	record.TraceID = err.TraceID
	record.Reported = true

	return true
}

// GetRecord returns a copy of the record for an error code
func (r *SamplingRegistry) GetRecord(code string) *ErrorRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if record, ok := r.seen[code]; ok {
		c := *record
		return &c
	}
	return nil
}

// Clear removes all records
func (r *SamplingRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = make(map[string]*ErrorRecord)
}

// SamplingStats holds registry statistics
type SamplingStats struct {
	UniqueErrorCodes int           `json:"unique_error_codes"`
	TotalOccurrences int           `json:"total_occurrences"`
	RateLimitWindow  time.Duration `json:"rate_limit_window"`
}

// Stats returns statistics about the registry
func (r *SamplingRegistry) Stats() SamplingStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int
	for _, record := range r.seen {
		total += record.Count
	}

	return SamplingStats{
		UniqueErrorCodes: len(r.seen),
		TotalOccurrences: total,
		RateLimitWindow:  r.rateLimitWindow,
	}
}

// maybeCleanup drops stale records at most once an hour
func (r *SamplingRegistry) maybeCleanup() {
	now := time.Now()
	if now.Sub(r.lastCleanup) < time.Hour {
		return
	}
	r.lastCleanup = now

	for code, record := range r.seen {
		if now.Sub(record.LastSeen) > r.retentionPeriod {
			delete(r.seen, code)
		}
	}
}
