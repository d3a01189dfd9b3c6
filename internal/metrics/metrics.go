// Package metrics tracks stream and request counters and renders them in
// Prometheus text format. Manual tracking, no external dependencies.
package metrics

import (
	"sync"
	"time"
)

// Collector accumulates daemon metrics.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests    map[string]int64 // by endpoint
	totalRequestsDur map[string]int64 // total duration in ms
	requestErrors    map[string]int64 // by endpoint

	// Stream lifecycle
	streamsStarted     int64
	streamsCompleted   int64
	streamsFailed      int64
	streamsCancelled   map[string]int64 // by reason
	streamConflicts    int64            // sends rejected for an in-flight stream
	chunksPublished    int64
	charactersStreamed int64
	streamsByModel     map[string]int64

	// Persistence
	turnsPersisted int64
	persistErrors  int64

	// Rate limiting
	rateLimitHits int64

	startTime time.Time
}

// NewCollector creates a Collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:    make(map[string]int64),
		totalRequestsDur: make(map[string]int64),
		requestErrors:    make(map[string]int64),
		streamsCancelled: make(map[string]int64),
		streamsByModel:   make(map[string]int64),
		startTime:        time.Now(),
	}
}

// RecordRequest records one handled request.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordRequestError records a non-2xx response for an endpoint.
func (c *Collector) RecordRequestError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestErrors[endpoint]++
}

// RecordStreamStart records an admitted generation.
func (c *Collector) RecordStreamStart(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamsStarted++
	if model != "" {
		c.streamsByModel[model]++
	}
}

// RecordStreamConflict records a send rejected because a stream was in flight.
func (c *Collector) RecordStreamConflict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamConflicts++
}

// RecordChunk records one published fragment.
func (c *Collector) RecordChunk(fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunksPublished++
	c.charactersStreamed += int64(len(fragment))
}

// RecordStreamCompleted records a natural completion.
func (c *Collector) RecordStreamCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamsCompleted++
}

// RecordStreamFailed records an upstream failure.
func (c *Collector) RecordStreamFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamsFailed++
}

// RecordStreamCancelled records a cancellation with its reason.
func (c *Collector) RecordStreamCancelled(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamsCancelled[reason]++
}

// RecordTurnPersisted records a persisted assistant turn, or a persist error.
func (c *Collector) RecordTurnPersisted(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.persistErrors++
		return
	}
	c.turnsPersisted++
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitHits++
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime             int64
	TotalRequests      map[string]int64
	TotalRequestsDur   map[string]int64
	RequestErrors      map[string]int64
	StreamsStarted     int64
	StreamsCompleted   int64
	StreamsFailed      int64
	StreamsCancelled   map[string]int64
	StreamConflicts    int64
	ChunksPublished    int64
	CharactersStreamed int64
	StreamsByModel     map[string]int64
	TurnsPersisted     int64
	PersistErrors      int64
	RateLimitHits      int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Uptime:             int64(time.Since(c.startTime).Seconds()),
		TotalRequests:      copyMap(c.totalRequests),
		TotalRequestsDur:   copyMap(c.totalRequestsDur),
		RequestErrors:      copyMap(c.requestErrors),
		StreamsStarted:     c.streamsStarted,
		StreamsCompleted:   c.streamsCompleted,
		StreamsFailed:      c.streamsFailed,
		StreamsCancelled:   copyMap(c.streamsCancelled),
		StreamConflicts:    c.streamConflicts,
		ChunksPublished:    c.chunksPublished,
		CharactersStreamed: c.charactersStreamed,
		StreamsByModel:     copyMap(c.streamsByModel),
		TurnsPersisted:     c.turnsPersisted,
		PersistErrors:      c.persistErrors,
		RateLimitHits:      c.rateLimitHits,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
