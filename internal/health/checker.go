// Package health probes the daemon's collaborators (store, upstream
// provider) and reports a combined status for the health endpoint.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger is the connectivity probe the store backends expose.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Component is one probed collaborator with its check result.
type Component struct {
	Name      string        `json:"name"`
	Type      string        `json:"type"` // database, http
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Report is the combined outcome of one Check pass.
type Report struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// Config holds checker dependencies and timeouts.
type Config struct {
	Store           Pinger
	StoreBackend    string // sqlite|postgres, label only
	ProviderBaseURL string // empty for the loopback provider

	StoreTimeout    time.Duration
	HTTPTimeout     time.Duration
	MaxStoreLatency time.Duration
}

// Checker probes the configured collaborators.
type Checker struct {
	store           Pinger
	storeBackend    string
	providerBaseURL string

	storeTimeout    time.Duration
	httpTimeout     time.Duration
	maxStoreLatency time.Duration

	mu   sync.RWMutex
	last []Component
}

// New creates a Checker.
func New(cfg Config) *Checker {
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxStoreLatency == 0 {
		cfg.MaxStoreLatency = 100 * time.Millisecond
	}
	return &Checker{
		store:           cfg.Store,
		storeBackend:    cfg.StoreBackend,
		providerBaseURL: cfg.ProviderBaseURL,
		storeTimeout:    cfg.StoreTimeout,
		httpTimeout:     cfg.HTTPTimeout,
		maxStoreLatency: cfg.MaxStoreLatency,
	}
}

// Check runs all probes concurrently and returns the combined report.
func (c *Checker) Check(ctx context.Context) Report {
	var wg sync.WaitGroup
	results := make(chan Component, 4)

	if c.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkStore(ctx)
		}()
	}
	if c.providerBaseURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkProvider(ctx)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, 2)
	for comp := range results {
		components = append(components, comp)
	}

	c.mu.Lock()
	c.last = components
	c.mu.Unlock()

	return c.combine(components)
}

// LastReport returns the report from the most recent Check pass; a checker
// that has never run reports healthy.
func (c *Checker) LastReport() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.last) == 0 {
		return Report{Status: StatusHealthy, Timestamp: time.Now().UTC()}
	}
	return c.combine(c.last)
}

func (c *Checker) checkStore(ctx context.Context) Component {
	comp := Component{
		Name:      "store",
		Type:      "database",
		Timestamp: time.Now().UTC(),
	}
	if c.storeBackend != "" {
		comp.Name = "store_" + c.storeBackend
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	start := time.Now()
	err := c.store.Ping(pingCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "store unreachable"
		return comp
	}
	if comp.Latency > c.maxStoreLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("high latency: %v", comp.Latency)
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = "connected"
	return comp
}

// checkProvider only establishes reachability; any HTTP response counts,
// including 4xx from hitting the API base without credentials.
func (c *Checker) checkProvider(ctx context.Context) Component {
	comp := Component{
		Name:      "provider",
		Type:      "http",
		Timestamp: time.Now().UTC(),
	}

	client := &http.Client{Timeout: c.httpTimeout}
	req, err := http.NewRequestWithContext(ctx, "GET", c.providerBaseURL, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		return comp
	}

	start := time.Now()
	resp, err := client.Do(req)
	comp.Latency = time.Since(start)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "provider unreachable"
		return comp
	}
	defer resp.Body.Close()

	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("reachable (HTTP %d)", resp.StatusCode)
	return comp
}

// combine folds component statuses into the overall verdict. A failed store
// probe is fatal; everything else at most degrades the daemon, since the
// loopback provider keeps chats usable.
func (c *Checker) combine(components []Component) Report {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Type == "database" {
				overall = StatusUnhealthy
			} else if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return Report{
		Status:     overall,
		Timestamp:  time.Now().UTC(),
		Components: components,
	}
}
