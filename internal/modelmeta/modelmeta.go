package modelmeta

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"
)

// Entry describes one model in the catalog.
type Entry struct {
	Model            string `json:"model"`
	Provider         string `json:"provider,omitempty"`
	DisplayName      string `json:"display_name,omitempty"`
	ContextTokens    int    `json:"context_tokens,omitempty"`
	MaxCompletionCap int    `json:"max_completion_cap,omitempty"`
}

// Logger is a minimal logging interface.
type Logger interface {
	Printf(format string, args ...any)
}

// Store holds the loaded model catalog with simple lookups.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	source  string
	logger  Logger
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// SetLogger sets an optional logger for refresh warnings.
func (s *Store) SetLogger(l Logger) {
	s.logger = l
}

// Known reports whether the model appears in the catalog. An empty catalog
// accepts everything so a missing file never blocks chats.
func (s *Store) Known(model string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return true
	}
	_, ok := s.entries[normalize(model)]
	return ok
}

// MaxCompletionCap returns (cap, true) if known; otherwise (0, false).
func (s *Store) MaxCompletionCap(model string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[normalize(model)]
	if !ok || e.MaxCompletionCap <= 0 {
		return 0, false
	}
	return e.MaxCompletionCap, true
}

// Load refreshes the catalog from a local JSON file (array of Entry);
// returns the number of entries loaded.
func (s *Store) Load(path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("modelmeta: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return 0, err
	}
	s.apply(entries, path)
	return len(entries), nil
}

func (s *Store) apply(entries []Entry, src string) {
	m := make(map[string]Entry)
	for _, e := range entries {
		model := normalize(e.Model)
		if model == "" {
			continue
		}
		m[model] = e
	}
	s.mu.Lock()
	s.entries = m
	s.source = src
	s.mu.Unlock()
}

// StartAutoRefresh reloads the catalog from path on the given interval so
// catalog edits are picked up without a restart.
func (s *Store) StartAutoRefresh(path string, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if _, err := s.Load(path); err != nil && s.logger != nil {
		s.logger.Printf("modelmeta: initial load failed (%s): %v", path, err)
	}
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			if _, err := s.Load(path); err != nil && s.logger != nil {
				s.logger.Printf("modelmeta: periodic load failed (%s): %v", path, err)
			}
		}
	}()
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
