// Package provider holds the ordered set of text-generation credentials and
// the rotation cursor shared by every concurrent response.
package provider

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Config is one credential/model pair. Order in the pool is rotation priority.
type Config struct {
	APIKey string `json:"apiKey"`
	Model  string `json:"model"`
}

// Valid reports whether both fields are set.
func (c Config) Valid() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.Model) != ""
}

// EmptyPoolError is returned by New when no usable provider remains after
// filtering. It is a startup failure, never a runtime one.
type EmptyPoolError struct {
	Dropped int
}

func (e *EmptyPoolError) Error() string {
	if e.Dropped > 0 {
		return fmt.Sprintf("provider pool is empty: all %d configured providers are missing a key or model", e.Dropped)
	}
	return "provider pool is empty: no providers configured"
}

// Cursor is a copy of the pool position taken by Snapshot.
type Cursor struct {
	index int
}

// Pool rotates through configs. All methods are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	configs []Config
	cursor  int
}

// New builds a pool from configs, dropping entries without a key or model.
func New(configs []Config, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	valid := make([]Config, 0, len(configs))
	for i, c := range configs {
		if !c.Valid() {
			logger.Warn("dropping incomplete provider config",
				"component", "provider",
				"position", i,
				"has_key", strings.TrimSpace(c.APIKey) != "",
				"model", c.Model,
			)
			continue
		}
		valid = append(valid, Config{APIKey: strings.TrimSpace(c.APIKey), Model: strings.TrimSpace(c.Model)})
	}
	if len(valid) == 0 {
		return nil, &EmptyPoolError{Dropped: len(configs)}
	}
	return &Pool{configs: valid}, nil
}

// Current returns the config under the cursor and its index.
func (p *Pool) Current() (Config, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configs[p.cursor], p.cursor
}

// Advance moves the cursor to the next provider, wrapping around.
func (p *Pool) Advance() {
	p.mu.Lock()
	p.cursor = (p.cursor + 1) % len(p.configs)
	p.mu.Unlock()
}

// Snapshot captures the cursor by value.
func (p *Pool) Snapshot() Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Cursor{index: p.cursor}
}

// Restore resets the cursor to a previous snapshot.
func (p *Pool) Restore(c Cursor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.index < 0 || c.index >= len(p.configs) {
		return
	}
	p.cursor = c.index
}

// Len is the number of usable providers.
func (p *Pool) Len() int {
	return len(p.configs)
}

// Models lists model identifiers in rotation order.
func (p *Pool) Models() []string {
	out := make([]string, len(p.configs))
	for i, c := range p.configs {
		out[i] = c.Model
	}
	return out
}
