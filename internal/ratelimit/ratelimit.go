// Simple Git CI/CD is a single-node continuous-integration dispatcher.
// Copyright (C) 2026 Kaligraphy247
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package ratelimit implements a per-project sliding-window admission
// control used to throttle webhook intake.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often idle keys are swept from the limiter.
const DefaultCleanupInterval = 5 * time.Minute

// Limiter is a per-key sliding-window counter. Each key (a project name)
// tracks its own ordered sequence of admission timestamps.
type Limiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	interval time.Duration
	stop     chan struct{}
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Limiter and starts its background cleanup goroutine, which
// every cleanup interval deletes keys whose timestamp sequence is empty at
// that moment. The sweep does not prune old timestamps; only Check does.
func New(logger *slog.Logger) *Limiter {
	return newWithClock(logger, time.Now)
}

func newWithClock(logger *slog.Logger, now func() time.Time) *Limiter {
	l := &Limiter{
		requests: make(map[string][]time.Time),
		interval: DefaultCleanupInterval,
		stop:     make(chan struct{}),
		logger:   logger,
		now:      now,
	}
	go l.cleanupLoop()
	return l
}

// Check applies the sliding-window admission rule for key: timestamps older
// than now-windowSecs are dropped, and if the remaining count is below max
// the call is admitted (and now recorded); otherwise it is throttled.
func (l *Limiter) Check(key string, max int, windowSecs int) (admitted bool) {
	now := l.now()
	window := time.Duration(windowSecs) * time.Second

	l.mu.Lock()
	defer l.mu.Unlock()

	timestamps := l.requests[key]
	kept := timestamps[:0]
	for _, t := range timestamps {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}

	if len(kept) < max {
		kept = append(kept, now)
		l.requests[key] = kept
		return true
	}

	l.requests[key] = kept
	if l.logger != nil {
		l.logger.Warn("rate limit exceeded", slog.String("project", key), slog.Int("max", max), slog.Int("window_seconds", windowSecs))
	}
	return false
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, timestamps := range l.requests {
		if len(timestamps) == 0 {
			delete(l.requests, key)
		}
	}
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}
