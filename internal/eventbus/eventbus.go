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

// Package eventbus provides lossy, non-blocking broadcast of job lifecycle
// events and pipeline log chunks to any number of SSE subscribers.
package eventbus

import (
	"sync"
	"time"
)

const (
	// jobEventsCap bounds each job-events subscriber's buffer.
	jobEventsCap = 100
	// logChunksCap bounds each log-chunks subscriber's buffer.
	logChunksCap = 1000
)

// JobEventType names the job lifecycle transition a JobEvent reports.
type JobEventType string

const (
	JobEventCreated JobEventType = "created"
	JobEventRunning JobEventType = "running"
	JobEventSuccess JobEventType = "success"
	JobEventFailed  JobEventType = "failed"
)

// JobEvent is broadcast on the job_events stream.
type JobEvent struct {
	EventType   JobEventType `json:"event_type"`
	JobID       string       `json:"job_id"`
	ProjectName string       `json:"project_name"`
	Branch      string       `json:"branch"`
	Timestamp   time.Time    `json:"timestamp"`
}

// LogChunk is broadcast on the log_chunks stream as step output is produced.
type LogChunk struct {
	JobID     string    `json:"job_id"`
	StepType  string    `json:"step_type"`
	Chunk     string    `json:"chunk"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans out JobEvent and LogChunk values to any number of subscribers.
// Broadcasts never block: a subscriber whose buffer is full silently drops
// the event rather than stalling the producer.
type Bus struct {
	mu sync.Mutex

	jobSubs []chan JobEvent
	logSubs []chan LogChunk
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// SubscribeJobs registers a new job-events subscriber and returns its
// channel along with an unsubscribe function. The channel is closed by
// unsubscribe, never by the bus itself.
func (b *Bus) SubscribeJobs() (ch <-chan JobEvent, unsubscribe func()) {
	c := make(chan JobEvent, jobEventsCap)

	b.mu.Lock()
	b.jobSubs = append(b.jobSubs, c)
	b.mu.Unlock()

	return c, func() { b.removeJobSub(c) }
}

// SubscribeLogs registers a new log-chunks subscriber and returns its
// channel along with an unsubscribe function.
func (b *Bus) SubscribeLogs() (ch <-chan LogChunk, unsubscribe func()) {
	c := make(chan LogChunk, logChunksCap)

	b.mu.Lock()
	b.logSubs = append(b.logSubs, c)
	b.mu.Unlock()

	return c, func() { b.removeLogSub(c) }
}

// PublishJobEvent broadcasts evt to every current job-events subscriber.
// Subscribers whose buffer is full miss the event; the bus never blocks.
func (b *Bus) PublishJobEvent(evt JobEvent) {
	b.mu.Lock()
	subs := make([]chan JobEvent, len(b.jobSubs))
	copy(subs, b.jobSubs)
	b.mu.Unlock()

	for _, c := range subs {
		select {
		case c <- evt:
		default:
		}
	}
}

// PublishLogChunk broadcasts chunk to every current log-chunks subscriber.
func (b *Bus) PublishLogChunk(chunk LogChunk) {
	b.mu.Lock()
	subs := make([]chan LogChunk, len(b.logSubs))
	copy(subs, b.logSubs)
	b.mu.Unlock()

	for _, c := range subs {
		select {
		case c <- chunk:
		default:
		}
	}
}

func (b *Bus) removeJobSub(target chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.jobSubs {
		if c == target {
			b.jobSubs = append(b.jobSubs[:i], b.jobSubs[i+1:]...)
			close(c)
			return
		}
	}
}

func (b *Bus) removeLogSub(target chan LogChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.logSubs {
		if c == target {
			b.logSubs = append(b.logSubs[:i], b.logSubs[i+1:]...)
			close(c)
			return
		}
	}
}
