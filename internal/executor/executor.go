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

// Package executor serializes pipeline execution through a single slot: at
// most one pipeline runs system-wide at any moment. There is no explicit
// queue; fairness among waiters comes from Go's mutex implementation.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Kaligraphy247/simple-git-cicd/internal/eventbus"
	"github.com/Kaligraphy247/simple-git-cicd/internal/metrics"
	"github.com/Kaligraphy247/simple-git-cicd/internal/pipeline"
	"github.com/Kaligraphy247/simple-git-cicd/pkg/cicd"
)

// Store is the subset of the job store the executor needs to transition a
// job between Queued, Running and its terminal state.
type Store interface {
	UpdateJobStatus(ctx context.Context, id string, status cicd.JobStatus) error
	CompleteJob(ctx context.Context, id string, status cicd.JobStatus, output, errMsg *string, completedAt time.Time) error
}

// Publisher is the subset of the event bus the executor needs to announce
// job lifecycle transitions.
type Publisher interface {
	PublishJobEvent(eventbus.JobEvent)
}

// Runner runs one project's pipeline to completion.
type Runner interface {
	Run(ctx context.Context, project cicd.Project, branch string, wh cicd.WebhookData, jobID string, mode pipeline.Mode) (pipeline.Result, error)
}

// Executor guarantees that at most one pipeline is running at a time. A
// background goroutine is spawned per submitted job; each one blocks on the
// single mutex before transitioning its job to Running.
type Executor struct {
	mu     sync.Mutex
	store  Store
	bus    Publisher
	runner Runner
	logger *slog.Logger

	wg sync.WaitGroup
}

// New builds an Executor.
func New(store Store, bus Publisher, runner Runner, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, bus: bus, runner: runner, logger: logger}
}

// Submission is the data needed to run one job's pipeline.
type Submission struct {
	Job     *cicd.Job
	Project cicd.Project
	Webhook cicd.WebhookData
	Mode    pipeline.Mode
}

// Submit spawns a background goroutine that waits for the execution slot,
// then runs the job's pipeline and persists its terminal state. Submit
// itself never blocks; ordering across jobs is the mutex's fairness, not an
// explicit queue.
func (e *Executor) Submit(ctx context.Context, sub Submission) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, sub)
	}()
}

func (e *Executor) run(ctx context.Context, sub Submission) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job := sub.Job
	logger := e.logger.With(slog.String("job_id", job.ID), slog.String("project", sub.Project.Name), slog.String("branch", job.Branch))

	// A panicking pipeline must still release the execution slot and leave
	// the job in a terminal state rather than taking the whole process down.
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("pipeline panicked", slog.Any("panic", rec))
			errMsg := fmt.Sprintf("pipeline panicked: %v", rec)
			if cerr := e.store.CompleteJob(ctx, job.ID, cicd.JobFailed, nil, &errMsg, time.Now().UTC()); cerr != nil {
				logger.Warn("failed to persist job completion after panic", slog.Any("error", cerr))
			}
			e.publish(eventbus.JobEventFailed, job)
		}
	}()

	if err := e.store.UpdateJobStatus(ctx, job.ID, cicd.JobRunning); err != nil {
		logger.Warn("failed to mark job running", slog.Any("error", err))
	}
	e.publish(eventbus.JobEventRunning, job)

	runStart := time.Now()
	result, err := e.runner.Run(ctx, sub.Project, job.Branch, sub.Webhook, job.ID, sub.Mode)

	completedAt := time.Now().UTC()
	elapsed := time.Since(runStart)

	if err != nil {
		errMsg := err.Error()
		if cerr := e.store.CompleteJob(ctx, job.ID, cicd.JobFailed, &result.Output, &errMsg, completedAt); cerr != nil {
			logger.Warn("failed to persist job completion", slog.Any("error", cerr))
		}
		e.publish(eventbus.JobEventFailed, job)
		metrics.ObserveJob(sub.Project.Name, string(cicd.JobFailed), elapsed)
		logger.Error("pipeline aborted", slog.Any("error", err))
		return
	}

	status := cicd.JobSuccess
	eventType := eventbus.JobEventSuccess
	var errMsg *string
	if !result.Success {
		status = cicd.JobFailed
		eventType = eventbus.JobEventFailed
		msg := result.ErrorSummary
		errMsg = &msg
	}

	if cerr := e.store.CompleteJob(ctx, job.ID, status, &result.Output, errMsg, completedAt); cerr != nil {
		logger.Warn("failed to persist job completion", slog.Any("error", cerr))
	}
	e.publish(eventType, job)
	metrics.ObserveJob(sub.Project.Name, string(status), elapsed)
	logger.Info("pipeline finished", slog.String("status", string(status)))
}

func (e *Executor) publish(eventType eventbus.JobEventType, job *cicd.Job) {
	if e.bus == nil {
		return
	}
	e.bus.PublishJobEvent(eventbus.JobEvent{
		EventType:   eventType,
		JobID:       job.ID,
		ProjectName: job.ProjectName,
		Branch:      job.Branch,
		Timestamp:   time.Now().UTC(),
	})
}

// AwaitIdle blocks until the execution slot is free, without running
// anything itself. It releases the slot before returning, so another job may
// acquire it immediately afterwards. Used by the reload endpoint so a
// configuration reload does not start while a pipeline is running.
func (e *Executor) AwaitIdle() {
	e.mu.Lock()
	e.mu.Unlock()
}

// Wait blocks until every submitted job's background goroutine has
// returned. Intended for graceful shutdown and tests.
func (e *Executor) Wait() {
	e.wg.Wait()
}
