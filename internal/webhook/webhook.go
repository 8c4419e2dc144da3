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

// Package webhook implements the dispatcher's only inbound HTTP surface for
// push events: verification, project matching, rate limiting, and handing
// the resulting job off to the executor.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Kaligraphy247/simple-git-cicd/internal/eventbus"
	"github.com/Kaligraphy247/simple-git-cicd/internal/metrics"
	"github.com/Kaligraphy247/simple-git-cicd/internal/pipeline"
	"github.com/Kaligraphy247/simple-git-cicd/internal/signature"
	"github.com/Kaligraphy247/simple-git-cicd/pkg/cicd"
)

const refHeadsPrefix = "refs/heads/"

// Store is the persistence surface the webhook handler needs: creating the
// Job row for a matched, admitted push.
type Store interface {
	CreateJob(ctx context.Context, job *cicd.Job) error
}

// ProjectFinder resolves a (name, branch) pair to its configured Project.
type ProjectFinder interface {
	FindProject(name, branch string) (cicd.Project, bool)
}

// RateLimiter is the subset of internal/ratelimit.Limiter the handler needs.
type RateLimiter interface {
	Check(key string, max int, windowSecs int) bool
}

// Publisher is the subset of the event bus the handler needs to announce a
// newly created job.
type Publisher interface {
	PublishJobEvent(eventbus.JobEvent)
}

// Executor runs a submitted job's pipeline out of band.
type Executor interface {
	Submit(ctx context.Context, sub ExecutorSubmission)
}

// ExecutorSubmission mirrors executor.Submission to avoid an import cycle
// between webhook and executor; the two structs are kept field-for-field
// compatible.
type ExecutorSubmission struct {
	Job     *cicd.Job
	Project cicd.Project
	Webhook cicd.WebhookData
	Mode    pipeline.Mode
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pushPayload is the subset of a GitHub-style push event the dispatcher
// reads.
type pushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		Name    string `json:"name"`
		HTMLURL string `json:"html_url"`
	} `json:"repository"`
	After      string `json:"after"`
	HeadCommit struct {
		Message string `json:"message"`
		Author  struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"author"`
	} `json:"head_commit"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// Handler wires the Webhook Intake component's dependencies.
type Handler struct {
	store    Store
	projects ProjectFinder
	limiter  RateLimiter
	bus      Publisher
	exec     func(ctx context.Context, sub ExecutorSubmission)
	logger   *slog.Logger
}

// New builds a Handler. exec is called to hand a created job off to the
// executor; it is a function rather than an interface so callers can adapt
// executor.Executor.Submit without an import cycle.
func New(store Store, projects ProjectFinder, limiter RateLimiter, bus Publisher, exec func(ctx context.Context, sub ExecutorSubmission), logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, projects: projects, limiter: limiter, bus: bus, exec: exec, logger: logger}
}

// ServeHTTP implements the nine-step webhook intake algorithm.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. A bare GET is a liveness/debug probe, not a delivery.
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// 2. Only push events are handled; anything else (ping, pull_request, ...)
	// is accepted and discarded.
	if r.Header.Get("X-GitHub-Event") != "push" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_body", Message: "could not read request body"})
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_json", Message: "request body must be valid JSON"})
		return
	}

	// 3. ref and repository.name are mandatory.
	if payload.Ref == "" || payload.Repository.Name == "" {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_request", Message: "ref and repository.name are required"})
		return
	}

	// 4. Strip refs/heads/ to recover the branch name.
	branch := strings.TrimPrefix(payload.Ref, refHeadsPrefix)

	// 5. Match a configured project by (name, branch).
	project, ok := h.projects.FindProject(payload.Repository.Name, branch)
	if !ok {
		metrics.ObserveWebhookRequest("unmatched", http.StatusNoContent)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// 6. Rate-limit keyed by project name.
	maxReq, windowSecs := project.RateLimit()
	if !h.limiter.Check(project.Name, maxReq, windowSecs) {
		metrics.ObserveWebhookRequest(project.Name, http.StatusTooManyRequests)
		writeJSON(w, http.StatusTooManyRequests, jsonError{Error: "throttled", Message: "rate limit exceeded for project"})
		return
	}

	// 7. Signature verification, when configured.
	if project.WithWebhookSecret {
		sigHeader := r.Header.Get("X-Hub-Signature-256")
		if sigHeader == "" {
			metrics.ObserveWebhookRequest(project.Name, http.StatusUnauthorized)
			writeJSON(w, http.StatusUnauthorized, jsonError{Error: "unauthorized", Message: "missing signature header"})
			return
		}
		if project.WebhookSecret == "" {
			h.logger.Error("project requires a webhook secret but none is configured", slog.String("project", project.Name))
			metrics.ObserveWebhookRequest(project.Name, http.StatusInternalServerError)
			writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "webhook secret not configured"})
			return
		}
		if !signature.Verify(project.WebhookSecret, body, sigHeader) {
			metrics.ObserveWebhookRequest(project.Name, http.StatusUnauthorized)
			writeJSON(w, http.StatusUnauthorized, jsonError{Error: "unauthorized", Message: "invalid signature"})
			return
		}
	}

	wh := cicd.WebhookData{
		CommitSHA:         payload.After,
		CommitMessage:     payload.HeadCommit.Message,
		CommitAuthorName:  payload.HeadCommit.Author.Name,
		CommitAuthorEmail: payload.HeadCommit.Author.Email,
		PusherName:        payload.Pusher.Name,
		RepositoryURL:     payload.Repository.HTMLURL,
	}

	// 8 & 9. Create and persist the Job row, broadcast, submit, respond.
	job := cicd.NewJob(project.Name, branch, wh)

	mode := pipeline.Execute
	if isDryRun(r) {
		mode = pipeline.DryRun
	}

	if err := h.store.CreateJob(r.Context(), job); err != nil {
		h.logger.Error("failed to persist job", slog.String("project", project.Name), slog.Any("error", err))
		metrics.ObserveWebhookRequest(project.Name, http.StatusInternalServerError)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "failed to create job"})
		return
	}

	if h.bus != nil {
		h.bus.PublishJobEvent(eventbus.JobEvent{
			EventType:   eventbus.JobEventCreated,
			JobID:       job.ID,
			ProjectName: job.ProjectName,
			Branch:      job.Branch,
			Timestamp:   time.Now().UTC(),
		})
	}

	// The handler returns as soon as this call returns, and net/http cancels
	// r.Context() the moment ServeHTTP does; the submitted pipeline must
	// outlive the request, so it gets a detached, server-lifetime context
	// rather than r.Context(). Per spec §5 the core imposes no cancellation
	// or wall-clock limit on subprocesses.
	h.exec(context.Background(), ExecutorSubmission{Job: job, Project: project, Webhook: wh, Mode: mode})

	metrics.ObserveWebhookRequest(project.Name, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "status": string(job.Status)})
}

func isDryRun(r *http.Request) bool {
	if r.URL.Query().Get("dry_run") == "true" {
		return true
	}
	return r.Header.Get("X-Dry-Run") != ""
}
