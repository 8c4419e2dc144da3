package main

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

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Kaligraphy247/simple-git-cicd/internal/config"
	"github.com/Kaligraphy247/simple-git-cicd/internal/eventbus"
	"github.com/Kaligraphy247/simple-git-cicd/internal/executor"
	"github.com/Kaligraphy247/simple-git-cicd/internal/metrics"
	"github.com/Kaligraphy247/simple-git-cicd/internal/pipeline"
	"github.com/Kaligraphy247/simple-git-cicd/internal/ratelimit"
	"github.com/Kaligraphy247/simple-git-cicd/internal/store"
	"github.com/Kaligraphy247/simple-git-cicd/internal/webhook"
)

func main() {
	env := config.LoadEnv()

	logLevel := flag.String("log-level", env.LogLevel, "log level: debug|info|warn|error (defaults to LOG_LEVEL)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	logger.Info("starting dispatcher",
		slog.String("bind_address", env.BindAddress),
		slog.String("config_path", env.ConfigPath),
		slog.String("database_path", env.DatabasePath))

	registry := config.NewRegistry()
	if err := registry.Load(env.ConfigPath); err != nil {
		logger.Error("failed to load project configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, env.DatabasePath)
	if err != nil {
		logger.Error("failed to open job store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	bus := eventbus.New()
	limiter := ratelimit.New(logger)
	defer limiter.Stop()

	runner := pipeline.New(st, bus, logger)
	exec := executor.New(st, bus, runner, logger)

	handler := webhook.New(st, registry, limiter, bus, func(ctx context.Context, sub webhook.ExecutorSubmission) {
		exec.Submit(ctx, executor.Submission{Job: sub.Job, Project: sub.Project, Webhook: sub.Webhook, Mode: sub.Mode})
	}, logger)

	srv := &http.Server{
		Addr:              env.BindAddress,
		Handler:           newMux(handler, registry, exec, bus, env, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// SSE connections are intentionally long-lived; leave WriteTimeout and
		// IdleTimeout unset so streams are not force-closed.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", env.BindAddress))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server error", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
	exec.Wait()
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newMux(h *webhook.Handler, registry *config.Registry, exec *executor.Executor, bus *eventbus.Bus, env config.Env, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/webhook", h)
	mux.HandleFunc("/api/reload", reloadHandler(registry, exec, env, logger))
	mux.HandleFunc("/api/stream/jobs", streamJobsHandler(bus, logger))
	mux.HandleFunc("/api/stream/logs", streamLogsHandler(bus, logger))
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	return mux
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

// reloadHandler waits until the execution slot is free before reloading
// project configuration, so a reload does not start while a pipeline runs.
// The slot is not held during the reload itself: a queued pipeline may take
// it and run while the file is being read.
func reloadHandler(registry *config.Registry, exec *executor.Executor, env config.Env, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}

		exec.AwaitIdle()

		if err := registry.Load(env.ConfigPath); err != nil {
			logger.Error("failed to reload configuration", slog.Any("error", err))
			writeJSON(w, http.StatusInternalServerError, jsonError{Error: "config_defect", Message: err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
	}
}

func streamJobsHandler(bus *eventbus.Bus, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch, unsubscribe := bus.SubscribeJobs()
		defer unsubscribe()

		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := eventbus.WriteSSE(w, string(evt.EventType), evt); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

func streamLogsHandler(bus *eventbus.Bus, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch, unsubscribe := bus.SubscribeLogs()
		defer unsubscribe()

		for {
			select {
			case chunk, ok := <-ch:
				if !ok {
					return
				}
				if err := eventbus.WriteSSE(w, "log_chunk", chunk); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}
